// Package status polls a bench's devices into immutable snapshots.
package status

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/metrics"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// Source lists the devices to poll. *devices.Manager implements it.
type Source interface {
	List() []devices.Device
}

// Publisher builds one StatusSnapshot per poll. Device status reads never
// fail, so a poll always yields a complete snapshot.
type Publisher struct {
	bench     string
	source    Source
	collector metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	latest atomic.Pointer[types.StatusSnapshot]
}

func NewPublisher(bench string, source Source, collector metrics.Collector, logger *zap.Logger) *Publisher {
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Publisher{
		bench:     bench,
		source:    source,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
}

// Poll reads every device once and returns the snapshot. The snapshot is
// also kept as the latest one for Latest.
func (p *Publisher) Poll(ctx context.Context, loggable bool) types.StatusSnapshot {
	start := time.Now()

	devs := p.source.List()
	statuses := make(map[string]types.DeviceStatus, len(devs))
	for _, dev := range devs {
		st := dev.Status(ctx)
		statuses[dev.ID()] = st
		p.collector.SetDeviceState(p.bench, dev.ID(), st.Connected, st.IsRunning())
	}

	snap := types.NewSnapshot(p.now(), loggable, statuses)
	p.latest.Store(&snap)

	elapsed := time.Since(start)
	p.collector.ObservePoll(p.bench, elapsed)
	p.collector.IncSnapshot(p.bench, loggable)

	p.logger.Debug("Status polled",
		zap.Int("devices", len(devs)),
		zap.Bool("loggable", loggable),
		zap.Duration("elapsed", elapsed))

	return snap
}

// Latest returns the most recent snapshot, if any poll happened yet.
func (p *Publisher) Latest() (types.StatusSnapshot, bool) {
	snap := p.latest.Load()
	if snap == nil {
		return types.StatusSnapshot{}, false
	}
	return *snap, true
}
