package status

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/devices/devicetest"
	"github.com/KevinKickass/OpenBenchCore/internal/metrics"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublisherPollsEveryDevice(t *testing.T) {
	ctx := context.Background()
	running := devicetest.NewPump("a")
	offline := devicetest.NewPump("b")
	require.NoError(t, running.Connect(ctx))
	require.NoError(t, running.Start(ctx, types.Params{SpeedRPM: types.Float(55)}))

	p := NewPublisher("bench", devicetest.NewRegistry(running, offline), nil, zaptest.NewLogger(t))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	_, ok := p.Latest()
	assert.False(t, ok)

	snap := p.Poll(ctx, true)
	assert.Equal(t, fixed, snap.Timestamp)
	assert.True(t, snap.Loggable)
	require.Len(t, snap.Devices, 2)
	assert.True(t, snap.Devices["a"].Pump.IsRunning)
	assert.Equal(t, 55.0, snap.Devices["a"].Pump.SpeedRPM)
	assert.False(t, snap.Devices["b"].Connected)

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, snap, latest)
}

func TestSnapshotsAreIndependentValues(t *testing.T) {
	ctx := context.Background()
	pump := devicetest.NewPump("a")
	require.NoError(t, pump.Connect(ctx))
	p := NewPublisher("bench", devicetest.NewRegistry(pump), metrics.NewPrometheusCollector(), zaptest.NewLogger(t))

	first := p.Poll(ctx, false)
	require.NoError(t, pump.Start(ctx, types.Params{SpeedRPM: types.Float(10)}))
	second := p.Poll(ctx, false)

	assert.False(t, first.Devices["a"].Pump.IsRunning, "earlier snapshot is not updated by later polls")
	assert.True(t, second.Devices["a"].Pump.IsRunning)
}

func TestCadence(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c := NewCadence(time.Second, t0)

	assert.True(t, c.Due(t0))
	assert.False(t, c.Due(t0.Add(500*time.Millisecond)))
	assert.True(t, c.Due(t0.Add(time.Second)))
	assert.False(t, c.Due(t0.Add(1500*time.Millisecond)))

	// A stall skips missed ticks.
	assert.True(t, c.Due(t0.Add(10*time.Second)))
	assert.False(t, c.Due(t0.Add(10*time.Second+100*time.Millisecond)))
	assert.True(t, c.Due(t0.Add(11*time.Second)))
}

func TestCadenceSetInterval(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c := NewCadence(30*time.Second, t0.Add(30*time.Second))

	require.ErrorIs(t, c.SetInterval(0, t0), types.ErrInvalidCommand)
	require.ErrorIs(t, c.SetInterval(-time.Second, t0), types.ErrInvalidCommand)
	assert.Equal(t, 30*time.Second, c.Interval())

	require.NoError(t, c.SetInterval(5*time.Second, t0))
	assert.False(t, c.Due(t0.Add(4*time.Second)))
	assert.True(t, c.Due(t0.Add(5*time.Second)))
	assert.Equal(t, 5*time.Second, c.Interval())
}
