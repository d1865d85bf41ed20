package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns the drivers of one bench, in descriptor order.
type Manager struct {
	devices map[string]Device
	order   []string
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager builds a driver for every descriptor. Duplicate ids, shared
// endpoints and descriptors the builder rejects fail the whole set.
func NewManager(builder Builder, descs []types.DeviceDescriptor, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		devices: make(map[string]Device, len(descs)),
		order:   make([]string, 0, len(descs)),
		logger:  logger,
	}

	if err := CheckEndpoints(descs); err != nil {
		return nil, err
	}
	for _, desc := range descs {
		if _, exists := m.devices[desc.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate device id %q", types.ErrInvalidCommand, desc.ID)
		}
		dev, err := builder.Build(desc)
		if err != nil {
			return nil, fmt.Errorf("failed to build device %s: %w", desc.ID, err)
		}
		m.devices[desc.ID] = dev
		m.order = append(m.order, desc.ID)
	}
	return m, nil
}

// ConnectAll connects every device. A device that fails stays in the set as
// disconnected; the returned error aggregates every failure.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var errs error
	for _, dev := range m.List() {
		if err := dev.Connect(ctx); err != nil {
			m.logger.Warn("Device connect failed",
				zap.String("device", dev.ID()),
				zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
	}
	return errs
}

// DisconnectAll disconnects every device, continuing past failures.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var errs error
	for _, dev := range m.List() {
		if err := dev.Disconnect(ctx); err != nil {
			m.logger.Warn("Device disconnect failed",
				zap.String("device", dev.ID()),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m *Manager) Get(id string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownDevice, id)
	}
	return dev, nil
}

func (m *Manager) List() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id])
	}
	return out
}

func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Connected counts devices with an open transport.
func (m *Manager) Connected() int {
	n := 0
	for _, dev := range m.List() {
		if dev.IsConnected() {
			n++
		}
	}
	return n
}
