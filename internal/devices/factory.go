package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/scpi"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// Builder turns a descriptor into a driver.
type Builder interface {
	Build(desc types.DeviceDescriptor) (Device, error)
}

// Timeouts bound a single request/response exchange per transport.
type Timeouts struct {
	Modbus time.Duration
	SCPI   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Modbus: modbus.DefaultSettings().Timeout,
		SCPI:   scpi.DefaultSettings().Timeout,
	}
}

// Factory builds drivers on real serial transports, or on in-memory ones for
// simulated ports. Modbus descriptors on the same port share one bus.
type Factory struct {
	pool     *modbus.Pool
	timeouts Timeouts
	logger   *zap.Logger

	mu    sync.Mutex
	lines map[string]*scpi.MemoryLine
}

func NewFactory(pool *modbus.Pool, timeouts Timeouts, logger *zap.Logger) *Factory {
	return &Factory{
		pool:     pool,
		timeouts: timeouts,
		logger:   logger,
		lines:    make(map[string]*scpi.MemoryLine),
	}
}

func (f *Factory) Build(desc types.DeviceDescriptor) (Device, error) {
	switch desc.Family {
	case types.FamilyPeristalticA, types.FamilyPeristalticB, types.FamilyPlungerPump:
		return f.buildModbus(desc)
	case types.FamilyPowerSupply:
		return NewGPD(desc, f.line(desc), f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %q (device %s)", types.ErrUnknownFamily, desc.Family, desc.ID)
	}
}

func (f *Factory) buildModbus(desc types.DeviceDescriptor) (Device, error) {
	unit, err := unitID(desc)
	if err != nil {
		return nil, err
	}

	var bus modbus.Bus
	if desc.Simulated() {
		mem := f.pool.Memory(desc.Port)
		simulate(mem, desc.Family, unit)
		bus = mem
	} else {
		settings := modbus.DefaultSettings()
		if desc.Baud > 0 {
			settings.BaudRate = desc.Baud
		}
		if f.timeouts.Modbus > 0 {
			settings.Timeout = f.timeouts.Modbus
		}
		bus, err = f.pool.RTU(desc.Port, settings)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", desc.ID, err)
		}
	}

	switch desc.Family {
	case types.FamilyPeristalticA:
		return NewKamoer(desc, bus, f.logger)
	case types.FamilyPeristalticB:
		return NewLange(desc, bus, f.logger)
	default:
		return NewPlunger(desc, bus, f.logger)
	}
}

func (f *Factory) line(desc types.DeviceDescriptor) scpi.Line {
	if desc.Simulated() {
		f.mu.Lock()
		defer f.mu.Unlock()
		mem, ok := f.lines[desc.ID]
		if !ok {
			mem = scpi.NewMemoryLine(desc.Port, GPDChannels)
			f.lines[desc.ID] = mem
		}
		return mem
	}

	settings := scpi.DefaultSettings()
	if desc.Baud > 0 {
		settings.BaudRate = desc.Baud
	}
	if f.timeouts.SCPI > 0 {
		settings.Timeout = f.timeouts.SCPI
	}
	return scpi.NewSerialLine(desc.Port, settings, f.logger)
}

// MemoryBus returns the simulated bus behind port, or nil if the port is not
// simulated.
func (f *Factory) MemoryBus(port string) *modbus.MemoryBus {
	if !(types.DeviceDescriptor{Port: port}).Simulated() {
		return nil
	}
	return f.pool.Memory(port)
}

// SimulatedLine returns the emulated supply built for a simulated device.
func (f *Factory) SimulatedLine(deviceID string) *scpi.MemoryLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines[deviceID]
}
