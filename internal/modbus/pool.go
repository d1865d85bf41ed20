package modbus

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// Pool hands out one Bus per serial port so descriptors on the same RS-485
// segment share a handle and its lock.
type Pool struct {
	mu       sync.Mutex
	buses    map[string]Bus
	settings map[string]Settings
	logger   *zap.Logger
}

func NewPool(logger *zap.Logger) *Pool {
	return &Pool{
		buses:    make(map[string]Bus),
		settings: make(map[string]Settings),
		logger:   logger,
	}
}

// RTU returns the RTU bus for port, creating it on first use. Asking for the
// same port with a different line setup is an error.
func (p *Pool) RTU(port string, settings Settings) (Bus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bus, ok := p.buses[port]; ok {
		if existing := p.settings[port]; !existing.Compatible(settings) {
			return nil, fmt.Errorf("%w: port %s already configured at %d baud, requested %d",
				types.ErrTransport, port, existing.BaudRate, settings.BaudRate)
		}
		return bus, nil
	}

	bus := NewRTUBus(port, settings, p.logger)
	p.buses[port] = bus
	p.settings[port] = settings
	return bus, nil
}

// Memory returns the simulated bus for port, creating it on first use.
func (p *Pool) Memory(port string) *MemoryBus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bus, ok := p.buses[port]; ok {
		if mem, ok := bus.(*MemoryBus); ok {
			return mem
		}
	}
	mem := NewMemoryBus(port)
	p.buses[port] = mem
	return mem
}

// Ports lists the ports currently known to the pool.
func (p *Pool) Ports() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.buses))
	for port := range p.buses {
		out = append(out, port)
	}
	return out
}
