// Package devicetest provides an in-process pump that records every call,
// for tests of the packages driving devices.
package devicetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// Pump is a devices.Device that always succeeds unless told otherwise.
type Pump struct {
	desc types.DeviceDescriptor

	mu         sync.Mutex
	connected  bool
	running    bool
	speed      float64
	calls      []string
	connectErr error
	failErr    error
}

var _ devices.Device = (*Pump)(nil)

func NewPump(id string) *Pump {
	return &Pump{desc: types.DeviceDescriptor{
		ID:      id,
		Family:  types.FamilyPeristalticA,
		Port:    types.SimulatedPort,
		Address: 1,
	}}
}

// FailConnect makes Connect return err.
func (p *Pump) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// FailCommands makes Start, Stop and SetParameters return err; nil clears it.
func (p *Pump) FailCommands(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Calls returns the recorded method names in call order.
func (p *Pump) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Count returns how often method was called.
func (p *Pump) Count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (p *Pump) ID() string                         { return p.desc.ID }
func (p *Pump) Descriptor() types.DeviceDescriptor { return p.desc }

func (p *Pump) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Pump) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "connect")
	if p.connectErr != nil {
		return fmt.Errorf("%w: connect %s: %w", types.ErrTransport, p.desc.ID, p.connectErr)
	}
	p.connected = true
	return nil
}

func (p *Pump) Disconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "disconnect")
	p.running = false
	p.connected = false
	return nil
}

func (p *Pump) check(method string) error {
	p.calls = append(p.calls, method)
	if !p.connected {
		return fmt.Errorf("%w: %w: %s", types.ErrTransport, types.ErrNotConnected, p.desc.ID)
	}
	if p.failErr != nil {
		return fmt.Errorf("%w: %s %s: %w", types.ErrTransport, method, p.desc.ID, p.failErr)
	}
	return nil
}

func (p *Pump) Start(_ context.Context, params types.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("start"); err != nil {
		return err
	}
	if params.SpeedRPM != nil {
		p.speed = *params.SpeedRPM
	}
	p.running = true
	return nil
}

func (p *Pump) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("stop"); err != nil {
		return err
	}
	p.running = false
	return nil
}

func (p *Pump) SetParameters(_ context.Context, params types.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("set_parameters"); err != nil {
		return err
	}
	if params.SpeedRPM != nil {
		p.speed = *params.SpeedRPM
	}
	return nil
}

func (p *Pump) Status(context.Context) types.DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := types.IdleStatus(p.desc.Family, p.connected)
	if p.connected {
		st.Pump.IsRunning = p.running
		if p.running {
			st.Pump.SpeedRPM = p.speed
		}
	}
	return st
}

func (p *Pump) Setpoints() devices.Setpoints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return devices.Setpoints{Running: p.running, SpeedRPM: p.speed}
}

// Registry is a fixed device set satisfying the dispatcher's and
// publisher's lookup needs.
type Registry struct {
	order []devices.Device
}

func NewRegistry(devs ...devices.Device) *Registry {
	return &Registry{order: devs}
}

func (r *Registry) Get(id string) (devices.Device, error) {
	for _, d := range r.order {
		if d.ID() == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrUnknownDevice, id)
}

func (r *Registry) List() []devices.Device {
	return append([]devices.Device(nil), r.order...)
}
