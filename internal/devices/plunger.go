package devices

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenBenchCore/internal/codec"
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// Oushisheng plunger pump register map (PlungerPump).
const (
	PlungerDefaultAddress = 55

	plungerRegFlow          uint16 = 0x0001 // ml/min x1000
	plungerRegPressureLimit uint16 = 0x0002 // MPa x10
	plungerRegPressure      uint16 = 0x0004 // MPa x10
	plungerRegStart         uint16 = 0x0005
	plungerRegZeroPressure  uint16 = 0x0006
	plungerRegStop          uint16 = 0x0007
	plungerRegFlowReadback  uint16 = 0x000B // ml/min x1000
	plungerRegRunning       uint16 = 0x000E // 1 = running

	plungerFlowScale     = 1000
	plungerPressureScale = 10

	plungerTrigger uint16 = 1
)

// Plunger drives the plunger pump. Start, stop and zero-pressure are pulsed
// triggers: writing 1 to the register fires the action.
type Plunger struct {
	base
	bus  modbus.Bus
	unit uint8

	flow          float64
	pressureLimit float64
	running       bool
}

func NewPlunger(desc types.DeviceDescriptor, bus modbus.Bus, logger *zap.Logger) (*Plunger, error) {
	unit, err := unitID(desc)
	if err != nil {
		return nil, err
	}
	p := &Plunger{bus: bus, unit: unit}
	p.init(desc, logger)
	return p, nil
}

func (p *Plunger) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsConnected() {
		return nil
	}
	if err := p.bus.Open(); err != nil {
		return fmt.Errorf("connect %s: %w", p.desc.ID, err)
	}
	regs, err := p.bus.ReadHoldingRegisters(ctx, p.unit, plungerRegRunning, 1)
	if err != nil {
		_ = p.bus.Close()
		return fmt.Errorf("connect %s: read run flag: %w", p.desc.ID, err)
	}

	p.running = regs[0] == 1
	p.connected.Store(true)
	p.logger.Info("Device connected", zap.String("port", p.desc.Port), zap.Uint8("unit", p.unit))
	return nil
}

func (p *Plunger) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.IsConnected() {
		return nil
	}

	stopErr := p.bus.WriteSingleRegister(ctx, p.unit, plungerRegStop, plungerTrigger)
	if stopErr != nil {
		p.logger.Warn("Stop before disconnect failed", zap.Error(stopErr))
	} else {
		p.running = false
	}

	p.connected.Store(false)
	closeErr := p.bus.Close()
	p.logger.Info("Device disconnected")

	if stopErr != nil {
		return fmt.Errorf("disconnect %s: %w", p.desc.ID, stopErr)
	}
	return closeErr
}

func (p *Plunger) Start(ctx context.Context, params types.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireConnected(); err != nil {
		return err
	}
	if err := p.applyLocked(ctx, params); err != nil {
		return err
	}
	if err := p.bus.WriteSingleRegister(ctx, p.unit, plungerRegStart, plungerTrigger); err != nil {
		return fmt.Errorf("start %s: %w", p.desc.ID, err)
	}
	p.running = true
	return nil
}

func (p *Plunger) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireConnected(); err != nil {
		return err
	}
	if err := p.bus.WriteSingleRegister(ctx, p.unit, plungerRegStop, plungerTrigger); err != nil {
		return fmt.Errorf("stop %s: %w", p.desc.ID, err)
	}
	p.running = false
	return nil
}

func (p *Plunger) SetParameters(ctx context.Context, params types.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireConnected(); err != nil {
		return err
	}
	return p.applyLocked(ctx, params)
}

// ZeroPressure re-zeroes the pressure sensor.
func (p *Plunger) ZeroPressure(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireConnected(); err != nil {
		return err
	}
	if err := p.bus.WriteSingleRegister(ctx, p.unit, plungerRegZeroPressure, plungerTrigger); err != nil {
		return fmt.Errorf("zero pressure %s: %w", p.desc.ID, err)
	}
	return nil
}

func (p *Plunger) applyLocked(ctx context.Context, params types.Params) error {
	if params.FlowRateMLMin != nil {
		raw, err := codec.EncodeFixedUint16(*params.FlowRateMLMin, plungerFlowScale)
		if err != nil {
			return fmt.Errorf("set flow %s: %w", p.desc.ID, err)
		}
		if err := p.bus.WriteSingleRegister(ctx, p.unit, plungerRegFlow, raw); err != nil {
			return fmt.Errorf("set flow %s: %w", p.desc.ID, err)
		}
		p.flow = *params.FlowRateMLMin
	}
	if params.PressureLimitMPa != nil {
		raw, err := codec.EncodeFixedUint16(*params.PressureLimitMPa, plungerPressureScale)
		if err != nil {
			return fmt.Errorf("set pressure limit %s: %w", p.desc.ID, err)
		}
		if err := p.bus.WriteSingleRegister(ctx, p.unit, plungerRegPressureLimit, raw); err != nil {
			return fmt.Errorf("set pressure limit %s: %w", p.desc.ID, err)
		}
		p.pressureLimit = *params.PressureLimitMPa
	}
	return nil
}

func (p *Plunger) Status(ctx context.Context) types.DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.IsConnected() {
		return types.IdleStatus(p.desc.Family, false)
	}

	var regs [3]uint16
	for i, addr := range []uint16{plungerRegRunning, plungerRegPressure, plungerRegFlowReadback} {
		r, err := p.bus.ReadHoldingRegisters(ctx, p.unit, addr, 1)
		if err != nil {
			p.logger.Debug("Status read failed", zap.Uint16("register", addr), zap.Error(err))
			return types.IdleStatus(p.desc.Family, true)
		}
		regs[i] = r[0]
	}

	pressure, err := codec.DecodeFixedUint16(regs[1], plungerPressureScale)
	if err != nil {
		p.logger.Debug("Pressure decode failed", zap.Error(err))
		return types.IdleStatus(p.desc.Family, true)
	}
	flow, err := codec.DecodeFixedUint16(regs[2], plungerFlowScale)
	if err != nil {
		p.logger.Debug("Flow decode failed", zap.Error(err))
		return types.IdleStatus(p.desc.Family, true)
	}

	st := types.IdleStatus(p.desc.Family, true)
	st.Pump.IsRunning = regs[0] == 1
	st.Pump.PressureMPa = pressure
	st.Pump.FlowRateMLMin = flow
	return st
}

func (p *Plunger) Setpoints() Setpoints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Setpoints{Running: p.running, FlowRateMLMin: p.flow, PressureLimitMPa: p.pressureLimit}
}
