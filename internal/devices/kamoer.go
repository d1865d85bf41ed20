package devices

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenBenchCore/internal/codec"
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// Kamoer pulse pump register map (PeristalticA).
const (
	KamoerDefaultAddress = 192

	kamoerCoilRun          uint16 = 0x1001
	kamoerCoilDirection    uint16 = 0x1003 // true = reverse
	kamoerCoilBusControl   uint16 = 0x1004
	kamoerRegSpeedSetpoint uint16 = 0x3001 // float32, two registers
	kamoerRegSpeedActual   uint16 = 0x3005 // float32, two registers
)

// Kamoer drives the coil-controlled peristaltic pump. Run and direction are
// coils, speed is an IEEE-754 register pair. Bus control must be enabled once
// after power-on before the pump accepts any other command.
type Kamoer struct {
	base
	bus  modbus.Bus
	unit uint8

	speed     float64
	direction types.Direction
	running   bool
}

func NewKamoer(desc types.DeviceDescriptor, bus modbus.Bus, logger *zap.Logger) (*Kamoer, error) {
	unit, err := unitID(desc)
	if err != nil {
		return nil, err
	}
	k := &Kamoer{bus: bus, unit: unit, direction: types.DirectionForward}
	k.init(desc, logger)
	return k, nil
}

func (k *Kamoer) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.IsConnected() {
		return nil
	}
	if err := k.bus.Open(); err != nil {
		return fmt.Errorf("connect %s: %w", k.desc.ID, err)
	}
	if err := k.bus.WriteSingleCoil(ctx, k.unit, kamoerCoilBusControl, true); err != nil {
		_ = k.bus.Close()
		return fmt.Errorf("connect %s: enable bus control: %w", k.desc.ID, err)
	}

	k.connected.Store(true)
	k.logger.Info("Device connected", zap.String("port", k.desc.Port), zap.Uint8("unit", k.unit))
	return nil
}

func (k *Kamoer) Disconnect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.IsConnected() {
		return nil
	}

	var stopErr error
	if err := k.bus.WriteSingleCoil(ctx, k.unit, kamoerCoilRun, false); err != nil {
		k.logger.Warn("Stop before disconnect failed", zap.Error(err))
		stopErr = err
	} else {
		k.running = false
	}

	k.connected.Store(false)
	closeErr := k.bus.Close()
	k.logger.Info("Device disconnected")

	if stopErr != nil {
		return fmt.Errorf("disconnect %s: %w", k.desc.ID, stopErr)
	}
	return closeErr
}

func (k *Kamoer) Start(ctx context.Context, params types.Params) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireConnected(); err != nil {
		return err
	}
	if err := k.applyLocked(ctx, params); err != nil {
		return err
	}
	if err := k.bus.WriteSingleCoil(ctx, k.unit, kamoerCoilRun, true); err != nil {
		return fmt.Errorf("start %s: %w", k.desc.ID, err)
	}
	k.running = true
	return nil
}

func (k *Kamoer) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireConnected(); err != nil {
		return err
	}
	if err := k.bus.WriteSingleCoil(ctx, k.unit, kamoerCoilRun, false); err != nil {
		return fmt.Errorf("stop %s: %w", k.desc.ID, err)
	}
	k.running = false
	return nil
}

func (k *Kamoer) SetParameters(ctx context.Context, params types.Params) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.requireConnected(); err != nil {
		return err
	}
	return k.applyLocked(ctx, params)
}

func (k *Kamoer) applyLocked(ctx context.Context, params types.Params) error {
	if params.Direction != nil {
		reverse := *params.Direction == types.DirectionReverse
		if err := k.bus.WriteSingleCoil(ctx, k.unit, kamoerCoilDirection, reverse); err != nil {
			return fmt.Errorf("set direction %s: %w", k.desc.ID, err)
		}
		k.direction = *params.Direction
	}
	if params.SpeedRPM != nil {
		regs, err := codec.EncodeFloat64AsFloat32(*params.SpeedRPM)
		if err != nil {
			return fmt.Errorf("set speed %s: %w", k.desc.ID, err)
		}
		if err := k.bus.WriteMultipleRegisters(ctx, k.unit, kamoerRegSpeedSetpoint, regs[:]); err != nil {
			return fmt.Errorf("set speed %s: %w", k.desc.ID, err)
		}
		k.speed = *params.SpeedRPM
	}
	return nil
}

func (k *Kamoer) Status(ctx context.Context) types.DeviceStatus {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.IsConnected() {
		return types.IdleStatus(k.desc.Family, false)
	}

	run, err := k.bus.ReadCoils(ctx, k.unit, kamoerCoilRun, 1)
	if err != nil {
		k.logger.Debug("Status read failed", zap.Error(err))
		return types.IdleStatus(k.desc.Family, true)
	}
	regs, err := k.bus.ReadHoldingRegisters(ctx, k.unit, kamoerRegSpeedActual, 2)
	if err != nil {
		k.logger.Debug("Status read failed", zap.Error(err))
		return types.IdleStatus(k.desc.Family, true)
	}

	st := types.IdleStatus(k.desc.Family, true)
	st.Pump.IsRunning = run[0]
	st.Pump.SpeedRPM = float64(codec.DecodeFloat32BE([2]uint16{regs[0], regs[1]}))
	st.Pump.Direction = k.direction
	return st
}

func (k *Kamoer) Setpoints() Setpoints {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Setpoints{Running: k.running, SpeedRPM: k.speed, Direction: k.direction}
}
