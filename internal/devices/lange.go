package devices

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenBenchCore/internal/codec"
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// Lange L100 register map (PeristalticB).
const (
	LangeDefaultAddress = 1

	langeRegSpeed  uint16 = 0x0001 // rpm x100
	langeRegStatus uint16 = 0x0004
	langeBitRun    uint8  = 0
	langeBitRev    uint8  = 4

	langeSpeedScale = 100
)

// Lange drives the status-word peristaltic pump. Run state and direction
// share one holding register, so every write carries both bits and stop only
// clears the run bit.
type Lange struct {
	base
	bus  modbus.Bus
	unit uint8

	word  uint16
	speed float64
}

func NewLange(desc types.DeviceDescriptor, bus modbus.Bus, logger *zap.Logger) (*Lange, error) {
	unit, err := unitID(desc)
	if err != nil {
		return nil, err
	}
	l := &Lange{bus: bus, unit: unit}
	l.init(desc, logger)
	return l, nil
}

func (l *Lange) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.IsConnected() {
		return nil
	}
	if err := l.bus.Open(); err != nil {
		return fmt.Errorf("connect %s: %w", l.desc.ID, err)
	}
	regs, err := l.bus.ReadHoldingRegisters(ctx, l.unit, langeRegStatus, 1)
	if err != nil {
		_ = l.bus.Close()
		return fmt.Errorf("connect %s: read status word: %w", l.desc.ID, err)
	}

	l.word = regs[0]
	l.connected.Store(true)
	l.logger.Info("Device connected",
		zap.String("port", l.desc.Port),
		zap.Uint8("unit", l.unit),
		zap.Uint16("status_word", l.word))
	return nil
}

func (l *Lange) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.IsConnected() {
		return nil
	}

	stopErr := l.writeWordLocked(ctx, codec.BitSet(l.word, langeBitRun, false))
	if stopErr != nil {
		l.logger.Warn("Stop before disconnect failed", zap.Error(stopErr))
	}

	l.connected.Store(false)
	closeErr := l.bus.Close()
	l.logger.Info("Device disconnected")

	if stopErr != nil {
		return fmt.Errorf("disconnect %s: %w", l.desc.ID, stopErr)
	}
	return closeErr
}

func (l *Lange) Start(ctx context.Context, params types.Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireConnected(); err != nil {
		return err
	}
	if err := l.writeSpeedLocked(ctx, params); err != nil {
		return err
	}

	word := codec.BitSet(l.nextWord(params), langeBitRun, true)
	if err := l.writeWordLocked(ctx, word); err != nil {
		return fmt.Errorf("start %s: %w", l.desc.ID, err)
	}
	return nil
}

func (l *Lange) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireConnected(); err != nil {
		return err
	}
	if err := l.writeWordLocked(ctx, codec.BitSet(l.word, langeBitRun, false)); err != nil {
		return fmt.Errorf("stop %s: %w", l.desc.ID, err)
	}
	return nil
}

func (l *Lange) SetParameters(ctx context.Context, params types.Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireConnected(); err != nil {
		return err
	}
	if err := l.writeSpeedLocked(ctx, params); err != nil {
		return err
	}
	if params.Direction != nil {
		if err := l.writeWordLocked(ctx, l.nextWord(params)); err != nil {
			return fmt.Errorf("set direction %s: %w", l.desc.ID, err)
		}
	}
	return nil
}

// nextWord is the cached status word with the requested direction applied.
func (l *Lange) nextWord(params types.Params) uint16 {
	word := l.word
	if params.Direction != nil {
		word = codec.BitSet(word, langeBitRev, *params.Direction == types.DirectionReverse)
	}
	return word
}

func (l *Lange) writeSpeedLocked(ctx context.Context, params types.Params) error {
	if params.SpeedRPM == nil {
		return nil
	}
	raw, err := codec.EncodeFixedUint16(*params.SpeedRPM, langeSpeedScale)
	if err != nil {
		return fmt.Errorf("set speed %s: %w", l.desc.ID, err)
	}
	if err := l.bus.WriteSingleRegister(ctx, l.unit, langeRegSpeed, raw); err != nil {
		return fmt.Errorf("set speed %s: %w", l.desc.ID, err)
	}
	l.speed = *params.SpeedRPM
	return nil
}

func (l *Lange) writeWordLocked(ctx context.Context, word uint16) error {
	if err := l.bus.WriteSingleRegister(ctx, l.unit, langeRegStatus, word); err != nil {
		return err
	}
	l.word = word
	return nil
}

func (l *Lange) direction() types.Direction {
	if codec.BitGet(l.word, langeBitRev) {
		return types.DirectionReverse
	}
	return types.DirectionForward
}

func (l *Lange) Status(ctx context.Context) types.DeviceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.IsConnected() {
		return types.IdleStatus(l.desc.Family, false)
	}

	status, err := l.bus.ReadHoldingRegisters(ctx, l.unit, langeRegStatus, 1)
	if err != nil {
		l.logger.Debug("Status read failed", zap.Error(err))
		return types.IdleStatus(l.desc.Family, true)
	}
	speed, err := l.bus.ReadHoldingRegisters(ctx, l.unit, langeRegSpeed, 1)
	if err != nil {
		l.logger.Debug("Status read failed", zap.Error(err))
		return types.IdleStatus(l.desc.Family, true)
	}

	rpm, err := codec.DecodeFixedUint16(speed[0], langeSpeedScale)
	if err != nil {
		l.logger.Debug("Speed decode failed", zap.Error(err))
		return types.IdleStatus(l.desc.Family, true)
	}

	st := types.IdleStatus(l.desc.Family, true)
	st.Pump.IsRunning = codec.BitGet(status[0], langeBitRun)
	st.Pump.SpeedRPM = rpm
	if codec.BitGet(status[0], langeBitRev) {
		st.Pump.Direction = types.DirectionReverse
	} else {
		st.Pump.Direction = types.DirectionForward
	}
	return st
}

func (l *Lange) Setpoints() Setpoints {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Setpoints{
		Running:   codec.BitGet(l.word, langeBitRun),
		SpeedRPM:  l.speed,
		Direction: l.direction(),
	}
}
