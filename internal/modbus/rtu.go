package modbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/codec"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// RTUBus is a Modbus-RTU line on a serial port. One handler is shared by all
// units on the port; SlaveId is switched under the bus mutex for each frame.
type RTUBus struct {
	port     string
	settings Settings
	handler  *modbus.RTUClientHandler
	client   modbus.Client
	logger   *zap.Logger

	mu   sync.Mutex
	refs int
}

func NewRTUBus(port string, settings Settings, logger *zap.Logger) *RTUBus {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = settings.BaudRate
	handler.DataBits = settings.DataBits
	handler.Parity = settings.Parity
	handler.StopBits = settings.StopBits
	handler.Timeout = settings.Timeout

	return &RTUBus{
		port:     port,
		settings: settings,
		handler:  handler,
		client:   modbus.NewClient(handler),
		logger:   logger,
	}
}

func (b *RTUBus) Port() string { return b.port }

func (b *RTUBus) Settings() Settings { return b.settings }

func (b *RTUBus) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		if err := b.handler.Connect(); err != nil {
			return fmt.Errorf("%w: open %s: %w", types.ErrTransport, b.port, err)
		}
		b.logger.Info("Serial port opened",
			zap.String("port", b.port),
			zap.Int("baud", b.settings.BaudRate))
	}
	b.refs++
	return nil
}

func (b *RTUBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		return nil
	}
	b.refs--
	if b.refs > 0 {
		return nil
	}

	b.logger.Info("Serial port closed", zap.String("port", b.port))
	if err := b.handler.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", types.ErrTransport, b.port, err)
	}
	return nil
}

func (b *RTUBus) do(ctx context.Context, unitID uint8, op string, address uint16, fn func(modbus.Client) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s 0x%04X unit %d: %w", types.ErrTransport, op, address, unitID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		return fmt.Errorf("%w: %s 0x%04X unit %d: port %s not open", types.ErrTransport, op, address, unitID, b.port)
	}

	b.handler.SlaveId = unitID
	if err := fn(b.client); err != nil {
		return fmt.Errorf("%w: %s 0x%04X unit %d on %s: %w", types.ErrTransport, op, address, unitID, b.port, err)
	}
	return nil
}

func (b *RTUBus) ReadCoils(ctx context.Context, unitID uint8, address, quantity uint16) ([]bool, error) {
	var out []bool
	err := b.do(ctx, unitID, "read coils", address, func(c modbus.Client) error {
		data, err := c.ReadCoils(address, quantity)
		if err != nil {
			return err
		}
		out = unpackBits(data, quantity)
		return nil
	})
	return out, err
}

func (b *RTUBus) ReadHoldingRegisters(ctx context.Context, unitID uint8, address, quantity uint16) ([]uint16, error) {
	var out []uint16
	err := b.do(ctx, unitID, "read holding registers", address, func(c modbus.Client) error {
		data, err := c.ReadHoldingRegisters(address, quantity)
		if err != nil {
			return err
		}
		regs, err := codec.BytesToRegisters(data)
		if err != nil {
			return err
		}
		if len(regs) != int(quantity) {
			return fmt.Errorf("short response: want %d registers, got %d", quantity, len(regs))
		}
		out = regs
		return nil
	})
	return out, err
}

func (b *RTUBus) WriteSingleCoil(ctx context.Context, unitID uint8, address uint16, on bool) error {
	value := coilOff
	if on {
		value = coilOn
	}
	return b.do(ctx, unitID, "write coil", address, func(c modbus.Client) error {
		_, err := c.WriteSingleCoil(address, value)
		return err
	})
}

func (b *RTUBus) WriteSingleRegister(ctx context.Context, unitID uint8, address, value uint16) error {
	return b.do(ctx, unitID, "write register", address, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(address, value)
		return err
	})
}

func (b *RTUBus) WriteMultipleRegisters(ctx context.Context, unitID uint8, address uint16, values []uint16) error {
	return b.do(ctx, unitID, "write registers", address, func(c modbus.Client) error {
		_, err := c.WriteMultipleRegisters(address, uint16(len(values)), codec.RegistersToBytes(values))
		return err
	})
}
