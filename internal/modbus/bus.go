package modbus

import (
	"context"
	"time"
)

// Bus is one RS-485 segment. Several devices share a bus and are told apart
// by unit id; implementations serialize frames so only one request is on the
// wire at a time.
type Bus interface {
	Port() string

	// Open and Close are reference counted: the port is opened by the first
	// Open and released by the matching last Close.
	Open() error
	Close() error

	ReadCoils(ctx context.Context, unitID uint8, address, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, unitID uint8, address, quantity uint16) ([]uint16, error)
	WriteSingleCoil(ctx context.Context, unitID uint8, address uint16, on bool) error
	WriteSingleRegister(ctx context.Context, unitID uint8, address, value uint16) error
	WriteMultipleRegisters(ctx context.Context, unitID uint8, address uint16, values []uint16) error
}

// Settings describe the serial line of a bus.
type Settings struct {
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
	Timeout  time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  time.Second,
	}
}

// Compatible reports whether two descriptors can share one physical line.
func (s Settings) Compatible(o Settings) bool {
	return s.BaudRate == o.BaudRate && s.DataBits == o.DataBits &&
		s.Parity == o.Parity && s.StopBits == o.StopBits
}
