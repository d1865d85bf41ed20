package modbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/goburrow/modbus"
)

// Unit is the memory image of one simulated slave.
type Unit struct {
	Coils     map[uint16]bool
	Registers map[uint16]uint16
}

// Write records one write request seen by a MemoryBus.
type Write struct {
	Unit     uint8
	Function byte
	Address  uint16
	Values   []uint16
}

// WriteHook runs after a write has been applied to a unit's memory, while the
// bus is still locked. Hooks emulate device reactions such as a run coil
// driving a readback register.
type WriteHook func(u *Unit, w Write)

// MemoryBus is an in-memory Bus used for simulated benches and tests.
// Requests to unit ids that were never added time out like a silent slave.
type MemoryBus struct {
	port string

	mu        sync.Mutex
	refs      int
	opened    int
	units     map[uint8]*Unit
	hooks     map[uint8][]WriteHook
	writes    []Write
	openErr   error
	failErr   error
	failUnits map[uint8]error
}

func NewMemoryBus(port string) *MemoryBus {
	return &MemoryBus{
		port:      port,
		units:     make(map[uint8]*Unit),
		hooks:     make(map[uint8][]WriteHook),
		failUnits: make(map[uint8]error),
	}
}

func (b *MemoryBus) Port() string { return b.port }

// AddUnit makes a slave answer on the bus. Adding an existing unit is a no-op.
func (b *MemoryBus) AddUnit(unitID uint8) *Unit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unitLocked(unitID)
}

func (b *MemoryBus) unitLocked(unitID uint8) *Unit {
	u, ok := b.units[unitID]
	if !ok {
		u = &Unit{Coils: make(map[uint16]bool), Registers: make(map[uint16]uint16)}
		b.units[unitID] = u
	}
	return u
}

func (b *MemoryBus) OnWrite(unitID uint8, hook WriteHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[unitID] = append(b.hooks[unitID], hook)
}

// SetOpenError makes the next Open calls fail with err (nil clears it).
func (b *MemoryBus) SetOpenError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// FailAll makes every request fail with err until cleared with nil.
func (b *MemoryBus) FailAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// FailUnit makes requests to one unit fail with err until cleared with nil.
func (b *MemoryBus) FailUnit(unitID uint8, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failUnits, unitID)
		return
	}
	b.failUnits[unitID] = err
}

func (b *MemoryBus) SetRegister(unitID uint8, address, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unitLocked(unitID).Registers[address] = value
}

func (b *MemoryBus) Register(unitID uint8, address uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.units[unitID]; ok {
		return u.Registers[address]
	}
	return 0
}

func (b *MemoryBus) SetCoil(unitID uint8, address uint16, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unitLocked(unitID).Coils[address] = on
}

func (b *MemoryBus) Coil(unitID uint8, address uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.units[unitID]; ok {
		return u.Coils[address]
	}
	return false
}

// Writes returns a copy of the write log.
func (b *MemoryBus) Writes() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Write, len(b.writes))
	copy(out, b.writes)
	return out
}

// WritesTo filters the write log by unit.
func (b *MemoryBus) WritesTo(unitID uint8) []Write {
	var out []Write
	for _, w := range b.Writes() {
		if w.Unit == unitID {
			out = append(out, w)
		}
	}
	return out
}

// IsOpen reports whether at least one holder has the bus open.
func (b *MemoryBus) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs > 0
}

// OpenCount returns how many times the underlying port was physically opened.
func (b *MemoryBus) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

func (b *MemoryBus) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return fmt.Errorf("%w: open %s: %w", types.ErrTransport, b.port, b.openErr)
	}
	if b.refs == 0 {
		b.opened++
	}
	b.refs++
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs > 0 {
		b.refs--
	}
	return nil
}

func (b *MemoryBus) access(ctx context.Context, unitID uint8, op string, address uint16) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s 0x%04X unit %d: %w", types.ErrTransport, op, address, unitID, err)
	}
	if b.refs == 0 {
		return nil, fmt.Errorf("%w: %s 0x%04X unit %d: port %s not open", types.ErrTransport, op, address, unitID, b.port)
	}
	if b.failErr != nil {
		return nil, fmt.Errorf("%w: %s 0x%04X unit %d: %w", types.ErrTransport, op, address, unitID, b.failErr)
	}
	if err := b.failUnits[unitID]; err != nil {
		return nil, fmt.Errorf("%w: %s 0x%04X unit %d: %w", types.ErrTransport, op, address, unitID, err)
	}
	u, ok := b.units[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s 0x%04X unit %d on %s: serial: timeout", types.ErrTransport, op, address, unitID, b.port)
	}
	return u, nil
}

func (b *MemoryBus) ReadCoils(ctx context.Context, unitID uint8, address, quantity uint16) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.access(ctx, unitID, "read coils", address)
	if err != nil {
		return nil, err
	}
	if quantity == 0 {
		return nil, fmt.Errorf("%w: read coils 0x%04X: %w", types.ErrTransport, address,
			exception(FuncReadCoils, modbus.ExceptionCodeIllegalDataValue))
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = u.Coils[address+uint16(i)]
	}
	return out, nil
}

func (b *MemoryBus) ReadHoldingRegisters(ctx context.Context, unitID uint8, address, quantity uint16) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.access(ctx, unitID, "read holding registers", address)
	if err != nil {
		return nil, err
	}
	if quantity == 0 || quantity > 125 {
		return nil, fmt.Errorf("%w: read holding registers 0x%04X: %w", types.ErrTransport, address,
			exception(FuncReadHoldingRegisters, modbus.ExceptionCodeIllegalDataValue))
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = u.Registers[address+uint16(i)]
	}
	return out, nil
}

func (b *MemoryBus) WriteSingleCoil(ctx context.Context, unitID uint8, address uint16, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.access(ctx, unitID, "write coil", address)
	if err != nil {
		return err
	}
	u.Coils[address] = on
	value := coilOff
	if on {
		value = coilOn
	}
	b.record(u, Write{Unit: unitID, Function: FuncWriteSingleCoil, Address: address, Values: []uint16{value}})
	return nil
}

func (b *MemoryBus) WriteSingleRegister(ctx context.Context, unitID uint8, address, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.access(ctx, unitID, "write register", address)
	if err != nil {
		return err
	}
	u.Registers[address] = value
	b.record(u, Write{Unit: unitID, Function: FuncWriteSingleRegister, Address: address, Values: []uint16{value}})
	return nil
}

func (b *MemoryBus) WriteMultipleRegisters(ctx context.Context, unitID uint8, address uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.access(ctx, unitID, "write registers", address)
	if err != nil {
		return err
	}
	if len(values) == 0 || len(values) > 123 {
		return fmt.Errorf("%w: write registers 0x%04X: %w", types.ErrTransport, address,
			exception(FuncWriteMultipleRegisters, modbus.ExceptionCodeIllegalDataValue))
	}
	for i, v := range values {
		u.Registers[address+uint16(i)] = v
	}
	b.record(u, Write{Unit: unitID, Function: FuncWriteMultipleRegisters, Address: address, Values: append([]uint16(nil), values...)})
	return nil
}

func (b *MemoryBus) record(u *Unit, w Write) {
	b.writes = append(b.writes, w)
	for _, hook := range b.hooks[w.Unit] {
		hook(u, w)
	}
}
