package scpi

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// MemoryLine emulates a GPD-4303S style four channel supply: VSET/ISET/OUT
// commands and VOUT?/IOUT?/*IDN?/STATUS? queries. Each channel drives a
// resistive load of LoadOhms, limited by its current setpoint.
type MemoryLine struct {
	name string

	mu       sync.Mutex
	open     bool
	identity string
	channels int
	vset     []float64
	iset     []float64
	output   bool
	LoadOhms float64

	sent    []string
	openErr error
	failErr error
}

func NewMemoryLine(name string, channels int) *MemoryLine {
	return &MemoryLine{
		name:     name,
		identity: "GW INSTEK,GPD-4303S,SN:SIM00001,V1.00",
		channels: channels,
		vset:     make([]float64, channels),
		iset:     make([]float64, channels),
		LoadOhms: 10,
	}
}

func (m *MemoryLine) Name() string { return m.name }

func (m *MemoryLine) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// FailAll makes every command and query fail until cleared with nil.
func (m *MemoryLine) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Sent returns every command and query written so far.
func (m *MemoryLine) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MemoryLine) OutputOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

func (m *MemoryLine) Setpoint(channel int) (volts, amps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel < 1 || channel > m.channels {
		return 0, 0
	}
	return m.vset[channel-1], m.iset[channel-1]
}

func (m *MemoryLine) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MemoryLine) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return fmt.Errorf("%w: open %s: %w", types.ErrTransport, m.name, m.openErr)
	}
	m.open = true
	return nil
}

func (m *MemoryLine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

func (m *MemoryLine) check(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %q: %w", types.ErrTransport, cmd, err)
	}
	if !m.open {
		return fmt.Errorf("%w: %q: port %s not open", types.ErrTransport, cmd, m.name)
	}
	if m.failErr != nil {
		return fmt.Errorf("%w: %q on %s: %w", types.ErrTransport, cmd, m.name, m.failErr)
	}
	return nil
}

func (m *MemoryLine) Send(ctx context.Context, cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, cmd); err != nil {
		return err
	}
	m.sent = append(m.sent, cmd)

	switch {
	case cmd == "OUT1":
		m.output = true
	case cmd == "OUT0":
		m.output = false
	case strings.HasPrefix(cmd, "VSET"):
		return m.setChannel(cmd, "VSET", m.vset)
	case strings.HasPrefix(cmd, "ISET"):
		return m.setChannel(cmd, "ISET", m.iset)
	}
	return nil
}

func (m *MemoryLine) setChannel(cmd, prefix string, target []float64) error {
	chStr, valStr, ok := strings.Cut(strings.TrimPrefix(cmd, prefix), ":")
	if !ok {
		return fmt.Errorf("%w: malformed command %q", types.ErrTransport, cmd)
	}
	ch, err := strconv.Atoi(chStr)
	if err != nil || ch < 1 || ch > m.channels {
		return fmt.Errorf("%w: bad channel in %q", types.ErrTransport, cmd)
	}
	v, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return fmt.Errorf("%w: bad value in %q", types.ErrTransport, cmd)
	}
	target[ch-1] = v
	return nil
}

func (m *MemoryLine) Query(ctx context.Context, cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, cmd); err != nil {
		return "", err
	}
	m.sent = append(m.sent, cmd)

	switch {
	case cmd == "*IDN?":
		return m.identity, nil
	case cmd == "STATUS?":
		bits := []byte("00000000")
		if m.output {
			bits[5] = '1'
		}
		return string(bits), nil
	case strings.HasPrefix(cmd, "VOUT") && strings.HasSuffix(cmd, "?"):
		ch, err := m.queryChannel(cmd, "VOUT")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%06.3fV", m.voltage(ch)), nil
	case strings.HasPrefix(cmd, "IOUT") && strings.HasSuffix(cmd, "?"):
		ch, err := m.queryChannel(cmd, "IOUT")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%05.3fA", m.current(ch)), nil
	}
	return "", fmt.Errorf("%w: %q on %s: timeout", types.ErrTransport, cmd, m.name)
}

func (m *MemoryLine) queryChannel(cmd, prefix string) (int, error) {
	ch, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(cmd, prefix), "?"))
	if err != nil || ch < 1 || ch > m.channels {
		return 0, fmt.Errorf("%w: bad channel in %q", types.ErrTransport, cmd)
	}
	return ch - 1, nil
}

func (m *MemoryLine) voltage(idx int) float64 {
	if !m.output {
		return 0
	}
	return m.vset[idx]
}

func (m *MemoryLine) current(idx int) float64 {
	if !m.output || m.LoadOhms <= 0 {
		return 0
	}
	return math.Min(m.vset[idx]/m.LoadOhms, m.iset[idx])
}
