package scpi

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// OpenFunc opens a serial port; tests swap it for a fake.
type OpenFunc func(name string, mode *serial.Mode) (serial.Port, error)

type SerialLine struct {
	name     string
	settings Settings
	open     OpenFunc
	logger   *zap.Logger

	mu   sync.Mutex
	port serial.Port
}

func NewSerialLine(name string, settings Settings, logger *zap.Logger) *SerialLine {
	return NewSerialLineWithOpener(name, settings, serial.Open, logger)
}

func NewSerialLineWithOpener(name string, settings Settings, open OpenFunc, logger *zap.Logger) *SerialLine {
	if settings.Terminator == "" {
		settings.Terminator = "\n"
	}
	return &SerialLine{
		name:     name,
		settings: settings,
		open:     open,
		logger:   logger,
	}
}

func (l *SerialLine) Name() string { return l.name }

func (l *SerialLine) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: l.settings.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := l.open(l.name, mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", types.ErrTransport, l.name, err)
	}
	if err := port.SetReadTimeout(l.readSlice()); err != nil {
		port.Close()
		return fmt.Errorf("%w: configure %s: %w", types.ErrTransport, l.name, err)
	}

	l.port = port
	l.logger.Info("Serial line opened",
		zap.String("port", l.name),
		zap.Int("baud", l.settings.BaudRate))
	return nil
}

func (l *SerialLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", types.ErrTransport, l.name, err)
	}
	return nil
}

func (l *SerialLine) Send(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeLocked(ctx, cmd)
}

func (l *SerialLine) Query(ctx context.Context, cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		// drop leftovers of an earlier timed-out query
		_ = l.port.ResetInputBuffer()
	}
	if err := l.writeLocked(ctx, cmd); err != nil {
		return "", err
	}
	return l.readLineLocked(ctx, cmd)
}

func (l *SerialLine) writeLocked(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %q: %w", types.ErrTransport, cmd, err)
	}
	if l.port == nil {
		return fmt.Errorf("%w: %q: port %s not open", types.ErrTransport, cmd, l.name)
	}
	if _, err := l.port.Write([]byte(cmd + l.settings.Terminator)); err != nil {
		return fmt.Errorf("%w: write %q to %s: %w", types.ErrTransport, cmd, l.name, err)
	}
	l.logger.Debug("Serial command sent", zap.String("port", l.name), zap.String("command", cmd))
	return nil
}

func (l *SerialLine) readLineLocked(ctx context.Context, cmd string) (string, error) {
	deadline := time.Now().Add(l.settings.Timeout)
	term := []byte(l.settings.Terminator)
	var resp bytes.Buffer
	buf := make([]byte, 128)

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %q: %w", types.ErrTransport, cmd, err)
		}
		n, err := l.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("%w: read %q from %s: %w", types.ErrTransport, cmd, l.name, err)
		}
		resp.Write(buf[:n])
		if idx := bytes.Index(resp.Bytes(), term); idx >= 0 {
			return strings.TrimSpace(string(resp.Bytes()[:idx])), nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %q on %s: timeout after %s", types.ErrTransport, cmd, l.name, l.settings.Timeout)
		}
	}
}

// readSlice is the per-Read timeout; the overall query deadline is enforced
// by readLineLocked.
func (l *SerialLine) readSlice() time.Duration {
	if l.settings.Timeout <= 0 || l.settings.Timeout > 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return l.settings.Timeout
}
