package logging

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Stream is a bench's log channel. Lines are dropped rather than block the
// logger when the reader falls behind; the end-of-stream marker is always
// delivered, exactly once, by Close.
type Stream struct {
	ch      chan types.LogLine
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{ch: make(chan types.LogLine, buffer)}
}

func (s *Stream) Lines() <-chan types.LogLine { return s.ch }

// Dropped counts lines lost to a full channel.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func (s *Stream) Write(line types.LogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- line:
	default:
		s.dropped.Add(1)
	}
}

// Close emits the end-of-stream marker and closes the channel. Later calls
// are no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	eof := types.LogLine{Time: time.Now(), EOF: true}
	select {
	case s.ch <- eof:
	default:
		// Make room by discarding the oldest line.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		s.ch <- eof
	}
	close(s.ch)
}

type streamCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	stream *Stream
}

// NewCore returns a zapcore.Core writing entries at or above level to stream.
func NewCore(stream *Stream, level zapcore.LevelEnabler) zapcore.Core {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	return &streamCore{LevelEnabler: level, enc: enc, stream: stream}
}

// Tee returns a logger that also writes to stream.
func Tee(logger *zap.Logger, stream *Stream, level zapcore.LevelEnabler) *zap.Logger {
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, NewCore(stream, level))
	}))
}

func (c *streamCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &streamCore{LevelEnabler: c.LevelEnabler, enc: enc, stream: c.stream}
}

func (c *streamCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *streamCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	text := strings.TrimRight(buf.String(), "\n")
	buf.Free()

	c.stream.Write(types.LogLine{Time: ent.Time, Level: ent.Level.String(), Text: text})
	return nil
}

func (c *streamCore) Sync() error { return nil }
