package dispatch

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// SubmitFunc feeds a command back into the controller's inbound channel.
type SubmitFunc func(types.Command) error

type autoOff struct {
	timer   *time.Timer
	channel int
	seq     uint64
}

// Timers holds at most one pending auto-off per device. On expiry the timer
// submits an ordinary set_power_output{enable:false} command instead of
// touching the device itself.
type Timers struct {
	submit SubmitFunc
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*autoOff
	seq     uint64
}

func NewTimers(submit SubmitFunc, logger *zap.Logger) *Timers {
	return &Timers{
		submit:  submit,
		logger:  logger,
		pending: make(map[string]*autoOff),
	}
}

// Schedule arms an auto-off for deviceID, replacing a pending one.
func (t *Timers) Schedule(deviceID string, channel int, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked(deviceID)
	t.seq++
	seq := t.seq
	entry := &autoOff{channel: channel, seq: seq}
	entry.timer = time.AfterFunc(after, func() { t.fire(deviceID, seq) })
	t.pending[deviceID] = entry

	t.logger.Debug("Auto-off scheduled",
		zap.String("device", deviceID),
		zap.Int("channel", channel),
		zap.Duration("after", after))
}

func (t *Timers) fire(deviceID string, seq uint64) {
	t.mu.Lock()
	entry, ok := t.pending[deviceID]
	if !ok || entry.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.pending, deviceID)
	t.mu.Unlock()

	cmd := types.SetOutputCommand(deviceID, entry.channel, false, 0)
	if err := t.submit(cmd); err != nil {
		t.logger.Warn("Auto-off not submitted", zap.String("device", deviceID), zap.Error(err))
		return
	}
	t.logger.Info("Auto-off submitted", zap.String("device", deviceID), zap.Int("channel", entry.channel))
}

// Cancel drops the pending auto-off of deviceID and reports whether there
// was one.
func (t *Timers) Cancel(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(deviceID)
}

func (t *Timers) cancelLocked(deviceID string) bool {
	entry, ok := t.pending[deviceID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.pending, deviceID)
	return true
}

func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.pending {
		t.cancelLocked(id)
	}
}

func (t *Timers) Pending(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[deviceID]
	return ok
}
