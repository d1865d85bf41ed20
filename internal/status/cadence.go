package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// Cadence decides when the next snapshot of one kind is due. It is checked
// from the controller loop rather than driven by a ticker, so a slow poll
// delays the next one instead of queueing ticks.
type Cadence struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewCadence returns a cadence whose first tick is due at first.
func NewCadence(interval time.Duration, first time.Time) *Cadence {
	return &Cadence{interval: interval, next: first}
}

// Due reports whether a tick is due at now and, if so, schedules the next
// one. Missed ticks are skipped, not replayed.
func (c *Cadence) Due(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.next) {
		return false
	}
	c.next = c.next.Add(c.interval)
	if !c.next.After(now) {
		c.next = now.Add(c.interval)
	}
	return true
}

// SetInterval changes the interval; the next tick is due one new interval
// after now.
func (c *Cadence) SetInterval(interval time.Duration, now time.Time) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", types.ErrInvalidCommand, interval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = interval
	c.next = now.Add(interval)
	return nil
}

func (c *Cadence) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}
