package controller

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// outbox sits between the loop and the status channel. Pushing never blocks:
// a forwarder goroutine waits on slow consumers instead of the loop.
//
// Live snapshots are only queued while nothing else is waiting, so at most
// one stale live snapshot sits in the queue. When the queue is at its limit
// a queued live snapshot is evicted to make room; failing that the incoming
// message is dropped.
type outbox struct {
	limit   int
	dropped func(kind string)

	mu      sync.Mutex
	queue   []types.StatusMessage
	closed  bool
	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}
}

func newOutbox(limit int, dropped func(kind string)) *outbox {
	return &outbox{
		limit:   limit,
		dropped: dropped,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func dropKind(msg types.StatusMessage) string {
	if msg.Type == types.MessageSnapshot && msg.Snapshot != nil && msg.Snapshot.Loggable {
		return "durable"
	}
	if msg.Type == types.MessageSnapshot {
		return "live"
	}
	return string(msg.Type)
}

func isLive(msg types.StatusMessage) bool {
	return msg.Type == types.MessageSnapshot && (msg.Snapshot == nil || !msg.Snapshot.Loggable)
}

// push queues msg and reports whether it was accepted.
func (o *outbox) push(msg types.StatusMessage) bool {
	o.mu.Lock()
	accepted := o.enqueueLocked(msg)
	o.mu.Unlock()

	if !accepted {
		o.dropped(dropKind(msg))
		return false
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) enqueueLocked(msg types.StatusMessage) bool {
	if o.closed {
		return false
	}
	if isLive(msg) {
		if len(o.queue) > 0 {
			return false
		}
		o.queue = append(o.queue, msg)
		return true
	}
	if len(o.queue) >= o.limit {
		evicted := false
		for i, queued := range o.queue {
			if isLive(queued) {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				o.dropped("live")
				evicted = true
				break
			}
		}
		if !evicted {
			return false
		}
	}
	o.queue = append(o.queue, msg)
	return true
}

func (o *outbox) pop() (types.StatusMessage, bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return types.StatusMessage{}, false, o.closed
	}
	msg := o.queue[0]
	o.queue[0] = types.StatusMessage{}
	o.queue = o.queue[1:]
	return msg, true, o.closed
}

// close stops accepting messages. The forwarder keeps delivering what is
// queued for up to drain, then drops the rest and closes out.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.closing)
}

func (o *outbox) discard() {
	o.mu.Lock()
	rest := o.queue
	o.queue = nil
	o.mu.Unlock()
	for _, msg := range rest {
		o.dropped(dropKind(msg))
	}
}

// run forwards queued messages to out until the outbox is closed and empty
// or the drain period after close runs out. It closes out on return.
func (o *outbox) run(out chan<- types.StatusMessage, drain time.Duration) {
	defer close(o.done)
	defer close(out)

	var expired <-chan time.Time
	for {
		msg, ok, closed := o.pop()
		if !ok {
			if closed {
				return
			}
			select {
			case <-o.wake:
			case <-o.closing:
			}
			continue
		}

		select {
		case out <- msg:
			continue
		case <-o.closing:
		}

		if expired == nil {
			timer := time.NewTimer(drain)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case out <- msg:
		case <-expired:
			o.dropped(dropKind(msg))
			o.discard()
			return
		}
	}
}
