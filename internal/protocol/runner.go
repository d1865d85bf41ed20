package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/metrics"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner allows one protocol run at a time per bench. Starting a second run
// while one is active is rejected with ErrProtocolBusy.
type Runner struct {
	bench     string
	executor  *Executor
	validator *Validator
	notify    NotifyFunc
	collector metrics.Collector
	logger    *zap.Logger

	mu     sync.Mutex
	active *run
}

type run struct {
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(bench string, executor *Executor, validator *Validator, notify NotifyFunc, collector metrics.Collector, logger *zap.Logger) *Runner {
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Runner{
		bench:     bench,
		executor:  executor,
		validator: validator,
		notify:    notify,
		collector: collector,
		logger:    logger,
	}
}

// Start validates steps and launches them on their own goroutine. The run
// is cancelled when parent is cancelled or Cancel is called.
func (r *Runner) Start(parent context.Context, steps []types.ProtocolStep) (uuid.UUID, error) {
	report := r.validator.Validate(steps)
	if err := report.Err(); err != nil {
		r.collector.IncProtocolRun(r.bench, "invalid")
		return uuid.Nil, err
	}
	for _, w := range report.Warnings {
		r.logger.Warn("Protocol warning", zap.String("code", w.Code), zap.String("message", w.Message))
	}

	r.mu.Lock()
	if r.active != nil {
		id := r.active.id
		r.mu.Unlock()
		r.collector.IncProtocolRun(r.bench, "rejected")
		return uuid.Nil, fmt.Errorf("%w: run %s is active", types.ErrProtocolBusy, id)
	}

	ctx, cancel := context.WithCancel(parent)
	current := &run{id: uuid.New(), cancel: cancel, done: make(chan struct{})}
	r.active = current
	r.mu.Unlock()

	r.notify(types.InfoMessage(fmt.Sprintf("protocol %s started: %d steps", current.id, len(steps))))

	go func() {
		defer close(current.done)
		defer cancel()

		err := r.executor.Execute(ctx, current.id, steps)

		r.mu.Lock()
		if r.active == current {
			r.active = nil
		}
		r.mu.Unlock()

		if errors.Is(err, types.ErrProtocolAborted) {
			r.collector.IncProtocolRun(r.bench, "cancelled")
			return
		}
		r.collector.IncProtocolRun(r.bench, "completed")
	}()

	return current.id, nil
}

// Cancel stops the active run, if any, and reports whether there was one.
// It does not wait for the run to wind down.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return false
	}
	r.active.cancel()
	return true
}

// Active returns the id of the running protocol.
func (r *Runner) Active() (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return uuid.Nil, false
	}
	return r.active.id, true
}

// Wait blocks until the active run, if any, has returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	current := r.active
	r.mu.Unlock()
	if current == nil {
		return nil
	}

	select {
	case <-current.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
