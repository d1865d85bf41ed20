package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/metrics"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher executes one command. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd types.Command) error
}

// NotifyFunc delivers {error} and {info} messages to the status channel.
type NotifyFunc func(types.StatusMessage)

// Executor runs the steps of one protocol in order.
type Executor struct {
	bench      string
	dispatcher Dispatcher
	notify     NotifyFunc
	collector  metrics.Collector
	logger     *zap.Logger
}

func NewExecutor(bench string, dispatcher Dispatcher, notify NotifyFunc, collector metrics.Collector, logger *zap.Logger) *Executor {
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Executor{
		bench:      bench,
		dispatcher: dispatcher,
		notify:     notify,
		collector:  collector,
		logger:     logger,
	}
}

// Execute replays steps until the end or until ctx is cancelled. A failing
// step is reported and skipped. Cancellation is observed between steps and
// during delays; a dispatched command always runs to completion. Returns
// ErrProtocolAborted when cancelled, and sends a completion notice otherwise.
func (e *Executor) Execute(ctx context.Context, runID uuid.UUID, steps []types.ProtocolStep) error {
	logger := e.logger.With(zap.String("run_id", runID.String()))
	logger.Info("Protocol started", zap.Int("steps", len(steps)))

	failed := 0
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			logger.Info("Protocol cancelled", zap.Int("step", i))
			return fmt.Errorf("%w: before step %d: %w", types.ErrProtocolAborted, i, err)
		}

		if step.Command == types.StepDelay {
			if err := sleep(ctx, step.Duration.Duration); err != nil {
				logger.Info("Protocol cancelled during delay", zap.Int("step", i))
				return fmt.Errorf("%w: during delay at step %d: %w", types.ErrProtocolAborted, i, err)
			}
			continue
		}

		if err := e.runStep(ctx, i, step); err != nil {
			failed++
			e.collector.IncProtocolStepError(e.bench)
			logger.Warn("Protocol step failed",
				zap.Int("step", i),
				zap.String("command", string(step.Command)),
				zap.Error(err))
			e.notify(types.ErrorMessage(err))
		}
	}

	logger.Info("Protocol completed", zap.Int("failed_steps", failed))
	e.notify(types.InfoMessage(fmt.Sprintf("protocol %s completed: %d steps, %d failed", runID, len(steps), failed)))
	return nil
}

func (e *Executor) runStep(ctx context.Context, idx int, step types.ProtocolStep) error {
	cmd, ok := StepCommand(step)
	if !ok {
		return fmt.Errorf("step %d: %w: unknown step command %q", idx, types.ErrInvalidCommand, step.Command)
	}
	cmd.ID = uuid.New()

	// In-flight I/O is not interrupted by cancellation.
	if err := e.dispatcher.Dispatch(context.WithoutCancel(ctx), cmd); err != nil {
		return fmt.Errorf("step %d (%s): %w", idx, step.Command, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
