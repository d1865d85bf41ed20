// Package controller runs the control loop of one bench: it owns the bench's
// devices, drains inbound commands, publishes status snapshots and shuts the
// bench down in order.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/dispatch"
	"github.com/KevinKickass/OpenBenchCore/internal/logging"
	"github.com/KevinKickass/OpenBenchCore/internal/metrics"
	"github.com/KevinKickass/OpenBenchCore/internal/protocol"
	"github.com/KevinKickass/OpenBenchCore/internal/status"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxDrain bounds how long a stopping controller waits for consumers to
// take the messages still queued for the status channel.
const maxDrain = time.Second

// Config tunes the loop. A LogBuffer above zero enables the log channel.
// OutboxLimit caps the messages held back while the status channel is full.
type Config struct {
	Quantum         time.Duration `mapstructure:"quantum"`
	LiveInterval    time.Duration `mapstructure:"live_interval"`
	DurableInterval time.Duration `mapstructure:"durable_interval"`
	CommandBuffer   int           `mapstructure:"command_buffer"`
	StatusBuffer    int           `mapstructure:"status_buffer"`
	OutboxLimit     int           `mapstructure:"outbox_limit"`
	LogBuffer       int           `mapstructure:"log_buffer"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Quantum:         50 * time.Millisecond,
		LiveInterval:    time.Second,
		DurableInterval: 30 * time.Second,
		CommandBuffer:   64,
		StatusBuffer:    256,
		OutboxLimit:     1024,
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Quantum <= 0 {
		c.Quantum = def.Quantum
	}
	if c.LiveInterval <= 0 {
		c.LiveInterval = def.LiveInterval
	}
	if c.DurableInterval <= 0 {
		c.DurableInterval = def.DurableInterval
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = def.CommandBuffer
	}
	if c.StatusBuffer <= 0 {
		c.StatusBuffer = def.StatusBuffer
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = def.OutboxLimit
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Controller is the control loop of one bench. Commands go in through
// Submit; snapshots and notices come out of Status. Run drives the loop until
// a shutdown command or context cancellation and returns once the bench is
// Stopped.
type Controller struct {
	name      string
	cfg       Config
	logger    *zap.Logger
	collector metrics.Collector

	manager    *devices.Manager
	timers     *dispatch.Timers
	dispatcher *dispatch.Dispatcher
	publisher  *status.Publisher
	runner     *protocol.Runner
	live       *status.Cadence
	durable    *status.Cadence

	commands chan types.Command
	stopping chan struct{}
	stopOnce sync.Once

	out    chan types.StatusMessage
	outbox *outbox

	logs *logging.Stream

	mu      sync.RWMutex
	state   State
	ready   chan struct{}
	stopped chan struct{}
	running bool
}

// New builds the bench's devices without connecting them. A nil collector
// disables metrics.
func New(name string, builder devices.Builder, descs []types.DeviceDescriptor, cfg Config, collector metrics.Collector, logger *zap.Logger) (*Controller, error) {
	cfg = cfg.withDefaults()
	if collector == nil {
		collector = metrics.Noop()
	}

	c := &Controller{
		name:      name,
		cfg:       cfg,
		collector: collector,
		commands:  make(chan types.Command, cfg.CommandBuffer),
		stopping:  make(chan struct{}),
		out:       make(chan types.StatusMessage, cfg.StatusBuffer),
		state:     StateInitializing,
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	logger = logger.With(zap.String("bench", name))
	if cfg.LogBuffer > 0 {
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		c.logs = logging.NewStream(cfg.LogBuffer)
		logger = logging.Tee(logger, c.logs, level)
	}
	c.logger = logger
	c.outbox = newOutbox(cfg.OutboxLimit, func(kind string) {
		c.collector.IncMessageDropped(name, kind)
	})

	manager, err := devices.NewManager(builder, descs, logger)
	if err != nil {
		return nil, fmt.Errorf("bench %s: %w", name, err)
	}
	c.manager = manager

	c.timers = dispatch.NewTimers(c.Submit, logger)
	c.dispatcher = dispatch.New(manager, c.timers, logger)
	c.publisher = status.NewPublisher(name, manager, collector, logger)

	known := func(id string) bool {
		_, err := manager.Get(id)
		return err == nil
	}
	executor := protocol.NewExecutor(name, c.dispatcher, c.notify, collector, logger)
	c.runner = protocol.NewRunner(name, executor, protocol.NewValidator(known), c.notify, collector, logger)

	return c, nil
}

func (c *Controller) Name() string { return c.name }

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready is closed once the controller reached Ready.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Done is closed once the controller reached Stopped.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

// Status delivers snapshots, {error} and {info} messages. It is closed when
// the controller stops.
func (c *Controller) Status() <-chan types.StatusMessage { return c.out }

// Logs returns the log channel, or nil when it is disabled. The last line is
// an EOF marker.
func (c *Controller) Logs() <-chan types.LogLine {
	if c.logs == nil {
		return nil
	}
	return c.logs.Lines()
}

// Latest returns the most recent snapshot.
func (c *Controller) Latest() (types.StatusSnapshot, bool) { return c.publisher.Latest() }

// Devices lists the bench's descriptors in table order.
func (c *Controller) Devices() []types.DeviceDescriptor {
	devs := c.manager.List()
	out := make([]types.DeviceDescriptor, 0, len(devs))
	for _, dev := range devs {
		out = append(out, dev.Descriptor())
	}
	return out
}

// ActiveProtocol returns the id of the running protocol, if any.
func (c *Controller) ActiveProtocol() (uuid.UUID, bool) { return c.runner.Active() }

// Submit queues a command for the loop. It blocks while the inbound channel
// is full and fails with ErrControllerStopped once shutdown has begun.
func (c *Controller) Submit(cmd types.Command) error {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	select {
	case <-c.stopping:
		return types.ErrControllerStopped
	default:
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-c.stopping:
		return types.ErrControllerStopped
	}
}

// Run connects the devices, serves commands until shutdown and tears the
// bench down. It may only be called once.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("controller already running")
	}
	c.running = true
	c.mu.Unlock()

	// Unblocks senders waiting on a full status channel.
	go func() {
		select {
		case <-ctx.Done():
			c.stopOnce.Do(func() { close(c.stopping) })
		case <-c.stopped:
		}
	}()

	go c.outbox.run(c.out, min(c.cfg.ShutdownTimeout, maxDrain))

	c.initialize(ctx)

	now := time.Now()
	c.live = status.NewCadence(c.cfg.LiveInterval, now)
	c.durable = status.NewCadence(c.cfg.DurableInterval, now.Add(c.cfg.DurableInterval))

	ticker := time.NewTicker(c.cfg.Quantum)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, shutting down")
			c.shutdown(context.WithoutCancel(ctx))
			return nil
		default:
		}

		select {
		case cmd := <-c.commands:
			if cmd.Type == types.CommandShutdown {
				c.logger.Info("Shutdown requested")
				c.shutdown(ctx)
				return nil
			}
			c.handle(ctx, cmd)
		default:
		}

		c.tick(ctx, time.Now())

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (c *Controller) initialize(ctx context.Context) {
	c.logger.Info("Connecting devices", zap.Int("devices", c.manager.Len()))

	if err := c.manager.ConnectAll(ctx); err != nil {
		failed := c.manager.Len() - c.manager.Connected()
		c.notify(types.ErrorMessage(fmt.Errorf("connect: %d of %d devices failed: %w",
			failed, c.manager.Len(), err)))
	}

	c.setState(StateReady)
	close(c.ready)
	c.logger.Info("Bench ready",
		zap.Int("connected", c.manager.Connected()),
		zap.Int("devices", c.manager.Len()))
}

func (c *Controller) handle(ctx context.Context, cmd types.Command) {
	start := time.Now()
	err := c.execute(ctx, cmd)
	c.collector.ObserveCommand(c.name, string(cmd.Type), err, time.Since(start))

	if err != nil {
		c.logger.Warn("Command failed",
			zap.String("id", cmd.ID.String()),
			zap.String("type", string(cmd.Type)),
			zap.String("device", cmd.DeviceID),
			zap.Error(err))
		c.notify(types.ErrorMessage(err))
	}
}

func (c *Controller) execute(ctx context.Context, cmd types.Command) error {
	switch cmd.Type {
	case types.CommandRunProtocol:
		if err := cmd.Validate(); err != nil {
			return err
		}
		_, err := c.runner.Start(ctx, cmd.Steps)
		return err

	case types.CommandCancelProtocol:
		if !c.runner.Cancel() {
			c.notify(types.InfoMessage("no protocol running"))
		}
		return nil

	case types.CommandSetLogInterval:
		if err := cmd.Validate(); err != nil {
			return err
		}
		interval := time.Duration(cmd.IntervalSeconds * float64(time.Second))
		if err := c.durable.SetInterval(interval, time.Now()); err != nil {
			return err
		}
		c.logger.Info("Durable interval changed", zap.Duration("interval", interval))
		return nil
	}

	return c.dispatcher.Dispatch(ctx, cmd)
}

// tick publishes a snapshot when a cadence is due. When both are due a
// single loggable snapshot serves both.
func (c *Controller) tick(ctx context.Context, now time.Time) {
	live := c.live.Due(now)
	durable := c.durable.Due(now)
	if !live && !durable {
		return
	}

	snap := c.publisher.Poll(ctx, durable)
	c.outbox.push(types.SnapshotMessage(snap))
}

// notify queues an {error} or {info} message. It never blocks the caller.
func (c *Controller) notify(msg types.StatusMessage) {
	c.outbox.push(msg)
}

func (c *Controller) shutdown(ctx context.Context) {
	c.setState(StateShuttingDown)
	c.stopOnce.Do(func() { close(c.stopping) })

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	if c.runner.Cancel() {
		if err := c.runner.Wait(ctx); err != nil {
			c.logger.Warn("Protocol did not stop in time", zap.Error(err))
		}
	}
	c.timers.CancelAll()

	if err := c.dispatcher.StopAll(ctx); err != nil {
		c.logger.Warn("Stopping devices failed", zap.Error(err))
	}
	if err := c.manager.DisconnectAll(ctx); err != nil {
		c.logger.Warn("Disconnecting devices failed", zap.Error(err))
	}

	c.outbox.close()
	<-c.outbox.done

	c.setState(StateStopped)
	c.logger.Info("Bench stopped")
	if c.logs != nil {
		c.logs.Close()
	}
	close(c.stopped)
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	if err := ValidateTransition(from, to); err != nil {
		c.logger.Error("Rejected state change", zap.Error(err))
		return
	}
	c.state = to

	c.logger.Info("Controller state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}
