package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/api/rest"
	"github.com/KevinKickass/OpenBenchCore/internal/api/websocket"
	"github.com/KevinKickass/OpenBenchCore/internal/auth"
	"github.com/KevinKickass/OpenBenchCore/internal/config"
	"github.com/KevinKickass/OpenBenchCore/internal/controller"
	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/interfaces"
	"github.com/KevinKickass/OpenBenchCore/internal/metrics"
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/storage"
	"github.com/KevinKickass/OpenBenchCore/internal/telemetry"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	persistTimeout = 5 * time.Second
	persistBacklog = 256
)

// Options carries the optional sinks. Nil members are disabled.
type Options struct {
	Storage   *storage.PostgresClient
	Telemetry *telemetry.Publisher
	// Builder overrides the serial device factory.
	Builder devices.Builder
}

type benchRuntime struct {
	ctrl   *controller.Controller
	lease  *devices.Lease
	cancel context.CancelFunc
}

type LifecycleManager struct {
	config      *config.Config
	storage     *storage.PostgresClient
	telemetry   *telemetry.Publisher
	builder     devices.Builder
	leases      *devices.LeaseRegistry
	collector   *metrics.PrometheusCollector
	authService *auth.Service
	logger      *zap.Logger

	benchesMu sync.RWMutex
	benches   map[string]*benchRuntime
	order     []string
	workers   sync.WaitGroup

	wsHub      *websocket.Hub
	hubCancel  context.CancelFunc
	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, opts Options, logger *zap.Logger) *LifecycleManager {
	builder := opts.Builder
	if builder == nil {
		builder = devices.NewFactory(modbus.NewPool(logger), cfg.Serial.Timeouts(), logger)
	}

	authService := auth.NewService(cfg.Auth, logger)

	return &LifecycleManager{
		config:       cfg,
		storage:      opts.Storage,
		telemetry:    opts.Telemetry,
		builder:      builder,
		leases:       devices.NewLeaseRegistry(),
		collector:    metrics.NewPrometheusCollector(),
		authService:  authService,
		logger:       logger,
		benches:      make(map[string]*benchRuntime),
		wsHub:        websocket.NewHub(logger, authService),
		health:       health.NewServer(),
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
}

// Start loads the bench file, starts one controller per selected bench and
// brings up the gRPC and REST servers. On error the caller still owns a
// Shutdown.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenBenchCore")
	lm.broadcastStatus()

	if lm.config.Auth.Enabled && !lm.config.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret is the development default or too short")
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	selected, err := lm.loadBenches()
	if err != nil {
		lm.setError(err)
		return err
	}

	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, bench := range selected {
		if err := lm.startBench(bench); err != nil {
			lm.setError(err)
			return err
		}
	}

	// Start gRPC Server (health service)
	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	// Start REST API Server
	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Strings("benches", lm.Benches()))

	return nil
}

func (lm *LifecycleManager) loadBenches() ([]devices.Bench, error) {
	loader, err := devices.NewBenchLoader()
	if err != nil {
		return nil, err
	}
	file, err := loader.Load(lm.config.Benches.File)
	if err != nil {
		return nil, err
	}

	if len(lm.config.Benches.Start) == 0 {
		return file.Benches, nil
	}
	selected := make([]devices.Bench, 0, len(lm.config.Benches.Start))
	for _, name := range lm.config.Benches.Start {
		bench, err := file.Bench(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, bench)
	}
	return selected, nil
}

// startBench leases the bench's devices and their endpoints and runs its
// controller.
func (lm *LifecycleManager) startBench(bench devices.Bench) error {
	lease, err := lm.leases.Acquire(bench.Name, devices.LeaseKeys(bench.Devices))
	if err != nil {
		return fmt.Errorf("bench %s: %w", bench.Name, err)
	}

	ctrl, err := controller.New(bench.Name, lm.builder, bench.Devices, lm.config.Controller, lm.collector, lm.logger)
	if err != nil {
		lease.Release()
		return fmt.Errorf("bench %s: %w", bench.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &benchRuntime{ctrl: ctrl, lease: lease, cancel: cancel}

	lm.benchesMu.Lock()
	if _, exists := lm.benches[bench.Name]; exists {
		lm.benchesMu.Unlock()
		cancel()
		lease.Release()
		return fmt.Errorf("bench %s started twice", bench.Name)
	}
	lm.benches[bench.Name] = rt
	lm.order = append(lm.order, bench.Name)
	lm.benchesMu.Unlock()

	lm.health.SetServingStatus(benchService(bench.Name), healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			lm.logger.Error("Bench controller failed", zap.String("bench", bench.Name), zap.Error(err))
		}
	}()

	lm.workers.Add(2)
	go lm.forwardStatus(bench.Name, ctrl)
	go lm.watchReadiness(bench.Name, ctrl)
	if logs := ctrl.Logs(); logs != nil {
		lm.workers.Add(1)
		go lm.forwardLogs(bench.Name, logs)
	}

	lm.logger.Info("Bench started",
		zap.String("bench", bench.Name),
		zap.Int("devices", len(bench.Devices)))
	return nil
}

// forwardStatus fans a bench's status stream out to the websocket hub and
// the optional sinks until the controller closes it.
// Database writes run on their own worker so a slow or unreachable database
// never holds up the live stream.
func (lm *LifecycleManager) forwardStatus(name string, ctrl *controller.Controller) {
	defer lm.workers.Done()

	var backlog chan types.StatusMessage
	if lm.storage != nil {
		backlog = make(chan types.StatusMessage, persistBacklog)
		lm.workers.Add(1)
		go lm.persistWorker(name, backlog)
		defer close(backlog)
	}

	for msg := range ctrl.Status() {
		lm.wsHub.Broadcast(websocket.NewBenchMessage(name, msg))

		if lm.telemetry != nil {
			if err := lm.telemetry.Publish(name, msg); err != nil {
				lm.logger.Warn("Telemetry publish failed", zap.String("bench", name), zap.Error(err))
			}
		}

		if backlog != nil && persistable(name, msg) {
			select {
			case backlog <- msg:
			default:
				lm.logger.Warn("Persistence backlog full, message not stored",
					zap.String("bench", name),
					zap.String("type", string(msg.Type)))
			}
		}
	}
}

func (lm *LifecycleManager) persistWorker(name string, backlog <-chan types.StatusMessage) {
	defer lm.workers.Done()

	for msg := range backlog {
		if err := lm.persist(name, msg); err != nil {
			lm.logger.Warn("Failed to persist status message", zap.String("bench", name), zap.Error(err))
		}
	}
}

// persistable reports whether msg goes to the database: loggable snapshots
// and error or info notices.
func persistable(name string, msg types.StatusMessage) bool {
	if msg.Type == types.MessageSnapshot {
		return msg.Snapshot != nil && msg.Snapshot.Loggable
	}
	_, ok := storage.EventFromMessage(name, msg)
	return ok
}

func (lm *LifecycleManager) persist(name string, msg types.StatusMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if msg.Type == types.MessageSnapshot {
		return lm.storage.InsertSnapshot(ctx, name, *msg.Snapshot)
	}
	ev, _ := storage.EventFromMessage(name, msg)
	return lm.storage.InsertEvent(ctx, ev)
}

func (lm *LifecycleManager) forwardLogs(name string, lines <-chan types.LogLine) {
	defer lm.workers.Done()

	for line := range lines {
		if line.EOF {
			return
		}
		lm.wsHub.Broadcast(websocket.NewLogMessage(name, line))
	}
}

// watchReadiness flips the bench's health status when its controller comes
// up and again when it stops.
func (lm *LifecycleManager) watchReadiness(name string, ctrl *controller.Controller) {
	defer lm.workers.Done()

	select {
	case <-ctrl.Ready():
		lm.health.SetServingStatus(benchService(name), healthpb.HealthCheckResponse_SERVING)
		lm.updateOverallHealth()
		lm.broadcastStatus()
	case <-ctrl.Done():
	}

	<-ctrl.Done()
	lm.health.SetServingStatus(benchService(name), healthpb.HealthCheckResponse_NOT_SERVING)
	lm.updateOverallHealth()
}

// updateOverallHealth reports SERVING only while every bench is Ready.
func (lm *LifecycleManager) updateOverallHealth() {
	lm.benchesMu.RLock()
	serving := len(lm.benches) > 0
	for _, rt := range lm.benches {
		if rt.ctrl.State() != controller.StateReady {
			serving = false
			break
		}
	}
	lm.benchesMu.RUnlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	lm.health.SetServingStatus("", status)
}

func benchService(name string) string {
	return "openbench.bench." + name
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		lm.broadcastStatus()

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs error

	lm.health.Shutdown()

	// 1. REST API first so no new commands arrive
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = multierr.Append(errs, lm.restServer.Shutdown(shutdownCtx))
		cancel()
	}

	// 2. Benches: ask every controller to stop, then wait
	errs = multierr.Append(errs, lm.stopBenches(ctx))

	// 3. Status forwarders drain once the controllers closed their channels
	done := make(chan struct{})
	go func() {
		lm.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, errors.New("timed out draining bench status"))
	}

	// 4. gRPC server graceful stop
	if lm.grpcServer != nil {
		lm.logger.Info("Stopping gRPC server")
		lm.grpcServer.GracefulStop()
	}

	if lm.hubCancel != nil {
		lm.hubCancel()
	}

	if errs != nil {
		lm.logger.Warn("Shutdown completed with errors", zap.Error(errs))
	} else {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errs
}

func (lm *LifecycleManager) stopBenches(ctx context.Context) error {
	lm.benchesMu.RLock()
	runtimes := make(map[string]*benchRuntime, len(lm.benches))
	for name, rt := range lm.benches {
		runtimes[name] = rt
	}
	lm.benchesMu.RUnlock()

	for name, rt := range runtimes {
		err := rt.ctrl.Submit(types.Command{Type: types.CommandShutdown})
		if err != nil && !errors.Is(err, types.ErrControllerStopped) {
			lm.logger.Warn("Failed to submit shutdown", zap.String("bench", name), zap.Error(err))
			rt.cancel()
		}
	}

	var errs error
	for name, rt := range runtimes {
		select {
		case <-rt.ctrl.Done():
		case <-ctx.Done():
			// Cancelling the run context makes the controller shut down on
			// its own timeout.
			rt.cancel()
			<-rt.ctrl.Done()
			errs = multierr.Append(errs, fmt.Errorf("bench %s: shutdown deadline exceeded", name))
		}
		rt.cancel()
		rt.lease.Release()
		lm.logger.Info("Bench stopped", zap.String("bench", name))
	}
	return errs
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService, lm.collector.Handler())
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastError = err.Error()
	lm.stateMu.Unlock()
	lm.broadcastStatus()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{State: state.String(), Benches: []interfaces.BenchStatus{}}

	lm.benchesMu.RLock()
	defer lm.benchesMu.RUnlock()
	for _, name := range lm.order {
		ctrl := lm.benches[name].ctrl
		bs := interfaces.BenchStatus{
			Name:        name,
			State:       ctrl.State().String(),
			DeviceCount: len(ctrl.Devices()),
		}
		if id, running := ctrl.ActiveProtocol(); running {
			bs.ActiveProtocol = id.String()
		}
		if snap, ok := ctrl.Latest(); ok {
			for _, st := range snap.Devices {
				if st.Connected {
					bs.ConnectedDevices++
				}
			}
		}
		status.Benches = append(status.Benches, bs)
		status.DeviceCount += bs.DeviceCount
		status.ConnectedDevices += bs.ConnectedDevices
	}
	return status
}

// getStatusInternal returns typed status (for internal use)
func (lm *LifecycleManager) getStatusInternal() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	return SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
		Error:     lm.lastError,
	}
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.getStatusInternal()
	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(lm.GetCurrentStatus()))

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Benches lists the running benches in start order.
func (lm *LifecycleManager) Benches() []string {
	lm.benchesMu.RLock()
	defer lm.benchesMu.RUnlock()
	return append([]string(nil), lm.order...)
}

func (lm *LifecycleManager) Bench(name string) (*controller.Controller, bool) {
	lm.benchesMu.RLock()
	defer lm.benchesMu.RUnlock()
	rt, ok := lm.benches[name]
	if !ok {
		return nil, false
	}
	return rt.ctrl, true
}

// Leases returns the device lease registry.
func (lm *LifecycleManager) Leases() *devices.LeaseRegistry {
	return lm.leases
}

// Storage returns the storage client
func (lm *LifecycleManager) Storage() *storage.PostgresClient {
	return lm.storage
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// RESTServer returns the REST server once Start has run.
func (lm *LifecycleManager) RESTServer() *rest.Server {
	return lm.restServer
}
