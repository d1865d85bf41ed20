package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/config"
	"github.com/KevinKickass/OpenBenchCore/internal/controller"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const benchYAML = `
version: 1
benches:
  - name: bench-a
    devices:
      - {id: p1, family: kamoer, port: MOCK, address: 192}
      - {id: ps, family: gpd_4303s, port: "sim:gpd"}
  - name: bench-b
    devices:
      - {id: p2, family: lange, port: "sim:b", address: 1}
`

func testConfig(t *testing.T, start ...string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benches.yaml")
	require.NoError(t, os.WriteFile(path, []byte(benchYAML), 0o644))

	ctrl := controller.DefaultConfig()
	ctrl.Quantum = 5 * time.Millisecond
	ctrl.LiveInterval = 20 * time.Millisecond

	return &config.Config{
		Server:     config.ServerConfig{HTTPPort: 0, GRPCPort: 0},
		Controller: ctrl,
		Benches:    config.BenchesConfig{File: path, Start: start},
	}
}

func startManager(t *testing.T, cfg *config.Config) *LifecycleManager {
	t.Helper()
	lm := NewLifecycleManager(cfg, Options{}, zap.NewNop())
	require.NoError(t, lm.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lm.Shutdown(ctx)
	})
	return lm
}

func servingStatus(t *testing.T, lm *LifecycleManager, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := lm.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.NoError(t, ValidateTransition(StateError, StateStopping))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(StateRunning, StateInitializing))
}

func TestStartRunsEveryBench(t *testing.T) {
	lm := startManager(t, testConfig(t))

	assert.Equal(t, []string{"bench-a", "bench-b"}, lm.Benches())
	for _, name := range lm.Benches() {
		ctrl, ok := lm.Bench(name)
		require.True(t, ok)
		select {
		case <-ctrl.Ready():
		case <-time.After(3 * time.Second):
			t.Fatalf("bench %s never became ready", name)
		}
	}

	assert.Eventually(t, func() bool {
		return servingStatus(t, lm, "") == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return servingStatus(t, lm, benchService("bench-b")) == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 10*time.Millisecond)

	owner, held := lm.Leases().Owner("p2")
	assert.True(t, held)
	assert.Equal(t, "bench-b", owner)

	require.Eventually(t, func() bool {
		st := lm.GetCurrentStatus()
		return st.ConnectedDevices == 3
	}, 3*time.Second, 10*time.Millisecond)

	st := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", st.State)
	assert.Equal(t, 3, st.DeviceCount)
	require.Len(t, st.Benches, 2)
	assert.Equal(t, "bench-a", st.Benches[0].Name)
	assert.Equal(t, 2, st.Benches[0].DeviceCount)
}

func TestStartSelectedBenches(t *testing.T) {
	lm := startManager(t, testConfig(t, "bench-b"))

	assert.Equal(t, []string{"bench-b"}, lm.Benches())
	_, ok := lm.Bench("bench-a")
	assert.False(t, ok)
	_, held := lm.Leases().Owner("p1")
	assert.False(t, held)
}

func TestStartFailsOnUnknownBench(t *testing.T) {
	lm := NewLifecycleManager(testConfig(t, "bench-z"), Options{}, zap.NewNop())
	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bench-z")
	assert.Equal(t, StateError, lm.getStatusInternal().State)

	require.NoError(t, lm.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, lm.getStatusInternal().State)
}

func TestShutdownStopsBenchesAndReleasesLeases(t *testing.T) {
	lm := NewLifecycleManager(testConfig(t), Options{}, zap.NewNop())
	listener := lm.SubscribeStatus()
	require.NoError(t, lm.Start())

	ctrl, ok := lm.Bench("bench-a")
	require.True(t, ok)
	<-ctrl.Ready()
	require.NoError(t, ctrl.Submit(types.StartCommand("p1", types.Params{SpeedRPM: types.Float(100)})))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(ctx))

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	for _, name := range lm.Benches() {
		ctrl, _ := lm.Bench(name)
		assert.Equal(t, controller.StateStopped, ctrl.State())
	}
	for _, id := range []string{"p1", "ps", "p2"} {
		_, held := lm.Leases().Owner(id)
		assert.False(t, held, id)
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, lm, ""))

	var states []SystemState
	for len(listener) > 0 {
		states = append(states, (<-listener).State)
	}
	assert.Contains(t, states, StateRunning)
	assert.Equal(t, StateStopped, states[len(states)-1])

	// Second shutdown is a no-op
	assert.NoError(t, lm.Shutdown(ctx))
}

func TestPersistableMessages(t *testing.T) {
	live := types.SnapshotMessage(types.NewSnapshot(time.Now(), false, nil))
	durable := types.SnapshotMessage(types.NewSnapshot(time.Now(), true, nil))

	assert.False(t, persistable("bench-a", live))
	assert.True(t, persistable("bench-a", durable))
	assert.True(t, persistable("bench-a", types.InfoMessage("protocol done")))
	assert.True(t, persistable("bench-a", types.ErrorMessage(types.ErrUnknownDevice)))
}
