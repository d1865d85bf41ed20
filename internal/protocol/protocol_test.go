package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/devices/devicetest"
	"github.com/KevinKickass/OpenBenchCore/internal/dispatch"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type inbox struct {
	mu   sync.Mutex
	msgs []types.StatusMessage
}

func (b *inbox) notify(m types.StatusMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) ofType(t types.MessageType) []types.StatusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.StatusMessage
	for _, m := range b.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newExecutor(t *testing.T, pumps ...*devicetest.Pump) (*Executor, *inbox) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	devs := make([]devices.Device, 0, len(pumps))
	for _, p := range pumps {
		require.NoError(t, p.Connect(context.Background()))
		devs = append(devs, p)
	}
	timers := dispatch.NewTimers(func(types.Command) error { return nil }, logger)
	d := dispatch.New(devicetest.NewRegistry(devs...), timers, logger)

	box := &inbox{}
	return NewExecutor("bench", d, box.notify, nil, logger), box
}

func TestExecuteStartDelayStop(t *testing.T) {
	pump := devicetest.NewPump("p")
	e, box := newExecutor(t, pump)

	steps := []types.ProtocolStep{
		types.StartPumpStep("p", types.Params{SpeedRPM: types.Float(100)}),
		types.DelayStep(0),
		types.StopPumpStep("p"),
	}
	require.NoError(t, e.Execute(context.Background(), uuid.New(), steps))

	assert.Equal(t, 1, pump.Count("start"))
	assert.Equal(t, 1, pump.Count("stop"))
	assert.False(t, pump.Status(context.Background()).IsRunning())
	assert.Len(t, box.ofType(types.MessageInfo), 1)
	assert.Empty(t, box.ofType(types.MessageError))
}

func TestExecuteContinuesPastFailedStep(t *testing.T) {
	good := devicetest.NewPump("good")
	bad := devicetest.NewPump("bad")
	e, box := newExecutor(t, good, bad)
	bad.FailCommands(errors.New("crc mismatch"))

	steps := []types.ProtocolStep{
		types.StartPumpStep("bad", types.Params{}),
		types.StartPumpStep("ghost", types.Params{}),
		types.StartPumpStep("good", types.Params{}),
	}
	require.NoError(t, e.Execute(context.Background(), uuid.New(), steps))

	errs := box.ofType(types.MessageError)
	require.Len(t, errs, 2)
	assert.Equal(t, "TRANSPORT", errs[0].Code)
	assert.Contains(t, errs[0].Error, "step 0")
	assert.Equal(t, "UNKNOWN_DEVICE", errs[1].Code)
	assert.True(t, good.Status(context.Background()).IsRunning())
	assert.Len(t, box.ofType(types.MessageInfo), 1)
}

func TestExecuteCancelledDuringDelay(t *testing.T) {
	pump := devicetest.NewPump("p")
	e, box := newExecutor(t, pump)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	steps := []types.ProtocolStep{
		types.StartPumpStep("p", types.Params{}),
		types.DelayStep(10 * time.Second),
		types.StopPumpStep("p"),
	}
	start := time.Now()
	err := e.Execute(ctx, uuid.New(), steps)
	require.ErrorIs(t, err, types.ErrProtocolAborted)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 1, pump.Count("start"))
	assert.Zero(t, pump.Count("stop"))
	assert.Empty(t, box.ofType(types.MessageInfo), "no notice after cancellation")
}

func TestExecuteCancelledBeforeFirstStep(t *testing.T) {
	pump := devicetest.NewPump("p")
	e, _ := newExecutor(t, pump)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Execute(ctx, uuid.New(), []types.ProtocolStep{types.StartPumpStep("p", types.Params{})})
	require.ErrorIs(t, err, types.ErrProtocolAborted)
	assert.Zero(t, pump.Count("start"))
}

func TestRunnerRejectsConcurrentRun(t *testing.T) {
	pump := devicetest.NewPump("p")
	e, box := newExecutor(t, pump)
	r := NewRunner("bench", e, NewValidator(nil), box.notify, nil, zaptest.NewLogger(t))

	long := []types.ProtocolStep{types.DelayStep(10 * time.Second)}
	id, err := r.Start(context.Background(), long)
	require.NoError(t, err)

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, id, active)

	_, err = r.Start(context.Background(), long)
	require.ErrorIs(t, err, types.ErrProtocolBusy)

	assert.True(t, r.Cancel())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	require.Eventually(t, func() bool { _, ok := r.Active(); return !ok }, time.Second, 5*time.Millisecond)
	assert.False(t, r.Cancel())

	_, err = r.Start(context.Background(), []types.ProtocolStep{types.StopPumpStep("p")})
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, 1, pump.Count("stop"))
}

func TestRunnerRejectsInvalidProtocol(t *testing.T) {
	e, box := newExecutor(t)
	r := NewRunner("bench", e, NewValidator(nil), box.notify, nil, zaptest.NewLogger(t))

	_, err := r.Start(context.Background(), []types.ProtocolStep{{Command: "launch_rocket", PumpID: "p"}})
	require.ErrorIs(t, err, types.ErrInvalidCommand)
	_, ok := r.Active()
	assert.False(t, ok)
}

func TestParseAcceptsBothShapes(t *testing.T) {
	arr, err := Parse([]byte(`[
		{"command": "start_pump", "pump_id": "p1", "params": {"speed": 100, "direction": "reverse"}},
		{"command": "delay", "duration": 1.5},
		{"command": "set_power_output", "device_id": "psu", "channel": 1, "enable": true, "auto_off_seconds": 2},
		{"command": "stop_pump", "pump_id": "p1"}
	]`))
	require.NoError(t, err)
	require.Len(t, arr.Steps, 4)
	require.NotNil(t, arr.Steps[0].Params.SpeedRPM)
	assert.Equal(t, 100.0, *arr.Steps[0].Params.SpeedRPM)
	assert.Equal(t, types.DirectionReverse, *arr.Steps[0].Params.Direction)
	assert.Equal(t, 1500*time.Millisecond, arr.Steps[1].Duration.Duration)

	cmd, ok := StepCommand(arr.Steps[2])
	require.True(t, ok)
	assert.Equal(t, types.CommandSetPowerOutput, cmd.Type)
	assert.Equal(t, "psu", cmd.DeviceID)
	assert.Equal(t, 2.0, cmd.AutoOffSeconds)

	obj, err := Parse([]byte(`{"name": "prime", "steps": [{"command": "delay", "duration": "250ms"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "prime", obj.Name)
	assert.Equal(t, 250*time.Millisecond, obj.Steps[0].Duration.Duration)

	_, err = Parse([]byte(" "))
	require.ErrorIs(t, err, types.ErrInvalidCommand)
	_, err = Parse([]byte(`{"steps": 3}`))
	require.ErrorIs(t, err, types.ErrInvalidCommand)
}

func TestValidator(t *testing.T) {
	known := map[string]bool{"p1": true, "psu": true}
	v := NewValidator(func(id string) bool { return known[id] })

	rep := v.Validate([]types.ProtocolStep{
		types.StartPumpStep("p1", types.Params{SpeedRPM: types.Float(10)}),
		{Command: types.StepStopAll},
		types.StopPumpStep("p9"),
	})
	assert.True(t, rep.Valid)
	require.NoError(t, rep.Err())
	require.Len(t, rep.Warnings, 1)
	assert.Equal(t, "DEVICE_001", rep.Warnings[0].Code)
	assert.Equal(t, 2, rep.Warnings[0].StepIndex)

	rep = v.Validate([]types.ProtocolStep{
		{Command: "spin"},
		{Command: types.StepStartPump},
		types.DelayStep(-time.Second),
		{Command: types.StepSetPowerVoltage, DeviceID: "psu"},
	})
	assert.False(t, rep.Valid)
	codes := make([]string, 0, len(rep.Errors))
	for _, issue := range rep.Errors {
		codes = append(codes, issue.Code)
	}
	assert.Equal(t, []string{"STEP_001", "STEP_002", "STEP_003", "STEP_004"}, codes)
	require.ErrorIs(t, rep.Err(), types.ErrInvalidCommand)
	assert.Contains(t, rep.Err().Error(), "and 3 more")

	empty := v.Validate(nil)
	assert.False(t, empty.Valid)
	assert.Equal(t, "PROTOCOL_001", empty.Errors[0].Code)
}
