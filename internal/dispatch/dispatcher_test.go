package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/devices/devicetest"
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

type submitted struct {
	mu   sync.Mutex
	cmds []types.Command
}

func (s *submitted) submit(cmd types.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *submitted) all() []types.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Command(nil), s.cmds...)
}

// simulatedBench returns a connected pump "p1" and supply "psu".
func simulatedBench(t *testing.T) *devices.Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	factory := devices.NewFactory(modbus.NewPool(logger), devices.DefaultTimeouts(), logger)
	m, err := devices.NewManager(factory, []types.DeviceDescriptor{
		{ID: "p1", Family: types.FamilyPeristalticA, Port: types.SimulatedPort, Address: 1},
		{ID: "hp", Family: types.FamilyPlungerPump, Port: types.SimulatedPort, Address: 55},
		{ID: "psu", Family: types.FamilyPowerSupply, Port: types.SimulatedPort},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, m.ConnectAll(context.Background()))
	return m
}

func newDispatcher(t *testing.T, reg Registry) (*Dispatcher, *submitted) {
	t.Helper()
	s := &submitted{}
	logger := zaptest.NewLogger(t)
	return New(reg, NewTimers(s.submit, logger), logger), s
}

func TestDispatchUnknownDeviceMutatesNothing(t *testing.T) {
	pump := devicetest.NewPump("p1")
	require.NoError(t, pump.Connect(context.Background()))
	d, _ := newDispatcher(t, devicetest.NewRegistry(pump))

	for _, cmd := range []types.Command{
		types.StartCommand("ghost", types.Params{SpeedRPM: types.Float(100)}),
		types.StopCommand("ghost"),
		types.SetParamsCommand("ghost", types.Params{SpeedRPM: types.Float(-1)}),
		types.SetOutputCommand("ghost", 1, true, 2),
	} {
		err := d.Dispatch(context.Background(), cmd)
		require.ErrorIs(t, err, types.ErrUnknownDevice, cmd.Type)
	}
	assert.Equal(t, []string{"connect"}, pump.Calls())
}

func TestDispatchRoutesPumpCommands(t *testing.T) {
	ctx := context.Background()
	m := simulatedBench(t)
	d, _ := newDispatcher(t, m)

	require.NoError(t, d.Dispatch(ctx, types.StartCommand("p1", types.Params{
		SpeedRPM:  types.Float(100),
		Direction: types.Dir(types.DirectionForward),
	})))
	p1, err := m.Get("p1")
	require.NoError(t, err)
	st := p1.Status(ctx)
	assert.True(t, st.Pump.IsRunning)
	assert.InDelta(t, 100, st.Pump.SpeedRPM, 0.01)

	require.NoError(t, d.Dispatch(ctx, types.SetParamsCommand("p1", types.Params{SpeedRPM: types.Float(40)})))
	assert.Equal(t, 40.0, p1.Setpoints().SpeedRPM)
	assert.True(t, p1.Setpoints().Running)

	require.NoError(t, d.Dispatch(ctx, types.StopCommand("p1")))
	assert.False(t, p1.Status(ctx).Pump.IsRunning)

	require.NoError(t, d.Dispatch(ctx, types.Command{Type: types.CommandZeroPressure, DeviceID: "hp"}))
}

func TestDispatchFamilyMismatchIsUnsupported(t *testing.T) {
	ctx := context.Background()
	d, _ := newDispatcher(t, simulatedBench(t))

	err := d.Dispatch(ctx, types.Command{Type: types.CommandSetPowerVoltage, DeviceID: "p1", Channel: 1, Volts: 5})
	require.ErrorIs(t, err, types.ErrUnsupportedOperation)

	err = d.Dispatch(ctx, types.Command{Type: types.CommandZeroPressure, DeviceID: "p1"})
	require.ErrorIs(t, err, types.ErrUnsupportedOperation)
}

func TestDispatchRejectsInvalidCommands(t *testing.T) {
	ctx := context.Background()
	d, _ := newDispatcher(t, simulatedBench(t))

	require.ErrorIs(t, d.Dispatch(ctx, types.Command{Type: types.CommandSetPowerVoltage, DeviceID: "psu"}), types.ErrInvalidCommand)
	require.ErrorIs(t, d.Dispatch(ctx, types.StartCommand("p1", types.Params{SpeedRPM: types.Float(-3)})), types.ErrInvalidCommand)
	require.ErrorIs(t, d.Dispatch(ctx, types.Command{Type: types.CommandShutdown}), types.ErrInvalidCommand)
	require.ErrorIs(t, d.Dispatch(ctx, types.Command{Type: types.CommandStart}), types.ErrInvalidCommand)
}

func TestDispatchPowerSupply(t *testing.T) {
	ctx := context.Background()
	m := simulatedBench(t)
	d, _ := newDispatcher(t, m)

	require.NoError(t, d.Dispatch(ctx, types.Command{Type: types.CommandSetPowerVoltage, DeviceID: "psu", Channel: 1, Volts: 12}))
	require.NoError(t, d.Dispatch(ctx, types.Command{Type: types.CommandSetPowerCurrent, DeviceID: "psu", Channel: 1, Amps: 0.5}))
	require.NoError(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 1, true, 0)))

	psu, err := m.Get("psu")
	require.NoError(t, err)
	st := psu.Status(ctx)
	assert.True(t, st.Power.OutputOn)
	assert.InDelta(t, 12, st.Power.Channels[0].Voltage, 0.001)
	assert.InDelta(t, 0.5, st.Power.Channels[0].Current, 0.001)
}

func TestAutoOffResubmitsCommand(t *testing.T) {
	ctx := context.Background()
	d, s := newDispatcher(t, simulatedBench(t))

	start := time.Now()
	require.NoError(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 2, true, 0.2)))
	assert.True(t, d.timers.Pending("psu"))

	require.Eventually(t, func() bool { return len(s.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	cmd := s.all()[0]
	assert.Equal(t, types.CommandSetPowerOutput, cmd.Type)
	assert.Equal(t, "psu", cmd.DeviceID)
	assert.Equal(t, 2, cmd.Channel)
	assert.False(t, cmd.Enable)
	assert.False(t, d.timers.Pending("psu"))
}

func TestRetoggleCancelsPendingAutoOff(t *testing.T) {
	ctx := context.Background()
	d, s := newDispatcher(t, simulatedBench(t))

	require.NoError(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 1, true, 0.1)))
	require.NoError(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 1, true, 0)))
	assert.False(t, d.timers.Pending("psu"))

	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, s.all())
}

func TestFailedSwitchKeepsPendingAutoOff(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	factory := devices.NewFactory(modbus.NewPool(logger), devices.DefaultTimeouts(), logger)
	m, err := devices.NewManager(factory, []types.DeviceDescriptor{
		{ID: "psu", Family: types.FamilyPowerSupply, Port: types.SimulatedPort},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, m.ConnectAll(ctx))
	d, s := newDispatcher(t, m)
	line := factory.SimulatedLine("psu")
	require.NotNil(t, line)

	require.NoError(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 1, true, 0.2)))
	require.True(t, d.timers.Pending("psu"))

	line.FailAll(errors.New("serial glitch"))
	require.ErrorIs(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 1, true, 60)), types.ErrTransport)
	require.ErrorIs(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 1, false, 0)), types.ErrTransport)
	assert.True(t, d.timers.Pending("psu"), "auto-off survives failed switches")
	assert.True(t, line.OutputOn())
	line.FailAll(nil)

	require.Eventually(t, func() bool { return len(s.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.all()[0].Enable)
}

func TestStopAllIsBestEffort(t *testing.T) {
	ctx := context.Background()
	healthy := devicetest.NewPump("a")
	broken := devicetest.NewPump("b")
	offline := devicetest.NewPump("c")
	require.NoError(t, healthy.Connect(ctx))
	require.NoError(t, broken.Connect(ctx))
	require.NoError(t, healthy.Start(ctx, types.Params{}))
	broken.FailCommands(errors.New("no response"))

	d, _ := newDispatcher(t, devicetest.NewRegistry(broken, healthy, offline))
	d.timers.Schedule("a", 1, time.Hour)

	err := d.Dispatch(ctx, types.Command{Type: types.CommandStopAll})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.ErrorIs(t, err, types.ErrTransport)

	assert.Equal(t, 1, healthy.Count("stop"))
	assert.False(t, healthy.Status(ctx).IsRunning())
	assert.Zero(t, offline.Count("stop"))
	assert.False(t, d.timers.Pending("a"))
}

func TestStopAllSwitchesSupplyOff(t *testing.T) {
	ctx := context.Background()
	m := simulatedBench(t)
	d, _ := newDispatcher(t, m)

	require.NoError(t, d.Dispatch(ctx, types.Command{Type: types.CommandSetPowerVoltage, DeviceID: "psu", Channel: 1, Volts: 5}))
	require.NoError(t, d.Dispatch(ctx, types.SetOutputCommand("psu", 0, true, 0)))
	require.NoError(t, d.Dispatch(ctx, types.StartCommand("p1", types.Params{SpeedRPM: types.Float(20)})))

	require.NoError(t, d.StopAll(ctx))
	for _, dev := range m.List() {
		assert.False(t, dev.Status(ctx).IsRunning(), dev.ID())
	}
}
