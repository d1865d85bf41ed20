package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/OpenBenchCore/internal/codec"
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/scpi"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func simulatedBus(t *testing.T, family types.Family, unit uint8) *modbus.MemoryBus {
	t.Helper()
	bus := modbus.NewMemoryBus(types.SimulatedPort)
	simulate(bus, family, unit)
	return bus
}

func descriptor(id string, family types.Family, address int) types.DeviceDescriptor {
	return types.DeviceDescriptor{ID: id, Family: family, Port: types.SimulatedPort, Address: address}
}

func TestKamoerStartStop(t *testing.T) {
	ctx := context.Background()
	bus := simulatedBus(t, types.FamilyPeristalticA, KamoerDefaultAddress)
	pump, err := NewKamoer(descriptor("p1", types.FamilyPeristalticA, KamoerDefaultAddress), bus, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, pump.Connect(ctx))
	assert.True(t, bus.Coil(KamoerDefaultAddress, kamoerCoilBusControl), "bus control enabled on connect")

	require.NoError(t, pump.Start(ctx, types.Params{SpeedRPM: types.Float(100)}))
	st := pump.Status(ctx)
	require.NotNil(t, st.Pump)
	assert.True(t, st.Connected)
	assert.True(t, st.Pump.IsRunning)
	assert.InDelta(t, 100, st.Pump.SpeedRPM, 0.01)

	hi, lo := bus.Register(KamoerDefaultAddress, kamoerRegSpeedSetpoint), bus.Register(KamoerDefaultAddress, kamoerRegSpeedSetpoint+1)
	assert.Equal(t, uint16(0x42C8), hi)
	assert.Equal(t, uint16(0x0000), lo)

	require.NoError(t, pump.Stop(ctx))
	st = pump.Status(ctx)
	assert.False(t, st.Pump.IsRunning)
	assert.Zero(t, st.Pump.SpeedRPM)

	sp := pump.Setpoints()
	assert.False(t, sp.Running)
	assert.Equal(t, 100.0, sp.SpeedRPM)
}

func TestKamoerDirectionCoil(t *testing.T) {
	ctx := context.Background()
	bus := simulatedBus(t, types.FamilyPeristalticA, 3)
	pump, err := NewKamoer(descriptor("p1", types.FamilyPeristalticA, 3), bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, pump.Connect(ctx))

	require.NoError(t, pump.SetParameters(ctx, types.Params{Direction: types.Dir(types.DirectionReverse)}))
	assert.True(t, bus.Coil(3, kamoerCoilDirection))
	assert.False(t, bus.Coil(3, kamoerCoilRun), "set parameters does not start the pump")
	assert.Equal(t, types.DirectionReverse, pump.Status(ctx).Pump.Direction)
}

func TestLangeStatusWord(t *testing.T) {
	ctx := context.Background()
	bus := simulatedBus(t, types.FamilyPeristalticB, LangeDefaultAddress)
	pump, err := NewLange(descriptor("p2", types.FamilyPeristalticB, LangeDefaultAddress), bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, pump.Connect(ctx))

	require.NoError(t, pump.Start(ctx, types.Params{SpeedRPM: types.Float(50), Direction: types.Dir(types.DirectionReverse)}))
	assert.Equal(t, uint16(5000), bus.Register(LangeDefaultAddress, langeRegSpeed))
	assert.Equal(t, uint16(0x0011), bus.Register(LangeDefaultAddress, langeRegStatus))

	st := pump.Status(ctx)
	assert.True(t, st.Pump.IsRunning)
	assert.InDelta(t, 50, st.Pump.SpeedRPM, 0.001)
	assert.Equal(t, types.DirectionReverse, st.Pump.Direction)

	require.NoError(t, pump.Stop(ctx))
	assert.Equal(t, uint16(0x0010), bus.Register(LangeDefaultAddress, langeRegStatus), "stop keeps the direction bit")
	assert.False(t, pump.Status(ctx).Pump.IsRunning)
}

func TestLangeRejectsUnencodableSpeed(t *testing.T) {
	ctx := context.Background()
	bus := simulatedBus(t, types.FamilyPeristalticB, 1)
	pump, err := NewLange(descriptor("p2", types.FamilyPeristalticB, 1), bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, pump.Connect(ctx))

	err = pump.Start(ctx, types.Params{SpeedRPM: types.Float(700)})
	require.ErrorIs(t, err, types.ErrEncoding)
	assert.False(t, pump.Setpoints().Running)
	assert.Empty(t, bus.WritesTo(1))
}

func TestPlungerTriggers(t *testing.T) {
	ctx := context.Background()
	bus := simulatedBus(t, types.FamilyPlungerPump, PlungerDefaultAddress)
	pump, err := NewPlunger(descriptor("hp", types.FamilyPlungerPump, PlungerDefaultAddress), bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, pump.Connect(ctx))

	require.NoError(t, pump.Start(ctx, types.Params{FlowRateMLMin: types.Float(2.5), PressureLimitMPa: types.Float(20)}))
	assert.Equal(t, uint16(2500), bus.Register(PlungerDefaultAddress, plungerRegFlow))
	assert.Equal(t, uint16(200), bus.Register(PlungerDefaultAddress, plungerRegPressureLimit))

	st := pump.Status(ctx)
	assert.True(t, st.Pump.IsRunning)
	assert.InDelta(t, 2.5, st.Pump.FlowRateMLMin, 0.0001)
	assert.InDelta(t, 1.2, st.Pump.PressureMPa, 0.0001)

	require.NoError(t, pump.ZeroPressure(ctx))
	assert.Zero(t, pump.Status(ctx).Pump.PressureMPa)

	require.NoError(t, pump.Stop(ctx))
	st = pump.Status(ctx)
	assert.False(t, st.Pump.IsRunning)
	assert.Zero(t, st.Pump.FlowRateMLMin)

	var triggers []uint16
	for _, w := range bus.WritesTo(PlungerDefaultAddress) {
		if w.Address >= plungerRegStart && w.Address <= plungerRegStop {
			require.Equal(t, []uint16{1}, w.Values)
			triggers = append(triggers, w.Address)
		}
	}
	assert.Equal(t, []uint16{plungerRegStart, plungerRegZeroPressure, plungerRegStop}, triggers)
}

func TestGPDChannelsAndOutput(t *testing.T) {
	ctx := context.Background()
	line := scpi.NewMemoryLine("MOCK", GPDChannels)
	psu := NewGPD(descriptor("psu", types.FamilyPowerSupply, 0), line, zaptest.NewLogger(t))
	require.NoError(t, psu.Connect(ctx))

	require.NoError(t, psu.SetVoltage(ctx, 1, 5))
	require.NoError(t, psu.SetCurrent(ctx, 1, 1))
	require.NoError(t, psu.SetOutput(ctx, 2, true))
	assert.True(t, line.OutputOn(), "any channel toggles the global output")
	assert.Contains(t, line.Sent(), "VSET1:5.000")
	assert.Contains(t, line.Sent(), "ISET1:1.000")

	st := psu.Status(ctx)
	require.NotNil(t, st.Power)
	assert.True(t, st.Power.OutputOn)
	require.Len(t, st.Power.Channels, GPDChannels)
	assert.InDelta(t, 5, st.Power.Channels[0].Voltage, 0.001)
	assert.InDelta(t, 0.5, st.Power.Channels[0].Current, 0.001)
	assert.Contains(t, st.Power.Identity, "GPD-4303S")

	sp := psu.Setpoints()
	assert.Equal(t, 2, sp.OutputChannel)
	assert.Equal(t, 5.0, sp.Voltages[0])

	require.NoError(t, psu.Stop(ctx))
	assert.False(t, psu.Status(ctx).Power.OutputOn)
}

func TestGPDValidation(t *testing.T) {
	ctx := context.Background()
	line := scpi.NewMemoryLine("MOCK", GPDChannels)
	psu := NewGPD(descriptor("psu", types.FamilyPowerSupply, 0), line, zaptest.NewLogger(t))
	require.NoError(t, psu.Connect(ctx))

	require.ErrorIs(t, psu.SetVoltage(ctx, 5, 1), types.ErrInvalidCommand)
	require.ErrorIs(t, psu.SetVoltage(ctx, 1, -1), types.ErrEncoding)
	require.ErrorIs(t, psu.SetCurrent(ctx, 1, 1000), types.ErrEncoding)
	require.ErrorIs(t, psu.SetOutput(ctx, 9, true), types.ErrInvalidCommand)
}

func TestGPDDisconnectSwitchesOutputOff(t *testing.T) {
	ctx := context.Background()
	line := scpi.NewMemoryLine("MOCK", GPDChannels)
	psu := NewGPD(descriptor("psu", types.FamilyPowerSupply, 0), line, zaptest.NewLogger(t))
	require.NoError(t, psu.Connect(ctx))
	require.NoError(t, psu.SetOutput(ctx, 0, true))

	require.NoError(t, psu.Disconnect(ctx))
	assert.False(t, line.OutputOn())
	assert.False(t, line.IsOpen())
	assert.False(t, psu.IsConnected())
}

func TestParseReading(t *testing.T) {
	v, err := parseReading("05.000V", "V")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	a, err := parseReading(" 0.200A\r", "A")
	require.NoError(t, err)
	assert.Equal(t, 0.2, a)

	_, err = parseReading("garbage", "V")
	require.ErrorIs(t, err, types.ErrEncoding)
}

func TestOperationsRequireConnection(t *testing.T) {
	ctx := context.Background()
	bus := simulatedBus(t, types.FamilyPeristalticA, 1)
	pump, err := NewKamoer(descriptor("p1", types.FamilyPeristalticA, 1), bus, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = pump.Start(ctx, types.Params{SpeedRPM: types.Float(10)})
	require.ErrorIs(t, err, types.ErrNotConnected)
	require.ErrorIs(t, err, types.ErrTransport)

	st := pump.Status(ctx)
	assert.False(t, st.Connected)
	assert.False(t, st.IsRunning())
}

func TestStatusReadFailureReportsIdle(t *testing.T) {
	ctx := context.Background()
	bus := simulatedBus(t, types.FamilyPeristalticA, 1)
	pump, err := NewKamoer(descriptor("p1", types.FamilyPeristalticA, 1), bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, pump.Connect(ctx))
	require.NoError(t, pump.Start(ctx, types.Params{SpeedRPM: types.Float(30)}))

	bus.FailAll(errors.New("crc mismatch"))
	st := pump.Status(ctx)
	assert.True(t, st.Connected)
	assert.False(t, st.Pump.IsRunning)
	assert.Zero(t, st.Pump.SpeedRPM)
}

func TestConnectFailsOnSilentUnit(t *testing.T) {
	bus := modbus.NewMemoryBus("MOCK")
	pump, err := NewPlunger(descriptor("hp", types.FamilyPlungerPump, 55), bus, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = pump.Connect(context.Background())
	require.ErrorIs(t, err, types.ErrTransport)
	assert.False(t, pump.IsConnected())
	assert.False(t, bus.IsOpen(), "failed handshake releases the port")
}

func TestSharedPortKeepsSetpointsApart(t *testing.T) {
	ctx := context.Background()
	bus := modbus.NewMemoryBus("MOCK")
	simulate(bus, types.FamilyPeristalticA, 1)
	simulate(bus, types.FamilyPeristalticA, 2)

	a, err := NewKamoer(descriptor("a", types.FamilyPeristalticA, 1), bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	b, err := NewKamoer(descriptor("b", types.FamilyPeristalticA, 2), bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	assert.Equal(t, 1, bus.OpenCount())

	require.NoError(t, a.Start(ctx, types.Params{SpeedRPM: types.Float(10)}))
	require.NoError(t, b.Start(ctx, types.Params{SpeedRPM: types.Float(20)}))

	assert.Equal(t, 10.0, a.Setpoints().SpeedRPM)
	assert.Equal(t, 20.0, b.Setpoints().SpeedRPM)
	assert.InDelta(t, 10, a.Status(ctx).Pump.SpeedRPM, 0.01)
	assert.InDelta(t, 20, b.Status(ctx).Pump.SpeedRPM, 0.01)

	want := codec.EncodeFloat32BE(20)
	assert.Equal(t, want[0], bus.Register(2, kamoerRegSpeedSetpoint))

	require.NoError(t, a.Disconnect(ctx))
	assert.True(t, bus.IsOpen(), "bus stays open while another device uses it")
	require.NoError(t, b.Disconnect(ctx))
	assert.False(t, bus.IsOpen())
}

func TestUnitIDRange(t *testing.T) {
	_, err := NewKamoer(descriptor("x", types.FamilyPeristalticA, 0), modbus.NewMemoryBus("MOCK"), zaptest.NewLogger(t))
	require.Error(t, err)
	_, err = NewLange(descriptor("x", types.FamilyPeristalticB, 248), modbus.NewMemoryBus("MOCK"), zaptest.NewLogger(t))
	require.Error(t, err)
}
