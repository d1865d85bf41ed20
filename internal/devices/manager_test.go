package devices

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewFactory(modbus.NewPool(logger), DefaultTimeouts(), logger)
}

func TestFactoryBuildsEveryFamily(t *testing.T) {
	f := newTestFactory(t)

	cases := []struct {
		family types.Family
		check  func(Device) bool
	}{
		{types.FamilyPeristalticA, func(d Device) bool { _, ok := d.(*Kamoer); return ok }},
		{types.FamilyPeristalticB, func(d Device) bool { _, ok := d.(*Lange); return ok }},
		{types.FamilyPlungerPump, func(d Device) bool { _, ok := d.(*Plunger); return ok }},
		{types.FamilyPowerSupply, func(d Device) bool { _, ok := d.(PowerSupply); return ok }},
	}
	for i, tc := range cases {
		t.Run(string(tc.family), func(t *testing.T) {
			dev, err := f.Build(descriptor(string(tc.family), tc.family, 10+i))
			require.NoError(t, err)
			assert.True(t, tc.check(dev))
		})
	}
}

func TestFactoryRejectsUnknownFamily(t *testing.T) {
	_, err := newTestFactory(t).Build(descriptor("x", types.Family("Centrifuge"), 1))
	require.ErrorIs(t, err, types.ErrUnknownFamily)
}

func TestFactoryRejectsConflictingPortSetup(t *testing.T) {
	f := newTestFactory(t)
	a := types.DeviceDescriptor{ID: "a", Family: types.FamilyPeristalticA, Port: "/dev/ttyUSB7", Address: 1, Baud: 9600}
	b := types.DeviceDescriptor{ID: "b", Family: types.FamilyPeristalticB, Port: "/dev/ttyUSB7", Address: 2, Baud: 19200}

	_, err := f.Build(a)
	require.NoError(t, err)
	_, err = f.Build(b)
	require.ErrorIs(t, err, types.ErrTransport)
}

func TestSimulatedStartStopEveryFamily(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)
	descs := []types.DeviceDescriptor{
		descriptor("kamoer", types.FamilyPeristalticA, KamoerDefaultAddress),
		descriptor("lange", types.FamilyPeristalticB, LangeDefaultAddress),
		descriptor("plunger", types.FamilyPlungerPump, PlungerDefaultAddress),
		descriptor("psu", types.FamilyPowerSupply, 0),
	}
	m, err := NewManager(f, descs, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, m.ConnectAll(ctx))
	assert.Equal(t, 4, m.Connected())

	params := types.Params{SpeedRPM: types.Float(100), FlowRateMLMin: types.Float(1)}
	for _, dev := range m.List() {
		if ps, ok := dev.(PowerSupply); ok {
			require.NoError(t, ps.SetVoltage(ctx, 1, 12))
		}
		require.NoError(t, dev.Start(ctx, params), dev.ID())
		assert.True(t, dev.Status(ctx).IsRunning(), dev.ID())

		require.NoError(t, dev.Stop(ctx), dev.ID())
		assert.False(t, dev.Status(ctx).IsRunning(), dev.ID())
	}

	require.NoError(t, m.DisconnectAll(ctx))
	assert.Zero(t, m.Connected())
}

func TestManagerPartialConnect(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)
	descs := []types.DeviceDescriptor{
		descriptor("ok", types.FamilyPeristalticA, 1),
		{ID: "broken", Family: types.FamilyPeristalticB, Port: "sim:dead", Address: 2},
	}
	m, err := NewManager(f, descs, zaptest.NewLogger(t))
	require.NoError(t, err)

	f.MemoryBus("sim:dead").SetOpenError(errors.New("no such device"))

	err = m.ConnectAll(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrTransport)
	assert.Len(t, multierr.Errors(err), 1)

	ok, err := m.Get("ok")
	require.NoError(t, err)
	assert.True(t, ok.IsConnected())

	broken, err := m.Get("broken")
	require.NoError(t, err)
	assert.False(t, broken.IsConnected())
	assert.Equal(t, []string{"ok", "broken"}, m.IDs())
}

func TestManagerUnknownAndDuplicateDevices(t *testing.T) {
	f := newTestFactory(t)
	m, err := NewManager(f, []types.DeviceDescriptor{descriptor("a", types.FamilyPeristalticA, 1)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.Get("nope")
	require.ErrorIs(t, err, types.ErrUnknownDevice)

	_, err = NewManager(f, []types.DeviceDescriptor{
		descriptor("a", types.FamilyPeristalticA, 1),
		descriptor("a", types.FamilyPeristalticA, 2),
	}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestLeaseRegistry(t *testing.T) {
	r := NewLeaseRegistry()

	lease, err := r.Acquire("bench-a", []string{"p1", "p2"})
	require.NoError(t, err)

	_, err = r.Acquire("bench-b", []string{"p3", "p2"})
	require.ErrorIs(t, err, types.ErrDeviceLeased)
	_, held := r.Owner("p3")
	assert.False(t, held, "acquisition is all or nothing")

	lease.Release()
	lease.Release()
	_, held = r.Owner("p1")
	assert.False(t, held)

	other, err := r.Acquire("bench-b", []string{"p2"})
	require.NoError(t, err)
	owner, _ := r.Owner("p2")
	assert.Equal(t, "bench-b", owner)

	lease.Release()
	owner, _ = r.Owner("p2")
	assert.Equal(t, "bench-b", owner, "a stale lease does not release a newer holder")
	other.Release()
}

const benchYAML = `
version: 1
benches:
  - name: bench-a
    devices:
      - id: p1
        family: kamoer
        port: MOCK
      - id: p2
        family: PeristalticB
        port: /dev/ttyUSB0
        address: 3
        baud: 19200
      - id: psu
        family: gpd_4303s
        port: MOCK
  - name: bench-b
    devices:
      - id: hp
        family: oushisheng
        port: sim:b
`

func TestBenchLoaderParse(t *testing.T) {
	loader, err := NewBenchLoader()
	require.NoError(t, err)

	file, err := loader.Parse([]byte(benchYAML))
	require.NoError(t, err)
	require.Len(t, file.Benches, 2)

	a, err := file.Bench("bench-a")
	require.NoError(t, err)
	require.Len(t, a.Devices, 3)
	assert.Equal(t, types.FamilyPeristalticA, a.Devices[0].Family)
	assert.Equal(t, KamoerDefaultAddress, a.Devices[0].Address)
	assert.Equal(t, 9600, a.Devices[0].Baud)
	assert.Equal(t, 3, a.Devices[1].Address)
	assert.Equal(t, 19200, a.Devices[1].Baud)
	assert.Equal(t, types.FamilyPowerSupply, a.Devices[2].Family)

	b, err := file.Bench("bench-b")
	require.NoError(t, err)
	assert.Equal(t, PlungerDefaultAddress, b.Devices[0].Address)
	assert.True(t, b.Devices[0].Simulated())

	_, err = file.Bench("bench-c")
	require.Error(t, err)
}

func TestBenchLoaderRejectsInvalidDocuments(t *testing.T) {
	loader, err := NewBenchLoader()
	require.NoError(t, err)

	cases := map[string]string{
		"missing port":  "benches:\n  - name: a\n    devices:\n      - id: p1\n        family: kamoer\n",
		"bad address":   "benches:\n  - name: a\n    devices:\n      - id: p1\n        family: kamoer\n        port: MOCK\n        address: 300\n",
		"unknown field": "benches:\n  - name: a\n    devices:\n      - id: p1\n        family: kamoer\n        port: MOCK\n        speed: 3\n",
		"no benches":    "version: 1\n",
		"duplicate ids": "benches:\n  - name: a\n    devices:\n      - {id: p1, family: kamoer, port: MOCK}\n  - name: b\n    devices:\n      - {id: p1, family: lange, port: MOCK}\n",
		"invalid yaml":  "benches: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loader.Parse([]byte(doc))
			require.Error(t, err)
		})
	}

	_, err = loader.Parse([]byte("benches:\n  - name: a\n    devices:\n      - {id: p1, family: centrifuge, port: MOCK}\n"))
	require.ErrorIs(t, err, types.ErrUnknownFamily)
}

func TestBenchLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(benchYAML), 0o644))

	loader, err := NewBenchLoader()
	require.NoError(t, err)
	file, err := loader.Load(path)
	require.NoError(t, err)
	assert.Len(t, file.Benches, 2)

	_, err = loader.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBenchLoaderRejectsSharedEndpoints(t *testing.T) {
	loader, err := NewBenchLoader()
	require.NoError(t, err)

	cases := map[string]string{
		"same unit across benches": `
benches:
  - name: bench-a
    devices:
      - {id: pump-a, family: lange, port: /dev/ttyUSB0, address: 1}
  - name: bench-b
    devices:
      - {id: pump-b, family: lange, port: /dev/ttyUSB0, address: 1}
`,
		"same unit by default address": `
benches:
  - name: a
    devices:
      - {id: k1, family: kamoer, port: /dev/ttyUSB0}
      - {id: k2, family: kamoer, port: /dev/ttyUSB0}
`,
		"two supplies on one line": `
benches:
  - name: a
    devices:
      - {id: psu1, family: gpd_4303s, port: /dev/ttyUSB1}
  - name: b
    devices:
      - {id: psu2, family: gpd_4303s, port: /dev/ttyUSB1}
`,
		"supply on a pump bus": `
benches:
  - name: a
    devices:
      - {id: p1, family: lange, port: /dev/ttyUSB0, address: 1}
      - {id: psu, family: gpd_4303s, port: /dev/ttyUSB0}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loader.Parse([]byte(doc))
			require.ErrorIs(t, err, types.ErrInvalidCommand)
		})
	}

	file, err := loader.Parse([]byte(`
benches:
  - name: a
    devices:
      - {id: p1, family: lange, port: /dev/ttyUSB0, address: 1}
  - name: b
    devices:
      - {id: p2, family: lange, port: /dev/ttyUSB0, address: 2}
      - {id: psu1, family: gpd_4303s, port: MOCK}
      - {id: psu2, family: gpd_4303s, port: MOCK}
`))
	require.NoError(t, err, "distinct units on one bus and simulated supplies are fine")
	assert.Len(t, file.Benches, 2)
}

func TestManagerRejectsSharedEndpoint(t *testing.T) {
	_, err := NewManager(newTestFactory(t), []types.DeviceDescriptor{
		descriptor("a", types.FamilyPeristalticB, 1),
		descriptor("b", types.FamilyPeristalticB, 1),
	}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, types.ErrInvalidCommand)
}

func TestLeaseKeysCoverEndpoints(t *testing.T) {
	r := NewLeaseRegistry()
	a := []types.DeviceDescriptor{{ID: "pump-a", Family: types.FamilyPeristalticB, Port: "/dev/ttyUSB0", Address: 1}}
	b := []types.DeviceDescriptor{{ID: "pump-b", Family: types.FamilyPeristalticB, Port: "/dev/ttyUSB0", Address: 1}}

	lease, err := r.Acquire("bench-a", LeaseKeys(a))
	require.NoError(t, err)
	_, err = r.Acquire("bench-b", LeaseKeys(b))
	require.ErrorIs(t, err, types.ErrDeviceLeased)

	lease.Release()
	_, err = r.Acquire("bench-b", LeaseKeys(b))
	require.NoError(t, err)
}
