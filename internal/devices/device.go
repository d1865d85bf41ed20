package devices

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

// Device is the uniform capability every driver implements. Every method is
// serialized per device, so the live loop, protocol runs and timers can call
// in concurrently.
type Device interface {
	ID() string
	Descriptor() types.DeviceDescriptor
	IsConnected() bool

	// Connect opens the transport and performs the family handshake.
	// Calling it while connected is a no-op.
	Connect(ctx context.Context) error
	// Disconnect stops motion or output, then releases the transport. I/O
	// failures during teardown are logged and returned, never panicked on.
	Disconnect(ctx context.Context) error

	Start(ctx context.Context, params types.Params) error
	Stop(ctx context.Context) error
	// SetParameters applies setpoints without changing run state. Keys the
	// family has no register for are ignored.
	SetParameters(ctx context.Context, params types.Params) error
	// Status never fails: readback errors yield a zeroed, not-running status.
	Status(ctx context.Context) types.DeviceStatus

	// Setpoints returns the last values successfully written to the device.
	Setpoints() Setpoints
}

// PowerSupply is implemented by families with per-channel voltage/current
// setpoints and a switchable output.
type PowerSupply interface {
	Device
	Channels() int
	SetVoltage(ctx context.Context, channel int, volts float64) error
	SetCurrent(ctx context.Context, channel int, amps float64) error
	// SetOutput switches the output. Channel 0 addresses the global switch.
	SetOutput(ctx context.Context, channel int, on bool) error
}

// PressureZeroer is implemented by pumps with a pressure sensor that can be
// re-zeroed.
type PressureZeroer interface {
	ZeroPressure(ctx context.Context) error
}

// Setpoints is the last-known commanded state of a device.
type Setpoints struct {
	Running          bool            `json:"running"`
	SpeedRPM         float64         `json:"speed_rpm,omitempty"`
	FlowRateMLMin    float64         `json:"flow_rate_ml_min,omitempty"`
	PressureLimitMPa float64         `json:"pressure_limit_mpa,omitempty"`
	Direction        types.Direction `json:"direction,omitempty"`
	Voltages         []float64       `json:"voltages,omitempty"`
	Currents         []float64       `json:"currents,omitempty"`
	OutputOn         bool            `json:"output_on,omitempty"`
	OutputChannel    int             `json:"output_channel,omitempty"`
}

type base struct {
	desc      types.DeviceDescriptor
	logger    *zap.Logger
	mu        sync.Mutex
	connected atomic.Bool
}

func (b *base) init(desc types.DeviceDescriptor, logger *zap.Logger) {
	b.desc = desc
	b.logger = logger.With(
		zap.String("device", desc.ID),
		zap.String("family", string(desc.Family)))
}

func (b *base) ID() string { return b.desc.ID }

func (b *base) Descriptor() types.DeviceDescriptor { return b.desc }

func (b *base) IsConnected() bool { return b.connected.Load() }

func (b *base) requireConnected() error {
	if !b.connected.Load() {
		return fmt.Errorf("%w: %w: %s", types.ErrTransport, types.ErrNotConnected, b.desc.ID)
	}
	return nil
}

func (b *base) unsupported(what string) error {
	return fmt.Errorf("%w: %s does not support %s", types.ErrUnsupportedOperation, b.desc.Family, what)
}

func unitID(desc types.DeviceDescriptor) (uint8, error) {
	if desc.Address < 1 || desc.Address > 247 {
		return 0, fmt.Errorf("device %s: modbus address %d out of range 1-247", desc.ID, desc.Address)
	}
	return uint8(desc.Address), nil
}
