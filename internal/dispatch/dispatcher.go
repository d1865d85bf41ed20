// Package dispatch routes commands to the device drivers of one bench.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry resolves device ids. *devices.Manager implements it.
type Registry interface {
	Get(id string) (devices.Device, error)
	List() []devices.Device
}

// Dispatcher turns device commands into driver calls. It is shared by the
// controller loop, protocol runs and auto-off timers; the drivers serialize
// the resulting I/O.
type Dispatcher struct {
	devices Registry
	timers  *Timers
	logger  *zap.Logger
}

func New(registry Registry, timers *Timers, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		devices: registry,
		timers:  timers,
		logger:  logger,
	}
}

// Dispatch executes one device command or StopAll. Controller-level commands
// (run_protocol, shutdown, ...) are rejected with ErrInvalidCommand.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd types.Command) error {
	if cmd.Type == types.CommandStopAll {
		return d.StopAll(ctx)
	}
	if !cmd.TargetsDevice() {
		return fmt.Errorf("%w: %s is not a device command", types.ErrInvalidCommand, cmd.Type)
	}
	if cmd.DeviceID == "" {
		return fmt.Errorf("%w: %s requires device_id", types.ErrInvalidCommand, cmd.Type)
	}

	// Resolve first so an unknown id is reported as such even when the rest
	// of the command is malformed.
	dev, err := d.devices.Get(cmd.DeviceID)
	if err != nil {
		return err
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	d.logger.Debug("Dispatching command",
		zap.String("type", string(cmd.Type)),
		zap.String("device", cmd.DeviceID))

	switch cmd.Type {
	case types.CommandStart:
		return dev.Start(ctx, cmd.Params)
	case types.CommandStop:
		return dev.Stop(ctx)
	case types.CommandSetParams:
		return dev.SetParameters(ctx, cmd.Params)
	case types.CommandZeroPressure:
		z, ok := dev.(devices.PressureZeroer)
		if !ok {
			return unsupported(dev, "zero_pressure")
		}
		return z.ZeroPressure(ctx)
	case types.CommandSetPowerVoltage:
		ps, err := powerSupply(dev, cmd.Type)
		if err != nil {
			return err
		}
		return ps.SetVoltage(ctx, cmd.Channel, cmd.Volts)
	case types.CommandSetPowerCurrent:
		ps, err := powerSupply(dev, cmd.Type)
		if err != nil {
			return err
		}
		return ps.SetCurrent(ctx, cmd.Channel, cmd.Amps)
	case types.CommandSetPowerOutput:
		ps, err := powerSupply(dev, cmd.Type)
		if err != nil {
			return err
		}
		return d.setOutput(ctx, ps, cmd)
	}
	return fmt.Errorf("%w: unhandled command %s", types.ErrInvalidCommand, cmd.Type)
}

// setOutput switches the output and then replaces any pending auto-off
// timer of the device. A failed switch leaves the pending timer armed.
func (d *Dispatcher) setOutput(ctx context.Context, ps devices.PowerSupply, cmd types.Command) error {
	if err := ps.SetOutput(ctx, cmd.Channel, cmd.Enable); err != nil {
		return err
	}
	if cmd.Enable && cmd.AutoOffSeconds > 0 {
		after := time.Duration(cmd.AutoOffSeconds * float64(time.Second))
		d.timers.Schedule(ps.ID(), cmd.Channel, after)
		return nil
	}
	d.timers.Cancel(ps.ID())
	return nil
}

// StopAll stops every connected device and switches supply outputs off. It
// continues past failures and returns them aggregated.
func (d *Dispatcher) StopAll(ctx context.Context) error {
	d.timers.CancelAll()

	var errs error
	for _, dev := range d.devices.List() {
		if !dev.IsConnected() {
			d.logger.Debug("Skipping disconnected device", zap.String("device", dev.ID()))
			continue
		}

		var err error
		if ps, ok := dev.(devices.PowerSupply); ok {
			err = ps.SetOutput(ctx, 0, false)
		} else {
			err = dev.Stop(ctx)
		}
		if err != nil {
			d.logger.Warn("Stop failed", zap.String("device", dev.ID()), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func powerSupply(dev devices.Device, cmd types.CommandType) (devices.PowerSupply, error) {
	ps, ok := dev.(devices.PowerSupply)
	if !ok {
		return nil, unsupported(dev, string(cmd))
	}
	return ps, nil
}

func unsupported(dev devices.Device, what string) error {
	return fmt.Errorf("%w: %s (%s) does not support %s",
		types.ErrUnsupportedOperation, dev.ID(), dev.Descriptor().Family, what)
}
