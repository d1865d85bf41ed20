package types

import (
	"fmt"

	"github.com/google/uuid"
)

type CommandType string

const (
	CommandStart           CommandType = "start_pump"
	CommandStop            CommandType = "stop_pump"
	CommandSetParams       CommandType = "set_pump_params"
	CommandSetPowerVoltage CommandType = "set_power_voltage"
	CommandSetPowerCurrent CommandType = "set_power_current"
	CommandSetPowerOutput  CommandType = "set_power_output"
	CommandZeroPressure    CommandType = "zero_pressure"
	CommandRunProtocol     CommandType = "run_protocol"
	CommandCancelProtocol  CommandType = "cancel_protocol"
	CommandStopAll         CommandType = "stop_all"
	CommandSetLogInterval  CommandType = "set_log_interval"
	CommandShutdown        CommandType = "shutdown"
)

// Command is the inbound control message. Which fields are meaningful depends
// on Type; Validate enforces the required ones.
type Command struct {
	ID       uuid.UUID   `json:"id,omitempty"`
	Type     CommandType `json:"type"`
	DeviceID string      `json:"device_id,omitempty"`
	Params   Params      `json:"params,omitempty"`

	// Power supply. Channel 0 on set_power_output addresses the global output.
	Channel        int     `json:"channel,omitempty"`
	Volts          float64 `json:"voltage,omitempty"`
	Amps           float64 `json:"current,omitempty"`
	Enable         bool    `json:"enable,omitempty"`
	AutoOffSeconds float64 `json:"auto_off_seconds,omitempty"`

	Steps           []ProtocolStep `json:"steps,omitempty"`
	IntervalSeconds float64        `json:"interval,omitempty"`
}

// TargetsDevice reports whether the command is routed to a single device.
func (c Command) TargetsDevice() bool {
	switch c.Type {
	case CommandStart, CommandStop, CommandSetParams,
		CommandSetPowerVoltage, CommandSetPowerCurrent, CommandSetPowerOutput,
		CommandZeroPressure:
		return true
	}
	return false
}

func (c Command) Validate() error {
	if c.TargetsDevice() && c.DeviceID == "" {
		return fmt.Errorf("%w: %s requires device_id", ErrInvalidCommand, c.Type)
	}

	switch c.Type {
	case CommandStart, CommandSetParams:
		return c.Params.Validate()
	case CommandStop, CommandZeroPressure, CommandStopAll, CommandShutdown, CommandCancelProtocol:
		return nil
	case CommandSetPowerVoltage, CommandSetPowerCurrent:
		if c.Channel < 1 {
			return fmt.Errorf("%w: %s requires channel >= 1", ErrInvalidCommand, c.Type)
		}
		if c.Volts < 0 || c.Amps < 0 {
			return fmt.Errorf("%w: negative setpoint", ErrInvalidCommand)
		}
		return nil
	case CommandSetPowerOutput:
		if c.Channel < 0 {
			return fmt.Errorf("%w: channel must not be negative", ErrInvalidCommand)
		}
		if c.AutoOffSeconds < 0 {
			return fmt.Errorf("%w: auto_off_seconds must not be negative", ErrInvalidCommand)
		}
		return nil
	case CommandRunProtocol:
		if len(c.Steps) == 0 {
			return fmt.Errorf("%w: run_protocol without steps", ErrInvalidCommand)
		}
		return nil
	case CommandSetLogInterval:
		if c.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidCommand)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
}

func StartCommand(deviceID string, params Params) Command {
	return Command{Type: CommandStart, DeviceID: deviceID, Params: params}
}

func StopCommand(deviceID string) Command {
	return Command{Type: CommandStop, DeviceID: deviceID}
}

func SetParamsCommand(deviceID string, params Params) Command {
	return Command{Type: CommandSetParams, DeviceID: deviceID, Params: params}
}

func SetOutputCommand(deviceID string, channel int, enable bool, autoOffSeconds float64) Command {
	return Command{
		Type:           CommandSetPowerOutput,
		DeviceID:       deviceID,
		Channel:        channel,
		Enable:         enable,
		AutoOffSeconds: autoOffSeconds,
	}
}
