// Package protocol replays linear sequences of device commands and delays.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// Protocol is a named, ordered list of steps. There are no loops or
// branches: a run replays the steps once, in order.
type Protocol struct {
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description,omitempty"`
	Steps       []types.ProtocolStep `json:"steps"`
}

// Parse accepts either a bare JSON array of steps or an object with a
// "steps" array.
func Parse(data []byte) (*Protocol, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty protocol document", types.ErrInvalidCommand)
	}

	var p Protocol
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &p.Steps); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrInvalidCommand, err)
		}
		return &p, nil
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidCommand, err)
	}
	return &p, nil
}

// StepCommand converts a device step into the command the dispatcher
// executes. Delay steps have no command.
func StepCommand(step types.ProtocolStep) (types.Command, bool) {
	target := step.Target()
	switch step.Command {
	case types.StepStartPump:
		return types.StartCommand(target, step.Params), true
	case types.StepStopPump:
		return types.StopCommand(target), true
	case types.StepSetPumpParams:
		return types.SetParamsCommand(target, step.Params), true
	case types.StepZeroPressure:
		return types.Command{Type: types.CommandZeroPressure, DeviceID: target}, true
	case types.StepSetPowerVoltage:
		return types.Command{Type: types.CommandSetPowerVoltage, DeviceID: target, Channel: step.Channel, Volts: step.Volts}, true
	case types.StepSetPowerCurrent:
		return types.Command{Type: types.CommandSetPowerCurrent, DeviceID: target, Channel: step.Channel, Amps: step.Amps}, true
	case types.StepSetPowerOutput:
		return types.SetOutputCommand(target, step.Channel, step.Enable, step.AutoOffSeconds), true
	case types.StepStopAll:
		return types.Command{Type: types.CommandStopAll}, true
	}
	return types.Command{}, false
}
