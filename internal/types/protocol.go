package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type StepKind string

const (
	StepStartPump       StepKind = "start_pump"
	StepStopPump        StepKind = "stop_pump"
	StepSetPumpParams   StepKind = "set_pump_params"
	StepSetPowerVoltage StepKind = "set_power_voltage"
	StepSetPowerCurrent StepKind = "set_power_current"
	StepSetPowerOutput  StepKind = "set_power_output"
	StepZeroPressure    StepKind = "zero_pressure"
	StepStopAll         StepKind = "stop_all"
	StepDelay           StepKind = "delay"
)

// ProtocolStep is one entry of a linear automation sequence. Pump steps name
// their target with pump_id, power steps with device_id; either key is
// accepted for both.
type ProtocolStep struct {
	Command        StepKind `json:"command"`
	PumpID         string   `json:"pump_id,omitempty"`
	DeviceID       string   `json:"device_id,omitempty"`
	Params         Params   `json:"params,omitempty"`
	Channel        int      `json:"channel,omitempty"`
	Volts          float64  `json:"voltage,omitempty"`
	Amps           float64  `json:"current,omitempty"`
	Enable         bool     `json:"enable,omitempty"`
	AutoOffSeconds float64  `json:"auto_off_seconds,omitempty"`
	Duration       Seconds  `json:"duration,omitempty"`
}

// Target returns the device the step addresses.
func (s ProtocolStep) Target() string {
	if s.PumpID != "" {
		return s.PumpID
	}
	return s.DeviceID
}

// Seconds is a duration that reads either a number of seconds or a Go
// duration string ("1.5s", "250ms").
type Seconds struct {
	time.Duration
}

func (d *Seconds) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return fmt.Errorf("invalid duration type: %T", value)
	}
}

// MarshalJSON writes seconds as a number
func (d Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.Seconds())
}

func StartPumpStep(pumpID string, params Params) ProtocolStep {
	return ProtocolStep{Command: StepStartPump, PumpID: pumpID, Params: params}
}

func StopPumpStep(pumpID string) ProtocolStep {
	return ProtocolStep{Command: StepStopPump, PumpID: pumpID}
}

func DelayStep(d time.Duration) ProtocolStep {
	return ProtocolStep{Command: StepDelay, Duration: Seconds{d}}
}
