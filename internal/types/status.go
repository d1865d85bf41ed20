package types

import "time"

type PumpStatus struct {
	IsRunning     bool      `json:"is_running"`
	SpeedRPM      float64   `json:"speed_rpm"`
	FlowRateMLMin float64   `json:"flow_rate_ml_min"`
	PressureMPa   float64   `json:"pressure_mpa,omitempty"`
	Direction     Direction `json:"direction,omitempty"`
}

type ChannelReading struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

type PowerStatus struct {
	OutputOn bool             `json:"output_on"`
	Channels []ChannelReading `json:"channels"`
	Identity string           `json:"identity,omitempty"`
}

// DeviceStatus is tagged by family: pumps fill Pump, the power supply fills
// Power.
type DeviceStatus struct {
	Family    Family       `json:"family"`
	Connected bool         `json:"connected"`
	Pump      *PumpStatus  `json:"pump,omitempty"`
	Power     *PowerStatus `json:"power,omitempty"`
}

// IdleStatus is the zeroed status reported for a family when the device is
// disconnected or its readback failed.
func IdleStatus(f Family, connected bool) DeviceStatus {
	st := DeviceStatus{Family: f, Connected: connected}
	if f == FamilyPowerSupply {
		st.Power = &PowerStatus{Channels: []ChannelReading{}}
	} else {
		st.Pump = &PumpStatus{}
	}
	return st
}

// IsRunning reports pump motion or power output.
func (s DeviceStatus) IsRunning() bool {
	switch {
	case s.Pump != nil:
		return s.Pump.IsRunning
	case s.Power != nil:
		return s.Power.OutputOn
	}
	return false
}

func (s DeviceStatus) clone() DeviceStatus {
	out := s
	if s.Pump != nil {
		p := *s.Pump
		out.Pump = &p
	}
	if s.Power != nil {
		p := *s.Power
		p.Channels = append([]ChannelReading(nil), s.Power.Channels...)
		out.Power = &p
	}
	return out
}

type StatusSnapshot struct {
	Timestamp time.Time               `json:"timestamp"`
	Loggable  bool                    `json:"loggable"`
	Devices   map[string]DeviceStatus `json:"devices"`
}

// NewSnapshot copies every status so the snapshot shares no memory with the
// caller.
func NewSnapshot(ts time.Time, loggable bool, devices map[string]DeviceStatus) StatusSnapshot {
	out := make(map[string]DeviceStatus, len(devices))
	for id, st := range devices {
		out[id] = st.clone()
	}
	return StatusSnapshot{Timestamp: ts, Loggable: loggable, Devices: out}
}
