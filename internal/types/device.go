package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Family string

const (
	FamilyPeristalticA Family = "PeristalticA"
	FamilyPeristalticB Family = "PeristalticB"
	FamilyPlungerPump  Family = "PlungerPump"
	FamilyPowerSupply  Family = "PowerSupply"
)

var familyAliases = map[string]Family{
	"peristaltica": FamilyPeristalticA,
	"kamoer":       FamilyPeristalticA,
	"peristalticb": FamilyPeristalticB,
	"lange":        FamilyPeristalticB,
	"plungerpump":  FamilyPlungerPump,
	"plunger":      FamilyPlungerPump,
	"oushisheng":   FamilyPlungerPump,
	"powersupply":  FamilyPowerSupply,
	"gpd_4303s":    FamilyPowerSupply,
	"gpd-4303s":    FamilyPowerSupply,
}

// ParseFamily accepts the family names as well as the vendor aliases used in
// bench files ("kamoer", "lange", "oushisheng", "gpd_4303s").
func ParseFamily(s string) (Family, error) {
	if f, ok := familyAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFamily, s)
}

// IsPump reports whether the family exposes pump status.
func (f Family) IsPump() bool {
	return f == FamilyPeristalticA || f == FamilyPeristalticB || f == FamilyPlungerPump
}

// SimulatedPort is the port name that binds a descriptor to an in-memory
// transport instead of a serial device.
const SimulatedPort = "MOCK"

type DeviceDescriptor struct {
	ID          string `json:"id" yaml:"id"`
	Family      Family `json:"family" yaml:"family"`
	Port        string `json:"port" yaml:"port"`
	Address     int    `json:"address" yaml:"address"`
	Baud        int    `json:"baud" yaml:"baud"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Simulated reports whether the descriptor targets a simulated transport.
func (d DeviceDescriptor) Simulated() bool {
	return d.Port == SimulatedPort || strings.HasPrefix(d.Port, "sim:")
}

type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

func (d Direction) Valid() bool {
	return d == DirectionForward || d == DirectionReverse
}

// Params carries optional pump setpoints. Nil fields are left untouched by
// drivers; a family ignores keys it has no register for.
type Params struct {
	SpeedRPM         *float64   `json:"speed_rpm,omitempty" yaml:"speed_rpm,omitempty"`
	FlowRateMLMin    *float64   `json:"flow_rate_ml_min,omitempty" yaml:"flow_rate_ml_min,omitempty"`
	Direction        *Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	PressureLimitMPa *float64   `json:"pressure_limit_mpa,omitempty" yaml:"pressure_limit_mpa,omitempty"`
}

// UnmarshalJSON also accepts the short keys used by older operator
// front-ends and protocol files: speed, flow_rate, pressure_limit.
func (p *Params) UnmarshalJSON(b []byte) error {
	var raw struct {
		SpeedRPM         *float64   `json:"speed_rpm"`
		Speed            *float64   `json:"speed"`
		FlowRateMLMin    *float64   `json:"flow_rate_ml_min"`
		FlowRate         *float64   `json:"flow_rate"`
		Direction        *Direction `json:"direction"`
		PressureLimitMPa *float64   `json:"pressure_limit_mpa"`
		PressureLimit    *float64   `json:"pressure_limit"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*p = Params{
		SpeedRPM:         firstSet(raw.SpeedRPM, raw.Speed),
		FlowRateMLMin:    firstSet(raw.FlowRateMLMin, raw.FlowRate),
		Direction:        raw.Direction,
		PressureLimitMPa: firstSet(raw.PressureLimitMPa, raw.PressureLimit),
	}
	return nil
}

func firstSet(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func (p Params) IsEmpty() bool {
	return p.SpeedRPM == nil && p.FlowRateMLMin == nil && p.Direction == nil && p.PressureLimitMPa == nil
}

// Validate checks values independent of the target family.
func (p Params) Validate() error {
	if p.SpeedRPM != nil && *p.SpeedRPM < 0 {
		return fmt.Errorf("%w: speed_rpm must not be negative", ErrInvalidCommand)
	}
	if p.FlowRateMLMin != nil && *p.FlowRateMLMin < 0 {
		return fmt.Errorf("%w: flow_rate_ml_min must not be negative", ErrInvalidCommand)
	}
	if p.PressureLimitMPa != nil && *p.PressureLimitMPa < 0 {
		return fmt.Errorf("%w: pressure_limit_mpa must not be negative", ErrInvalidCommand)
	}
	if p.Direction != nil && !p.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidCommand, *p.Direction)
	}
	return nil
}

func Float(v float64) *float64 { return &v }

func Dir(d Direction) *Direction { return &d }
