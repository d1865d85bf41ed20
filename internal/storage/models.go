package storage

import (
	"time"
)

// SnapshotRow is one device of one durable snapshot, flattened into the
// columns of bench_snapshots. Detail keeps the full status as JSONB.
type SnapshotRow struct {
	Bench     string    `json:"bench"`
	DeviceID  string    `json:"device_id"`
	Family    string    `json:"family"`
	TakenAt   time.Time `json:"taken_at"`
	Connected bool      `json:"connected"`
	Running   bool      `json:"running"`
	SpeedRPM  *float64  `json:"speed_rpm,omitempty"`
	FlowRate  *float64  `json:"flow_rate_ml_min,omitempty"`
	Pressure  *float64  `json:"pressure_mpa,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Voltage   *float64  `json:"voltage,omitempty"`
	Current   *float64  `json:"current,omitempty"`
	Detail    []byte    `json:"detail"` // JSONB
}

// EventRow is an {error} or {info} notice kept in bench_events.
type EventRow struct {
	Bench      string    `json:"bench"`
	Kind       string    `json:"kind"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}
