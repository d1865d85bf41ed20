package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// SnapshotRows flattens a snapshot into one row per device, ordered by
// device id. Power supplies report channel 1 in voltage/current.
func SnapshotRows(bench string, snap types.StatusSnapshot) ([]SnapshotRow, error) {
	ids := make([]string, 0, len(snap.Devices))
	for id := range snap.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]SnapshotRow, 0, len(ids))
	for _, id := range ids {
		st := snap.Devices[id]
		detail, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status of %s: %w", id, err)
		}

		row := SnapshotRow{
			Bench:     bench,
			DeviceID:  id,
			Family:    string(st.Family),
			TakenAt:   snap.Timestamp,
			Connected: st.Connected,
			Running:   st.IsRunning(),
			Detail:    detail,
		}
		if st.Pump != nil {
			row.SpeedRPM = optional(st.Pump.SpeedRPM)
			row.FlowRate = optional(st.Pump.FlowRateMLMin)
			row.Pressure = optional(st.Pump.PressureMPa)
			row.Direction = string(st.Pump.Direction)
		}
		if st.Power != nil && len(st.Power.Channels) > 0 {
			row.Voltage = optional(st.Power.Channels[0].Voltage)
			row.Current = optional(st.Power.Channels[0].Current)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// EventFromMessage converts an {error} or {info} message; snapshots yield
// false.
func EventFromMessage(bench string, msg types.StatusMessage) (EventRow, bool) {
	switch msg.Type {
	case types.MessageError:
		return EventRow{Bench: bench, Kind: string(msg.Type), Code: msg.Code, Message: msg.Error, OccurredAt: msg.Timestamp}, true
	case types.MessageInfo:
		return EventRow{Bench: bench, Kind: string(msg.Type), Message: msg.Info, OccurredAt: msg.Timestamp}, true
	}
	return EventRow{}, false
}

// InsertSnapshot stores a loggable snapshot in one transaction.
func (p *PostgresClient) InsertSnapshot(ctx context.Context, bench string, snap types.StatusSnapshot) error {
	rows, err := SnapshotRows(bench, snap)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO bench_snapshots (bench, device_id, family, taken_at, connected, running,
				speed_rpm, flow_rate, pressure, direction, voltage, current, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13)
		`, row.Bench, row.DeviceID, row.Family, row.TakenAt, row.Connected, row.Running,
			row.SpeedRPM, row.FlowRate, row.Pressure, row.Direction, row.Voltage, row.Current, row.Detail)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot row %s: %w", row.DeviceID, err)
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresClient) InsertEvent(ctx context.Context, ev EventRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bench_events (bench, kind, code, message, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, ev.Bench, ev.Kind, ev.Code, ev.Message, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecentSnapshots returns the newest rows of a bench, newest first.
func (p *PostgresClient) RecentSnapshots(ctx context.Context, bench string, limit int) ([]SnapshotRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT bench, device_id, family, taken_at, connected, running,
			speed_rpm, flow_rate, pressure, COALESCE(direction, ''), voltage, current, detail
		FROM bench_snapshots
		WHERE bench = $1
		ORDER BY taken_at DESC, device_id
		LIMIT $2
	`, bench, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.Bench, &r.DeviceID, &r.Family, &r.TakenAt, &r.Connected, &r.Running,
			&r.SpeedRPM, &r.FlowRate, &r.Pressure, &r.Direction, &r.Voltage, &r.Current, &r.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func optional(v float64) *float64 {
	return &v
}
