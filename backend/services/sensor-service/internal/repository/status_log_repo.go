package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"smartparking/backend/services/sensor-service/internal/models"
)

const defaultHistoryLimit = 100

// StatusLogRepository appends and reads slot status history.
type StatusLogRepository struct {
	db *sql.DB
}

// NewStatusLogRepository returns repository.
func NewStatusLogRepository(db *sql.DB) *StatusLogRepository {
	return &StatusLogRepository{db: db}
}

// Insert appends a log row. The caller supplies the id.
func (r *StatusLogRepository) Insert(ctx context.Context, entry *models.ParkingStatusLog) error {
	const query = `
		INSERT INTO parking_status_logs (
			id, slot_id, status, distance, percentage, battery_level,
			signal_quality, detection_metadata, recorded_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, NOW())
		RETURNING created_at
	`
	meta := entry.DetectionMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode detection metadata: %w", err)
	}
	return r.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.SlotID,
		entry.Status,
		nullFloat(entry.Distance),
		nullFloat(entry.Percentage),
		nullFloat(entry.BatteryLevel),
		entry.SignalQuality,
		string(data),
		entry.RecordedAt,
	).Scan(&entry.CreatedAt)
}

// ListBySlot returns the newest entries for a slot first.
func (r *StatusLogRepository) ListBySlot(ctx context.Context, slotID string, limit int) ([]models.ParkingStatusLog, error) {
	const query = `
		SELECT id, slot_id, status, distance, percentage, battery_level,
			signal_quality, detection_metadata, recorded_at, created_at
		FROM parking_status_logs
		WHERE slot_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := r.db.QueryContext(ctx, query, slotID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ParkingStatusLog
	for rows.Next() {
		var (
			e                             models.ParkingStatusLog
			distance, percentage, battery sql.NullFloat64
			meta                          []byte
		)
		if err := rows.Scan(&e.ID, &e.SlotID, &e.Status, &distance, &percentage, &battery,
			&e.SignalQuality, &meta, &e.RecordedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Distance = floatPtr(distance)
		e.Percentage = floatPtr(percentage)
		e.BatteryLevel = floatPtr(battery)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.DetectionMetadata); err != nil {
				return nil, fmt.Errorf("decode detection metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
