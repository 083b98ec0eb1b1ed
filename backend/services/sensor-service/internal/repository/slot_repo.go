package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"smartparking/backend/services/sensor-service/internal/models"
)

// SlotRepository persists parking slot status.
type SlotRepository struct {
	db *sql.DB
}

// NewSlotRepository returns repository.
func NewSlotRepository(db *sql.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

// Get returns slot by id.
func (r *SlotRepository) Get(ctx context.Context, id string) (*models.ParkingSlot, error) {
	const query = `
		SELECT id, floor_id, name, status, status_updated_at, created_at, updated_at
		FROM parking_slots
		WHERE id = $1
	`
	slot, err := scanSlot(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return slot, err
}

// List returns all slots ordered by name.
func (r *SlotRepository) List(ctx context.Context) ([]models.ParkingSlot, error) {
	const query = `
		SELECT id, floor_id, name, status, status_updated_at, created_at, updated_at
		FROM parking_slots
		ORDER BY name, id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []models.ParkingSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

// UpdateStatus sets the slot status and its change timestamp.
func (r *SlotRepository) UpdateStatus(ctx context.Context, id, status string, at time.Time) error {
	const query = `
		UPDATE parking_slots
		SET status = $2, status_updated_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, status, at)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func scanSlot(row rowScanner) (*models.ParkingSlot, error) {
	var (
		s         models.ParkingSlot
		floorID   sql.NullString
		updatedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &floorID, &s.Name, &s.Status, &updatedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if floorID.Valid {
		s.FloorID = &floorID.String
	}
	if updatedAt.Valid {
		s.StatusUpdatedAt = &updatedAt.Time
	}
	return &s, nil
}
