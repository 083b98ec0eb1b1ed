package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smartparking/backend/services/sensor-service/internal/models"
	"smartparking/backend/services/sensor-service/internal/sensor"
)

// NodeRepository reads and updates provisioned sensor nodes.
type NodeRepository struct {
	db *sql.DB
}

// NewNodeRepository returns repository.
func NewNodeRepository(db *sql.DB) *NodeRepository {
	return &NodeRepository{db: db}
}

const nodeColumns = `id, name, dev_eui, slot_id, status, metadata, last_seen, created_at, updated_at`

// FindByDevEUI returns the node registered under the device EUI.
func (r *NodeRepository) FindByDevEUI(ctx context.Context, devEUI string) (*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE dev_eui = $1`
	return scanNode(r.db.QueryRowContext(ctx, query, devEUI))
}

// FindBySlotID returns the node linked to a slot.
func (r *NodeRepository) FindBySlotID(ctx context.Context, slotID string) (*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE slot_id = $1 ORDER BY last_seen DESC NULLS LAST LIMIT 1`
	return scanNode(r.db.QueryRowContext(ctx, query, slotID))
}

// UpdateTelemetry marks the node online and merges metadata into the stored document.
func (r *NodeRepository) UpdateTelemetry(ctx context.Context, nodeID string, seenAt time.Time, metadata map[string]any) error {
	const query = `
		UPDATE nodes
		SET last_seen = $2,
			status = 'online',
			metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb,
			updated_at = NOW()
		WHERE id = $1
	`
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode node metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, nodeID, seenAt, string(data))
	if err != nil {
		return err
	}
	return expectRow(res)
}

// LoadSensorConfig returns the persisted sensor config of a device, or nil if none is stored.
func (r *NodeRepository) LoadSensorConfig(ctx context.Context, devEUI string) (json.RawMessage, error) {
	const query = `SELECT metadata -> 'sensorConfig' FROM nodes WHERE dev_eui = $1`
	var raw []byte
	if err := r.db.QueryRowContext(ctx, query, devEUI).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

// SaveSensorConfig stores cfg under the node metadata sensorConfig key.
func (r *NodeRepository) SaveSensorConfig(ctx context.Context, devEUI string, cfg sensor.Config) error {
	const query = `
		UPDATE nodes
		SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{sensorConfig}', $2::jsonb, true),
			updated_at = NOW()
		WHERE dev_eui = $1
	`
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode sensor config: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, devEUI, string(data))
	if err != nil {
		return err
	}
	return expectRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		n        models.Node
		slotID   sql.NullString
		metadata []byte
		lastSeen sql.NullTime
	)
	err := row.Scan(&n.ID, &n.Name, &n.DevEUI, &slotID, &n.Status, &metadata, &lastSeen, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	if slotID.Valid {
		n.SlotID = &slotID.String
	}
	if lastSeen.Valid {
		n.LastSeen = &lastSeen.Time
	}
	n.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode node metadata: %w", err)
		}
	}
	return &n, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
