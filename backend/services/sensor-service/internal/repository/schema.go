package repository

// Schema bootstraps the tables the sensor pipeline reads and writes.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS parking_slots (
		id                TEXT PRIMARY KEY,
		floor_id          TEXT,
		name              TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'unknown',
		status_updated_at TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		dev_eui    TEXT NOT NULL UNIQUE,
		slot_id    TEXT REFERENCES parking_slots(id) ON DELETE SET NULL,
		status     TEXT NOT NULL DEFAULT 'offline',
		metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_seen  TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_slot_id ON nodes (slot_id)`,
	`CREATE TABLE IF NOT EXISTS parking_status_logs (
		id                 TEXT PRIMARY KEY,
		slot_id            TEXT NOT NULL REFERENCES parking_slots(id) ON DELETE CASCADE,
		status             TEXT NOT NULL,
		distance           DOUBLE PRECISION,
		percentage         DOUBLE PRECISION,
		battery_level      DOUBLE PRECISION,
		signal_quality     TEXT NOT NULL,
		detection_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		recorded_at        TIMESTAMPTZ NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_parking_status_logs_slot_recorded
		ON parking_status_logs (slot_id, recorded_at DESC)`,
}
