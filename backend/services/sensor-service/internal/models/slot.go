package models

import "time"

// Slot statuses.
const (
	SlotAvailable   = "available"
	SlotOccupied    = "occupied"
	SlotUnknown     = "unknown"
	SlotReserved    = "reserved"
	SlotMaintenance = "maintenance"
)

// ParkingSlot is a single parking space on a floor.
type ParkingSlot struct {
	ID              string     `db:"id" json:"id"`
	FloorID         *string    `db:"floor_id" json:"floorId,omitempty"`
	Name            string     `db:"name" json:"name"`
	Status          string     `db:"status" json:"status"`
	StatusUpdatedAt *time.Time `db:"status_updated_at" json:"statusUpdatedAt,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// ParkingStatusLog is an immutable history row written per processed uplink.
type ParkingStatusLog struct {
	ID                string         `db:"id" json:"id"`
	SlotID            string         `db:"slot_id" json:"slotId"`
	Status            string         `db:"status" json:"status"`
	Distance          *float64       `db:"distance" json:"distance,omitempty"`
	Percentage        *float64       `db:"percentage" json:"percentage,omitempty"`
	BatteryLevel      *float64       `db:"battery_level" json:"batteryLevel,omitempty"`
	SignalQuality     string         `db:"signal_quality" json:"signalQuality"`
	DetectionMetadata map[string]any `db:"detection_metadata" json:"detectionMetadata"`
	RecordedAt        time.Time      `db:"recorded_at" json:"recordedAt"`
	CreatedAt         time.Time      `db:"created_at" json:"createdAt"`
}
