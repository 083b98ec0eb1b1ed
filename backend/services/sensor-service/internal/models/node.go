package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// SensorConfigKey is the node metadata key holding persisted sensor configuration.
const SensorConfigKey = "sensorConfig"

// Node is a provisioned sensor device reachable through the LoRaWAN network server.
type Node struct {
	ID        string         `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	DevEUI    string         `db:"dev_eui" json:"devEui"`
	SlotID    *string        `db:"slot_id" json:"slotId,omitempty"`
	Status    string         `db:"status" json:"status"`
	Metadata  map[string]any `db:"metadata" json:"metadata"`
	LastSeen  *time.Time     `db:"last_seen" json:"lastSeen,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// HasSlot reports whether the node is linked to a parking slot.
func (n *Node) HasSlot() bool {
	return n != nil && n.SlotID != nil && *n.SlotID != ""
}

// StoredSensorConfig returns the persisted sensor configuration as raw JSON, or nil.
func (n *Node) StoredSensorConfig() json.RawMessage {
	if n == nil || n.Metadata == nil {
		return nil
	}
	v, ok := n.Metadata[SensorConfigKey]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// MetadataString returns a string metadata field.
func (n *Node) MetadataString(key string) string {
	if n == nil || n.Metadata == nil {
		return ""
	}
	s, _ := n.Metadata[key].(string)
	return s
}
