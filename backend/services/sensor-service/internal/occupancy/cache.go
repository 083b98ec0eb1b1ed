package occupancy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Snapshot is the latest interpretation of an uplink for one slot.
type Snapshot struct {
	SlotID           string     `json:"slotId"`
	NodeID           string     `json:"nodeId"`
	DeviceID         string     `json:"deviceId"`
	Status           string     `json:"status"`
	SensorState      string     `json:"sensorState,omitempty"`
	Distance         *float64   `json:"distance,omitempty"`
	SmoothedDistance *float64   `json:"smoothedDistance,omitempty"`
	Percentage       *float64   `json:"percentage,omitempty"`
	BatteryLevel     *float64   `json:"batteryLevel,omitempty"`
	BatteryEstimated bool       `json:"batteryEstimated"`
	GatewayID        string     `json:"gatewayId,omitempty"`
	RSSI             *float64   `json:"rssi,omitempty"`
	SNR              *float64   `json:"snr,omitempty"`
	SignalQuality    string     `json:"signalQuality,omitempty"`
	FrameCounter     uint32     `json:"frameCounter"`
	SourceTime       *time.Time `json:"sourceTime,omitempty"`
	ProcessedAt      time.Time  `json:"processedAt"`
}

// SnapshotCache holds one snapshot per slot, overwritten in place.
type SnapshotCache interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, slotID string) (Snapshot, bool, error)
	All(ctx context.Context) ([]Snapshot, error)
}

// MemoryCache is the in-process SnapshotCache.
type MemoryCache struct {
	mu    sync.RWMutex
	slots map[string]Snapshot
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{slots: make(map[string]Snapshot)}
}

// Put stores snap.
func (c *MemoryCache) Put(_ context.Context, snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[snap.SlotID] = snap
	return nil
}

// Get returns the snapshot for a slot.
func (c *MemoryCache) Get(_ context.Context, slotID string) (Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.slots[slotID]
	return snap, ok, nil
}

// All returns every snapshot ordered by slot id.
func (c *MemoryCache) All(_ context.Context) ([]Snapshot, error) {
	c.mu.RLock()
	out := make([]Snapshot, 0, len(c.slots))
	for _, snap := range c.slots {
		out = append(out, snap)
	}
	c.mu.RUnlock()
	sortSnapshots(out)
	return out, nil
}

func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SlotID < snaps[j].SlotID })
}
