// Package occupancytest provides in-memory node, slot and status-log stores for tests
// that exercise the resolver through its public surface.
package occupancytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"smartparking/backend/services/sensor-service/internal/models"
)

// Store implements the resolver's node, slot and status-log stores in memory.
type Store struct {
	mu    sync.Mutex
	nodes map[string]*models.Node
	slots map[string]*models.ParkingSlot
	logs  []models.ParkingStatusLog
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]*models.Node),
		slots: make(map[string]*models.ParkingSlot),
	}
}

// AddSlot stores a slot with status unknown.
func (s *Store) AddSlot(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.slots[id] = &models.ParkingSlot{ID: id, Name: name, Status: models.SlotUnknown, CreatedAt: now, UpdatedAt: now}
}

// AddNode provisions a device; slotID may be empty.
func (s *Store) AddNode(id, devEUI, slotID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &models.Node{ID: id, Name: "node-" + id, DevEUI: devEUI, Status: "offline", Metadata: map[string]any{}}
	if slotID != "" {
		sid := slotID
		n.SlotID = &sid
	}
	s.nodes[devEUI] = n
}

// SetNodeMetadata replaces a device's metadata.
func (s *Store) SetNodeMetadata(devEUI string, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[devEUI]; ok {
		n.Metadata = metadata
	}
}

// Logs returns a copy of every appended status log.
func (s *Store) Logs() []models.ParkingStatusLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ParkingStatusLog(nil), s.logs...)
}

// Slot returns a copy of a stored slot.
func (s *Store) Slot(id string) (models.ParkingSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return models.ParkingSlot{}, false
	}
	return *slot, true
}

// FindByDevEUI implements occupancy.NodeStore.
func (s *Store) FindByDevEUI(_ context.Context, devEUI string) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[devEUI]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// FindBySlotID implements occupancy.NodeStore.
func (s *Store) FindBySlotID(_ context.Context, slotID string) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.HasSlot() && *n.SlotID == slotID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

// UpdateTelemetry implements occupancy.NodeStore.
func (s *Store) UpdateTelemetry(_ context.Context, nodeID string, seenAt time.Time, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.ID != nodeID {
			continue
		}
		if n.Metadata == nil {
			n.Metadata = map[string]any{}
		}
		for k, v := range metadata {
			n.Metadata[k] = v
		}
		ts := seenAt
		n.LastSeen = &ts
		n.Status = "online"
		return nil
	}
	return models.ErrNotFound
}

// Get implements occupancy.SlotStore.
func (s *Store) Get(_ context.Context, id string) (*models.ParkingSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *slot
	return &cp, nil
}

// List implements occupancy.SlotStore.
func (s *Store) List(_ context.Context) ([]models.ParkingSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ParkingSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, *slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateStatus implements occupancy.SlotStore.
func (s *Store) UpdateStatus(_ context.Context, id, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return models.ErrNotFound
	}
	ts := at
	slot.Status = status
	slot.StatusUpdatedAt = &ts
	slot.UpdatedAt = at
	return nil
}

// Insert implements occupancy.StatusLogStore.
func (s *Store) Insert(_ context.Context, entry *models.ParkingStatusLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.CreatedAt = time.Now()
	s.logs = append(s.logs, *entry)
	return nil
}

// ListBySlot implements occupancy.StatusLogStore, newest first.
func (s *Store) ListBySlot(_ context.Context, slotID string, limit int) ([]models.ParkingStatusLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]models.ParkingStatusLog, 0)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.logs[i].SlotID == slotID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}
