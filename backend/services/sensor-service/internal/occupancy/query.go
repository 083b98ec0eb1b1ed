package occupancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/models"
)

// Data sources reported by realtime views.
const (
	SourceCache    = "mqtt-cache"
	SourceDatabase = "database"
)

// SlotRealtime is the best-effort current state of one slot.
type SlotRealtime struct {
	SlotID          string     `json:"slotId"`
	Name            string     `json:"name,omitempty"`
	Status          string     `json:"status"`
	DataSource      string     `json:"dataSource"`
	DeviceID        string     `json:"deviceId,omitempty"`
	StatusUpdatedAt *time.Time `json:"statusUpdatedAt,omitempty"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
	Snapshot        *Snapshot  `json:"snapshot,omitempty"`
}

// SlotRealtimeStatus returns the cached snapshot for a slot.
func (r *Resolver) SlotRealtimeStatus(ctx context.Context, slotID string) (Snapshot, bool, error) {
	return r.cache.Get(ctx, slotID)
}

// SlotRealtimeStatuses returns every cached snapshot.
func (r *Resolver) SlotRealtimeStatuses(ctx context.Context) ([]Snapshot, error) {
	return r.cache.All(ctx)
}

// RealtimeView reads the cache first and falls back to persisted slot and device state.
// It returns models.ErrNotFound only when the slot is neither cached nor stored.
func (r *Resolver) RealtimeView(ctx context.Context, slotID string) (SlotRealtime, error) {
	snap, ok, err := r.cache.Get(ctx, slotID)
	if err != nil {
		r.logger.Warn("realtime cache read failed, using database", zap.String("slot_id", slotID), zap.Error(err))
	}
	if ok {
		return fromSnapshot(snap), nil
	}

	slot, err := r.slots.Get(ctx, slotID)
	if err != nil {
		return SlotRealtime{}, fmt.Errorf("slot %s: %w", slotID, err)
	}
	return r.fromDatabase(ctx, *slot), nil
}

// RealtimeViews returns a view for every stored slot plus any cached slot the database
// did not list.
func (r *Resolver) RealtimeViews(ctx context.Context) ([]SlotRealtime, error) {
	snaps, err := r.cache.All(ctx)
	if err != nil {
		r.logger.Warn("realtime cache scan failed, using database", zap.Error(err))
		snaps = nil
	}
	cached := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		cached[s.SlotID] = s
	}

	slots, err := r.slots.List(ctx)
	if err != nil {
		if len(cached) == 0 {
			return nil, fmt.Errorf("list slots: %w", err)
		}
		r.logger.Warn("slot listing failed, serving cache only", zap.Error(err))
	}

	views := make([]SlotRealtime, 0, len(slots)+len(cached))
	for _, slot := range slots {
		if snap, ok := cached[slot.ID]; ok {
			v := fromSnapshot(snap)
			v.Name = slot.Name
			views = append(views, v)
			delete(cached, slot.ID)
			continue
		}
		views = append(views, r.fromDatabase(ctx, slot))
	}
	for _, s := range snaps {
		if _, ok := cached[s.SlotID]; ok {
			views = append(views, fromSnapshot(s))
		}
	}
	return views, nil
}

// SlotHistory returns the newest status log entries of a slot.
func (r *Resolver) SlotHistory(ctx context.Context, slotID string, limit int) ([]models.ParkingStatusLog, error) {
	if _, err := r.slots.Get(ctx, slotID); err != nil {
		return nil, fmt.Errorf("slot %s: %w", slotID, err)
	}
	entries, err := r.logs.ListBySlot(ctx, slotID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history for slot %s: %w", slotID, err)
	}
	if entries == nil {
		entries = []models.ParkingStatusLog{}
	}
	return entries, nil
}

// StaleSnapshots returns cached snapshots not refreshed within olderThan.
func (r *Resolver) StaleSnapshots(ctx context.Context, olderThan time.Duration) ([]Snapshot, error) {
	snaps, err := r.cache.All(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-olderThan)
	var stale []Snapshot
	for _, s := range snaps {
		if s.ProcessedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	return stale, nil
}

func fromSnapshot(snap Snapshot) SlotRealtime {
	s := snap
	processed := snap.ProcessedAt
	return SlotRealtime{
		SlotID:          snap.SlotID,
		Status:          snap.Status,
		DataSource:      SourceCache,
		DeviceID:        snap.DeviceID,
		StatusUpdatedAt: &processed,
		LastSeen:        &processed,
		Snapshot:        &s,
	}
}

func (r *Resolver) fromDatabase(ctx context.Context, slot models.ParkingSlot) SlotRealtime {
	view := SlotRealtime{
		SlotID:          slot.ID,
		Name:            slot.Name,
		Status:          slot.Status,
		DataSource:      SourceDatabase,
		StatusUpdatedAt: slot.StatusUpdatedAt,
	}
	node, err := r.nodes.FindBySlotID(ctx, slot.ID)
	switch {
	case err == nil:
		view.DeviceID = node.DevEUI
		view.LastSeen = node.LastSeen
	case !errors.Is(err, models.ErrNotFound):
		r.logger.Warn("device lookup for slot failed", zap.String("slot_id", slot.ID), zap.Error(err))
	}
	return view
}
