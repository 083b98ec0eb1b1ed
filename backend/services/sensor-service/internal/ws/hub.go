package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/metrics"
	"smartparking/backend/services/sensor-service/internal/occupancy"
)

// MessageSlotStatus is the type of every pushed snapshot.
const MessageSlotStatus = "slot_status"

// Message is the frame sent to subscribers.
type Message struct {
	Type string             `json:"type"`
	Data occupancy.Snapshot `json:"data"`
}

// Hub tracks subscribers and fans out slot snapshots.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewHub builds hub.
func NewHub(pingInterval time.Duration, logger *zap.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:      make(map[string]*Client),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Add registers a subscriber.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
}

// Remove drops a subscriber.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast pushes snap to every subscriber interested in its slot.
func (h *Hub) Broadcast(snap occupancy.Snapshot) {
	payload, err := json.Marshal(Message{Type: MessageSlotStatus, Data: snap})
	if err != nil {
		h.logger.Error("failed to encode slot update", zap.String("slot_id", snap.SlotID), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Wants(snap.SlotID) {
			c.Send(payload)
		}
	}
}

// Start runs the keepalive ping loop until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			for _, c := range h.clients {
				_ = c.Ping()
			}
			h.mu.RUnlock()
		}
	}
}
