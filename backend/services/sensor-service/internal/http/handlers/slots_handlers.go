package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/models"
	"smartparking/backend/services/sensor-service/internal/occupancy"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// SlotQuerier reads realtime and historical slot state.
type SlotQuerier interface {
	RealtimeView(ctx context.Context, slotID string) (occupancy.SlotRealtime, error)
	RealtimeViews(ctx context.Context) ([]occupancy.SlotRealtime, error)
	SlotHistory(ctx context.Context, slotID string, limit int) ([]models.ParkingStatusLog, error)
}

// SlotHandlers serves slot status endpoints.
type SlotHandlers struct {
	slots  SlotQuerier
	logger *zap.Logger
}

// NewSlotHandlers returns handler.
func NewSlotHandlers(slots SlotQuerier, logger *zap.Logger) *SlotHandlers {
	return &SlotHandlers{slots: slots, logger: logger}
}

// Realtime handles GET /api/slots/realtime.
func (h *SlotHandlers) Realtime(w http.ResponseWriter, r *http.Request) {
	views, err := h.slots.RealtimeViews(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to fetch realtime slot status")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"slots": views,
		"count": len(views),
	})
}

// RealtimeByID handles GET /api/slots/{id}/realtime.
func (h *SlotHandlers) RealtimeByID(w http.ResponseWriter, r *http.Request) {
	view, err := h.slots.RealtimeView(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to fetch realtime slot status")
		return
	}
	writeData(w, http.StatusOK, view)
}

// History handles GET /api/slots/{id}/history?limit=N.
func (h *SlotHandlers) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	slotID := r.PathValue("id")
	history, err := h.slots.SlotHistory(r.Context(), slotID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to fetch slot history")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"slotId":  slotID,
		"history": history,
		"count":   len(history),
	})
}
