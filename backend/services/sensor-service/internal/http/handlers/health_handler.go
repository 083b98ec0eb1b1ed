package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/mqtt"
)

// MQTTProbe reports listener state.
type MQTTProbe interface {
	Status() mqtt.Status
	HealthCheck() mqtt.Health
}

// Pinger checks a backing store.
type Pinger func(ctx context.Context) error

// HealthHandlers serves liveness and transport status.
type HealthHandlers struct {
	mqtt   MQTTProbe
	ping   Pinger
	logger *zap.Logger
}

// NewHealthHandlers returns handler. ping may be nil.
func NewHealthHandlers(probe MQTTProbe, ping Pinger, logger *zap.Logger) *HealthHandlers {
	return &HealthHandlers{mqtt: probe, ping: ping, logger: logger}
}

// Health handles GET /health. The service is "ok" when the database answers and the
// listener is healthy, "degraded" when only the listener is not, and 503 when the database
// is unreachable.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	mqttHealth := h.mqtt.HealthCheck()

	database := "up"
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.logger.Warn("database health check failed", zap.Error(err))
			database = "down"
		}
	}

	status, code := "ok", http.StatusOK
	switch {
	case database != "up":
		status, code = "unavailable", http.StatusServiceUnavailable
	case mqttHealth.Status != mqtt.HealthHealthy:
		status = "degraded"
	}

	writeJSON(w, code, envelope{
		Success: code == http.StatusOK,
		Data: map[string]any{
			"status":    status,
			"service":   "sensor-service",
			"database":  database,
			"mqtt":      mqttHealth,
			"timestamp": time.Now().UTC(),
		},
	})
}

// MQTTStatus handles GET /api/mqtt/status.
func (h *HealthHandlers) MQTTStatus(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, h.mqtt.Status())
}
