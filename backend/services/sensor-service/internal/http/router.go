package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartparking/backend/services/sensor-service/internal/http/handlers"
	"smartparking/backend/services/sensor-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	HealthHandlers *handlers.HealthHandlers
	SlotHandlers   *handlers.SlotHandlers
	SensorHandlers *handlers.SensorHandlers
	WebSocket      http.HandlerFunc
}

// NewRouter wires HTTP routes; admin routes go through authMiddleware.
func NewRouter(deps RouterDeps, authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", method(http.MethodGet, http.HandlerFunc(deps.HealthHandlers.Health)))
	mux.Handle("/metrics", method(http.MethodGet, promhttp.Handler()))
	mux.Handle("/api/mqtt/status", method(http.MethodGet, http.HandlerFunc(deps.HealthHandlers.MQTTStatus)))

	mux.Handle("/api/slots/realtime", method(http.MethodGet, http.HandlerFunc(deps.SlotHandlers.Realtime)))
	mux.Handle("/api/slots/{id}/realtime", method(http.MethodGet, http.HandlerFunc(deps.SlotHandlers.RealtimeByID)))
	mux.Handle("/api/slots/{id}/history", method(http.MethodGet, http.HandlerFunc(deps.SlotHandlers.History)))

	if deps.WebSocket != nil {
		mux.Handle("/ws/slots", method(http.MethodGet, deps.WebSocket))
	}

	admin := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware)
	}
	sensors := deps.SensorHandlers

	mux.Handle("/api/admin/sensors/simulate", method(http.MethodPost, admin(sensors.Simulate)))
	mux.Handle("/api/admin/sensors/data", method(http.MethodDelete, admin(sensors.ClearAll)))
	mux.Handle("/api/admin/sensors/{deviceId}/process", method(http.MethodPost, admin(sensors.Process)))
	mux.Handle("/api/admin/sensors/{deviceId}/stats", method(http.MethodGet, admin(sensors.Stats)))
	mux.Handle("/api/admin/sensors/{deviceId}/config", method(http.MethodPut, admin(sensors.UpdateConfig)))
	mux.Handle("/api/admin/sensors/{deviceId}/calibrate", method(http.MethodPost, admin(sensors.Calibrate)))
	mux.Handle("/api/admin/sensors/{deviceId}/data", method(http.MethodDelete, admin(sensors.ClearDevice)))

	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
