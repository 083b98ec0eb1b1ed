package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/sensor"
	"smartparking/backend/services/sensor-service/internal/simulation"
)

// SensorManager is the engine surface exposed to administrators.
type SensorManager interface {
	ProcessReading(ctx context.Context, in sensor.Input) sensor.Result
	SensorStats(deviceID string) (sensor.Stats, bool)
	UpdateSensorConfig(ctx context.Context, deviceID string, patch sensor.Patch) (sensor.Config, error)
	CalibrateSensor(ctx context.Context, deviceID string, readings []float64) (sensor.Calibration, error)
	ClearSensorData(deviceID string)
}

// UplinkSimulator publishes synthetic uplinks.
type UplinkSimulator interface {
	Publish(ctx context.Context, req simulation.Request) (simulation.Result, error)
}

// SensorHandlers serves the admin sensor endpoints.
type SensorHandlers struct {
	engine    SensorManager
	simulator UplinkSimulator
	logger    *zap.Logger
}

// NewSensorHandlers returns handler.
func NewSensorHandlers(engine SensorManager, simulator UplinkSimulator, logger *zap.Logger) *SensorHandlers {
	return &SensorHandlers{engine: engine, simulator: simulator, logger: logger}
}

type processRequest struct {
	Distance     *float64   `json:"distance"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	RSSI         *float64   `json:"rssi,omitempty"`
	BatteryLevel *float64   `json:"batteryLevel,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
}

type calibrateRequest struct {
	Readings []float64 `json:"readings"`
}

// Simulate handles POST /api/admin/sensors/simulate.
func (h *SensorHandlers) Simulate(w http.ResponseWriter, r *http.Request) {
	var req simulation.Request
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.simulator.Publish(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to publish simulated uplink")
		return
	}
	writeData(w, http.StatusAccepted, res)
}

// Process handles POST /api/admin/sensors/{deviceId}/process. The reading goes straight
// to the engine and does not touch slot state.
func (h *SensorHandlers) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Distance == nil {
		writeError(w, http.StatusBadRequest, "distance is required")
		return
	}

	in := sensor.Input{
		DeviceID:    r.PathValue("deviceId"),
		RawDistance: *req.Distance,
		Metadata: sensor.Metadata{
			RSSI:         req.RSSI,
			BatteryLevel: req.BatteryLevel,
			Temperature:  req.Temperature,
		},
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	writeData(w, http.StatusOK, h.engine.ProcessReading(r.Context(), in))
}

// Stats handles GET /api/admin/sensors/{deviceId}/stats.
func (h *SensorHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	stats, ok := h.engine.SensorStats(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no sensor data for device %s", deviceID))
		return
	}
	writeData(w, http.StatusOK, stats)
}

// UpdateConfig handles PUT /api/admin/sensors/{deviceId}/config.
func (h *SensorHandlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch sensor.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	cfg, err := h.engine.UpdateSensorConfig(r.Context(), r.PathValue("deviceId"), patch)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to update sensor config")
		return
	}
	writeData(w, http.StatusOK, cfg)
}

// Calibrate handles POST /api/admin/sensors/{deviceId}/calibrate.
func (h *SensorHandlers) Calibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cal, err := h.engine.CalibrateSensor(r.Context(), r.PathValue("deviceId"), req.Readings)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to calibrate sensor")
		return
	}
	writeData(w, http.StatusOK, cal)
}

// ClearDevice handles DELETE /api/admin/sensors/{deviceId}/data.
func (h *SensorHandlers) ClearDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	h.engine.ClearSensorData(deviceID)
	h.logger.Info("sensor data cleared", zap.String("device_id", deviceID))
	writeData(w, http.StatusOK, map[string]string{"deviceId": deviceID, "cleared": "device"})
}

// ClearAll handles DELETE /api/admin/sensors/data.
func (h *SensorHandlers) ClearAll(w http.ResponseWriter, _ *http.Request) {
	h.engine.ClearSensorData("")
	h.logger.Info("all sensor data cleared")
	writeData(w, http.StatusOK, map[string]string{"cleared": "all"})
}
