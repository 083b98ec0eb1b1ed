package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrorType classifies a rejected reading.
type ErrorType string

const (
	ErrorOutOfRange  ErrorType = "OUT_OF_RANGE"
	ErrorSensorFault ErrorType = "SENSOR_FAULT"
)

// Validation reports whether a raw reading was accepted.
type Validation struct {
	Valid     bool      `json:"valid"`
	ErrorType ErrorType `json:"errorType,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Metadata carries optional telemetry attached to a reading.
type Metadata struct {
	RSSI         *float64
	BatteryLevel *float64
	Temperature  *float64
}

// Input is one raw observation handed to the engine.
type Input struct {
	DeviceID    string
	RawDistance float64
	Metadata    Metadata
	Timestamp   time.Time
	// StoredConfig is the device's persisted config JSON, used when the device is first seen.
	StoredConfig json.RawMessage
}

// Result is the outcome of processing one reading. Status is empty unless a change was
// confirmed by ValidationThreshold consecutive determinations. LastStatus is the confirmed
// status in effect after the reading, empty until the first confirmation.
type Result struct {
	DeviceID         string     `json:"deviceId"`
	Status           Status     `json:"status"`
	LastStatus       Status     `json:"lastStatus,omitempty"`
	Candidate        Status     `json:"candidate,omitempty"`
	RawDistance      float64    `json:"rawDistance"`
	Distance         float64    `json:"distance"`
	SmoothedDistance float64    `json:"smoothedDistance"`
	Confidence       float64    `json:"confidence"`
	Validation       Validation `json:"validation"`
	Config           Config     `json:"config"`
}

// Confirmed reports whether the reading confirmed a status.
func (r Result) Confirmed() bool {
	return r.Status != ""
}

// ConfigStore persists device configuration outside the process.
type ConfigStore interface {
	LoadSensorConfig(ctx context.Context, deviceID string) (json.RawMessage, error)
	SaveSensorConfig(ctx context.Context, deviceID string, cfg Config) error
}

// Calibration is the outcome of CalibrateSensor.
type Calibration struct {
	DeviceID          string  `json:"deviceId"`
	Samples           int     `json:"samples"`
	MedianDistance    float64 `json:"medianDistance"`
	CalibrationOffset float64 `json:"calibrationOffset"`
	Config            Config  `json:"config"`
}

// Stats is a read-only view of a device's engine state.
type Stats struct {
	DeviceID          string            `json:"deviceId"`
	Config            Config            `json:"config"`
	BufferSize        int               `json:"bufferSize"`
	Readings          []Reading         `json:"readings"`
	AverageDistance   *float64          `json:"averageDistance,omitempty"`
	MedianDistance    *float64          `json:"medianDistance,omitempty"`
	LastStatus        Status            `json:"lastStatus"`
	Tracker           *Tracker          `json:"tracker,omitempty"`
	TotalReadings     int               `json:"totalReadings"`
	Rejected          map[ErrorType]int `json:"rejected"`
	ConsecutiveErrors int               `json:"consecutiveErrors"`
	Faulty            bool              `json:"faulty"`
	LastReadingAt     *time.Time        `json:"lastReadingAt,omitempty"`
}

// Engine validates, calibrates and smooths distance readings and confirms occupancy
// transitions with hysteresis. All per-device mutation happens under mu.
type Engine struct {
	mu       sync.Mutex
	cfgMu    sync.Mutex
	store    StateStore
	configs  ConfigStore
	defaults Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine builds an engine. configs may be nil, in which case configuration is not persisted.
func NewEngine(store StateStore, configs ConfigStore, logger *zap.Logger) *Engine {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		configs:  configs,
		defaults: DefaultConfig(),
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessSensorData runs one reading through validation, calibration, smoothing,
// hysteresis and consecutive confirmation. It performs no I/O.
func (e *Engine) ProcessSensorData(in Input) Result {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(in.DeviceID, in.StoredConfig)
	cfg := st.Config
	res := Result{
		DeviceID:    in.DeviceID,
		RawDistance: in.RawDistance,
		Distance:    in.RawDistance,
		Config:      cfg,
		LastStatus:  st.LastStatus,
	}

	st.TotalReadings++
	st.LastReadingAt = ts

	res.Validation = validateReading(in.RawDistance, cfg)
	if !res.Validation.Valid {
		st.Rejected[res.Validation.ErrorType]++
		st.ConsecutiveErrors++
		if st.ConsecutiveErrors == cfg.ErrorThreshold {
			e.logger.Warn("sensor error threshold reached",
				zap.String("device_id", in.DeviceID),
				zap.Int("consecutive_errors", st.ConsecutiveErrors),
				zap.String("error_type", string(res.Validation.ErrorType)))
		}
		return res
	}
	st.ConsecutiveErrors = 0

	calibrated := in.RawDistance + cfg.CalibrationOffset
	res.Distance = calibrated

	st.Buffer = append(st.Buffer, Reading{
		Distance:     calibrated,
		Timestamp:    ts,
		RSSI:         in.Metadata.RSSI,
		BatteryLevel: in.Metadata.BatteryLevel,
		Temperature:  in.Metadata.Temperature,
	})
	if over := len(st.Buffer) - cfg.SmoothingWindow; over > 0 {
		st.Buffer = append([]Reading(nil), st.Buffer[over:]...)
	}

	smoothed := Median(distances(st.Buffer))
	res.SmoothedDistance = smoothed

	candidate := determineStatus(smoothed, st.LastStatus, cfg)
	res.Candidate = candidate
	res.Status = confirm(st, candidate, cfg.ValidationThreshold)
	res.LastStatus = st.LastStatus
	if res.Status != "" {
		res.Confidence = confidence(smoothed, res.Status, cfg)
	}
	return res
}

// ProcessReading is ProcessSensorData for callers without the device's stored config at
// hand. A device still on defaults gets its config from the ConfigStore first; a failed load
// leaves the reading on the current config.
func (e *Engine) ProcessReading(ctx context.Context, in Input) Result {
	if len(in.StoredConfig) == 0 && e.configs != nil && !e.configSeeded(in.DeviceID) {
		raw, err := e.configs.LoadSensorConfig(ctx, in.DeviceID)
		if err != nil {
			e.logger.Debug("stored sensor config unavailable", zap.String("device_id", in.DeviceID), zap.Error(err))
		} else {
			in.StoredConfig = raw
		}
	}
	return e.ProcessSensorData(in)
}

func (e *Engine) configSeeded(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.store.Get(deviceID)
	return ok && st.ConfigSeeded
}

// UpdateSensorConfig merges patch into the device config, validates it, persists it and
// makes it effective for the next reading. On failure nothing changes.
func (e *Engine) UpdateSensorConfig(ctx context.Context, deviceID string, patch Patch) (Config, error) {
	return e.mutateConfig(ctx, deviceID, func(current Config) (Config, error) {
		return patch.Apply(current), nil
	})
}

// CalibrateSensor derives the calibration offset from verified empty-slot readings so that
// the median reads just above the vacant threshold.
func (e *Engine) CalibrateSensor(ctx context.Context, deviceID string, readings []float64) (Calibration, error) {
	samples := make([]float64, 0, len(readings))
	for _, r := range readings {
		if r > 0 && !math.IsNaN(r) && !math.IsInf(r, 0) {
			samples = append(samples, r)
		}
	}
	if len(samples) < MinCalibrationSamples {
		return Calibration{}, fmt.Errorf("%w: need at least %d readings, got %d", ErrInsufficientSamples, MinCalibrationSamples, len(samples))
	}

	median := Median(samples)
	cfg, err := e.mutateConfig(ctx, deviceID, func(current Config) (Config, error) {
		current.CalibrationOffset = current.VacantThreshold + current.Hysteresis - median
		return current, nil
	})
	if err != nil {
		return Calibration{}, err
	}

	e.logger.Info("sensor calibrated",
		zap.String("device_id", deviceID),
		zap.Int("samples", len(samples)),
		zap.Float64("median", median),
		zap.Float64("offset", cfg.CalibrationOffset))

	return Calibration{
		DeviceID:          deviceID,
		Samples:           len(samples),
		MedianDistance:    median,
		CalibrationOffset: cfg.CalibrationOffset,
		Config:            cfg,
	}, nil
}

func (e *Engine) mutateConfig(ctx context.Context, deviceID string, mutate func(Config) (Config, error)) (Config, error) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	var stored json.RawMessage
	if e.configs != nil {
		raw, err := e.configs.LoadSensorConfig(ctx, deviceID)
		if err != nil {
			return Config{}, fmt.Errorf("load sensor config: %w", err)
		}
		stored = raw
	}

	e.mu.Lock()
	current := e.stateLocked(deviceID, stored).Config
	e.mu.Unlock()

	next, err := mutate(current)
	if err != nil {
		return Config{}, err
	}
	if err := next.Validate(); err != nil {
		return Config{}, err
	}

	if e.configs != nil {
		if err := e.configs.SaveSensorConfig(ctx, deviceID, next); err != nil {
			return Config{}, fmt.Errorf("save sensor config: %w", err)
		}
	}

	e.mu.Lock()
	st := e.stateLocked(deviceID, stored)
	st.Config = next
	st.ConfigSeeded = true
	e.mu.Unlock()
	return next, nil
}

// SensorStats returns a snapshot of the device state.
func (e *Engine) SensorStats(deviceID string) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.store.Get(deviceID)
	if !ok {
		return Stats{}, false
	}

	stats := Stats{
		DeviceID:          deviceID,
		Config:            st.Config,
		BufferSize:        len(st.Buffer),
		Readings:          append([]Reading(nil), st.Buffer...),
		LastStatus:        st.LastStatus,
		TotalReadings:     st.TotalReadings,
		Rejected:          make(map[ErrorType]int, len(st.Rejected)),
		ConsecutiveErrors: st.ConsecutiveErrors,
		Faulty:            st.ConsecutiveErrors >= st.Config.ErrorThreshold,
	}
	for k, v := range st.Rejected {
		stats.Rejected[k] = v
	}
	if st.Tracker != nil {
		tr := *st.Tracker
		stats.Tracker = &tr
	}
	if !st.LastReadingAt.IsZero() {
		ts := st.LastReadingAt
		stats.LastReadingAt = &ts
	}
	if len(st.Buffer) > 0 {
		ds := distances(st.Buffer)
		avg := Mean(ds)
		med := Median(ds)
		stats.AverageDistance = &avg
		stats.MedianDistance = &med
	}
	return stats, true
}

// Devices lists devices the engine currently tracks.
func (e *Engine) Devices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Keys()
}

// ClearSensorData drops state for one device, or for all devices when deviceID is empty.
// Configuration is reloaded from the ConfigStore or stored metadata on next use.
func (e *Engine) ClearSensorData(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if deviceID == "" {
		e.store.Clear()
		return
	}
	e.store.Delete(deviceID)
}

// stateLocked returns the device state, creating it on first use. A device still running on
// defaults adopts stored config as soon as one is supplied.
func (e *Engine) stateLocked(deviceID string, stored json.RawMessage) *DeviceState {
	hasStored := len(stored) > 0 && string(stored) != "null"
	st, ok := e.store.Get(deviceID)
	if ok && (st.ConfigSeeded || !hasStored) {
		return st
	}
	cfg, err := mergeStored(e.defaults, stored)
	if err != nil {
		e.logger.Warn("ignoring stored sensor config", zap.String("device_id", deviceID), zap.Error(err))
	}
	if !ok {
		st = newDeviceState(cfg)
		e.store.Put(deviceID, st)
	}
	st.Config = cfg
	st.ConfigSeeded = hasStored
	return st
}

func validateReading(raw float64, cfg Config) Validation {
	switch {
	case math.IsNaN(raw) || math.IsInf(raw, 0):
		return Validation{ErrorType: ErrorSensorFault, Message: "reading is not a finite number"}
	case raw == 0:
		return Validation{ErrorType: ErrorSensorFault, Message: "zero distance indicates sensor malfunction"}
	case raw < cfg.MinRange || raw > cfg.MaxRange:
		return Validation{
			ErrorType: ErrorOutOfRange,
			Message:   fmt.Sprintf("distance %g outside range [%g, %g]", raw, cfg.MinRange, cfg.MaxRange),
		}
	}
	return Validation{Valid: true}
}

// determineStatus applies asymmetric thresholds around the last confirmed status.
// It returns the empty status inside the dead zone.
func determineStatus(smoothed float64, last Status, cfg Config) Status {
	if last == StatusOccupied {
		switch {
		case smoothed > cfg.VacantThreshold+cfg.Hysteresis:
			return StatusVacant
		case smoothed <= cfg.OccupiedThreshold:
			return StatusOccupied
		}
		return ""
	}
	switch {
	case smoothed < cfg.OccupiedThreshold-cfg.Hysteresis:
		return StatusOccupied
	case smoothed >= cfg.VacantThreshold:
		return StatusVacant
	}
	return ""
}

// confirm advances the consecutive tracker and returns the candidate once it has been seen
// threshold times in a row. A candidate matching the confirmed status is not a change.
func confirm(st *DeviceState, candidate Status, threshold int) Status {
	if candidate == "" || candidate == st.LastStatus {
		st.Tracker = nil
		return ""
	}
	if st.Tracker == nil || st.Tracker.Status != candidate {
		st.Tracker = &Tracker{Status: candidate, Count: 1}
	} else {
		st.Tracker.Count++
	}
	if st.Tracker.Count < threshold {
		return ""
	}
	st.LastStatus = candidate
	st.Tracker = nil
	return candidate
}

func confidence(smoothed float64, status Status, cfg Config) float64 {
	var c float64
	switch status {
	case StatusOccupied:
		if cfg.OccupiedThreshold == 0 {
			return 0
		}
		c = (cfg.OccupiedThreshold - smoothed) / cfg.OccupiedThreshold * 100
	case StatusVacant:
		if cfg.VacantThreshold == 0 {
			return 0
		}
		c = (smoothed - cfg.VacantThreshold) / cfg.VacantThreshold * 100
	}
	return Clamp(c, 0, 100)
}

func distances(buf []Reading) []float64 {
	out := make([]float64, len(buf))
	for i, r := range buf {
		out[i] = r.Distance
	}
	return out
}

// Median returns the median of values; even counts average the two middle values.
// It returns 0 for an empty slice and does not modify values.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
