package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for management operations.
var (
	ErrInvalidConfig       = errors.New("sensor: invalid config")
	ErrInsufficientSamples = errors.New("sensor: insufficient calibration samples")
)

// MinCalibrationSamples is the number of empty-slot readings required to calibrate.
const MinCalibrationSamples = 5

// Config holds per-device signal processing parameters. Distances are in centimetres.
type Config struct {
	SensorType          string  `json:"sensorType"`
	MaxRange            float64 `json:"maxRange"`
	MinRange            float64 `json:"minRange"`
	OccupiedThreshold   float64 `json:"occupiedThreshold"`
	VacantThreshold     float64 `json:"vacantThreshold"`
	Hysteresis          float64 `json:"hysteresis"`
	SmoothingWindow     int     `json:"smoothingWindow"`
	ValidationThreshold int     `json:"validationThreshold"`
	CalibrationOffset   float64 `json:"calibrationOffset"`
	ErrorThreshold      int     `json:"errorThreshold"`
}

// DefaultConfig returns the process-wide template for ultrasonic sensors.
func DefaultConfig() Config {
	return Config{
		SensorType:          "ultrasonic",
		MaxRange:            400,
		MinRange:            5,
		OccupiedThreshold:   80,
		VacantThreshold:     120,
		Hysteresis:          10,
		SmoothingWindow:     5,
		ValidationThreshold: 2,
		CalibrationOffset:   0,
		ErrorThreshold:      5,
	}
}

// Validate enforces range and threshold ordering.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"maxRange":          c.MaxRange,
		"minRange":          c.MinRange,
		"occupiedThreshold": c.OccupiedThreshold,
		"vacantThreshold":   c.VacantThreshold,
		"hysteresis":        c.Hysteresis,
		"calibrationOffset": c.CalibrationOffset,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidConfig, name)
		}
	}
	if c.MinRange >= c.MaxRange {
		return fmt.Errorf("%w: minRange (%g) must be less than maxRange (%g)", ErrInvalidConfig, c.MinRange, c.MaxRange)
	}
	if c.OccupiedThreshold >= c.VacantThreshold {
		return fmt.Errorf("%w: occupiedThreshold (%g) must be less than vacantThreshold (%g)", ErrInvalidConfig, c.OccupiedThreshold, c.VacantThreshold)
	}
	if c.Hysteresis < 0 {
		return fmt.Errorf("%w: hysteresis must not be negative", ErrInvalidConfig)
	}
	if c.SmoothingWindow < 1 {
		return fmt.Errorf("%w: smoothingWindow must be at least 1", ErrInvalidConfig)
	}
	if c.ValidationThreshold < 1 {
		return fmt.Errorf("%w: validationThreshold must be at least 1", ErrInvalidConfig)
	}
	if c.ErrorThreshold < 1 {
		return fmt.Errorf("%w: errorThreshold must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Patch is a partial configuration update; nil fields keep their current value.
type Patch struct {
	SensorType          *string  `json:"sensorType,omitempty"`
	MaxRange            *float64 `json:"maxRange,omitempty"`
	MinRange            *float64 `json:"minRange,omitempty"`
	OccupiedThreshold   *float64 `json:"occupiedThreshold,omitempty"`
	VacantThreshold     *float64 `json:"vacantThreshold,omitempty"`
	Hysteresis          *float64 `json:"hysteresis,omitempty"`
	SmoothingWindow     *int     `json:"smoothingWindow,omitempty"`
	ValidationThreshold *int     `json:"validationThreshold,omitempty"`
	CalibrationOffset   *float64 `json:"calibrationOffset,omitempty"`
	ErrorThreshold      *int     `json:"errorThreshold,omitempty"`
}

// Apply returns c with the patch merged in. c itself is not modified.
func (p Patch) Apply(c Config) Config {
	if p.SensorType != nil {
		c.SensorType = *p.SensorType
	}
	if p.MaxRange != nil {
		c.MaxRange = *p.MaxRange
	}
	if p.MinRange != nil {
		c.MinRange = *p.MinRange
	}
	if p.OccupiedThreshold != nil {
		c.OccupiedThreshold = *p.OccupiedThreshold
	}
	if p.VacantThreshold != nil {
		c.VacantThreshold = *p.VacantThreshold
	}
	if p.Hysteresis != nil {
		c.Hysteresis = *p.Hysteresis
	}
	if p.SmoothingWindow != nil {
		c.SmoothingWindow = *p.SmoothingWindow
	}
	if p.ValidationThreshold != nil {
		c.ValidationThreshold = *p.ValidationThreshold
	}
	if p.CalibrationOffset != nil {
		c.CalibrationOffset = *p.CalibrationOffset
	}
	if p.ErrorThreshold != nil {
		c.ErrorThreshold = *p.ErrorThreshold
	}
	return c
}

// mergeStored overlays persisted JSON onto base. Fields absent from stored keep base values.
func mergeStored(base Config, stored json.RawMessage) (Config, error) {
	if len(stored) == 0 || string(stored) == "null" {
		return base, nil
	}
	merged := base
	if err := json.Unmarshal(stored, &merged); err != nil {
		return base, fmt.Errorf("decode stored sensor config: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return base, err
	}
	return merged, nil
}
