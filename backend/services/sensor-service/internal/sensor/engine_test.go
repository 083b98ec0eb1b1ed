package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConfigStore struct {
	mu      sync.Mutex
	stored  map[string]json.RawMessage
	saved   map[string]Config
	saveErr error
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{stored: map[string]json.RawMessage{}, saved: map[string]Config{}}
}

func (f *fakeConfigStore) LoadSensorConfig(_ context.Context, deviceID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[deviceID], nil
}

func (f *fakeConfigStore) SaveSensorConfig(_ context.Context, deviceID string, cfg Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[deviceID] = cfg
	return nil
}

func newTestEngine(configs ConfigStore) *Engine {
	e := NewEngine(NewMemoryStore(), configs, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	e.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return e
}

func feed(e *Engine, deviceID string, values ...float64) []Result {
	out := make([]Result, 0, len(values))
	for _, v := range values {
		out = append(out, e.ProcessSensorData(Input{DeviceID: deviceID, RawDistance: v}))
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 81.0, Median([]float64{80, 82, 81, 200, 79}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 0.0, Median(nil))

	in := []float64{3, 1, 2}
	Median(in)
	assert.Equal(t, []float64{3, 1, 2}, in, "median must not reorder its input")
}

func TestMedianSmoothingIgnoresOutlier(t *testing.T) {
	e := newTestEngine(nil)
	results := feed(e, "dev-1", 80, 82, 81, 200, 79)

	last := results[len(results)-1]
	require.True(t, last.Validation.Valid)
	assert.Equal(t, 81.0, last.SmoothedDistance)

	stats, ok := e.SensorStats("dev-1")
	require.True(t, ok)
	assert.Equal(t, 5, stats.BufferSize)
}

func TestBufferTrimsToSmoothingWindow(t *testing.T) {
	e := newTestEngine(nil)
	feed(e, "dev-1", 10, 20, 30, 40, 50, 60, 70)

	stats, ok := e.SensorStats("dev-1")
	require.True(t, ok)
	require.Len(t, stats.Readings, 5)
	assert.Equal(t, 30.0, stats.Readings[0].Distance)
	assert.Equal(t, 70.0, stats.Readings[4].Distance)
	assert.Equal(t, 50.0, *stats.MedianDistance)
	assert.Equal(t, 50.0, *stats.AverageDistance)
}

func TestHysteresisKeepsOccupiedInDeadZone(t *testing.T) {
	e := newTestEngine(nil)

	results := feed(e, "dev-1", 45, 45)
	require.Equal(t, StatusOccupied, results[1].Status)

	for i, r := range feed(e, "dev-1", repeat(100, 20)...) {
		assert.NotEqual(t, StatusVacant, r.Status, "reading %d flipped to vacant", i)
		assert.NotEqual(t, StatusVacant, r.Candidate, "reading %d produced a vacant candidate", i)
	}
	for i, r := range feed(e, "dev-1", repeat(130, 10)...) {
		assert.NotEqual(t, StatusVacant, r.Candidate, "130cm is inside the hysteresis margin (reading %d)", i)
	}

	stats, _ := e.SensorStats("dev-1")
	assert.Equal(t, StatusOccupied, stats.LastStatus)

	var confirmed bool
	for _, r := range feed(e, "dev-1", repeat(140, 5)...) {
		if r.Status == StatusVacant {
			confirmed = true
		}
	}
	assert.True(t, confirmed, "sustained readings beyond vacant threshold plus hysteresis must confirm vacant")

	stats, _ = e.SensorStats("dev-1")
	assert.Equal(t, StatusVacant, stats.LastStatus)
}

func TestVacantRequiresMarginBelowOccupiedThreshold(t *testing.T) {
	e := newTestEngine(nil)
	window := 1
	_, err := e.UpdateSensorConfig(context.Background(), "dev-1", Patch{SmoothingWindow: &window})
	require.NoError(t, err)
	feed(e, "dev-1", 150, 150)

	stats, _ := e.SensorStats("dev-1")
	require.Equal(t, StatusVacant, stats.LastStatus)

	// 75 is below occupiedThreshold but not below occupiedThreshold - hysteresis.
	for _, r := range feed(e, "dev-1", repeat(75, 10)...) {
		assert.Empty(t, r.Candidate)
		assert.Empty(t, r.Status)
	}
	stats, _ = e.SensorStats("dev-1")
	assert.Equal(t, StatusVacant, stats.LastStatus)
}

func TestConsecutiveConfirmation(t *testing.T) {
	e := newTestEngine(nil)
	window := 1
	_, err := e.UpdateSensorConfig(context.Background(), "dev-1", Patch{SmoothingWindow: &window})
	require.NoError(t, err)

	results := feed(e, "dev-1", 150, 150)
	assert.Empty(t, results[0].Status)
	assert.Equal(t, StatusVacant, results[1].Status)

	single := feed(e, "dev-1", 30)[0]
	assert.Equal(t, StatusOccupied, single.Candidate)
	assert.Empty(t, single.Status, "one anomalous reading must not confirm a change")

	stats, _ := e.SensorStats("dev-1")
	assert.Equal(t, StatusVacant, stats.LastStatus)
	require.NotNil(t, stats.Tracker)
	assert.Equal(t, Tracker{Status: StatusOccupied, Count: 1}, *stats.Tracker)

	// A candidate matching the confirmed status is no change and resets the tracker.
	feed(e, "dev-1", 150)
	stats, _ = e.SensorStats("dev-1")
	assert.Nil(t, stats.Tracker)

	results = feed(e, "dev-1", 30, 30)
	assert.Empty(t, results[0].Status)
	assert.Equal(t, StatusOccupied, results[1].Status)

	stats, _ = e.SensorStats("dev-1")
	assert.Equal(t, StatusOccupied, stats.LastStatus)
	assert.Nil(t, stats.Tracker, "tracker is cleared once a change is confirmed")
}

func TestSteadyReadingsConfirmOnce(t *testing.T) {
	e := newTestEngine(nil)

	results := feed(e, "dev-1", repeat(40, 12)...)
	assert.Empty(t, results[0].Status)
	assert.Empty(t, results[0].LastStatus)
	assert.Equal(t, StatusOccupied, results[0].Candidate)
	assert.Equal(t, StatusOccupied, results[1].Status)
	for i, r := range results[2:] {
		assert.Empty(t, r.Status, "reading %d re-confirmed an unchanged status", i+2)
		assert.Equal(t, StatusOccupied, r.LastStatus)
	}

	stats, _ := e.SensorStats("dev-1")
	assert.Nil(t, stats.Tracker)
}

func TestHysteresisStableOnSteadyDeadZone(t *testing.T) {
	e := newTestEngine(nil)
	feed(e, "dev-1", 45, 45)

	for i, r := range feed(e, "dev-1", repeat(100, 30)...) {
		assert.NotEqual(t, StatusVacant, r.Candidate, "reading %d", i)
		assert.Empty(t, r.Status, "reading %d", i)
		assert.Equal(t, StatusOccupied, r.LastStatus, "reading %d", i)
	}
}

func TestOutOfRangeReadingsDoNotTouchBuffer(t *testing.T) {
	e := newTestEngine(nil)
	cfg := DefaultConfig()

	feed(e, "dev-1", 100)

	for _, raw := range []float64{cfg.MinRange - 1, cfg.MaxRange + 1} {
		r := e.ProcessSensorData(Input{DeviceID: "dev-1", RawDistance: raw})
		assert.False(t, r.Validation.Valid)
		assert.Equal(t, ErrorOutOfRange, r.Validation.ErrorType)
		assert.Empty(t, r.Status)
		assert.Zero(t, r.Confidence)
	}

	next := feed(e, "dev-1", 102)[0]
	assert.Equal(t, 101.0, next.SmoothedDistance)

	stats, _ := e.SensorStats("dev-1")
	assert.Equal(t, 2, stats.BufferSize)
	assert.Equal(t, 2, stats.Rejected[ErrorOutOfRange])
	assert.Equal(t, 4, stats.TotalReadings)
}

func TestSensorFaultReadings(t *testing.T) {
	e := newTestEngine(nil)

	r := e.ProcessSensorData(Input{DeviceID: "dev-1", RawDistance: 0})
	assert.Equal(t, ErrorSensorFault, r.Validation.ErrorType)
	assert.Empty(t, r.Status)

	r = e.ProcessSensorData(Input{DeviceID: "dev-1", RawDistance: math.NaN()})
	assert.Equal(t, ErrorSensorFault, r.Validation.ErrorType)

	stats, _ := e.SensorStats("dev-1")
	assert.Zero(t, stats.BufferSize)
	assert.Equal(t, 2, stats.Rejected[ErrorSensorFault])
}

func TestErrorThresholdMarksDeviceFaulty(t *testing.T) {
	e := newTestEngine(nil)
	feed(e, "dev-1", repeat(0, DefaultConfig().ErrorThreshold)...)

	stats, _ := e.SensorStats("dev-1")
	assert.True(t, stats.Faulty)

	feed(e, "dev-1", 100)
	stats, _ = e.SensorStats("dev-1")
	assert.False(t, stats.Faulty)
	assert.Zero(t, stats.ConsecutiveErrors)
}

func TestConfidenceOnConfirmedStatus(t *testing.T) {
	e := newTestEngine(nil)
	results := feed(e, "dev-1", 40, 40)

	assert.Zero(t, results[0].Confidence)
	assert.Equal(t, StatusOccupied, results[1].Status)
	assert.InDelta(t, 50.0, results[1].Confidence, 1e-9)

	e2 := newTestEngine(nil)
	results = feed(e2, "dev-2", 400, 400)
	assert.Equal(t, StatusVacant, results[1].Status)
	assert.Equal(t, 100.0, results[1].Confidence, "confidence is clamped")
}

func TestCalibrationOffsetApplied(t *testing.T) {
	e := newTestEngine(nil)
	offset := -20.0
	_, err := e.UpdateSensorConfig(context.Background(), "dev-1", Patch{CalibrationOffset: &offset})
	require.NoError(t, err)

	r := feed(e, "dev-1", 150)[0]
	assert.Equal(t, 150.0, r.RawDistance)
	assert.Equal(t, 130.0, r.Distance)
	assert.Equal(t, 130.0, r.SmoothedDistance)
}

func TestCalibrateSensorIsDeterministic(t *testing.T) {
	store := newFakeConfigStore()
	e := newTestEngine(store)
	readings := []float64{149, 150, 151, 150, 150, 149.5, 150.5, 150, 150, 150}

	first, err := e.CalibrateSensor(context.Background(), "dev-1", readings)
	require.NoError(t, err)
	cfg := DefaultConfig()
	assert.InDelta(t, cfg.VacantThreshold+cfg.Hysteresis-150, first.CalibrationOffset, 1e-9)
	assert.Equal(t, 10, first.Samples)

	reversed := make([]float64, len(readings))
	for i, v := range readings {
		reversed[len(readings)-1-i] = v
	}
	second, err := e.CalibrateSensor(context.Background(), "dev-1", reversed)
	require.NoError(t, err)
	assert.Equal(t, first.CalibrationOffset, second.CalibrationOffset)

	assert.Equal(t, second.CalibrationOffset, store.saved["dev-1"].CalibrationOffset)
	stats, _ := e.SensorStats("dev-1")
	assert.Equal(t, second.CalibrationOffset, stats.Config.CalibrationOffset)
}

func TestCalibrateSensorNeedsFiveSamples(t *testing.T) {
	e := newTestEngine(nil)
	_, err := e.CalibrateSensor(context.Background(), "dev-1", []float64{150, 150, 150, 150})
	assert.ErrorIs(t, err, ErrInsufficientSamples)

	_, err = e.CalibrateSensor(context.Background(), "dev-1", []float64{150, 150, 150, 150, 0})
	assert.ErrorIs(t, err, ErrInsufficientSamples, "zero readings are not usable samples")
}

func TestUpdateSensorConfigRejectsInvariantViolations(t *testing.T) {
	store := newFakeConfigStore()
	e := newTestEngine(store)
	feed(e, "dev-1", 100)

	bad := 130.0
	_, err := e.UpdateSensorConfig(context.Background(), "dev-1", Patch{OccupiedThreshold: &bad})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	minRange := 500.0
	_, err = e.UpdateSensorConfig(context.Background(), "dev-1", Patch{MinRange: &minRange})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	stats, ok := e.SensorStats("dev-1")
	require.True(t, ok)
	assert.Equal(t, DefaultConfig(), stats.Config)
	assert.Empty(t, store.saved)
}

func TestUpdateSensorConfigPersistFailureLeavesConfig(t *testing.T) {
	store := newFakeConfigStore()
	store.saveErr = errors.New("db down")
	e := newTestEngine(store)

	h := 20.0
	_, err := e.UpdateSensorConfig(context.Background(), "dev-1", Patch{Hysteresis: &h})
	require.Error(t, err)

	stats, ok := e.SensorStats("dev-1")
	require.True(t, ok)
	assert.Equal(t, 10.0, stats.Config.Hysteresis)
}

func TestUpdateSensorConfigSeedsFromStore(t *testing.T) {
	store := newFakeConfigStore()
	store.stored["dev-1"] = json.RawMessage(`{"hysteresis":5,"sensorType":"radar"}`)
	e := newTestEngine(store)

	vacant := 150.0
	cfg, err := e.UpdateSensorConfig(context.Background(), "dev-1", Patch{VacantThreshold: &vacant})
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.Hysteresis)
	assert.Equal(t, "radar", cfg.SensorType)
	assert.Equal(t, 150.0, cfg.VacantThreshold)
	assert.Equal(t, cfg, store.saved["dev-1"])
}

func TestStoredConfigSeedsNewDevice(t *testing.T) {
	e := newTestEngine(nil)

	r := e.ProcessSensorData(Input{
		DeviceID:     "dev-1",
		RawDistance:  100,
		StoredConfig: json.RawMessage(`{"occupiedThreshold":50,"vacantThreshold":90}`),
	})
	assert.Equal(t, 50.0, r.Config.OccupiedThreshold)
	assert.Equal(t, 90.0, r.Config.VacantThreshold)
	assert.Equal(t, 400.0, r.Config.MaxRange)

	r = e.ProcessSensorData(Input{
		DeviceID:     "dev-2",
		RawDistance:  100,
		StoredConfig: json.RawMessage(`{"occupiedThreshold":200}`),
	})
	assert.Equal(t, DefaultConfig(), r.Config, "invalid stored config falls back to defaults")
}

func TestStoredConfigAppliesAfterDefaultsInUse(t *testing.T) {
	e := newTestEngine(nil)
	feed(e, "dev-1", 100)

	r := e.ProcessSensorData(Input{
		DeviceID:     "dev-1",
		RawDistance:  500,
		StoredConfig: json.RawMessage(`{"maxRange":600}`),
	})
	assert.Equal(t, 600.0, r.Config.MaxRange)
	assert.True(t, r.Validation.Valid)

	stats, _ := e.SensorStats("dev-1")
	assert.Equal(t, 2, stats.BufferSize, "state survives config seeding")

	r = e.ProcessSensorData(Input{
		DeviceID:     "dev-1",
		RawDistance:  100,
		StoredConfig: json.RawMessage(`{"maxRange":300}`),
	})
	assert.Equal(t, 600.0, r.Config.MaxRange, "seeded config is not replaced by later metadata")
}

func TestProcessReadingLoadsStoredConfig(t *testing.T) {
	store := newFakeConfigStore()
	store.stored["dev-1"] = json.RawMessage(`{"maxRange":600}`)
	e := newTestEngine(store)

	r := e.ProcessReading(context.Background(), Input{DeviceID: "dev-1", RawDistance: 500})
	assert.True(t, r.Validation.Valid)
	assert.Equal(t, 600.0, r.Config.MaxRange)

	r = e.ProcessReading(context.Background(), Input{DeviceID: "dev-2", RawDistance: 500})
	assert.Equal(t, ErrorOutOfRange, r.Validation.ErrorType, "devices without stored config run on defaults")

	store.stored["dev-2"] = json.RawMessage(`{"maxRange":600}`)
	r = e.ProcessReading(context.Background(), Input{DeviceID: "dev-2", RawDistance: 500})
	assert.True(t, r.Validation.Valid, "config stored later is still picked up")
}

func TestClearSensorData(t *testing.T) {
	e := newTestEngine(nil)
	feed(e, "dev-1", 100)
	feed(e, "dev-2", 100)
	assert.Equal(t, []string{"dev-1", "dev-2"}, e.Devices())

	e.ClearSensorData("dev-1")
	_, ok := e.SensorStats("dev-1")
	assert.False(t, ok)
	_, ok = e.SensorStats("dev-2")
	assert.True(t, ok)

	e.ClearSensorData("")
	assert.Empty(t, e.Devices())
}

func TestStatusMarshalsEmptyAsNull(t *testing.T) {
	data, err := json.Marshal(Result{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":null`)

	data, err = json.Marshal(Result{DeviceID: "dev-1", Status: StatusOccupied})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"occupied"`)
}

func TestConcurrentDevicesAreIsolated(t *testing.T) {
	e := newTestEngine(nil)
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.ProcessSensorData(Input{DeviceID: id, RawDistance: 40, Timestamp: time.Now()})
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		stats, ok := e.SensorStats(id)
		require.True(t, ok)
		assert.Equal(t, 50, stats.TotalReadings)
		assert.Equal(t, StatusOccupied, stats.LastStatus)
	}
}
