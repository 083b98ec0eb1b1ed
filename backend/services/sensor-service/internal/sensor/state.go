package sensor

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Status is a confirmed occupancy determination. The empty value means no confirmed change.
type Status string

const (
	StatusOccupied Status = "occupied"
	StatusVacant   Status = "vacant"
)

// MarshalJSON encodes the empty status as null.
func (s Status) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// Reading is one validated, calibrated distance observation held in the rolling buffer.
type Reading struct {
	Distance     float64   `json:"distance"`
	Timestamp    time.Time `json:"timestamp"`
	RSSI         *float64  `json:"rssi,omitempty"`
	BatteryLevel *float64  `json:"batteryLevel,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
}

// Tracker counts consecutive raw determinations agreeing on a candidate status.
type Tracker struct {
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

// DeviceState is everything the engine remembers about one device.
type DeviceState struct {
	Config       Config
	ConfigSeeded bool // stored or managed config has been applied
	Buffer       []Reading
	Tracker      *Tracker
	LastStatus   Status

	TotalReadings     int
	Rejected          map[ErrorType]int
	ConsecutiveErrors int
	LastReadingAt     time.Time
}

func newDeviceState(cfg Config) *DeviceState {
	return &DeviceState{Config: cfg, Rejected: make(map[ErrorType]int)}
}

// StateStore keeps per-device state keyed by external device identifier.
// Correctness of hysteresis depends on a single writer per device; the Engine serializes
// access, so implementations only need to be safe for that usage.
type StateStore interface {
	Get(deviceID string) (*DeviceState, bool)
	Put(deviceID string, state *DeviceState)
	Delete(deviceID string)
	Clear()
	Keys() []string
}

// MemoryStore is the in-process StateStore.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*DeviceState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*DeviceState)}
}

// Get returns state for device.
func (s *MemoryStore) Get(deviceID string) (*DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[deviceID]
	return st, ok
}

// Put stores state for device.
func (s *MemoryStore) Put(deviceID string, state *DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[deviceID] = state
}

// Delete removes device state.
func (s *MemoryStore) Delete(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, deviceID)
}

// Clear drops every device.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*DeviceState)
}

// Keys returns known device ids in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
