package uplink

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidEnvelope marks uplinks that cannot be processed and must be dropped.
var ErrInvalidEnvelope = errors.New("uplink: invalid envelope")

// Firmware-reported occupancy states.
const (
	StateFree     = "FREE"
	StateOccupied = "OCCUPIED"
)

// DeviceInfo identifies the transmitting device.
type DeviceInfo struct {
	DevEUI          string            `json:"devEui"`
	DeviceName      string            `json:"deviceName,omitempty"`
	ApplicationID   string            `json:"applicationId,omitempty"`
	ApplicationName string            `json:"applicationName,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// TagFloat parses a numeric device-profile tag.
func (d DeviceInfo) TagFloat(key string) (float64, bool) {
	raw, ok := d.Tags[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Payload is the codec-decoded application object.
type Payload struct {
	DistanceCM  *float64 `json:"distance_cm,omitempty"`
	State       string   `json:"state,omitempty"`
	Battery     *float64 `json:"battery,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// NormalizedState returns FREE, OCCUPIED or empty.
func (p *Payload) NormalizedState() string {
	if p == nil {
		return ""
	}
	switch s := strings.ToUpper(strings.TrimSpace(p.State)); s {
	case StateFree, StateOccupied:
		return s
	}
	return ""
}

// RxInfo is one gateway reception record.
type RxInfo struct {
	GatewayID string  `json:"gatewayId"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"snr"`
}

// LoRa holds LoRa modulation parameters.
type LoRa struct {
	Bandwidth       int    `json:"bandwidth,omitempty"`
	SpreadingFactor int    `json:"spreadingFactor"`
	CodeRate        string `json:"codeRate,omitempty"`
}

// Modulation wraps modulation-specific parameters.
type Modulation struct {
	LoRa LoRa `json:"lora"`
}

// TxInfo is the transmission metadata.
type TxInfo struct {
	Frequency  float64    `json:"frequency"`
	Modulation Modulation `json:"modulation"`
}

// Envelope is a ChirpStack uplink event.
type Envelope struct {
	DeduplicationID string     `json:"deduplicationId,omitempty"`
	Time            string     `json:"time,omitempty"`
	DeviceInfo      DeviceInfo `json:"deviceInfo"`
	FCnt            uint32     `json:"fCnt"`
	FPort           int        `json:"fPort,omitempty"`
	Object          *Payload   `json:"object"`
	RxInfo          []RxInfo   `json:"rxInfo,omitempty"`
	TxInfo          TxInfo     `json:"txInfo"`
}

// Decode parses a UTF-8 JSON uplink. Envelopes without a device identity or payload object
// are rejected with ErrInvalidEnvelope.
func Decode(data []byte) (*Envelope, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidEnvelope)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.DeviceInfo.DevEUI = strings.TrimSpace(env.DeviceInfo.DevEUI)
	if env.DeviceInfo.DevEUI == "" {
		return nil, fmt.Errorf("%w: missing deviceInfo.devEui", ErrInvalidEnvelope)
	}
	if env.Object == nil {
		return nil, fmt.Errorf("%w: missing object", ErrInvalidEnvelope)
	}
	return &env, nil
}

// SentAt returns the envelope timestamp, or the zero time when absent or unparsable.
func (e *Envelope) SentAt() time.Time {
	if e.Time == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, e.Time)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// PrimaryRx returns the strongest reception record.
func (e *Envelope) PrimaryRx() (RxInfo, bool) {
	if len(e.RxInfo) == 0 {
		return RxInfo{}, false
	}
	best := e.RxInfo[0]
	for _, rx := range e.RxInfo[1:] {
		if rx.RSSI > best.RSSI {
			best = rx
		}
	}
	return best, true
}

// Topic returns the uplink event topic for a device.
func Topic(applicationID, devEUI string) string {
	return fmt.Sprintf("application/%s/device/%s/event/up", applicationID, devEUI)
}
