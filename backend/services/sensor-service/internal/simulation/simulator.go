package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/uplink"
)

// ErrInvalidRequest is returned for requests that cannot produce a valid envelope.
var ErrInvalidRequest = errors.New("simulation: invalid request")

// Radio parameters stamped on every simulated uplink.
const (
	DefaultApplicationID = "parking"
	SimulatedGatewayID   = "sim-gateway-0001"
	SimulatedFrequency   = 868100000
	SimulatedBandwidth   = 125000
	SimulatedSF          = 7
	SimulatedRSSI        = -65
	SimulatedSNR         = 9.5
	simulatedFPort       = 2
)

// Publisher sends a payload to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Request describes the reading a simulated device reports.
type Request struct {
	DevEUI        string   `json:"devEui"`
	ApplicationID string   `json:"applicationId,omitempty"`
	DeviceName    string   `json:"deviceName,omitempty"`
	DistanceCM    *float64 `json:"distance_cm,omitempty"`
	State         string   `json:"state,omitempty"`
	Battery       *float64 `json:"battery,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
}

// Result is what was published.
type Result struct {
	Topic    string           `json:"topic"`
	Envelope *uplink.Envelope `json:"envelope"`
}

// Simulator publishes synthetic uplinks through the broker so they travel the same
// subscription and decode path as real device traffic.
type Simulator struct {
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
	fcnt      func() uint32
}

// NewSimulator returns a simulator publishing through p.
func NewSimulator(p Publisher, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		publisher: p,
		logger:    logger,
		now:       time.Now,
		fcnt:      func() uint32 { return rand.Uint32N(65536) },
	}
}

// BuildEnvelope validates req and returns the ChirpStack-shaped envelope for it.
func (s *Simulator) BuildEnvelope(req Request) (*uplink.Envelope, error) {
	dev := strings.TrimSpace(req.DevEUI)
	if dev == "" {
		return nil, fmt.Errorf("%w: devEui is required", ErrInvalidRequest)
	}
	state := strings.ToUpper(strings.TrimSpace(req.State))
	switch state {
	case "", uplink.StateFree, uplink.StateOccupied:
	default:
		return nil, fmt.Errorf("%w: state must be FREE or OCCUPIED", ErrInvalidRequest)
	}
	if req.DistanceCM == nil && state == "" {
		return nil, fmt.Errorf("%w: distance_cm or state is required", ErrInvalidRequest)
	}

	app := strings.TrimSpace(req.ApplicationID)
	if app == "" {
		app = DefaultApplicationID
	}
	name := req.DeviceName
	if name == "" {
		name = "sim-" + dev
	}

	return &uplink.Envelope{
		DeduplicationID: uuid.NewString(),
		Time:            s.now().UTC().Format(time.RFC3339Nano),
		DeviceInfo: uplink.DeviceInfo{
			DevEUI:          dev,
			DeviceName:      name,
			ApplicationID:   app,
			ApplicationName: app,
		},
		FCnt:  s.fcnt(),
		FPort: simulatedFPort,
		Object: &uplink.Payload{
			DistanceCM:  req.DistanceCM,
			State:       state,
			Battery:     req.Battery,
			Temperature: req.Temperature,
		},
		RxInfo: []uplink.RxInfo{{
			GatewayID: SimulatedGatewayID,
			RSSI:      SimulatedRSSI,
			SNR:       SimulatedSNR,
		}},
		TxInfo: uplink.TxInfo{
			Frequency: SimulatedFrequency,
			Modulation: uplink.Modulation{LoRa: uplink.LoRa{
				Bandwidth:       SimulatedBandwidth,
				SpreadingFactor: SimulatedSF,
				CodeRate:        "CR_4_5",
			}},
		},
	}, nil
}

// Publish builds an envelope for req and publishes it on the device's uplink topic.
func (s *Simulator) Publish(ctx context.Context, req Request) (Result, error) {
	env, err := s.BuildEnvelope(req)
	if err != nil {
		return Result{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("simulation: encode envelope: %w", err)
	}

	topic := uplink.Topic(env.DeviceInfo.ApplicationID, env.DeviceInfo.DevEUI)
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		return Result{}, err
	}
	s.logger.Info("simulated uplink published",
		zap.String("topic", topic),
		zap.String("dev_eui", env.DeviceInfo.DevEUI),
		zap.Uint32("f_cnt", env.FCnt))
	return Result{Topic: topic, Envelope: env}, nil
}
