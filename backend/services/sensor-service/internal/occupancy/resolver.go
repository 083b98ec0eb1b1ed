package occupancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/metrics"
	"smartparking/backend/services/sensor-service/internal/models"
	"smartparking/backend/services/sensor-service/internal/sensor"
	"smartparking/backend/services/sensor-service/internal/uplink"
)

// NodeStore looks up and updates provisioned devices.
type NodeStore interface {
	FindByDevEUI(ctx context.Context, devEUI string) (*models.Node, error)
	FindBySlotID(ctx context.Context, slotID string) (*models.Node, error)
	UpdateTelemetry(ctx context.Context, nodeID string, seenAt time.Time, metadata map[string]any) error
}

// SlotStore reads and updates parking slots.
type SlotStore interface {
	Get(ctx context.Context, id string) (*models.ParkingSlot, error)
	List(ctx context.Context) ([]models.ParkingSlot, error)
	UpdateStatus(ctx context.Context, id, status string, at time.Time) error
}

// StatusLogStore appends and reads slot history.
type StatusLogStore interface {
	Insert(ctx context.Context, entry *models.ParkingStatusLog) error
	ListBySlot(ctx context.Context, slotID string, limit int) ([]models.ParkingStatusLog, error)
}

// Processor runs distance readings through signal processing.
type Processor interface {
	ProcessSensorData(in sensor.Input) sensor.Result
}

// Notifier receives every refreshed snapshot.
type Notifier interface {
	Broadcast(snap Snapshot)
}

// Deps collects resolver collaborators. Cache defaults to a MemoryCache; Notifier is optional.
type Deps struct {
	Nodes    NodeStore
	Slots    SlotStore
	Logs     StatusLogStore
	Engine   Processor
	Cache    SnapshotCache
	Notifier Notifier
}

// Resolver turns decoded uplinks into slot statuses, history rows and realtime snapshots.
type Resolver struct {
	nodes    NodeStore
	slots    SlotStore
	logs     StatusLogStore
	engine   Processor
	cache    SnapshotCache
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewResolver builds resolver.
func NewResolver(deps Deps, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := deps.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Resolver{
		nodes:    deps.Nodes,
		slots:    deps.Slots,
		logs:     deps.Logs,
		engine:   deps.Engine,
		cache:    cache,
		notifier: deps.Notifier,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// HandleUplink processes one decoded envelope. Unknown devices are dropped without error;
// persistence failures are returned after in-memory sensor state has already advanced.
func (r *Resolver) HandleUplink(ctx context.Context, env *uplink.Envelope) error {
	start := time.Now()
	defer func() { metrics.UplinkProcessingDuration.Observe(time.Since(start).Seconds()) }()

	devEUI := env.DeviceInfo.DevEUI
	node, err := r.nodes.FindByDevEUI(ctx, devEUI)
	if errors.Is(err, models.ErrNotFound) {
		metrics.RecordDrop("unknown_device")
		r.logger.Warn("uplink from unknown device dropped",
			zap.String("dev_eui", devEUI),
			zap.String("device_name", env.DeviceInfo.DeviceName))
		return nil
	}
	if err != nil {
		metrics.RecordPersistenceError("find_node")
		r.logger.Error("device lookup failed", zap.String("dev_eui", devEUI), zap.Error(err))
		return fmt.Errorf("find node %s: %w", devEUI, err)
	}

	processedAt := r.now()
	recordedAt := env.SentAt()
	if recordedAt.IsZero() {
		recordedAt = processedAt
	}

	rx, hasRx := env.PrimaryRx()
	battery, estimated := BatteryLevel(env)
	firmwareState := env.Object.NormalizedState()

	var (
		result     *sensor.Result
		percentage *float64
	)
	if d := env.Object.DistanceCM; d != nil {
		in := sensor.Input{
			DeviceID:     devEUI,
			RawDistance:  *d,
			Timestamp:    recordedAt,
			StoredConfig: node.StoredSensorConfig(),
			Metadata: sensor.Metadata{
				BatteryLevel: battery,
				Temperature:  env.Object.Temperature,
			},
		}
		if hasRx {
			rssi := rx.RSSI
			in.Metadata.RSSI = &rssi
		}
		res := r.engine.ProcessSensorData(in)
		result = &res
		metrics.RecordReading(string(res.Validation.ErrorType), string(res.Status))
		if !res.Validation.Valid {
			r.logger.Warn("sensor reading rejected",
				zap.String("dev_eui", devEUI),
				zap.Float64("distance", *d),
				zap.String("error_type", string(res.Validation.ErrorType)),
				zap.String("reason", res.Validation.Message))
		}
		p := Percentage(*d)
		percentage = &p
	}

	status := ResolveStatus(firmwareState, result)

	signal := ""
	if hasRx {
		signal = uplink.SignalQuality(rx.RSSI, rx.SNR)
	}

	meta := nodeMetadata(env, rx, hasRx, status, percentage, battery, estimated, signal, processedAt)
	if err := r.nodes.UpdateTelemetry(ctx, node.ID, processedAt, meta); err != nil {
		metrics.RecordPersistenceError("update_node")
		r.logger.Error("failed to update node telemetry",
			zap.String("dev_eui", devEUI), zap.String("node_id", node.ID), zap.Error(err))
		return fmt.Errorf("update node %s: %w", node.ID, err)
	}

	if !node.HasSlot() {
		r.logger.Debug("device has no linked slot", zap.String("dev_eui", devEUI))
		return nil
	}
	slotID := *node.SlotID

	entry := &models.ParkingStatusLog{
		ID:                r.newID(),
		SlotID:            slotID,
		Status:            status,
		Distance:          env.Object.DistanceCM,
		Percentage:        percentage,
		BatteryLevel:      battery,
		SignalQuality:     signal,
		DetectionMetadata: detectionMetadata(env, rx, hasRx, result, estimated),
		RecordedAt:        recordedAt,
	}
	if err := r.logs.Insert(ctx, entry); err != nil {
		metrics.RecordPersistenceError("insert_status_log")
		r.logger.Error("failed to append status log",
			zap.String("slot_id", slotID), zap.String("dev_eui", devEUI), zap.String("status", status), zap.Error(err))
		return fmt.Errorf("insert status log for slot %s: %w", slotID, err)
	}

	if status != models.SlotUnknown {
		if err := r.slots.UpdateStatus(ctx, slotID, status, processedAt); err != nil {
			metrics.RecordPersistenceError("update_slot")
			r.logger.Error("failed to update slot status",
				zap.String("slot_id", slotID), zap.String("status", status), zap.Error(err))
			return fmt.Errorf("update slot %s: %w", slotID, err)
		}
		metrics.SlotStatusUpdates.WithLabelValues(status).Inc()
	}

	snap := Snapshot{
		SlotID:           slotID,
		NodeID:           node.ID,
		DeviceID:         devEUI,
		Status:           status,
		SensorState:      firmwareState,
		Distance:         env.Object.DistanceCM,
		Percentage:       percentage,
		BatteryLevel:     battery,
		BatteryEstimated: estimated,
		SignalQuality:    signal,
		FrameCounter:     env.FCnt,
		ProcessedAt:      processedAt,
	}
	if result != nil && result.Validation.Valid {
		smoothed := result.SmoothedDistance
		snap.SmoothedDistance = &smoothed
	}
	if hasRx {
		rssi, snr := rx.RSSI, rx.SNR
		snap.GatewayID = rx.GatewayID
		snap.RSSI = &rssi
		snap.SNR = &snr
	}
	if ts := env.SentAt(); !ts.IsZero() {
		snap.SourceTime = &ts
	}

	if err := r.cache.Put(ctx, snap); err != nil {
		r.logger.Warn("failed to refresh realtime snapshot", zap.String("slot_id", slotID), zap.Error(err))
	}
	if r.notifier != nil {
		r.notifier.Broadcast(snap)
	}

	r.logger.Info("slot status processed",
		zap.String("slot_id", slotID),
		zap.String("dev_eui", devEUI),
		zap.String("status", status),
		zap.String("sensor_state", firmwareState),
		zap.String("signal_quality", signal))
	return nil
}

func nodeMetadata(env *uplink.Envelope, rx uplink.RxInfo, hasRx bool, status string, percentage, battery *float64, estimated bool, signal string, processedAt time.Time) map[string]any {
	meta := map[string]any{
		"lastStatus":       status,
		"frameCounter":     env.FCnt,
		"lastProcessedAt":  processedAt.UTC().Format(time.RFC3339Nano),
		"batteryEstimated": estimated,
	}
	if env.Object.DistanceCM != nil {
		meta["lastDistance"] = *env.Object.DistanceCM
	}
	if percentage != nil {
		meta["lastPercentage"] = *percentage
	}
	if s := env.Object.NormalizedState(); s != "" {
		meta["sensorState"] = s
	}
	if battery != nil {
		meta["batteryLevel"] = *battery
	}
	if env.Object.Temperature != nil {
		meta["temperature"] = *env.Object.Temperature
	}
	if hasRx {
		meta["gatewayId"] = rx.GatewayID
		meta["rssi"] = rx.RSSI
		meta["snr"] = rx.SNR
		meta["signalQuality"] = signal
	}
	if env.TxInfo.Frequency > 0 {
		meta["frequency"] = env.TxInfo.Frequency
	}
	if sf := env.TxInfo.Modulation.LoRa.SpreadingFactor; sf > 0 {
		meta["spreadingFactor"] = sf
	}
	if env.Time != "" {
		meta["sourceTime"] = env.Time
	}
	return meta
}

func detectionMetadata(env *uplink.Envelope, rx uplink.RxInfo, hasRx bool, result *sensor.Result, estimated bool) map[string]any {
	meta := map[string]any{
		"devEui":           env.DeviceInfo.DevEUI,
		"frameCounter":     env.FCnt,
		"batteryEstimated": estimated,
	}
	if env.DeduplicationID != "" {
		meta["deduplicationId"] = env.DeduplicationID
	}
	if hasRx {
		meta["gatewayId"] = rx.GatewayID
		meta["rssi"] = rx.RSSI
		meta["snr"] = rx.SNR
	}
	if env.TxInfo.Frequency > 0 {
		meta["frequency"] = env.TxInfo.Frequency
		meta["spreadingFactor"] = env.TxInfo.Modulation.LoRa.SpreadingFactor
	}
	if result != nil {
		meta["validation"] = result.Validation
		if result.Validation.Valid {
			meta["smoothedDistance"] = result.SmoothedDistance
			meta["calibratedDistance"] = result.Distance
		}
		if result.Confirmed() {
			meta["confirmedStatus"] = string(result.Status)
			meta["confidence"] = result.Confidence
		}
	}
	return meta
}
