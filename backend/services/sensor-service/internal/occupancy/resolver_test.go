package occupancy

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"smartparking/backend/services/sensor-service/internal/models"
	"smartparking/backend/services/sensor-service/internal/sensor"
	"smartparking/backend/services/sensor-service/internal/uplink"
)

type fakeNodes struct {
	byEUI     map[string]*models.Node
	telemetry map[string]map[string]any
	updateErr error
}

func (f *fakeNodes) FindByDevEUI(_ context.Context, devEUI string) (*models.Node, error) {
	n, ok := f.byEUI[devEUI]
	if !ok {
		return nil, models.ErrNotFound
	}
	return n, nil
}

func (f *fakeNodes) FindBySlotID(_ context.Context, slotID string) (*models.Node, error) {
	for _, n := range f.byEUI {
		if n.HasSlot() && *n.SlotID == slotID {
			return n, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeNodes) UpdateTelemetry(_ context.Context, nodeID string, seenAt time.Time, metadata map[string]any) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.telemetry[nodeID] = metadata
	for _, n := range f.byEUI {
		if n.ID == nodeID {
			ts := seenAt
			n.LastSeen = &ts
		}
	}
	return nil
}

type fakeSlots struct {
	slots   map[string]*models.ParkingSlot
	updates []string
}

func (f *fakeSlots) Get(_ context.Context, id string) (*models.ParkingSlot, error) {
	s, ok := f.slots[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return s, nil
}

func (f *fakeSlots) List(_ context.Context) ([]models.ParkingSlot, error) {
	var out []models.ParkingSlot
	for _, id := range []string{"slot-1", "slot-2", "slot-3"} {
		if s, ok := f.slots[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSlots) UpdateStatus(_ context.Context, id, status string, at time.Time) error {
	s, ok := f.slots[id]
	if !ok {
		return models.ErrNotFound
	}
	s.Status = status
	ts := at
	s.StatusUpdatedAt = &ts
	f.updates = append(f.updates, status)
	return nil
}

type fakeLogs struct {
	entries   []models.ParkingStatusLog
	insertErr error
}

func (f *fakeLogs) Insert(_ context.Context, entry *models.ParkingStatusLog) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeLogs) ListBySlot(_ context.Context, slotID string, _ int) ([]models.ParkingStatusLog, error) {
	var out []models.ParkingStatusLog
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].SlotID == slotID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

type recordingNotifier struct {
	snaps []Snapshot
}

func (n *recordingNotifier) Broadcast(snap Snapshot) {
	n.snaps = append(n.snaps, snap)
}

type fixture struct {
	resolver *Resolver
	engine   *sensor.Engine
	nodes    *fakeNodes
	slots    *fakeSlots
	logs     *fakeLogs
	notifier *recordingNotifier
	observed *observer.ObservedLogs
}

const (
	testDevEUI = "a84041000181c2d1"
	testSlotID = "slot-1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	slotID := testSlotID
	nodes := &fakeNodes{
		byEUI: map[string]*models.Node{
			testDevEUI: {ID: "node-1", Name: "bay a1", DevEUI: testDevEUI, SlotID: &slotID, Metadata: map[string]any{}},
			"spare":    {ID: "node-2", Name: "spare", DevEUI: "spare", Metadata: map[string]any{}},
		},
		telemetry: map[string]map[string]any{},
	}
	slots := &fakeSlots{slots: map[string]*models.ParkingSlot{
		testSlotID: {ID: testSlotID, Name: "A1", Status: models.SlotUnknown},
		"slot-2":   {ID: "slot-2", Name: "A2", Status: models.SlotAvailable},
	}}
	logs := &fakeLogs{}
	notifier := &recordingNotifier{}
	engine := sensor.NewEngine(sensor.NewMemoryStore(), nil, logger)

	r := NewResolver(Deps{
		Nodes:    nodes,
		Slots:    slots,
		Logs:     logs,
		Engine:   engine,
		Notifier: notifier,
	}, logger)
	var n int
	r.newID = func() string {
		n++
		return "log-" + strconv.Itoa(n)
	}
	return &fixture{resolver: r, engine: engine, nodes: nodes, slots: slots, logs: logs, notifier: notifier, observed: observed}
}

func ptr(v float64) *float64 { return &v }

func envelope(devEUI string, distance *float64, state string) *uplink.Envelope {
	return &uplink.Envelope{
		DeduplicationID: "dedup-1",
		Time:            "2026-03-01T10:15:30Z",
		DeviceInfo:      uplink.DeviceInfo{DevEUI: devEUI, ApplicationID: "parking"},
		FCnt:            7,
		Object:          &uplink.Payload{DistanceCM: distance, State: state},
		RxInfo:          []uplink.RxInfo{{GatewayID: "gw-1", RSSI: -65, SNR: 9.5}},
		TxInfo: uplink.TxInfo{
			Frequency:  868100000,
			Modulation: uplink.Modulation{LoRa: uplink.LoRa{SpreadingFactor: 7}},
		},
	}
}

func TestHandleUplinkFirmwareOccupied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.resolver.HandleUplink(ctx, envelope(testDevEUI, ptr(45), "OCCUPIED")))

	require.Len(t, f.logs.entries, 1)
	entry := f.logs.entries[0]
	assert.Equal(t, testSlotID, entry.SlotID)
	assert.Equal(t, models.SlotOccupied, entry.Status)
	require.NotNil(t, entry.Distance)
	assert.Equal(t, 45.0, *entry.Distance)
	assert.Equal(t, 22.5, *entry.Percentage)
	assert.Equal(t, uplink.SignalGood, entry.SignalQuality)
	assert.Equal(t, "gw-1", entry.DetectionMetadata["gatewayId"])
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 30, 0, time.UTC), entry.RecordedAt.UTC())

	snap, ok, err := f.resolver.SlotRealtimeStatus(ctx, testSlotID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SlotOccupied, snap.Status)
	assert.Equal(t, uplink.StateOccupied, snap.SensorState)
	assert.Equal(t, "gw-1", snap.GatewayID)

	view, err := f.resolver.RealtimeView(ctx, testSlotID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotOccupied, view.Status)
	assert.Equal(t, SourceCache, view.DataSource)

	assert.Equal(t, models.SlotOccupied, f.slots.slots[testSlotID].Status)
	require.Len(t, f.notifier.snaps, 1)
	assert.Equal(t, testSlotID, f.notifier.snaps[0].SlotID)

	meta := f.nodes.telemetry["node-1"]
	assert.Equal(t, uplink.StateOccupied, meta["sensorState"])
	assert.Equal(t, 45.0, meta["lastDistance"])
	assert.Equal(t, 7, meta["spreadingFactor"])
	assert.Equal(t, true, meta["batteryEstimated"])
}

func TestHandleUplinkUnknownDevice(t *testing.T) {
	f := newFixture(t)

	err := f.resolver.HandleUplink(context.Background(), envelope("ffffffffffffffff", ptr(45), "OCCUPIED"))
	require.NoError(t, err)

	assert.Empty(t, f.logs.entries)
	assert.Empty(t, f.nodes.telemetry)
	assert.Empty(t, f.notifier.snaps)

	warnings := f.observed.FilterLevelExact(zapcore.WarnLevel).FilterMessage("uplink from unknown device dropped")
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, "ffffffffffffffff", warnings.All()[0].ContextMap()["dev_eui"])
}

func TestHandleUplinkUsesEngineHysteresis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First reading is not yet confirmed; the percentage of the smoothed distance decides.
	require.NoError(t, f.resolver.HandleUplink(ctx, envelope(testDevEUI, ptr(40), "")))
	// Second matching reading confirms occupied.
	require.NoError(t, f.resolver.HandleUplink(ctx, envelope(testDevEUI, ptr(40), "")))

	require.Len(t, f.logs.entries, 2)
	assert.Equal(t, models.SlotOccupied, f.logs.entries[0].Status)
	assert.Equal(t, models.SlotOccupied, f.logs.entries[1].Status)
	assert.Equal(t, "occupied", f.logs.entries[1].DetectionMetadata["confirmedStatus"])

	stats, ok := f.engine.SensorStats(testDevEUI)
	require.True(t, ok)
	assert.Equal(t, sensor.StatusOccupied, stats.LastStatus)
}

func TestHandleUplinkSteadyReadingsDoNotFlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, f.resolver.HandleUplink(ctx, envelope(testDevEUI, ptr(130), "")))
	}

	require.Len(t, f.logs.entries, 6)
	for i, e := range f.logs.entries {
		assert.Equal(t, models.SlotAvailable, e.Status, "entry %d", i)
	}
	snap, ok, err := f.resolver.SlotRealtimeStatus(ctx, testSlotID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SlotAvailable, snap.Status)
}

func TestHandleUplinkKeepsConfirmedStatusInDeadZone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.resolver.HandleUplink(ctx, envelope(testDevEUI, ptr(45), "")))
	}
	// 100cm sits between the thresholds; the slot stays occupied however long it lasts.
	for i := 0; i < 20; i++ {
		require.NoError(t, f.resolver.HandleUplink(ctx, envelope(testDevEUI, ptr(100), "")))
	}

	require.Len(t, f.logs.entries, 22)
	for i, e := range f.logs.entries {
		assert.Equal(t, models.SlotOccupied, e.Status, "entry %d", i)
	}
	for _, u := range f.slots.updates {
		assert.Equal(t, models.SlotOccupied, u)
	}
}

func TestHandleUplinkOutOfRangeUsesRawPercentage(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.resolver.HandleUplink(context.Background(), envelope(testDevEUI, ptr(450), "")))

	require.Len(t, f.logs.entries, 1)
	assert.Equal(t, models.SlotAvailable, f.logs.entries[0].Status)
	assert.Equal(t, []string{models.SlotAvailable}, f.slots.updates)
	assert.Equal(t, 1, f.observed.FilterMessage("sensor reading rejected").Len())
}

func TestHandleUplinkSensorFaultIsUnknown(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.resolver.HandleUplink(context.Background(), envelope(testDevEUI, ptr(0), "")))

	require.Len(t, f.logs.entries, 1)
	assert.Equal(t, models.SlotUnknown, f.logs.entries[0].Status)
	assert.Empty(t, f.slots.updates, "unknown never overwrites the slot status")

	snap, ok, _ := f.resolver.SlotRealtimeStatus(context.Background(), testSlotID)
	require.True(t, ok)
	assert.Equal(t, models.SlotUnknown, snap.Status)
	assert.Nil(t, snap.SmoothedDistance)

	warnings := f.observed.FilterMessage("sensor reading rejected")
	assert.Equal(t, 1, warnings.Len())
}

func TestHandleUplinkFirmwareStateOverridesRejectedReading(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.resolver.HandleUplink(context.Background(), envelope(testDevEUI, ptr(999), "FREE")))
	require.Len(t, f.logs.entries, 1)
	assert.Equal(t, models.SlotAvailable, f.logs.entries[0].Status)
}

func TestHandleUplinkWithoutSlot(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.resolver.HandleUplink(context.Background(), envelope("spare", ptr(150), "")))
	assert.Contains(t, f.nodes.telemetry, "node-2")
	assert.Empty(t, f.logs.entries)
	assert.Empty(t, f.notifier.snaps)
}

func TestHandleUplinkPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.logs.insertErr = errors.New("connection reset")

	err := f.resolver.HandleUplink(context.Background(), envelope(testDevEUI, ptr(45), ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, f.logs.insertErr)

	stats, ok := f.engine.SensorStats(testDevEUI)
	require.True(t, ok)
	assert.Equal(t, 1, stats.BufferSize, "sensor state is not rolled back")

	_, cached, _ := f.resolver.SlotRealtimeStatus(context.Background(), testSlotID)
	assert.False(t, cached)
	assert.Equal(t, 1, f.observed.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestHandleUplinkSeedsStoredConfig(t *testing.T) {
	f := newFixture(t)
	f.nodes.byEUI[testDevEUI].Metadata[models.SensorConfigKey] = map[string]any{"hysteresis": 2.0}

	require.NoError(t, f.resolver.HandleUplink(context.Background(), envelope(testDevEUI, ptr(100), "")))

	stats, ok := f.engine.SensorStats(testDevEUI)
	require.True(t, ok)
	assert.Equal(t, 2.0, stats.Config.Hysteresis)
}

func TestBatteryLevelPrecedence(t *testing.T) {
	env := envelope(testDevEUI, ptr(100), "")
	env.Object.Battery = ptr(90)
	env.DeviceInfo.Tags = map[string]string{"battery": "70"}

	level, estimated := BatteryLevel(env)
	require.NotNil(t, level)
	assert.Equal(t, 90.0, *level)
	assert.False(t, estimated)

	env.Object.Battery = nil
	level, estimated = BatteryLevel(env)
	assert.Equal(t, 70.0, *level)
	assert.False(t, estimated)

	env.DeviceInfo.Tags = nil
	env.RxInfo = []uplink.RxInfo{{GatewayID: "gw", RSSI: -85, SNR: 3}}
	level, estimated = BatteryLevel(env)
	assert.InDelta(t, 50.0, *level, 1e-9)
	assert.True(t, estimated)

	env.RxInfo = nil
	level, estimated = BatteryLevel(env)
	assert.Nil(t, level)
	assert.False(t, estimated)
}

func TestResolveStatus(t *testing.T) {
	valid := sensor.Validation{Valid: true}
	tests := []struct {
		name  string
		state string
		res   *sensor.Result
		want  string
	}{
		{"firmware free", uplink.StateFree, nil, models.SlotAvailable},
		{"firmware occupied beats engine", uplink.StateOccupied, &sensor.Result{Validation: valid, Status: sensor.StatusVacant}, models.SlotOccupied},
		{"no distance no state", "", nil, models.SlotUnknown},
		{"sensor fault", "", &sensor.Result{Validation: sensor.Validation{ErrorType: sensor.ErrorSensorFault}}, models.SlotUnknown},
		{"out of range far", "", &sensor.Result{RawDistance: 450, Validation: sensor.Validation{ErrorType: sensor.ErrorOutOfRange}}, models.SlotAvailable},
		{"out of range near", "", &sensor.Result{RawDistance: 3, Validation: sensor.Validation{ErrorType: sensor.ErrorOutOfRange}}, models.SlotOccupied},
		{"last confirmed in dead zone", "", &sensor.Result{Validation: valid, LastStatus: sensor.StatusOccupied, SmoothedDistance: 140}, models.SlotOccupied},
		{"last confirmed beats pending candidate", "", &sensor.Result{Validation: valid, LastStatus: sensor.StatusOccupied, Candidate: sensor.StatusVacant, SmoothedDistance: 190}, models.SlotOccupied},
		{"candidate before first confirmation", "", &sensor.Result{Validation: valid, Candidate: sensor.StatusVacant, SmoothedDistance: 130}, models.SlotAvailable},
		{"confirmed vacant", "", &sensor.Result{Validation: valid, Status: sensor.StatusVacant, SmoothedDistance: 10}, models.SlotAvailable},
		{"confirmed occupied", "", &sensor.Result{Validation: valid, Status: sensor.StatusOccupied, SmoothedDistance: 190}, models.SlotOccupied},
		{"percentage free", "", &sensor.Result{Validation: valid, SmoothedDistance: 160}, models.SlotAvailable},
		{"percentage occupied", "", &sensor.Result{Validation: valid, SmoothedDistance: 119}, models.SlotOccupied},
		{"percentage dead zone", "", &sensor.Result{Validation: valid, SmoothedDistance: 140}, models.SlotUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveStatus(tt.state, tt.res))
		})
	}
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, Percentage(-5))
	assert.Equal(t, 50.0, Percentage(100))
	assert.Equal(t, 100.0, Percentage(450))
	assert.Equal(t, models.SlotAvailable, StatusFromPercentage(80))
	assert.Equal(t, models.SlotUnknown, StatusFromPercentage(79.9))
	assert.Equal(t, models.SlotUnknown, StatusFromPercentage(60))
	assert.Equal(t, models.SlotOccupied, StatusFromPercentage(59.9))
}
