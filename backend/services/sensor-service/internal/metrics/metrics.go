package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	UplinksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensor_uplinks_received_total",
			Help: "Total number of uplink messages received from the broker",
		},
	)

	UplinksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_uplinks_dropped_total",
			Help: "Total number of uplinks dropped before processing",
		},
		[]string{"reason"}, // "invalid_envelope", "unknown_device"
	)

	UplinkProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensor_uplink_processing_duration_seconds",
			Help:    "Time spent resolving and persisting one uplink",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Signal processing
	ReadingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_readings_processed_total",
			Help: "Distance readings handled by the calibration engine",
		},
		[]string{"result"}, // "accepted", "OUT_OF_RANGE", "SENSOR_FAULT"
	)

	StatusConfirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_status_confirmations_total",
			Help: "Occupancy statuses confirmed by consecutive readings",
		},
		[]string{"status"},
	)

	// Occupancy
	SlotStatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parking_slot_status_updates_total",
			Help: "Slot status writes by resolved status",
		},
		[]string{"status"},
	)

	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_persistence_errors_total",
			Help: "Failed persistence operations in the ingestion path",
		},
		[]string{"operation"},
	)

	StaleSnapshots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parking_realtime_stale_snapshots",
			Help: "Realtime snapshots older than the staleness threshold at the last sweep",
		},
	)

	// Transport
	MQTTConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensor_mqtt_connected",
			Help: "1 when the uplink listener is connected to the broker",
		},
	)

	MQTTReconnectAttempts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensor_mqtt_reconnect_attempts",
			Help: "Reconnect attempts since the last successful connection",
		},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parking_realtime_ws_clients",
			Help: "Connected realtime websocket subscribers",
		},
	)

	// Jobs
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_job_runs_total",
			Help: "Maintenance job executions",
		},
		[]string{"job", "result"},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensor_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordReading records one engine outcome.
func RecordReading(errorType string, confirmed string) {
	if errorType != "" {
		ReadingsProcessed.WithLabelValues(errorType).Inc()
		return
	}
	ReadingsProcessed.WithLabelValues("accepted").Inc()
	if confirmed != "" {
		StatusConfirmations.WithLabelValues(confirmed).Inc()
	}
}

// RecordDrop records an uplink discarded before processing.
func RecordDrop(reason string) {
	UplinksDropped.WithLabelValues(reason).Inc()
}

// RecordPersistenceError records a failed write.
func RecordPersistenceError(operation string) {
	PersistenceErrors.WithLabelValues(operation).Inc()
}

// RecordJobRun records a job execution.
func RecordJobRun(job string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	JobRuns.WithLabelValues(job, result).Inc()
}

// SetMQTTState mirrors listener connectivity.
func SetMQTTState(connected bool, attempts int) {
	if connected {
		MQTTConnected.Set(1)
	} else {
		MQTTConnected.Set(0)
	}
	MQTTReconnectAttempts.Set(float64(attempts))
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
