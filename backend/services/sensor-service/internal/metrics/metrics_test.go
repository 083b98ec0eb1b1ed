package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordReading(t *testing.T) {
	accepted := testutil.ToFloat64(ReadingsProcessed.WithLabelValues("accepted"))
	faults := testutil.ToFloat64(ReadingsProcessed.WithLabelValues("SENSOR_FAULT"))
	occupied := testutil.ToFloat64(StatusConfirmations.WithLabelValues("occupied"))

	RecordReading("", "")
	RecordReading("", "occupied")
	RecordReading("SENSOR_FAULT", "")

	assert.Equal(t, accepted+2, testutil.ToFloat64(ReadingsProcessed.WithLabelValues("accepted")))
	assert.Equal(t, faults+1, testutil.ToFloat64(ReadingsProcessed.WithLabelValues("SENSOR_FAULT")))
	assert.Equal(t, occupied+1, testutil.ToFloat64(StatusConfirmations.WithLabelValues("occupied")))
}

func TestRecordJobRun(t *testing.T) {
	ok := testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "success"))
	failed := testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "error"))

	RecordJobRun("test-job", nil)
	RecordJobRun("test-job", errors.New("boom"))

	assert.Equal(t, ok+1, testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "success")))
	assert.Equal(t, failed+1, testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "error")))
}

func TestSetMQTTState(t *testing.T) {
	SetMQTTState(true, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(MQTTConnected))

	SetMQTTState(false, 3)
	assert.Equal(t, 0.0, testutil.ToFloat64(MQTTConnected))
	assert.Equal(t, 3.0, testutil.ToFloat64(MQTTReconnectAttempts))
}

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/health", "200"))
	RecordAPIRequest("GET", "/health", 200, 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/health", "200")))
}
