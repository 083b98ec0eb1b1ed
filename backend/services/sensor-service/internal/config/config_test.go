package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8085", cfg.HTTPAddress())
	assert.False(t, cfg.RedisEnabled())
	assert.False(t, cfg.MQTTEnabled())
	assert.Zero(t, cfg.SnapshotTTL())
	assert.Equal(t, defaultUplinkTopic, cfg.MQTT.Topic)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 10, cfg.MQTT.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.MQTT.ConnectTimeout())
	assert.Equal(t, 5*time.Second, cfg.MQTT.ReconnectPeriod())
	assert.Equal(t, 5*time.Minute, cfg.Jobs.HealthCheckInterval())
	assert.Equal(t, 30*time.Minute, cfg.Jobs.ResubscribeInterval())
	assert.Equal(t, time.Hour, cfg.Jobs.CacheSweepInterval())
	assert.Equal(t, time.Hour, cfg.Jobs.StaleAfter())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://file/parking
redis:
  addr: redis:6379
  ttlSeconds: 120
mqtt:
  brokerUrl: tcp://chirpstack:1883
  maxReconnectAttempts: 3
jobs:
  cacheSweepSeconds: 60
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SENSOR_HTTP_PORT", ":9090")
	t.Setenv("SENSOR_POSTGRES_DSN", "postgres://env/parking")
	t.Setenv("MQTT_QOS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddress())
	assert.Equal(t, "postgres://env/parking", cfg.Database.DSN)
	assert.True(t, cfg.RedisEnabled())
	assert.Equal(t, 2*time.Minute, cfg.SnapshotTTL())
	assert.True(t, cfg.MQTTEnabled())
	assert.Equal(t, 0, cfg.MQTT.QoS)
	assert.Equal(t, 3, cfg.MQTT.MaxReconnectAttempts)
	assert.Equal(t, defaultUplinkTopic, cfg.MQTT.Topic, "defaults survive partial files")
	assert.Equal(t, time.Minute, cfg.Jobs.CacheSweepInterval())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.ErrorContains(t, cfg.Validate(), "dsn")

	cfg.Database.DSN = "postgres://localhost/parking"
	require.NoError(t, cfg.Validate())

	cfg.MQTT.QoS = 3
	assert.ErrorContains(t, cfg.Validate(), "qos")

	cfg.MQTT.QoS = 1
	cfg.MQTT.Topic = " "
	assert.ErrorContains(t, cfg.Validate(), "topic")
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SENSOR_POSTGRES_DSN", "")

	_, err := Load()
	assert.Error(t, err)
}
