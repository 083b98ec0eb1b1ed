package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "smartparking/backend/libs/config"
)

const defaultUplinkTopic = "application/+/device/+/event/up"

// Config defines sensor service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"SENSOR_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN     string `yaml:"dsn" env:"SENSOR_POSTGRES_DSN"`
		Migrate bool   `yaml:"migrate" env:"SENSOR_DB_MIGRATE"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"SENSOR_REDIS_ADDR"`
		Password string `yaml:"password" env:"SENSOR_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"SENSOR_REDIS_DB"`
		TTL      int    `yaml:"ttlSeconds" env:"SENSOR_REDIS_TTL"`
	} `yaml:"redis"`
	MQTT MQTT `yaml:"mqtt"`
	Jobs Jobs `yaml:"jobs"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret" env:"JWT_SECRET"`
	} `yaml:"auth"`
}

// MQTT holds broker connection settings. An empty BrokerURL disables ingestion.
type MQTT struct {
	BrokerURL              string `yaml:"brokerUrl" env:"MQTT_BROKER_URL"`
	ClientID               string `yaml:"clientId" env:"MQTT_CLIENT_ID"`
	Username               string `yaml:"username" env:"MQTT_USERNAME"`
	Password               string `yaml:"password" env:"MQTT_PASSWORD"`
	Topic                  string `yaml:"topic" env:"MQTT_TOPIC"`
	QoS                    int    `yaml:"qos" env:"MQTT_QOS"`
	ConnectTimeoutSeconds  int    `yaml:"connectTimeoutSeconds" env:"MQTT_CONNECT_TIMEOUT"`
	ReconnectPeriodSeconds int    `yaml:"reconnectPeriodSeconds" env:"MQTT_RECONNECT_PERIOD"`
	MaxReconnectAttempts   int    `yaml:"maxReconnectAttempts" env:"MQTT_MAX_RECONNECT_ATTEMPTS"`
}

// Jobs holds maintenance schedule intervals.
type Jobs struct {
	HealthCheckSeconds int `yaml:"healthCheckSeconds" env:"JOBS_HEALTH_CHECK_SECONDS"`
	ResubscribeSeconds int `yaml:"resubscribeSeconds" env:"JOBS_RESUBSCRIBE_SECONDS"`
	CacheSweepSeconds  int `yaml:"cacheSweepSeconds" env:"JOBS_CACHE_SWEEP_SECONDS"`
	StaleAfterSeconds  int `yaml:"staleAfterSeconds" env:"JOBS_STALE_AFTER_SECONDS"`
}

// Default returns configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8085"
	cfg.Database.Migrate = true
	cfg.MQTT = MQTT{
		ClientID:               "sensor-service",
		Topic:                  defaultUplinkTopic,
		QoS:                    1,
		ConnectTimeoutSeconds:  30,
		ReconnectPeriodSeconds: 5,
		MaxReconnectAttempts:   10,
	}
	cfg.Jobs = Jobs{
		HealthCheckSeconds: 300,
		ResubscribeSeconds: 1800,
		CacheSweepSeconds:  3600,
		StaleAfterSeconds:  3600,
	}
	return cfg
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database dsn required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if strings.TrimSpace(c.MQTT.Topic) == "" {
		return errors.New("mqtt topic required")
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8085"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// RedisEnabled reports whether the realtime cache should be shared through redis.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// SnapshotTTL returns redis ttl for realtime snapshots; zero keeps them forever.
func (c *Config) SnapshotTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 0
	}
	return time.Duration(c.Redis.TTL) * time.Second
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return strings.TrimSpace(c.MQTT.BrokerURL) != ""
}

// ConnectTimeout returns the broker connect timeout.
func (m MQTT) ConnectTimeout() time.Duration {
	return seconds(m.ConnectTimeoutSeconds, 30*time.Second)
}

// ReconnectPeriod returns the delay between reconnect attempts.
func (m MQTT) ReconnectPeriod() time.Duration {
	return seconds(m.ReconnectPeriodSeconds, 5*time.Second)
}

// HealthCheckInterval returns the listener health check period.
func (j Jobs) HealthCheckInterval() time.Duration {
	return seconds(j.HealthCheckSeconds, 5*time.Minute)
}

// ResubscribeInterval returns the subscription refresh period.
func (j Jobs) ResubscribeInterval() time.Duration {
	return seconds(j.ResubscribeSeconds, 30*time.Minute)
}

// CacheSweepInterval returns the realtime cache sweep period.
func (j Jobs) CacheSweepInterval() time.Duration {
	return seconds(j.CacheSweepSeconds, time.Hour)
}

// StaleAfter returns the age after which a snapshot counts as stale.
func (j Jobs) StaleAfter() time.Duration {
	return seconds(j.StaleAfterSeconds, time.Hour)
}

func seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}
