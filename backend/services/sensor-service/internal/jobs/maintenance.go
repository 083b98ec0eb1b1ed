package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"smartparking/backend/services/sensor-service/internal/metrics"
	"smartparking/backend/services/sensor-service/internal/mqtt"
	"smartparking/backend/services/sensor-service/internal/occupancy"
)

// Job names.
const (
	HealthCheckJobName = "mqtt-health-check"
	ResubscribeJobName = "mqtt-subscription-refresh"
	CacheSweepJobName  = "realtime-cache-sweep"
)

// ListenerProbe is the part of the uplink listener the jobs use.
type ListenerProbe interface {
	HealthCheck() mqtt.Health
	Resubscribe() error
}

// StaleFinder finds realtime snapshots that were not refreshed recently.
type StaleFinder interface {
	StaleSnapshots(ctx context.Context, olderThan time.Duration) ([]occupancy.Snapshot, error)
}

// HealthCheckJob warns when the listener is disconnected and errors when it is unhealthy.
func HealthCheckJob(listener ListenerProbe, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     HealthCheckJobName,
		Interval: interval,
		Run: func(context.Context) error {
			health := listener.HealthCheck()
			st := health.Details
			if !st.Configured {
				logger.Debug("mqtt not configured, skipping health check")
				return nil
			}
			if !st.Connected {
				logger.Warn("mqtt listener disconnected",
					zap.String("state", string(st.State)),
					zap.Int("reconnect_attempts", st.ReconnectAttempts))
			}
			if health.Status == mqtt.HealthUnhealthy {
				logger.Error("mqtt listener unhealthy",
					zap.String("state", string(st.State)),
					zap.String("last_error", st.LastError))
				return nil
			}
			logger.Debug("mqtt listener healthy", zap.Uint64("messages_received", st.MessagesReceived))
			return nil
		},
	}
}

// ResubscribeJob re-issues the uplink subscription so newly provisioned devices are covered.
func ResubscribeJob(listener ListenerProbe, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     ResubscribeJobName,
		Interval: interval,
		Run: func(context.Context) error {
			err := listener.Resubscribe()
			switch {
			case err == nil:
				logger.Info("mqtt subscription refreshed")
				return nil
			case errors.Is(err, mqtt.ErrNotConfigured):
				return nil
			case errors.Is(err, mqtt.ErrNotConnected):
				logger.Warn("skipping subscription refresh, mqtt not connected")
				return nil
			}
			return err
		},
	}
}

// CacheSweepJob counts stale realtime snapshots. Entries are reported, never evicted.
func CacheSweepJob(finder StaleFinder, interval, staleAfter time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     CacheSweepJobName,
		Interval: interval,
		Run: func(ctx context.Context) error {
			stale, err := finder.StaleSnapshots(ctx, staleAfter)
			if err != nil {
				return err
			}
			metrics.StaleSnapshots.Set(float64(len(stale)))
			if len(stale) == 0 {
				logger.Debug("no stale realtime snapshots")
				return nil
			}
			ids := make([]string, 0, len(stale))
			for _, s := range stale {
				ids = append(ids, s.SlotID)
			}
			logger.Warn("stale realtime snapshots detected",
				zap.Int("count", len(stale)),
				zap.Duration("stale_after", staleAfter),
				zap.Strings("slot_ids", ids))
			return nil
		},
	}
}
