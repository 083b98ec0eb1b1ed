package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "smartparking/backend/libs/db"
	"smartparking/backend/libs/logging"
	libmqtt "smartparking/backend/libs/mqtt"
	libredis "smartparking/backend/libs/redis"
	"smartparking/backend/services/sensor-service/internal/config"
	httpserver "smartparking/backend/services/sensor-service/internal/http"
	"smartparking/backend/services/sensor-service/internal/http/handlers"
	"smartparking/backend/services/sensor-service/internal/http/middleware"
	"smartparking/backend/services/sensor-service/internal/jobs"
	"smartparking/backend/services/sensor-service/internal/mqtt"
	"smartparking/backend/services/sensor-service/internal/occupancy"
	"smartparking/backend/services/sensor-service/internal/repository"
	"smartparking/backend/services/sensor-service/internal/sensor"
	"smartparking/backend/services/sensor-service/internal/simulation"
	"smartparking/backend/services/sensor-service/internal/ws"
)

const wsWriteTimeout = 10 * time.Second

// App wires sensor service dependencies.
type App struct {
	server    *httpserver.Server
	listener  *mqtt.Listener
	scheduler *jobs.Scheduler
	hub       *ws.Hub
	db        *sql.DB
	redis     *goredis.Client
	logger    *zap.Logger
}

// New constructs application components.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := libdb.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &App{db: sqlDB, logger: logger}

	if cfg.Database.Migrate {
		if err := libdb.ApplySchema(context.Background(), sqlDB, repository.Schema); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("database schema applied")
	}

	var cache occupancy.SnapshotCache = occupancy.NewMemoryCache()
	if cfg.RedisEnabled() {
		client, err := libredis.NewRedisClient(libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		cache = occupancy.NewRedisCache(client, cfg.SnapshotTTL())
		logger.Info("realtime cache backed by redis", zap.String("addr", cfg.Redis.Addr))
	}

	nodes := repository.NewNodeRepository(sqlDB)
	slots := repository.NewSlotRepository(sqlDB)
	statusLogs := repository.NewStatusLogRepository(sqlDB)

	engine := sensor.NewEngine(sensor.NewMemoryStore(), nodes, logging.For(logger, logging.CategorySensor))

	a.hub = ws.NewHub(30*time.Second, logging.For(logger, logging.CategoryRealtime))

	resolver := occupancy.NewResolver(occupancy.Deps{
		Nodes:    nodes,
		Slots:    slots,
		Logs:     statusLogs,
		Engine:   engine,
		Cache:    cache,
		Notifier: a.hub,
	}, logging.For(logger, logging.CategoryOccupancy))

	a.listener = mqtt.NewListener(mqtt.Config{
		Broker: libmqtt.Options{
			BrokerURL:       cfg.MQTT.BrokerURL,
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ConnectTimeout:  cfg.MQTT.ConnectTimeout(),
			ReconnectPeriod: cfg.MQTT.ReconnectPeriod(),
		},
		Topic:                cfg.MQTT.Topic,
		QoS:                  byte(cfg.MQTT.QoS),
		MaxReconnectAttempts: cfg.MQTT.MaxReconnectAttempts,
	}, resolver, nil, logging.For(logger, logging.CategoryMQTT))

	jobsLogger := logging.For(logger, logging.CategoryJobs)
	a.scheduler = jobs.NewScheduler(jobsLogger)
	for _, job := range []jobs.Job{
		jobs.HealthCheckJob(a.listener, cfg.Jobs.HealthCheckInterval(), jobsLogger),
		jobs.ResubscribeJob(a.listener, cfg.Jobs.ResubscribeInterval(), jobsLogger),
		jobs.CacheSweepJob(resolver, cfg.Jobs.CacheSweepInterval(), cfg.Jobs.StaleAfter(), jobsLogger),
	} {
		if err := a.scheduler.Register(job); err != nil {
			a.Close()
			return nil, err
		}
	}

	httpLogger := logging.For(logger, logging.CategoryHTTP)
	simulator := simulation.NewSimulator(a.listener, logging.For(logger, logging.CategoryMQTT))
	wsServer := ws.NewServer(a.hub, wsWriteTimeout, logging.For(logger, logging.CategoryRealtime))

	router := httpserver.NewRouter(httpserver.RouterDeps{
		HealthHandlers: handlers.NewHealthHandlers(a.listener, func(ctx context.Context) error {
			return libdb.Ping(ctx, sqlDB)
		}, httpLogger),
		SlotHandlers:   handlers.NewSlotHandlers(resolver, httpLogger),
		SensorHandlers: handlers.NewSensorHandlers(engine, simulator, httpLogger),
		WebSocket:      wsServer.HandleWS,
	}, middleware.AuthMiddleware(cfg.Auth.JWTSecret, middleware.RoleAdmin))

	a.server = httpserver.NewServer(
		cfg.HTTPAddress(),
		router,
		httpLogger,
		middleware.RecoveryMiddleware(httpLogger),
		middleware.MetricsMiddleware,
		middleware.LoggingMiddleware(httpLogger),
	)

	return a, nil
}

// Run starts ingestion, maintenance jobs and the HTTP server, and tears them down when ctx
// is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.listener.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt listener: %w", err)
	}
	defer a.listener.Stop()

	a.scheduler.Start(ctx)
	defer a.scheduler.StopAll()

	go a.hub.Start(ctx)

	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}
