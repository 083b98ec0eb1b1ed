package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	libmqtt "smartparking/backend/libs/mqtt"
	"smartparking/backend/services/sensor-service/internal/metrics"
	"smartparking/backend/services/sensor-service/internal/uplink"
)

// Listener errors.
var (
	ErrNotConnected  = errors.New("mqtt: client not connected")
	ErrNotConfigured = errors.New("mqtt: broker not configured")
)

// State is the listener connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Health levels reported by HealthCheck.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

const (
	defaultHandlerTimeout = 30 * time.Second
	subscribeTimeout      = 10 * time.Second
	disconnectQuiesce     = 250
)

// Handler consumes decoded uplinks.
type Handler interface {
	HandleUplink(ctx context.Context, env *uplink.Envelope) error
}

// ClientFactory creates the paho client; tests substitute a loopback.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// Config describes the subscription and reconnect policy.
type Config struct {
	Broker               libmqtt.Options
	Topic                string
	QoS                  byte
	MaxReconnectAttempts int
	HandlerTimeout       time.Duration
}

// Status is a point-in-time view of the listener.
type Status struct {
	Configured           bool       `json:"configured"`
	Connected            bool       `json:"connected"`
	State                State      `json:"state"`
	Broker               string     `json:"broker,omitempty"`
	Topic                string     `json:"topic"`
	ReconnectAttempts    int        `json:"reconnectAttempts"`
	MaxReconnectAttempts int        `json:"maxReconnectAttempts"`
	MessagesReceived     uint64     `json:"messagesReceived"`
	ConnectedAt          *time.Time `json:"connectedAt,omitempty"`
	LastError            string     `json:"lastError,omitempty"`
}

// Health is the HealthCheck result.
type Health struct {
	Status  string `json:"status"`
	Details Status `json:"details"`
}

// Listener subscribes to uplink events and feeds them to a Handler.
type Listener struct {
	cfg     Config
	handler Handler
	factory ClientFactory
	logger  *zap.Logger

	mu          sync.RWMutex
	client      paho.Client
	state       State
	attempts    int
	connectedAt time.Time
	lastError   string
	cancel      context.CancelFunc
	ctx         context.Context
	wg          sync.WaitGroup

	received atomic.Uint64
}

// NewListener builds listener. factory defaults to paho.NewClient.
func NewListener(cfg Config, handler Handler, factory ClientFactory, logger *zap.Logger) *Listener {
	if factory == nil {
		factory = paho.NewClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	return &Listener{
		cfg:     cfg,
		handler: handler,
		factory: factory,
		logger:  logger,
		state:   StateDisconnected,
		ctx:     context.Background(),
	}
}

// Configured reports whether a broker URL is set.
func (l *Listener) Configured() bool {
	return strings.TrimSpace(l.cfg.Broker.BrokerURL) != ""
}

// Start connects to the broker. A failed first attempt is retried in the background on the
// reconnect period until MaxReconnectAttempts is reached. Without a broker the listener stays
// disabled and Start returns nil.
func (l *Listener) Start(ctx context.Context) error {
	if !l.Configured() {
		l.logger.Warn("mqtt broker not configured, uplink ingestion disabled")
		return nil
	}

	brokerOpts := l.cfg.Broker
	brokerOpts.AutoReconnect = true
	opts, err := libmqtt.NewClientOptions(brokerOpts)
	if err != nil {
		return err
	}
	opts.SetOnConnectHandler(l.onConnect)
	opts.SetConnectionLostHandler(l.onConnectionLost)
	opts.SetReconnectingHandler(l.onReconnecting)

	runCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	if l.client != nil {
		l.mu.Unlock()
		cancel()
		return errors.New("mqtt: listener already started")
	}
	l.client = l.factory(opts)
	l.state = StateConnecting
	l.ctx = runCtx
	l.cancel = cancel
	l.mu.Unlock()

	l.logger.Info("connecting to mqtt broker",
		zap.String("broker", l.cfg.Broker.BrokerURL),
		zap.String("topic", l.cfg.Topic))

	if err := l.connect(); err != nil {
		if l.recordFailedAttempt(err) {
			l.wg.Add(1)
			go l.retryConnect(runCtx)
		}
	}
	return nil
}

// Stop disconnects and moves the listener to the terminal stopped state.
func (l *Listener) Stop() {
	l.mu.Lock()
	client := l.client
	cancel := l.cancel
	l.state = StateStopped
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
	}
	metrics.SetMQTTState(false, l.Status().ReconnectAttempts)
	l.logger.Info("mqtt listener stopped")
}

// Publish sends payload without queueing; it fails immediately when not connected.
func (l *Listener) Publish(ctx context.Context, topic string, payload []byte) error {
	if !l.Configured() {
		return ErrNotConfigured
	}
	client, ok := l.connectedClient()
	if !ok {
		return ErrNotConnected
	}

	token := client.Publish(topic, l.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		l.logger.Error("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Resubscribe re-issues the uplink subscription.
func (l *Listener) Resubscribe() error {
	if !l.Configured() {
		return ErrNotConfigured
	}
	client, ok := l.connectedClient()
	if !ok {
		return ErrNotConnected
	}

	token := client.Unsubscribe(l.cfg.Topic)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt: unsubscribe %s timed out", l.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: unsubscribe %s: %w", l.cfg.Topic, err)
	}
	return l.subscribe(client)
}

// Status returns current connection details.
func (l *Listener) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Status{
		Configured:           l.Configured(),
		Connected:            l.state == StateConnected,
		State:                l.state,
		Broker:               l.cfg.Broker.BrokerURL,
		Topic:                l.cfg.Topic,
		ReconnectAttempts:    l.attempts,
		MaxReconnectAttempts: l.cfg.MaxReconnectAttempts,
		MessagesReceived:     l.received.Load(),
		LastError:            l.lastError,
	}
	if !l.connectedAt.IsZero() {
		ts := l.connectedAt
		st.ConnectedAt = &ts
	}
	return st
}

// HealthCheck reports degraded when no broker is configured and unhealthy when configured
// but not connected.
func (l *Listener) HealthCheck() Health {
	st := l.Status()
	switch {
	case !st.Configured:
		return Health{Status: HealthDegraded, Details: st}
	case st.Connected:
		return Health{Status: HealthHealthy, Details: st}
	}
	return Health{Status: HealthUnhealthy, Details: st}
}

func (l *Listener) connect() error {
	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()

	token := client.Connect()
	timeout := l.cfg.Broker.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: connect timed out after %s", timeout)
	}
	return token.Error()
}

func (l *Listener) retryConnect(ctx context.Context) {
	defer l.wg.Done()
	period := l.cfg.Broker.ReconnectPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if l.Status().State == StateStopped {
			return
		}
		err := l.connect()
		if err == nil {
			return
		}
		if !l.recordFailedAttempt(err) {
			return
		}
		timer.Reset(period)
	}
}

// recordFailedAttempt counts an attempt and reports whether retrying is still allowed.
func (l *Listener) recordFailedAttempt(err error) bool {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return false
	}
	l.attempts++
	l.lastError = err.Error()
	attempts := l.attempts
	exhausted := l.cfg.MaxReconnectAttempts > 0 && attempts >= l.cfg.MaxReconnectAttempts
	if exhausted {
		l.state = StateStopped
	} else {
		l.state = StateReconnecting
	}
	l.mu.Unlock()

	metrics.SetMQTTState(false, attempts)
	if exhausted {
		l.logger.Error("mqtt connect failed, max reconnect attempts reached; listener stopped",
			zap.Int("attempts", attempts), zap.Error(err))
		return false
	}
	l.logger.Error("mqtt connect failed", zap.Int("attempts", attempts), zap.Error(err))
	return true
}

func (l *Listener) connectedClient() (paho.Client, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.client == nil || l.state != StateConnected {
		return nil, false
	}
	return l.client, true
}

func (l *Listener) subscribe(client paho.Client) error {
	token := client.Subscribe(l.cfg.Topic, l.cfg.QoS, l.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt: subscribe %s timed out", l.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", l.cfg.Topic, err)
	}
	l.logger.Info("subscribed to uplink topic", zap.String("topic", l.cfg.Topic), zap.Uint8("qos", l.cfg.QoS))
	return nil
}

func (l *Listener) onConnect(client paho.Client) {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = StateConnected
	l.attempts = 0
	l.lastError = ""
	l.connectedAt = time.Now()
	l.mu.Unlock()

	metrics.SetMQTTState(true, 0)
	l.logger.Info("connected to mqtt broker", zap.String("broker", l.cfg.Broker.BrokerURL))

	if err := l.subscribe(client); err != nil {
		l.logger.Error("uplink subscription failed", zap.Error(err))
	}
}

func (l *Listener) onConnectionLost(_ paho.Client, err error) {
	l.mu.Lock()
	if l.state != StateStopped {
		l.state = StateDisconnected
	}
	if err != nil {
		l.lastError = err.Error()
	}
	attempts := l.attempts
	l.mu.Unlock()

	metrics.SetMQTTState(false, attempts)
	l.logger.Warn("mqtt connection lost", zap.Error(err))
}

func (l *Listener) onReconnecting(client paho.Client, _ *paho.ClientOptions) {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.attempts++
	attempts := l.attempts
	exhausted := l.cfg.MaxReconnectAttempts > 0 && attempts >= l.cfg.MaxReconnectAttempts
	if exhausted {
		l.state = StateStopped
	} else {
		l.state = StateReconnecting
	}
	l.mu.Unlock()

	metrics.SetMQTTState(false, attempts)
	if exhausted {
		l.logger.Error("max mqtt reconnect attempts reached; listener stopped", zap.Int("attempts", attempts))
		// paho is inside its reconnect loop here
		go client.Disconnect(0)
		return
	}
	l.logger.Info("reconnecting to mqtt broker",
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", l.cfg.MaxReconnectAttempts))
}

func (l *Listener) onMessage(_ paho.Client, msg paho.Message) {
	l.received.Add(1)
	metrics.UplinksReceived.Inc()

	env, err := uplink.Decode(msg.Payload())
	if err != nil {
		metrics.RecordDrop("invalid_envelope")
		l.logger.Warn("dropping malformed uplink", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	l.mu.RLock()
	base := l.ctx
	l.mu.RUnlock()

	ctx, cancel := context.WithTimeout(base, l.cfg.HandlerTimeout)
	defer cancel()

	if err := l.handler.HandleUplink(ctx, env); err != nil {
		l.logger.Error("uplink processing failed",
			zap.String("topic", msg.Topic()),
			zap.String("dev_eui", env.DeviceInfo.DevEUI),
			zap.Uint32("f_cnt", env.FCnt),
			zap.Error(err))
	}
}
