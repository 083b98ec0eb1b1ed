package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultKeepAlive       = 60 * time.Second
	defaultReconnectPeriod = 5 * time.Second
)

// Options describes how to reach a broker.
type Options struct {
	BrokerURL       string
	ClientID        string
	Username        string
	Password        string
	ConnectTimeout  time.Duration
	ReconnectPeriod time.Duration
	// AutoReconnect lets paho retry on connection loss every ReconnectPeriod.
	AutoReconnect bool
}

// NewClientOptions builds paho options shared by the service listener and CLI tools.
// Lifecycle handlers are left to the caller.
func NewClientOptions(opts Options) (*paho.ClientOptions, error) {
	broker := strings.TrimSpace(opts.BrokerURL)
	if broker == "" {
		return nil, errors.New("mqtt: broker url is empty")
	}

	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("smartparking-%d", time.Now().UnixNano())
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	reconnect := opts.ReconnectPeriod
	if reconnect <= 0 {
		reconnect = defaultReconnectPeriod
	}

	o := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(defaultKeepAlive).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true).
		SetAutoReconnect(opts.AutoReconnect).
		SetMaxReconnectInterval(reconnect).
		SetConnectRetry(false)

	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}

	return o, nil
}
