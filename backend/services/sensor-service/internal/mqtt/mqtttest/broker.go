// Package mqtttest provides an in-process loopback broker implementing the paho client
// interface for tests.
package mqtttest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Published is a message accepted by the broker.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Broker routes published messages to subscriptions of every client it created.
type Broker struct {
	mu          sync.Mutex
	clients     []*Client
	connectErrs []error
	published   []Published
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Factory creates a client bound to this broker. It matches the listener's ClientFactory.
func (b *Broker) Factory(opts *paho.ClientOptions) paho.Client {
	c := &Client{broker: b, opts: opts, subs: make(map[string]paho.MessageHandler)}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

// FailConnects makes the next Connect calls fail with errs, in order.
func (b *Broker) FailConnects(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErrs = append(b.connectErrs, errs...)
}

// LastClient returns the most recently created client, or nil.
func (b *Broker) LastClient() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1]
}

// Published returns every accepted message.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Inject delivers a message as if a device had published it.
func (b *Broker) Inject(topic string, payload []byte) {
	b.mu.Lock()
	b.published = append(b.published, Published{Topic: topic, Payload: payload})
	clients := append([]*Client(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		c.deliver(topic, payload)
	}
}

func (b *Broker) nextConnectErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connectErrs) == 0 {
		return nil
	}
	err := b.connectErrs[0]
	b.connectErrs = b.connectErrs[1:]
	return err
}

// Client is a paho.Client connected to a Broker. Callbacks run synchronously.
type Client struct {
	broker *Broker
	opts   *paho.ClientOptions

	mu        sync.Mutex
	connected bool
	subs      map[string]paho.MessageHandler
	connects  int
}

var _ paho.Client = (*Client)(nil)

// IsConnected reports the connection flag.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsConnectionOpen reports the connection flag.
func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

// Connect connects unless the broker was told to fail, then runs OnConnect.
func (c *Client) Connect() paho.Token {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()

	if err := c.broker.nextConnectErr(); err != nil {
		return newToken(err)
	}
	c.setConnected(true)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return newToken(nil)
}

// Disconnect drops the connection without invoking OnConnectionLost.
func (c *Client) Disconnect(uint) {
	c.setConnected(false)
}

// Publish routes payload through the broker.
func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	if !c.IsConnected() {
		return newToken(paho.ErrNotConnected)
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		return newToken(fmt.Errorf("unsupported payload type %T", payload))
	}

	b := c.broker
	b.mu.Lock()
	b.published = append(b.published, Published{Topic: topic, QoS: qos, Payload: data})
	clients := append([]*Client(nil), b.clients...)
	b.mu.Unlock()

	for _, other := range clients {
		other.deliver(topic, data)
	}
	return newToken(nil)
}

// Subscribe registers callback for a topic filter.
func (c *Client) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	if !c.IsConnected() {
		return newToken(paho.ErrNotConnected)
	}
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
	return newToken(nil)
}

// SubscribeMultiple registers callback for every filter.
func (c *Client) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		if t := c.Subscribe(topic, qos, callback); t.Error() != nil {
			return t
		}
	}
	return newToken(nil)
}

// Unsubscribe removes filters.
func (c *Client) Unsubscribe(topics ...string) paho.Token {
	if !c.IsConnected() {
		return newToken(paho.ErrNotConnected)
	}
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return newToken(nil)
}

// AddRoute registers callback without subscribing.
func (c *Client) AddRoute(topic string, callback paho.MessageHandler) {
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
}

// OptionsReader is not supported by the loopback client.
func (c *Client) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

// Subscriptions returns the active topic filters.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// Connects returns the number of Connect calls.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// DropConnection simulates a broker-side disconnect.
func (c *Client) DropConnection(err error) {
	c.setConnected(false)
	c.mu.Lock()
	c.subs = make(map[string]paho.MessageHandler)
	c.mu.Unlock()
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, err)
	}
}

// Reconnecting runs the reconnect callback as paho does before each automatic attempt.
func (c *Client) Reconnecting() {
	if c.opts.OnReconnecting != nil {
		c.opts.OnReconnecting(c, c.opts)
	}
}

// Reconnected simulates a successful automatic reconnect.
func (c *Client) Reconnected() {
	c.setConnected(true)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) deliver(topic string, payload []byte) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	var handlers []paho.MessageHandler
	for filter, h := range c.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(c, &message{topic: topic, payload: payload})
	}
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

type token struct {
	err  error
	done chan struct{}
}

func newToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 1 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
