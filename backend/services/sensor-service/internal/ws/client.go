package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer     = 16
	readLimit      = 4096
	pongWait       = 60 * time.Second
	defaultTimeout = 10 * time.Second
)

// Client is one subscriber connection. An empty slot filter receives every slot.
type Client struct {
	id           string
	slotID       string
	ws           *websocket.Conn
	send         chan []byte
	logger       *zap.Logger
	writeTimeout time.Duration
	onClose      func(id string)
}

// NewClient wraps an upgraded connection.
func NewClient(id, slotID string, conn *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger, onClose func(string)) *Client {
	if writeTimeout <= 0 {
		writeTimeout = defaultTimeout
	}
	return &Client{
		id:           id,
		slotID:       slotID,
		ws:           conn,
		send:         make(chan []byte, sendBuffer),
		logger:       logger,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

// Wants reports whether the client subscribed to slotID.
func (c *Client) Wants(slotID string) bool {
	return c.slotID == "" || c.slotID == slotID
}

// Start launches the write pump and blocks in the read pump until the peer goes away.
func (c *Client) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

// Incoming messages are ignored; reading keeps pong and close handling alive.
func (c *Client) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.logger.Debug("subscriber read closed", zap.String("client_id", c.id), zap.Error(err))
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("subscriber write failed", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

// Send enqueues a message; it is dropped when the buffer is full.
func (c *Client) Send(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping slot update, subscriber buffer full", zap.String("client_id", c.id))
	}
}

// Ping writes a control frame; it is safe to call alongside the write pump.
func (c *Client) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout))
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Client) cleanup() {
	// deregister first so no broadcast can target the closed channel
	if c.onClose != nil {
		c.onClose(c.id)
	}
	close(c.send)
	_ = c.ws.Close()
}
