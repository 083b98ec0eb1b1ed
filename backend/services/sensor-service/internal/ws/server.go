package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests into slot status subscriptions.
type Server struct {
	hub          *Hub
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds ws server.
func NewServer(hub *Hub, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:          hub,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the handler for /ws/slots. The optional slot_id query parameter limits the
// stream to one slot.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	slotID := r.URL.Query().Get("slot_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(uuid.NewString(), slotID, conn, s.writeTimeout, s.logger, func(id string) {
		s.hub.Remove(id)
		cancel()
		s.logger.Info("slot subscriber disconnected", zap.String("client_id", id))
	})
	s.hub.Add(client)

	go client.Start(ctx)
	s.logger.Info("slot subscriber connected",
		zap.String("client_id", client.ID()),
		zap.String("slot_id", slotID))
}
