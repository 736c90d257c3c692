package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/gateway"
	"github.com/lxsgate/lxsgate/internal/metrics"
)

// WebSocket upgrader for the live-record channel. The operator UI is served
// from the same host, so any origin is accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeDeadline = 10 * time.Second

// Hub pushes record summaries to live WebSocket subscribers. Broadcasts are
// best-effort: a subscriber whose write fails is dropped under the hub mutex.
type Hub struct {
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[string]*websocket.Conn
}

// NewHub creates an empty broadcast hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:      logger,
		subscribers: make(map[string]*websocket.Conn),
	}
}

// HandleWS upgrades the connection and registers it as a subscriber. The
// read loop only serves to detect the peer closing.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.subscribers[id] = conn
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()
	h.logger.Info("websocket subscriber connected", zap.String("session_id", id))

	go func() {
		defer h.remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BroadcastRecord sends a record summary to every subscriber.
func (h *Hub) BroadcastRecord(summary gateway.RecordSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.subscribers {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(summary); err != nil {
			conn.Close()
			delete(h.subscribers, id)
			metrics.WebSocketConnections.Dec()
			h.logger.Info("dropped websocket subscriber", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.subscribers {
		conn.Close()
		delete(h.subscribers, id)
		metrics.WebSocketConnections.Dec()
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.subscribers[id]; ok {
		conn.Close()
		delete(h.subscribers, id)
		metrics.WebSocketConnections.Dec()
		h.logger.Info("websocket subscriber disconnected", zap.String("session_id", id))
	}
}
