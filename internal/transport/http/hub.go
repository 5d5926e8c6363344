package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/metrics"
)

const (
	hubSendBuffer   = 64
	hubPongWait     = 90 * time.Second
	hubPingInterval = 30 * time.Second
	hubWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Operators are authenticated by the middleware before upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub streams case events to connected renderers. It is a cases.EventSink;
// a client that cannot keep up loses events rather than slowing merges.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*hubClient),
		logger:  logger,
	}
}

func (h *Hub) Publish(evt cases.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("encode case event", zap.String("case", evt.Case.ID), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			metrics.HubDrops.Inc()
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and streams events until the client leaves.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, hubSendBuffer),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("case stream client connected",
		zap.String("client_id", c.id),
		zap.String("operator", OperatorFrom(r.Context())),
	)

	done := make(chan struct{})
	go h.writePump(c, done)
	h.readPump(c)

	close(done)
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	conn.Close()
	h.logger.Info("case stream client disconnected", zap.String("client_id", c.id))
}

// readPump discards client frames and keeps the read deadline moving.
func (h *Hub) readPump(c *hubClient) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient, done <-chan struct{}) {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteTimeout)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
