package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/config"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/logging"
)

// Message types on /api/v1/ws.
const (
	WSTypeSubscribe  = "subscribe"
	WSTypeSubscribed = "subscribed"
	WSTypePing       = "ping"
	WSTypePong       = "pong"
	WSTypeReading    = "reading"
	WSTypeError      = "error"
)

const (
	wsSendBufferSize = 64

	defaultWSMaxMessageSize = 4096
	defaultWSPingInterval   = 30 // seconds
	defaultWSPongTimeout    = 10 // seconds
)

// WSMessage is the single frame shape in both directions.
//
// A client sends {"type":"subscribe","resources":["temp"]} to narrow the
// stream; an empty list restores every resource. Readings arrive as
// {"type":"reading","reading":{...}}.
type WSMessage struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Resources []string      `json:"resources,omitempty"`
	Reading   *coap.Reading `json:"reading,omitempty"`
	Error     string        `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin dashboard; cross-origin API use is governed by CORS.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub streams device readings to WebSocket clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected dashboard or tool.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// filter holds the resources the client wants; empty means all.
	mu     sync.RWMutex
	filter map[coap.Resource]struct{}
}

// NewHub creates a hub. Zero settings take their defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client. Only the call that removes it closes its
// send channel.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnReading implements coap.Observer. Slow clients miss readings rather
// than hold up the notifier.
func (h *Hub) OnReading(r coap.Reading) {
	data, err := json.Marshal(WSMessage{Type: WSTypeReading, Reading: &r})
	if err != nil {
		h.logger.Error("marshalling reading", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(r.Resource) {
			c.trySend(data)
		}
	}
}

// parseResources validates resource names from a query or subscribe frame.
func parseResources(names []string) (map[coap.Resource]struct{}, error) {
	filter := make(map[coap.Resource]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r, err := coap.ParseResource(name)
		if err != nil {
			return nil, err
		}
		filter[r] = struct{}{}
	}
	return filter, nil
}

// handleWebSocket upgrades to a reading stream. ?resources=temp,LED sets
// the initial filter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var names []string
	if q := r.URL.Query().Get("resources"); q != "" {
		names = strings.Split(q, ",")
	}
	filter, err := parseResources(names)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		filter: filter,
	}
	s.hub.Register(c)

	go c.writePump()
	go c.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(time.Duration(c.hub.cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(WSMessage{Type: WSTypeError, Error: "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		filter, err := parseResources(msg.Resources)
		if err != nil {
			c.reply(WSMessage{Type: WSTypeError, ID: msg.ID, Error: err.Error()})
			return
		}
		c.mu.Lock()
		c.filter = filter
		c.mu.Unlock()
		c.reply(WSMessage{Type: WSTypeSubscribed, ID: msg.ID, Resources: msg.Resources})
	case WSTypePing:
		c.reply(WSMessage{Type: WSTypePong, ID: msg.ID})
	default:
		c.reply(WSMessage{Type: WSTypeError, ID: msg.ID, Error: "unknown message type: " + msg.Type})
	}
}

func (c *WSClient) wants(r coap.Resource) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[r]
	return ok
}

func (c *WSClient) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend drops data when the client's buffer is full. A send racing
// shutdown may hit a closed channel; that panic is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() { _ = recover() }()

	select {
	case c.send <- data:
	default:
	}
}
