package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/esp32panel/panel-core/internal/infrastructure/config"
	"github.com/esp32panel/panel-core/internal/infrastructure/logging"
	"github.com/esp32panel/panel-core/internal/infrastructure/metrics"
)

// Message types on the /ws socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound queue depth.
	wsSendBufferSize = 64
)

// Event channels a client can subscribe to.
const (
	// ChannelReadings carries a ReadingsResponse after every accepted reading.
	ChannelReadings = "readings"

	// ChannelConnectionState carries a StateResponse on every state change.
	ChannelConnectionState = "connection_state"
)

var knownChannels = map[string]struct{}{
	ChannelReadings:        {},
	ChannelConnectionState: {},
}

// Fallbacks for a zero WebSocketConfig.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultMaxMessage   = 4096
)

// WSMessage is the envelope of every message the server writes.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload lists the channels of a subscribe or unsubscribe request.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound message; the payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans session events out to WebSocket clients.
//
// It keeps the last event of each channel and replays it on subscribe, so a
// panel that connects between readings still renders immediately.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	last    map[string][]byte
}

// WSClient is one upgraded connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to a local interface and carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub returns an empty hub. m may be nil.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		clients: make(map[*WSClient]struct{}),
		last:    make(map[string][]byte),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketClients(n)
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes client. Only the call that removes it from the map
// closes its send channel, so racing with closeAll never double-closes.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if !existed {
		return
	}
	close(client.send)
	h.metrics.SetWebSocketClients(n)
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast encodes payload as an event on channel, remembers it for replay
// and queues it for every subscriber. A subscriber whose queue is full skips
// the event.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.Lock()
	h.last[channel] = data
	targets := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		if client.isSubscribed(channel) {
			targets = append(targets, client)
		}
	}
	h.mu.Unlock()

	var skipped int
	for _, client := range targets {
		if !client.trySend(data) {
			skipped++
		}
	}
	if skipped > 0 {
		h.logger.Debug("websocket event skipped for slow clients",
			"channel", channel,
			"skipped", skipped,
			"recipients", len(targets),
		)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribe adds channels to client and replays the last event of each.
// It holds the hub lock so a concurrent Broadcast cannot be overtaken by an
// older replayed event.
func (h *Hub) subscribe(client *WSClient, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	for _, ch := range channels {
		client.subscriptions[ch] = struct{}{}
	}
	client.mu.Unlock()

	for _, ch := range channels {
		if data, ok := h.last[ch]; ok {
			client.trySend(data)
		}
	}
}

// unsubscribe drops channels from client.
func (h *Hub) unsubscribe(client *WSClient, channels []string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	for _, ch := range channels {
		delete(client.subscriptions, ch)
	}
}

// closeAll disconnects every client and closes its send channel so the
// write pumps exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
	h.mu.Unlock()

	h.metrics.SetWebSocketClients(0)
}

// wsTimings are the keepalive settings of one connection.
type wsTimings struct {
	ping     time.Duration
	pong     time.Duration
	maxBytes int64
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	t := wsTimings{
		ping:     time.Duration(cfg.PingInterval) * time.Second,
		pong:     time.Duration(cfg.PongTimeout) * time.Second,
		maxBytes: int64(cfg.MaxMessageSize),
	}
	if t.ping <= 0 {
		t.ping = defaultPingInterval
	}
	if t.pong <= 0 {
		t.pong = defaultPongTimeout
	}
	if t.maxBytes <= 0 {
		t.maxBytes = defaultMaxMessage
	}
	return t
}

// readDeadline is how long the server waits for any frame from the client.
func (t wsTimings) readDeadline() time.Time {
	return time.Now().Add(t.ping + t.pong)
}

// handleWebSocket upgrades the request and starts the connection's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	timings := newWSTimings(s.wsCfg)
	go client.writePump(timings)
	go client.readPump(timings)
}

func (c *WSClient) readPump(t wsTimings) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(t.maxBytes)
	//nolint:errcheck // A failed deadline surfaces as a read error.
	c.conn.SetReadDeadline(t.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(t.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // A failed deadline surfaces as a read error.
		c.conn.SetReadDeadline(t.readDeadline())
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // A failed deadline surfaces as a write error.
		c.conn.SetWriteDeadline(time.Now().Add(t.pong))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // The hub is closing the connection anyway.
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		channels, err := parseChannels(req.Payload)
		if err != nil {
			c.sendError(req.ID, err.Error())
			return
		}
		c.sendResponse(req.ID, WSTypeResponse, map[string]any{"subscribed": channels})
		c.hub.subscribe(c, channels)
		c.hub.logger.Debug("websocket client subscribed", "channels", channels)
	case WSTypeUnsubscribe:
		channels, err := parseChannels(req.Payload)
		if err != nil {
			c.sendError(req.ID, err.Error())
			return
		}
		c.hub.unsubscribe(c, channels)
		c.sendResponse(req.ID, WSTypeResponse, map[string]any{"unsubscribed": channels})
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

var errMissingChannels = errors.New("missing channels")

// parseChannels decodes a WSSubscribePayload and checks every channel name.
func parseChannels(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errMissingChannels
	}
	var p WSSubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.New("invalid channels payload")
	}
	if len(p.Channels) == 0 {
		return nil, errMissingChannels
	}
	for _, ch := range p.Channels {
		if _, ok := knownChannels[ch]; !ok {
			return nil, fmt.Errorf("unknown channel: %s", ch)
		}
	}
	return p.Channels, nil
}

// trySend queues data without blocking. It reports false when the client's
// queue is full or already closed.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendResponse queues a reply; it goes through trySend so a reply racing
// shutdown is dropped instead of panicking.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
