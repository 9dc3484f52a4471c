package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
)

// Topics carried by the hub.
const (
	TopicPositions     = "positions"
	TopicEvents        = "events"
	TopicDeviceStatus  = "deviceStatus"
	TopicCommandStatus = "commandStatus"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	defaultMaxMissed    = 2
	writeTimeout        = 10 * time.Second
)

// Authorizer decides whether a user may receive payloads about a device.
type Authorizer interface {
	CanAccessDevice(ctx context.Context, userID string, deviceID int64) bool
}

// AllowAll authorizes every user for every device.
type AllowAll struct{}

// CanAccessDevice always returns true.
func (AllowAll) CanAccessDevice(context.Context, string, int64) bool { return true }

// Envelope is the wire form of every hub frame. Type names the topic the
// frame belongs to.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// clientRequest is the inbound frame from a connected client.
type clientRequest struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

// Hub fans out positions, events and command updates to websocket clients.
// A slow client never blocks a broadcast; frames that do not fit the
// client's buffer are dropped and counted.
type Hub struct {
	authorizer   Authorizer
	logger       *log.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	maxMissed    int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu     sync.Mutex
	topics map[string]bool
	missed int
	closed bool
}

// Option configures the hub.
type Option func(*Hub)

// WithPingInterval overrides the heartbeat interval.
func WithPingInterval(interval time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.pingInterval = interval
		}
	}
}

// WithMaxMissed overrides how many consecutive heartbeats a client may miss
// before it is evicted.
func WithMaxMissed(count int) Option {
	return func(h *Hub) {
		if count > 0 {
			h.maxMissed = count
		}
	}
}

// NewHub constructs a hub. A nil authorizer allows every user to see every
// device.
func NewHub(authorizer Authorizer, logger *log.Logger, opts ...Option) *Hub {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Hub{
		authorizer:   authorizer,
		logger:       logger,
		pingInterval: defaultPingInterval,
		maxMissed:    defaultMaxMissed,
		clients:      make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
// The user identity must already be established by upstream middleware; it is
// read from the request context by the provided extractor.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("hub: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, defaultSendBuffer),
		topics: make(map[string]bool),
	}
	h.register(c)
	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

// Run drives the heartbeat until the context is cancelled, evicting clients
// that miss consecutive heartbeats. Eviction closes the connection exactly
// once and removes the client from the registry atomically.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// Broadcast sends a payload about a device to every client subscribed to the
// topic and authorized for the device.
func (h *Hub) Broadcast(ctx context.Context, topic string, deviceID int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("hub: marshal %s payload: %v", topic, err)
		return
	}
	frame, err := json.Marshal(Envelope{Type: topic, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if deviceID != 0 && !h.authorizer.CanAccessDevice(ctx, c.userID, deviceID) {
			continue
		}
		if !c.trySend(frame) {
			metrics.IncHubDropped()
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubConnections(count)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
	}
	metrics.SetHubConnections(count)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	defer h.unregister(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("hub: read from %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			c.setTopics(req.Topics, true)
		case "unsubscribe":
			c.setTopics(req.Topics, false)
		case "heartbeat":
			c.resetMissed()
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.unregister(c)
			return
		}
	}
}

func (h *Hub) heartbeat() {
	frame, _ := json.Marshal(Envelope{Type: "heartbeat", Timestamp: time.Now().UTC()})

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.bumpMissed() > h.maxMissed {
			h.unregister(c)
			continue
		}
		if !c.trySend(frame) {
			metrics.IncHubDropped()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range targets {
		c.close()
	}
	metrics.SetHubConnections(0)
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *client) setTopics(topics []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		if on {
			c.topics[topic] = true
		} else {
			delete(c.topics, topic)
		}
	}
}

// trySend queues a frame without blocking. Returns false when the client is
// closed or its buffer is full.
func (c *client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) resetMissed() {
	c.mu.Lock()
	c.missed = 0
	c.mu.Unlock()
}

func (c *client) bumpMissed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missed++
	return c.missed
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	_ = c.conn.Close()
}
