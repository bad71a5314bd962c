// Package ws streams transfer state changes to browsers over WebSocket and
// server-sent events. Both read from the store pubsub channel the
// orchestrator publishes on.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tokencollector/collector-backend/internal/metrics"
	"github.com/tokencollector/collector-backend/internal/store"
	"go.uber.org/zap"
)

const TopicTransfer = "transfer"

// topicChannels maps client-facing topic names to pubsub channels.
var topicChannels = map[string]string{
	TopicTransfer: store.ChannelTransferState,
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	idleTimeout  = 2 * pongWait
	sendBuffer   = 64
	readLimitLen = 512
)

// SnapshotFunc returns the current state sent to a client when it connects.
type SnapshotFunc func() interface{}

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	cache      *store.Cache
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	snapshot   SnapshotFunc
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	topics map[string]bool
	// unix nanos; written by readPump, read by the cleanup loop
	lastActive int64
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// NewHub builds a hub. An empty allowedOrigins list only accepts same-origin
// connections.
func NewHub(cache *store.Cache, allowedOrigins []string, snapshot SnapshotFunc, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		snapshot:   snapshot,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(origin, allowed)
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	sub := h.cache.Subscribe(ctx, store.ChannelTransferState)
	defer func() { sub.Close() }()

	cleanup := time.NewTicker(30 * time.Second)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered", "remote", client.conn.RemoteAddr().String())

		case client := <-h.unregister:
			if h.drop(client) {
				h.metrics.DecrementConnections(ctx)
			}

		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					continue
				}
				h.logger.Warnw("Transfer state subscription closed; resubscribing")
				sub = h.cache.Subscribe(ctx, store.ChannelTransferState)
				continue
			}
			h.handleMessage(ctx, msg)

		case <-cleanup.C:
			h.cleanupInactiveClients(ctx)
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, msg store.Message) {
	data, err := encode(msg.Channel, json.RawMessage(msg.Payload))
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}
	h.broadcastToClients(ctx, data, msg.Channel)
}

func encode(channel string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(Message{
		Type:      "update",
		Topic:     channel,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
}

func (h *Hub) broadcastToClients(ctx context.Context, message []byte, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// slow consumer
			delete(h.clients, client)
			close(client.send)
			h.metrics.DecrementConnections(ctx)
		}
	}
}

// drop removes client and reports whether it was still registered.
func (h *Hub) drop(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	close(client.send)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) cleanupInactiveClients(ctx context.Context) {
	cutoff := time.Now().Add(-idleTimeout).UnixNano()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.lastSeen() < cutoff {
			delete(h.clients, client)
			close(client.send)
			h.metrics.DecrementConnections(ctx)
			h.logger.Debugw("Cleaned up inactive client")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and subscribes the client to transfer
// state. The current snapshot is sent immediately.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: map[string]bool{store.ChannelTransferState: true},
	}
	client.touch()

	if h.snapshot != nil {
		if payload, err := json.Marshal(h.snapshot()); err == nil {
			if data, err := encode(store.ChannelTransferState, payload); err == nil {
				client.send <- data
			}
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now().UnixNano()
	c.mu.Unlock()
}

func (c *Client) lastSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimitLen)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			return
		}
		c.touch()
		c.handleRequest(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(message []byte) {
	var req SubscriptionRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range req.Topics {
		channel, ok := topicChannels[topic]
		if !ok {
			continue
		}
		switch req.Type {
		case "subscribe":
			c.topics[channel] = true
		case "unsubscribe":
			delete(c.topics, channel)
		}
	}
}

func (c *Client) isSubscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[channel]
}
