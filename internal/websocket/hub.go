package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"licensor/internal/infrastructure"
	"licensor/pkg/contracts/domain"
)

// Message types sent to clients
const (
	TypeConnection = "connection"
	TypeActivation = "activation"
)

// DefaultQueueSize is the broadcast queue length
const DefaultQueueSize = 256

// Message is the envelope of every frame sent to clients
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	running bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}

	logger  *slog.Logger
	metrics *OTelMetrics
	now     func() time.Time

	totalConnections int64
	messagesSent     int64
	droppedMessages  int64
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithMetrics records feed metrics on m
func WithMetrics(m *OTelMetrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithQueueSize overrides the broadcast queue length
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.broadcast = make(chan []byte, n)
		}
	}
}

// NewHub creates a hub. Call Start before publishing.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, DefaultQueueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the hub loop in the background. It is idempotent; a stopped
// hub cannot be restarted.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped {
		return
	}
	h.running = true
	go h.run()
}

// Stop disconnects every client and ends the hub loop.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.stopped = true
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.Info("hub stopped")
			return

		case c := <-h.register:
			h.addClient(c)

		case c := <-h.unregister:
			h.removeClient(c, "closed")

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.totalConnections++
	h.mu.Unlock()

	ctx := c.context()
	h.metrics.recordConnection(ctx)
	h.logger.InfoContext(ctx, "client registered",
		slog.String("client_id", c.id),
		slog.String("remote_addr", c.remoteAddr),
		slog.Int("total_clients", count))

	hello, err := json.Marshal(Message{
		Type:      TypeConnection,
		Data:      map[string]string{"status": "connected", "client_id": c.id},
		Timestamp: h.now().UTC(),
		TraceID:   c.traceID,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- hello:
	default:
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	ctx := c.context()
	h.metrics.recordDisconnection(ctx, time.Since(c.connectedAt), reason)
	h.logger.InfoContext(ctx, "client unregistered",
		slog.String("client_id", c.id),
		slog.String("reason", reason),
		slog.Int("total_clients", count),
		slog.Duration("connection_duration", time.Since(c.connectedAt)))
}

func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		select {
		case c.send <- msg:
			sent++
		default:
			h.removeClient(c, "send_buffer_full")
			h.metrics.recordDropped(context.Background(), "client_buffer_full")
		}
	}

	h.mu.Lock()
	h.messagesSent += int64(sent)
	h.mu.Unlock()
	h.metrics.recordSent(context.Background(), sent)
}

// Register adds a client. It is a no-op once the hub has stopped.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// PublishActivation broadcasts an activation log entry to every client.
// It never blocks: the event is dropped when the hub is stopped or its
// queue is full.
func (h *Hub) PublishActivation(ctx context.Context, ev domain.ActivationEvent) {
	h.publish(ctx, TypeActivation, ev)
}

func (h *Hub) publish(ctx context.Context, msgType string, data interface{}) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		h.drop(ctx, msgType, "hub_stopped")
		return
	}

	payload, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: h.now().UTC(),
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "marshal websocket message",
			slog.String("message_type", msgType),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- payload:
		h.metrics.recordPublished(ctx, msgType)
	default:
		h.drop(ctx, msgType, "queue_full")
	}
}

func (h *Hub) drop(ctx context.Context, msgType, reason string) {
	h.mu.Lock()
	h.droppedMessages++
	h.mu.Unlock()
	h.metrics.recordDropped(ctx, reason)
	h.logger.DebugContext(ctx, "websocket message dropped",
		slog.String("message_type", msgType),
		slog.String("reason", reason))
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats is a snapshot of hub counters
type HubStats struct {
	ActiveClients    int   `json:"active_clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	DroppedMessages  int64 `json:"dropped_messages"`
}

// Stats returns current hub counters
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		ActiveClients:    len(h.clients),
		TotalConnections: h.totalConnections,
		MessagesSent:     h.messagesSent,
		DroppedMessages:  h.droppedMessages,
	}
}
