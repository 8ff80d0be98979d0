package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"mailreg/internal/infrastructure"
)

// Message types pushed to subscribers
const (
	TypeConnection   = "connection"
	TypeLicenseAudit = "license_audit"
)

const broadcastBuffer = 256

// Message is the envelope of every frame sent to a subscriber.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Hub maintains the set of audit stream subscribers and fans messages out
// to them. Only the Run goroutine mutates the client set.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	metrics    *OTelMetrics
	pingPeriod time.Duration

	totalConnections int64
	messagesSent     int64
	messagesDropped  int64

	quit    chan struct{}
	done    chan struct{}
	running bool
	stopped bool
}

// NewHub creates a new hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	metrics, err := NewOTelMetrics()
	if err != nil {
		logger.Warn("websocket metrics disabled", slog.String("error", err.Error()))
	}

	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
		pingPeriod: defaultPingPeriod,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetPingPeriod changes the keepalive interval of clients registered later.
func (h *Hub) SetPingPeriod(d time.Duration) {
	if d <= 0 || d >= pongWait {
		return
	}
	h.mu.Lock()
	h.pingPeriod = d
	h.mu.Unlock()
}

// Start launches the hub loop. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	defer close(h.done)
	h.logger.Info("WebSocket hub started")

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()

			ctx := context.Background()
			if client.traceID != "" {
				ctx = infrastructure.WithTraceID(ctx, client.traceID)
			}
			h.metrics.RecordConnection(ctx, client.remoteAddr)
			h.logger.InfoContext(ctx, "Client connected",
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr),
				slog.Int("total_clients", count))

			if payload, err := encode(TypeConnection, map[string]interface{}{
				"status":    "connected",
				"client_id": client.id,
			}, client.traceID); err == nil {
				select {
				case client.send <- payload:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			h.metrics.RecordDisconnection(context.Background(), time.Since(client.connectedAt))
			h.logger.Info("Client disconnected",
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)),
				slog.Int("remaining_clients", count))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	successCount := 0
	failCount := 0
	for client := range h.clients {
		select {
		case client.send <- message:
			successCount++
			h.messagesSent++
		default:
			// Slow subscriber; drop it rather than stall the stream
			failCount++
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("Client send buffer full, disconnecting",
				slog.String("client_id", client.id))
		}
	}

	if failCount > 0 {
		h.logger.Warn("Some clients failed to receive broadcast",
			slog.Int("success_count", successCount),
			slog.Int("fail_count", failCount))
	}
	h.metrics.RecordBroadcast(context.Background(), int64(successCount+failCount), int64(successCount), int64(failCount))
}

// Broadcast queues a typed message for every subscriber. It never blocks:
// when the queue is full or the hub is stopped the message is dropped.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	h.BroadcastWithTrace(messageType, data, "")
}

// BroadcastWithTrace is Broadcast with a trace id attached to the envelope.
func (h *Hub) BroadcastWithTrace(messageType string, data interface{}, traceID string) {
	payload, err := encode(messageType, data, traceID)
	if err != nil {
		h.logger.Error("Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", messageType))
		return
	}

	select {
	case <-h.quit:
		h.drop("hub_stopped")
		return
	default:
	}

	select {
	case h.broadcast <- payload:
	default:
		h.drop("queue_full")
	}
}

func (h *Hub) drop(reason string) {
	h.mu.Lock()
	h.messagesDropped++
	h.mu.Unlock()
	h.metrics.RecordDroppedMessage(context.Background(), reason)
}

func encode(messageType string, data interface{}, traceID string) ([]byte, error) {
	return json.Marshal(Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   traceID,
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop gracefully stops the hub and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	wasRunning := h.running
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	if wasRunning {
		<-h.done
	}
}

// GetHubMetrics returns current hub metrics
func (h *Hub) GetHubMetrics() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
		"messages_dropped":  h.messagesDropped,
		"broadcast_queue":   len(h.broadcast),
	}
}

// attach hands a client to the Run loop. It reports false once the hub has
// stopped.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}
