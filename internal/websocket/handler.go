package websocket

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"mailreg/internal/config"
	"mailreg/internal/infrastructure"
)

// Handler upgrades HTTP requests and subscribes them to the hub.
type Handler struct {
	hub            *Hub
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	logger         *slog.Logger
}

// NewHandler creates the upgrade handler. An empty allowedOrigins accepts
// every origin.
func NewHandler(hub *Hub, cfg config.WebSocketConfig, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	h := &Handler{
		hub:            hub,
		allowedOrigins: make(map[string]bool, len(allowedOrigins)),
		logger:         logger.With(slog.String("component", "websocket.handler")),
	}
	for _, origin := range allowedOrigins {
		h.allowedOrigins[origin] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	hub.SetPingPeriod(cfg.PingPeriod)
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow if no origin (CLI tools and same-origin requests)
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.WarnContext(r.Context(), "WebSocket origin check - origin not allowed",
		slog.String("origin", origin))
	return false
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.ErrorContext(ctx, "WebSocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("origin", r.Header.Get("Origin")))
		return
	}

	client := NewClient(h.hub, conn, r.RemoteAddr, infrastructure.GetTraceID(ctx), h.logger)
	if !client.Serve() {
		h.logger.WarnContext(ctx, "WebSocket hub stopped, connection refused")
		return
	}

	h.logger.InfoContext(ctx, "WebSocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("client_id", client.id))
}
