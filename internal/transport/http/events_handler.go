package http

import (
	"log/slog"
	"net/http"

	gorilla "github.com/gorilla/websocket"

	apierrors "licensor/internal/errors"
	"licensor/internal/infrastructure"
	ws "licensor/internal/websocket"
)

// EventsHandler upgrades admin connections onto the activation feed
type EventsHandler struct {
	hub      *ws.Hub
	upgrader *gorilla.Upgrader
	opts     ws.ClientOptions
	errors   *apierrors.ErrorHandler
	logger   *slog.Logger
}

// NewEventsHandler creates a websocket handler bound to hub
func NewEventsHandler(hub *ws.Hub, upgrader *gorilla.Upgrader, opts ws.ClientOptions, errs *apierrors.ErrorHandler, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		hub:      hub,
		upgrader: upgrader,
		opts:     opts,
		errors:   errs,
		logger:   logger.With(slog.String("handler", "events")),
	}
}

// ServeHTTP handles GET /api/admin/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !gorilla.IsWebSocketUpgrade(r) {
		h.errors.HandleError(w, r, apierrors.New(http.StatusBadRequest, "WEBSOCKET_REQUIRED", "This endpoint requires a websocket upgrade"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("origin", r.Header.Get("Origin")))
		return
	}

	client := ws.Serve(h.hub, ws.Wrap(conn), infrastructure.GetTraceID(r.Context()), h.opts, h.logger)
	h.logger.InfoContext(r.Context(), "admin feed client connected",
		slog.String("client_id", client.ID()),
		slog.String("remote_addr", conn.RemoteAddr().String()))
}
