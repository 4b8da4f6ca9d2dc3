package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"fastdls/internal/config"
	"fastdls/internal/infrastructure"
	"fastdls/internal/middleware"
	ws "fastdls/internal/websocket"
)

// EventsHandler upgrades /-/events requests into lease event subscriptions.
type EventsHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler creates the event stream handler. Cross-origin
// subscribers must match allowedOrigins; same-origin and non-browser
// clients are always accepted.
func NewEventsHandler(hub *ws.Hub, cfg config.WebSocketConfig, allowedOrigins []string, logger *slog.Logger) *EventsHandler {
	h := &EventsHandler{
		hub:    hub,
		logger: logger.With(slog.String("handler", "events")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || strings.HasSuffix(origin, "://"+r.Host) {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			h.logger.WarnContext(r.Context(), "event stream origin not allowed",
				slog.String("origin", origin))
			return false
		},
	}
	return h
}

// Subscribe handles GET /-/events
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.WarnContext(ctx, "event stream upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}
	if client := ws.Serve(h.hub, ws.NewConnectionWrapper(conn), traceID); client == nil {
		h.logger.WarnContext(ctx, "event stream closed, hub is shutting down")
		return
	}
	h.logger.InfoContext(ctx, "event stream subscriber connected",
		slog.String("remote_addr", r.RemoteAddr))
}
