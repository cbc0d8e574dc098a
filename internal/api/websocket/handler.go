package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moduleplane/moduleplane/internal/activation"
	"github.com/moduleplane/moduleplane/internal/models"
)

// EventSource is the slice of the module service the stream bridge consumes.
type EventSource interface {
	Events() *activation.Bus
	RegistryEvents(buffer int) (<-chan models.RegistryEvent, func())
}

// Handler upgrades HTTP connections and bridges the activation and registry
// event streams onto the hub.
type Handler struct {
	hub      *Hub
	source   EventSource
	upgrader websocket.Upgrader
	log      *slog.Logger
	ctx      context.Context
}

// NewHandler creates a new WebSocket handler. An empty allowedOrigins list
// accepts every origin; deployments that terminate CORS upstream pass nil.
func NewHandler(ctx context.Context, hub *Hub, source EventSource, allowedOrigins []string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		hub:    hub,
		source: source,
		log:    log.With("component", "websocket"),
		ctx:    ctx,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowedOrigins)
		},
	}
	return h
}

// originAllowed applies the configured origin list. Requests without an
// Origin header (non-browser clients) are always accepted.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS handles websocket requests from clients
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	clientID := uuid.New().String()
	client := NewClient(h.ctx, h.hub, conn, clientID, h.log)

	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()

	h.log.Info("websocket client connected", "client_id", clientID, "remote_addr", r.RemoteAddr)
}

// StreamEvents subscribes to the activation bus and the registry feed and
// broadcasts everything they deliver until the handler context is cancelled
// or the sources shut down. Run it in its own goroutine at startup.
func (h *Handler) StreamEvents() {
	events, stopEvents := h.source.Events().Subscribe()
	defer stopEvents()

	registry, stopRegistry := h.source.RegistryEvents(64)
	defer stopRegistry()

	for {
		select {
		case <-h.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.hub.BroadcastActivationEvent(ev); err != nil {
				return
			}

		case ev, ok := <-registry:
			if !ok {
				return
			}
			if err := h.hub.BroadcastRegistryEvent(ev); err != nil {
				return
			}
		}
	}
}
