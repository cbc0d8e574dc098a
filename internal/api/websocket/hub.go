package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
)

// Hub maintains active WebSocket connections and fans activation and
// registry events out to every connected client.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds a hub bound to ctx. Run must be started for clients to
// receive anything.
func NewHub(ctx context.Context) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run owns the client set. Register, unregister and broadcast all pass
// through here, so the set only mutates on this goroutine's lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.WebSocketConnectionsActive.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketConnectionsActive.Dec()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// A client that cannot drain its buffer is dropped
					// rather than stalling the fanout.
					close(client.send)
					delete(h.clients, client)
					metrics.WebSocketConnectionsActive.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.WebSocketConnectionsActive.Dec()
	}
}

// BroadcastActivationEvent broadcasts an activation lifecycle event to all
// clients.
func (h *Hub) BroadcastActivationEvent(ev models.ActivationEvent) error {
	return h.send(models.WebSocketMessage{
		Type:      "activation_event",
		Event:     ev,
		Timestamp: time.Now(),
	})
}

// BroadcastRegistryEvent broadcasts a catalog change to all clients.
func (h *Hub) BroadcastRegistryEvent(ev models.RegistryEvent) error {
	return h.send(models.WebSocketMessage{
		Type:      "registry_event",
		Event:     ev,
		Timestamp: time.Now(),
	})
}

func (h *Hub) send(msg models.WebSocketMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// A stopped hub no longer drains broadcast; refuse instead of queueing.
	select {
	case <-h.ctx.Done():
		return h.ctx.Err()
	default:
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// GetClientCount reports how many clients are currently connected.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
