package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may stay silent before the read
	// side gives up. Pings go out well inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Clients only send subscription
	// chatter, so 4KB is generous.
	maxMessageSize = 4 * 1024
)

// Client is one subscriber connection. Outbound events queue on send; the
// hub closes send when it drops the client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	ctx    context.Context
	cancel context.CancelFunc

	id  string
	log *slog.Logger
}

// NewClient wraps an upgraded connection for the hub.
func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, id string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		ctx:    clientCtx,
		cancel: cancel,
		id:     id,
		log:    log.With("client_id", id),
	}
}

// ReadPump drains the connection until it errors or the client context
// ends, keeping the pong deadline fresh along the way.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.log.Warn("websocket read failed", "error", err)
				}
				return
			}

			// The stream is one-way; inbound frames are logged and dropped.
			c.log.Debug("websocket message received", "bytes", len(message))
		}
	}
}

// WritePump flushes the send queue to the connection and keeps the peer
// alive with periodic pings. A closed send channel means the hub dropped
// this client, so the pump sends a close frame and exits.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce whatever else is already queued into the same frame,
			// newline separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Close cancels the client context, which stops both pumps.
func (c *Client) Close() {
	c.cancel()
}
