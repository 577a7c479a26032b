// Package ws streams admitted events to websocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// SendBuffer is the per-client queue depth; a client that falls this far
// behind loses messages rather than slowing the node.
const SendBuffer = 256

// Client represents a connected WebSocket client.
type Client struct {
	conn     *websocket.Conn
	remote   string
	prefixes []string
	send     chan []byte
	logger   *zap.Logger
}

// wants reports whether an event of type typ passes the client's filter.
func (c *Client) wants(typ string) bool {
	if len(c.prefixes) == 0 {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// Hub manages active WebSocket connections and broadcasts messages.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	filtered int
	logger   *zap.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if len(c.prefixes) > 0 {
		h.filtered++
	}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("remote", c.remote))
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.remove(c)
	}
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", zap.String("remote", c.remote))
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	if len(c.prefixes) > 0 {
		h.filtered--
	}
	close(c.send)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.remove(c)
	}
}

// Broadcast queues raw to every client whose filter accepts it. It never
// blocks.
func (h *Hub) Broadcast(raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	var typ string
	if h.filtered > 0 {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &head)
		typ = head.Type
	}

	for c := range h.clients {
		if !c.wants(typ) {
			continue
		}
		select {
		case c.send <- raw:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Debug("client send buffer full, dropping message",
				zap.String("remote", c.remote))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Sent counts messages queued to clients.
func (h *Hub) Sent() uint64 { return h.sent.Load() }

// Dropped counts messages lost to full client buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// writePump sends messages from the client's send channel to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				// Channel closed by hub (unregister).
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
				cancel()
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}
			cancel()
		}
	}
}

// readPump reads from the WebSocket to detect client disconnect.
// We don't expect client-to-server messages, so we just drain.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
