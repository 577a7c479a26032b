package ws

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Handler provides the live event stream endpoint.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler broadcasting through hub.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /events/stream", h.handleStream)
}

// handleStream upgrades the connection and forwards every admitted event.
// An optional ?type=ble.,wifi. query restricts the stream to event types
// with one of the given prefixes.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var prefixes []string
	if q := r.URL.Query().Get("type"); q != "" {
		for _, p := range strings.Split(q, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}

	// The introspection surface is unauthenticated; accept any origin.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		remote:   r.RemoteAddr,
		prefixes: prefixes,
		send:     make(chan []byte, SendBuffer),
		logger:   h.logger,
	}

	h.hub.Register(client)

	// Run read and write pumps. When either exits, clean up.
	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		// Unblocks readPump when the hub closed the client.
		_ = conn.Close(websocket.StatusGoingAway, "")
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	// Client disconnected -- stop write pump and unregister.
	h.hub.Unregister(client)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
