package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS layer on the rest of the API; the
	// gateway itself authenticates with the first frame, not the origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests into gateway connections
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a WebSocket handler
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// ServeHTTP upgrades HTTP to WebSocket and pumps the connection until the
// client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(h.hub, conn, h.logger)
	h.hub.Register(client)

	// The request context dies when ServeHTTP returns after the upgrade,
	// so the connection gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	client.SetCancelFunc(cancel)

	go client.WritePump(ctx)
	client.ReadPump(ctx)
}
