// Package ws mirrors the event bus to WebSocket clients. The hub is a pure
// fan-out: clients receive every event published after they connect and
// cannot send commands over the socket. Catch-up reads go through the HTTP
// event log endpoints instead.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

// writeTimeout bounds one broadcast write so a stalled client cannot hold
// the hub's read lock indefinitely.
const writeTimeout = 10 * time.Second

// conn is one accepted WebSocket client.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	mu     sync.Mutex // serializes writes to ws
}

// Hub tracks connected clients and broadcasts event messages to them.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates an empty hub. A nil logger falls back to slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		conns:  make(map[*conn]struct{}),
	}
}

// ServeHTTP lets the hub be mounted directly on a route.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWS(w, r)
}

// HandleWS upgrades the request and registers the client. The read loop only
// consumes control frames and detects disconnects; client data frames are
// discarded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy enforced by the CORS middleware
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	if err := h.write(ctx, c, helloMessage()); err != nil {
		h.drop(c)
		return
	}

	go func() {
		defer h.drop(c)
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// BroadcastEvent sends ev to every connected client. Clients whose write
// fails are dropped; the caller never sees an error.
func (h *Hub) BroadcastEvent(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}
	msg, err := eventMessage(ev)
	if err != nil {
		h.logger.Error("websocket event marshal failed", "event_type", ev.Type, "error", err)
		return
	}
	h.Broadcast(ctx, msg)
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("websocket marshal failed", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := h.writeRaw(ctx, c, data); err != nil {
			h.logger.Debug("websocket write failed, dropping client", "error", err)
			h.drop(c)
		}
	}
}

// ConnectionCount reports the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client. Used on graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) write(ctx context.Context, c *conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.writeRaw(ctx, c, data)
}

func (h *Hub) writeRaw(ctx context.Context, c *conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
	}
	h.mu.Unlock()

	if ok {
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("websocket client disconnected")
	}
}
