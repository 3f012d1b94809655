// Package ws bridges the engine's command/event queues over a JSON
// websocket, so out-of-process tooling (a detached GUI, headless
// dashboards, integration tests) can drive the engine without linking
// against it. The bridge is layered strictly on top of the in-process
// queues: it is never on an audio thread's path, and the engine is fully
// usable without it.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/enscrypted/gecko/internal/transport"
)

const writeTimeout = 5 * time.Second

// subscriberBuffer is each connection's private event backlog. A client
// that stops reading loses its oldest events, never stalls the bridge.
const subscriberBuffer = 64

// Handler owns websocket transport for the engine's control plane.
type Handler struct {
	commands *transport.CommandQueue
	events   *transport.EventQueue
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]chan transport.Event
}

// NewHandler creates a websocket handler bound to the engine's queues.
func NewHandler(commands *transport.CommandQueue, events *transport.EventQueue) *Handler {
	return &Handler{
		commands: commands,
		events:   events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		subs: make(map[string]chan transport.Event),
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// Run drains the engine's event queue and fans each event out to every
// connected client until ctx is canceled. Exactly one Run loop may be
// active per Handler; it is the queue's single consumer.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-h.events.Chan():
			h.broadcast(evt)
		}
	}
}

func (h *Handler) broadcast(evt transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Full backlog: evict the oldest event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
				slog.Debug("ws subscriber backlog still full", "conn_id", id, "type", evt.Type)
			}
		}
	}
}

func (h *Handler) subscribe(id string) chan transport.Event {
	ch := make(chan transport.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return ch
}

func (h *Handler) unsubscribe(id string) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	slog.Debug("ws upgrade request", "remote", remoteAddr)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	conn.SetReadLimit(1 << 16)

	connID := uuid.NewString()
	sub := h.subscribe(connID)
	defer h.unsubscribe(connID)

	slog.Info("ws connected", "conn_id", connID, "remote", remoteAddr)
	defer slog.Info("ws disconnected", "conn_id", connID, "remote", remoteAddr)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(evt); err != nil {
					slog.Debug("ws write error", "conn_id", connID, "type", evt.Type, "err", err)
					return
				}
			}
		}
	}()

	for {
		var cmd transport.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "conn_id", connID, "err", err)
			}
			return
		}
		if err := cmd.Validate(); err != nil {
			h.replyError(sub, connID, err.Error())
			continue
		}
		if !h.commands.Push(cmd) {
			h.replyError(sub, connID, "engine command queue is full")
			continue
		}
		slog.Debug("ws command accepted", "conn_id", connID, "type", cmd.Type)
	}
}

// replyError reports a per-connection failure (bad frame, full queue) to
// the offending client only, through its subscriber channel so the
// connection keeps a single websocket writer. Other clients never see it.
func (h *Handler) replyError(sub chan transport.Event, connID, msg string) {
	evt := transport.Event{Type: transport.EvtError, ID: uuid.NewString(), Message: msg}
	select {
	case sub <- evt:
	default:
		slog.Debug("ws error reply dropped", "conn_id", connID, "msg", msg)
	}
}
