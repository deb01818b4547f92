package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvidhollow/quillmail/internal/dispatch"
	"github.com/corvidhollow/quillmail/internal/events"
)

// wsFrame is one message pushed to a connected UI client: a typed
// event name plus its payload, matching spec.md §6's two broadcast
// kinds (listener_notification, listeners_update).
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from the same origin as this API in normal
	// deployment; a same-origin check would reject local dev proxies,
	// so origin is not restricted here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsClientSendBuffer = 32

// wsHub fans out listener notifications and registry-change events to
// every connected WebSocket client. Clients that fall behind have
// frames dropped rather than blocking the broadcaster, mirroring
// events.Bus's own non-blocking Publish discipline.
type wsHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan wsFrame]struct{}
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{logger: logger, clients: make(map[chan wsFrame]struct{})}
}

// run drains the dispatcher's notification queue and the event bus's
// listeners_update events onto every connected client until ctx is
// cancelled. Returns a stop func for deferred cleanup.
func (h *wsHub) run(ctx context.Context, dispatcher Dispatcher, bus *events.Bus) (stop func()) {
	var sub <-chan events.Event
	if bus != nil {
		sub = bus.Subscribe(32)
	}
	var notifyCh <-chan dispatch.Notification
	if dispatcher != nil {
		notifyCh = dispatcher.Notifications()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notifyCh:
				if !ok {
					notifyCh = nil
					continue
				}
				h.broadcast(wsFrame{Type: "listener_notification", Data: n})
			case e, ok := <-sub:
				if !ok {
					sub = nil
					continue
				}
				if e.Kind == events.KindListenersUpdate {
					h.broadcast(wsFrame{Type: "listeners_update", Data: e.Data})
				}
			}
		}
	}()

	return func() {
		if bus != nil {
			bus.Unsubscribe(sub)
		}
		<-done
	}
}

func (h *wsHub) broadcast(frame wsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- frame:
		default:
			h.logger.Warn("websocket client send buffer full, dropping frame", "type", frame.Type)
		}
	}
}

func (h *wsHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan wsFrame, wsClientSendBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard any client-initiated messages; this is a
	// push-only feed. Reading is still necessary so the connection's
	// close/ping control frames are processed.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.Error("failed to marshal websocket frame", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
