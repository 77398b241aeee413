package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/helixchat/offsync/internal/offsync"
)

const eventWriteTimeout = 5 * time.Second

// eventHub fans the engine's event stream out to websocket clients. Each
// client gets a buffered channel; one that stops reading is disconnected
// rather than allowed to stall the others.
type eventHub struct {
	engine *offsync.Engine

	mu      sync.Mutex
	nextID  int
	clients map[int]chan offsync.SyncEvent
	closed  bool

	unsubscribe func()
	stop        chan struct{}
	wg          sync.WaitGroup
}

func newEventHub(engine *offsync.Engine) *eventHub {
	h := &eventHub{
		engine:  engine,
		clients: map[int]chan offsync.SyncEvent{},
		stop:    make(chan struct{}),
	}
	events, unsubscribe := engine.Subscribe(256)
	h.unsubscribe = unsubscribe
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pump(events)
	}()
	return h
}

func (h *eventHub) pump(events <-chan offsync.SyncEvent) {
	for {
		select {
		case <-h.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.mu.Lock()
			for id, ch := range h.clients {
				select {
				case ch <- ev:
				default:
					// Full buffer means a stalled reader; drop it.
					delete(h.clients, id)
					close(ch)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *eventHub) register() (int, chan offsync.SyncEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	id := h.nextID
	h.nextID++
	ch := make(chan offsync.SyncEvent, 64)
	h.clients[id] = ch
	return id, ch, true
}

func (h *eventHub) deregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()
	close(h.stop)
	h.unsubscribe()
	h.wg.Wait()
}

func (h *eventHub) handleSocket(w http.ResponseWriter, r *http.Request) {
	id, events, ok := h.register()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "event feed is closed")
		return
	}
	defer h.deregister(id)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event feed terminated")

	ctx := r.Context()
	// The initial frame is a status snapshot so clients render without
	// waiting for the first transition.
	if err := h.writeFrame(ctx, conn, map[string]any{"kind": "status", "status": h.engine.Status()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-h.stop:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, open := <-events:
			if !open {
				conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
				return
			}
			if err := h.writeFrame(ctx, conn, map[string]any{"kind": "event", "event": ev}); err != nil {
				return
			}
		}
	}
}

func (h *eventHub) writeFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}
