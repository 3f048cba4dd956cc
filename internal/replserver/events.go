package replserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loomsync/loom/internal/metrics"
	"github.com/loomsync/loom/internal/util/timefmt"
)

// adminEvent is one lifecycle notice published over /_admin/events: a
// reborn, a lagged subscriber resynced, or a resource isolated after a
// merge engine panic. This is an observability side channel, not part
// of the replication protocol in spec.md §6. At is rendered through
// timefmt rather than time.Time's default JSON encoding so the wire
// format stays millisecond-precision regardless of the Go version
// producing it.
type adminEvent struct {
	Type string `json:"type"` // "reborn" | "lagged" | "isolated"
	Path string `json:"path"`
	At   string `json:"at"`
	Note string `json:"note,omitempty"`
}

func newAdminEvent(eventType, path, note string) adminEvent {
	return adminEvent{Type: eventType, Path: path, At: timefmt.Format(time.Now()), Note: note}
}

// eventBus fans admin lifecycle events out to every connected
// /_admin/events listener. Unlike fanout.Hub, there is no per-resource
// grouping: every listener sees every resource's events.
type eventBus struct {
	mu   sync.RWMutex
	subs map[chan adminEvent]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[chan adminEvent]struct{}{}}
}

func (b *eventBus) subscribe() chan adminEvent {
	ch := make(chan adminEvent, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *eventBus) unsubscribe(ch chan adminEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *eventBus) publish(e adminEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// A slow admin listener drops events rather than blocking a
			// resource's write pipeline.
		}
	}
}

// handleAdminEvents streams lifecycle events over a WebSocket
// connection, one JSON object per text message, until the client
// disconnects, grounded on the
// teacher's watch-events handler minus its auth handshake (this is a
// local operator feed, not a multi-tenant API).
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"loom.admin-events.v1"},
	})
	if err != nil {
		slog.Debug("admin events: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.AdminEventsConnectionsActive.Inc()
	defer metrics.AdminEventsConnectionsActive.Dec()

	ctx := r.Context()
	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "context cancelled")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			metrics.AdminEventsSentTotal.Inc()
		}
	}
}
