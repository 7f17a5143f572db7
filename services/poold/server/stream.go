package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lendpool/core"
)

const (
	wsWriteTimeout     = 10 * time.Second
	defaultHubBuffer   = 64
	streamBacklogLimit = 500
)

// Hub fans committed events out to websocket subscribers. A subscriber that
// falls a full buffer behind is disconnected rather than stalling commits.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

type subscriber struct {
	events chan core.Event
	closed bool
}

var _ core.Publisher = (*Hub)(nil)

// NewHub constructs a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: buffer, logger: logger}
}

// Publish implements core.Publisher. It never blocks.
func (h *Hub) Publish(_ context.Context, evt core.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.events <- evt:
		default:
			h.logger.Warn("dropping slow event subscriber", "sequence", evt.Sequence)
			h.dropLocked(sub)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func must be called
// once the caller stops reading.
func (h *Hub) Subscribe() (<-chan core.Event, func()) {
	sub := &subscriber{events: make(chan core.Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.events, func() {
		h.mu.Lock()
		h.dropLocked(sub)
		h.mu.Unlock()
	}
}

func (h *Hub) dropLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.events)
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream not configured", http.StatusNotImplemented)
		return
	}
	after, _, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resume := r.URL.Query().Has("after")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are discarded; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, resume, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, resume bool, after uint64) error {
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	last := after
	if resume && s.backlog != nil {
		for {
			backlog, err := s.backlog.Since(ctx, last, streamBacklogLimit)
			if err != nil {
				return err
			}
			for _, evt := range backlog {
				if err := writeEvent(ctx, conn, evt); err != nil {
					return err
				}
				last = evt.Sequence
			}
			if len(backlog) < streamBacklogLimit {
				break
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
			}
			if resume && evt.Sequence <= last {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			last = evt.Sequence
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt core.Event) error {
	data, err := json.Marshal(newEventView(evt))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
