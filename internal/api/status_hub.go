package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
)

const (
	subscriberBuffer   = 16
	statusWriteTimeout = 10 * time.Second
)

// StatusHub fans status messages out to the websocket subscribers of each
// session. Publishing never blocks; a subscriber that falls behind loses
// messages.
type StatusHub struct {
	mu   sync.Mutex
	subs map[string]map[chan protocol.StatusMessage]struct{}
	log  *slog.Logger
}

// NewStatusHub creates an empty hub.
func NewStatusHub(logger *slog.Logger) *StatusHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHub{
		subs: make(map[string]map[chan protocol.StatusMessage]struct{}),
		log:  logger.With("component", "status_hub"),
	}
}

// Subscribe registers a subscriber for sessionID. The returned function
// unregisters it.
func (h *StatusHub) Subscribe(sessionID string) (<-chan protocol.StatusMessage, func()) {
	ch := make(chan protocol.StatusMessage, subscriberBuffer)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan protocol.StatusMessage]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
		})
	}
}

// Publish delivers msg to every subscriber of sessionID.
func (h *StatusHub) Publish(sessionID string, msg protocol.StatusMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- msg:
		default:
			h.log.Warn("status subscriber too slow, dropping message", "session_id", sessionID, "type", msg.Type)
		}
	}
}

// Sessions lists the sessions that currently have subscribers.
func (h *StatusHub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// Subscribers returns the subscriber count of sessionID.
func (h *StatusHub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// StatusChannel streams status messages for one session. The current status
// is sent first. The server closes the channel once the session ends or is
// replaced.
func (h *Handler) StatusChannel(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("failed to accept websocket", "session_id", session.ID, "error", err)
		return
	}
	// Inbound messages are not part of the protocol; CloseRead still
	// processes control frames and cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	conn := channel.Wrap(ws)
	defer func() { _ = conn.CloseNow() }()

	msgs, unsubscribe := h.hub.Subscribe(session.ID)
	defer unsubscribe()

	if err := writeStatus(ctx, conn, protocol.StatusMessage{Type: protocol.StatusChanged, Status: session.Status}); err != nil {
		return
	}
	if !session.Status.Active() {
		_ = conn.Close("session ended")
		return
	}
	if snap := h.sampler.Latest(session.ID); snap != nil {
		if err := writeStatus(ctx, conn, protocol.StatusMessage{Type: protocol.ResourceSnapshot, Resources: snap}); err != nil {
			return
		}
	}

	h.log.Debug("status channel opened", "session_id", session.ID)
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("status channel closed by peer", "session_id", session.ID)
			return
		case msg := <-msgs:
			if err := writeStatus(ctx, conn, msg); err != nil {
				h.log.Debug("status write failed", "session_id", session.ID, "error", err)
				return
			}
			if msg.Type == protocol.SessionReplaced || (msg.Type == protocol.StatusChanged && !msg.Status.Active()) {
				_ = conn.Close("session ended")
				return
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *channel.Conn, msg protocol.StatusMessage) error {
	ctx, cancel := context.WithTimeout(ctx, statusWriteTimeout)
	defer cancel()
	return conn.WriteJSON(ctx, msg)
}
