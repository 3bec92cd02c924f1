package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/identity"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
)

// maxMessageLength bounds a single user message, in bytes.
const maxMessageLength = 64 << 10

// HandlerConfig tunes the assistant endpoint.
type HandlerConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	WriteTimeout      time.Duration
}

// Handler serves the assistant websocket channel.
type Handler struct {
	svc          *Service
	limiter      *RateLimiter
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewHandler creates the assistant endpoint. Close releases the rate limiter.
func NewHandler(svc *Service, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		svc:          svc,
		limiter:      NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		writeTimeout: cfg.WriteTimeout,
		log:          logger.With("component", "assistant_ws"),
	}
}

// RegisterRoutes registers the assistant channel (requires identity).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/assistant", h.HandleAssistant)
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// HandleAssistant upgrades to a websocket and serves one learner's
// conversation until the client disconnects.
func (h *Handler) HandleAssistant(w http.ResponseWriter, r *http.Request) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	if learnerID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("failed to accept websocket", "error", err, "learner_id", learnerID)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &assistantConn{
		h:         h,
		conn:      channel.Wrap(ws),
		learnerID: learnerID,
	}
	defer func() {
		cancel()
		c.wg.Wait()
		_ = c.conn.CloseNow()
	}()

	h.log.Info("assistant channel opened", "learner_id", learnerID)
	err = c.serve(ctx)
	switch {
	case err == nil, channel.IsNormalClosure(err), errors.Is(err, context.Canceled):
		h.log.Info("assistant channel closed", "learner_id", learnerID)
	default:
		h.log.Warn("assistant channel ended", "learner_id", learnerID, "error", err)
	}
}

// assistantConn is the per-connection state. At most one reply streams at
// a time.
type assistantConn struct {
	h         *Handler
	conn      *channel.Conn
	learnerID string
	wg        sync.WaitGroup

	mu         sync.Mutex
	sessionID  string
	exerciseID string
	courseID   string
	ready      bool
	busy       bool
}

func (c *assistantConn) serve(ctx context.Context) error {
	for {
		var msg protocol.AssistantMessage
		if err := c.conn.ReadJSON(ctx, &msg); err != nil {
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *assistantConn) handle(ctx context.Context, msg protocol.AssistantMessage) error {
	if msg.LearnerID != "" && msg.LearnerID != c.learnerID {
		_ = c.write(ctx, errorMessage("learner id does not match the authenticated learner"))
		return errors.New("learner id mismatch")
	}

	switch msg.Type {
	case protocol.AssistantInit:
		c.mu.Lock()
		c.sessionID, c.exerciseID, c.courseID = msg.SessionID, msg.ExerciseID, msg.CourseID
		c.ready = true
		c.mu.Unlock()
		return c.write(ctx, protocol.AssistantMessage{
			Type:      protocol.AssistantConnected,
			LearnerID: c.learnerID,
			SessionID: msg.SessionID,
		})

	case protocol.AssistantUserMessage:
		return c.startReply(ctx, msg)

	case protocol.AssistantClearHistory:
		sessionID := c.session(msg.SessionID)
		if err := c.h.svc.ResetSession(ctx, c.learnerID, sessionID); err != nil {
			c.h.log.Warn("reset session failed", "learner_id", c.learnerID, "session_id", sessionID, "error", err)
			return c.write(ctx, errorMessage("failed to clear history"))
		}
		return c.write(ctx, protocol.AssistantMessage{Type: protocol.AssistantHistoryCleared, SessionID: sessionID})

	default:
		return c.write(ctx, errorMessage("unknown message type: "+string(msg.Type)))
	}
}

func (c *assistantConn) session(override string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if override != "" {
		return override
	}
	return c.sessionID
}

func (c *assistantConn) startReply(ctx context.Context, msg protocol.AssistantMessage) error {
	text := strings.TrimSpace(msg.Content)
	switch {
	case text == "":
		return c.write(ctx, errorMessage("message is required"))
	case len(text) > maxMessageLength:
		return c.write(ctx, errorMessage("message too long"))
	}

	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return c.write(ctx, errorMessage("send init before messages"))
	}
	if c.busy {
		c.mu.Unlock()
		return c.write(ctx, errorMessage("a reply is already pending"))
	}
	if !c.h.limiter.Allow(c.learnerID) {
		c.mu.Unlock()
		return c.write(ctx, errorMessage("rate limit exceeded"))
	}
	c.busy = true
	req := ChatRequest{
		Message:    text,
		Context:    msg.Context,
		LearnerID:  c.learnerID,
		SessionID:  c.sessionID,
		ExerciseID: c.exerciseID,
		CourseID:   c.courseID,
	}
	if msg.SessionID != "" {
		req.SessionID = msg.SessionID
	}
	c.mu.Unlock()

	c.h.log.Info("assistant request", "learner_id", req.LearnerID, "session_id", req.SessionID, "message_length", len(req.Message), "with_context", req.Context != nil)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		last, ok := c.reply(ctx, req)
		// Clear busy before the terminal message so the client can send
		// its next message as soon as it sees it.
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		if ok {
			_ = c.write(ctx, last)
		}
	}()
	return nil
}

// reply streams the answer as non-final chunks and returns the terminal
// message: the held-back last chunk with done=true, or an error.
func (c *assistantConn) reply(ctx context.Context, req ChatRequest) (protocol.AssistantMessage, bool) {
	if err := c.write(ctx, protocol.AssistantMessage{Type: protocol.AssistantThinking}); err != nil {
		return protocol.AssistantMessage{}, false
	}

	var held *ChatResponse
	for resp, err := range c.h.svc.Chat(ctx, req) {
		if err != nil {
			return errorMessage(userFacingError(err)), true
		}
		if resp.Content == "" {
			continue
		}
		if held != nil {
			if err := c.write(ctx, responseMessage(held.Content, false)); err != nil {
				return protocol.AssistantMessage{}, false
			}
		}
		held = resp
	}

	final := ""
	if held != nil {
		final = held.Content
	}
	return responseMessage(final, true), true
}

func (c *assistantConn) write(ctx context.Context, msg protocol.AssistantMessage) error {
	ctx, cancel := context.WithTimeout(ctx, c.h.writeTimeout)
	defer cancel()
	if err := c.conn.WriteJSON(ctx, msg); err != nil {
		c.h.log.Debug("assistant write failed", "learner_id", c.learnerID, "type", msg.Type, "error", err)
		return err
	}
	return nil
}

func responseMessage(content string, done bool) protocol.AssistantMessage {
	return protocol.AssistantMessage{
		Type:    protocol.AssistantResponse,
		Content: content,
		Done:    protocol.Bool(done),
	}
}

func errorMessage(text string) protocol.AssistantMessage {
	return protocol.AssistantMessage{Type: protocol.AssistantError, Error: text}
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "The assistant is not available right now."
	case errors.Is(err, context.DeadlineExceeded):
		return "The assistant took too long to answer. Please try again."
	case errors.Is(err, errChatResponse):
		return err.Error()
	}
	return "The assistant could not answer this request."
}
