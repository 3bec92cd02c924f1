// Package assistant owns the conversational assistant channel: its
// connect and reconnect lifecycle, message framing and turn history.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redmage123/course-creator-sub015/internal/assistctx"
	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
)

var (
	ErrNotReady     = errors.New("assistant is not connected")
	ErrReplyPending = errors.New("assistant reply pending")
	ErrEmptyMessage = errors.New("empty message")
	ErrClosed       = errors.New("assistant channel closed")
	// ErrConnectionFailed is the terminal error after reconnect attempts run out.
	ErrConnectionFailed = errors.New("assistant connection failed")
)

// State is the connection state of the assistant channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Identity is sent in the init message.
type Identity struct {
	LearnerID  string
	SessionID  string
	ExerciseID string
	CourseID   string
}

// ContextSource produces the context blob attached to a request.
type ContextSource interface {
	AssistantContext() domain.ContextBlob
}

// Config configures a Manager.
type Config struct {
	URL       string
	Header    http.Header
	Reconnect channel.Backoff
	// Identity is called on every (re)connect.
	Identity func() Identity
	Logger   *slog.Logger
}

// Snapshot is a consistent view of the manager's observable state.
type Snapshot struct {
	State          State
	Pending        bool
	Thinking       bool
	IncludeContext bool
	Turns          []domain.Turn
	LastError      error
}

// Manager owns one assistant channel.
type Manager struct {
	cfg    Config
	source ContextSource
	log    *slog.Logger
	now    func() time.Time
	newID  func() string

	mu             sync.Mutex
	state          State
	conn           *channel.Conn
	pending        bool
	thinking       bool
	streaming      int // index of the turn receiving chunks, -1 if none
	turns          []domain.Turn
	includeContext bool
	attempt        int
	lastErr        error
	closed         bool
	cancel         context.CancelFunc
	done           chan struct{}
	changed        chan struct{}
}

// NewManager creates a disconnected manager. source may be nil.
func NewManager(cfg Config, source ContextSource) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reconnect == (channel.Backoff{}) {
		cfg.Reconnect = channel.DefaultBackoff()
	}
	if cfg.Identity == nil {
		cfg.Identity = func() Identity { return Identity{} }
	}
	return &Manager{
		cfg:            cfg,
		source:         source,
		log:            logger.With("component", "assistant"),
		now:            time.Now,
		newID:          uuid.NewString,
		state:          StateDisconnected,
		streaming:      -1,
		includeContext: true,
		changed:        make(chan struct{}),
	}
}

// Open connects the channel. It returns immediately; the manager becomes
// ready once the remote side acknowledges the init message.
func (m *Manager) Open() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running() {
		return
	}
	m.closed = false
	m.attempt = 0
	m.startLocked()
}

// Reconnect resets the attempt counter and reconnects if the channel gave up.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = 0
	m.closed = false
	m.lastErr = nil
	if m.running() {
		return
	}
	m.startLocked()
}

// Close closes the channel deliberately; no reconnection follows.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conn, cancel, done := m.conn, m.cancel, m.done
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close("assistant panel closed"); err != nil {
			m.log.Debug("assistant close handshake failed", "error", err)
		}
	}
	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.conn = nil
	m.cancel, m.done = nil, nil
	m.pending, m.thinking, m.streaming = false, false, -1
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
}

func (m *Manager) running() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) startLocked() {
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.setStateLocked(StateConnecting)
	go m.run(ctx, done)
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending reports whether a reply is outstanding.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Thinking reports whether the remote side signalled it is working on the reply.
func (m *Manager) Thinking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thinking
}

// Turns returns a copy of the conversation.
func (m *Manager) Turns() []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Turn(nil), m.turns...)
}

// LastError returns the most recent surfaced error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SetIncludeContext toggles context inclusion for Send.
func (m *Manager) SetIncludeContext(on bool) {
	m.mu.Lock()
	m.includeContext = on
	m.notifyLocked()
	m.mu.Unlock()
}

// IncludeContext reports the context toggle.
func (m *Manager) IncludeContext() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.includeContext
}

// Snapshot returns the observable state in one read.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:          m.state,
		Pending:        m.pending,
		Thinking:       m.thinking,
		IncludeContext: m.includeContext,
		Turns:          append([]domain.Turn(nil), m.turns...),
		LastError:      m.lastErr,
	}
}

// WaitFor blocks until cond holds for the current snapshot or ctx is done.
func (m *Manager) WaitFor(ctx context.Context, cond func(Snapshot) bool) error {
	for {
		m.mu.Lock()
		snap := m.snapshotLocked()
		changed := m.changed
		m.mu.Unlock()
		if cond(snap) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// WaitIdle blocks until no reply is pending.
func (m *Manager) WaitIdle(ctx context.Context) error {
	return m.WaitFor(ctx, func(s Snapshot) bool { return !s.Pending })
}

// Send sends a user message, with context when the toggle is on. Only one
// reply may be pending at a time.
func (m *Manager) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	if err := m.checkSendableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	include := m.includeContext
	m.mu.Unlock()

	var blob domain.ContextBlob
	if include && m.source != nil {
		blob = m.source.AssistantContext()
	}
	return m.send(ctx, text, blob, include)
}

func (m *Manager) checkSendableLocked() error {
	switch {
	case m.closed:
		return ErrClosed
	case m.state != StateReady || m.conn == nil:
		return ErrNotReady
	case m.pending:
		return ErrReplyPending
	}
	return nil
}

func (m *Manager) send(ctx context.Context, text string, blob domain.ContextBlob, include bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	content := text
	var descriptor *domain.ContextDescriptor
	if include {
		content = assistctx.Compose(text, blob)
		descriptor = assistctx.Descriptor(blob)
	}

	m.mu.Lock()
	if err := m.checkSendableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	conn := m.conn
	m.pending = true
	m.thinking = false
	turn := domain.Turn{
		ID:        m.newID(),
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: m.now(),
		Context:   descriptor,
	}
	m.turns = append(m.turns, turn)
	m.notifyLocked()
	m.mu.Unlock()

	id := m.cfg.Identity()
	err := conn.WriteJSON(ctx, protocol.AssistantMessage{
		Type:       protocol.AssistantUserMessage,
		LearnerID:  id.LearnerID,
		SessionID:  id.SessionID,
		ExerciseID: id.ExerciseID,
		CourseID:   id.CourseID,
		Content:    content,
		Context:    descriptor,
	})
	if err != nil {
		err = fmt.Errorf("send message: %w", err)
		m.mu.Lock()
		m.pending = false
		m.lastErr = err
		for i := len(m.turns) - 1; i >= 0; i-- {
			if m.turns[i].ID == turn.ID {
				m.turns = append(m.turns[:i], m.turns[i+1:]...)
				break
			}
		}
		m.notifyLocked()
		m.mu.Unlock()
		return err
	}
	m.log.Debug("user message sent", "with_context", descriptor != nil)
	return nil
}

// ClearHistory clears the conversation locally and asks the remote side to
// forget it when connected.
func (m *Manager) ClearHistory(ctx context.Context) error {
	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return ErrReplyPending
	}
	m.turns = nil
	m.streaming = -1
	conn := m.conn
	ready := m.state == StateReady
	m.notifyLocked()
	m.mu.Unlock()

	if !ready || conn == nil {
		return nil
	}
	id := m.cfg.Identity()
	if err := conn.WriteJSON(ctx, protocol.AssistantMessage{
		Type:      protocol.AssistantClearHistory,
		LearnerID: id.LearnerID,
		SessionID: id.SessionID,
	}); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.notifyLocked()
}

// notifyLocked wakes every WaitFor caller.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
