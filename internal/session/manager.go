// Package session owns the lab session lifecycle state machine and the
// real-time status channel bound to the active session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/sandbox"
)

var (
	// ErrTransitionInFlight is returned when a lifecycle request arrives while
	// another one is still waiting for the remote acknowledgment.
	ErrTransitionInFlight = errors.New("session transition already in progress")
	// ErrInvalidTransition is returned when the requested transition is not
	// allowed from the current status.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNoSession is returned by operations that need a live session.
	ErrNoSession = errors.New("no active session")
)

// API is the subset of the sandbox API the manager drives.
type API interface {
	LookupSession(ctx context.Context, exerciseID string) (*domain.Session, error)
	StartSession(ctx context.Context, req sandbox.StartSessionRequest) (*domain.Session, error)
	PauseSession(ctx context.Context, id string) (*domain.Session, error)
	ResumeSession(ctx context.Context, id string) (*domain.Session, error)
	StopSession(ctx context.Context, id string) (*domain.Session, error)
	Resources(ctx context.Context, id string) (*domain.ResourceSnapshot, error)
	StatusURL(id string) string
}

// Config configures a Manager.
type Config struct {
	ExerciseID string
	CourseID   string
	// Header is sent when dialing the status channel.
	Header    http.Header
	Reconnect channel.Backoff
	Logger    *slog.Logger
}

// Manager drives one learner's session for one exercise.
type Manager struct {
	api API
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu        sync.Mutex
	status    domain.SessionStatus
	confirmed domain.SessionStatus
	session   *domain.Session
	resources *domain.ResourceSnapshot
	busy      bool
	lastErr   error
	chState   ChannelState
	chCancel  context.CancelFunc
	chDone    chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(Event)
	emitMu      sync.Mutex
	pending     []Event
}

// NewManager creates a manager in the stopped state.
func NewManager(api API, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reconnect == (channel.Backoff{}) {
		cfg.Reconnect = channel.DefaultBackoff()
	}
	return &Manager{
		api:     api,
		cfg:     cfg,
		log:     logger.With("component", "session", "exercise_id", cfg.ExerciseID),
		now:     time.Now,
		status:    domain.StatusStopped,
		confirmed: domain.StatusStopped,
		chState:   ChannelClosed,
	}
}

// OnEvent registers a listener. Listeners run outside the manager's lock, in
// event order, and must not call lifecycle methods synchronously.
func (m *Manager) OnEvent(fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Status returns the observable lifecycle status.
func (m *Manager) Status() domain.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns a copy of the confirmed session descriptor, or nil.
func (m *Manager) Session() *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// Resources returns the latest resource snapshot, or nil.
func (m *Manager) Resources() *domain.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resources == nil {
		return nil
	}
	snap := *m.resources
	return &snap
}

// ChannelState returns the status channel state.
func (m *Manager) ChannelState() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chState
}

// LastError returns the most recent surfaced error, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Busy reports whether a transition is waiting on the remote side.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// RunnableSessionID returns the session id when remote file and terminal
// operations are allowed, which is only while running.
func (m *Manager) RunnableSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.status != domain.StatusRunning {
		return "", false
	}
	return m.session.ID, true
}

// SessionID returns the id of the current session descriptor regardless of
// status, or "".
func (m *Manager) SessionID() string {
	return m.sessionID()
}

// Elapsed returns the wall-clock time since the confirmed start.
func (m *Manager) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Elapsed(m.now())
}

// Init looks up an existing session for the exercise and adopts it. It is
// best-effort: the remote side stays the source of truth.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrTransitionInFlight
	}
	if m.status != domain.StatusStopped {
		m.mu.Unlock()
		return nil
	}
	m.busy = true
	m.mu.Unlock()

	session, err := m.api.LookupSession(ctx, m.cfg.ExerciseID)

	m.mu.Lock()
	m.busy = false
	if err != nil {
		err = fmt.Errorf("lookup session: %w", err)
		m.failLocked(err)
		m.mu.Unlock()
		m.flush()
		return err
	}
	if session != nil {
		m.log.Info("adopting existing session", "session_id", session.ID, "status", session.Status)
		m.adoptLocked(session)
	}
	m.mu.Unlock()
	m.flush()
	m.ensureChannel()
	return nil
}

// Start requests a session. An existing active session is reused.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.begin(domain.StatusStarting, domain.StatusStopped); err != nil {
		return err
	}

	session, err := m.api.LookupSession(ctx, m.cfg.ExerciseID)
	if err != nil {
		m.log.Warn("session lookup before start failed", "error", err)
		session = nil
	}
	if session == nil || !session.Status.Active() {
		session, err = m.api.StartSession(ctx, sandbox.StartSessionRequest{
			ExerciseID: m.cfg.ExerciseID,
			CourseID:   m.cfg.CourseID,
		})
	} else {
		m.log.Info("reusing active session", "session_id", session.ID)
	}
	if err != nil {
		return m.revert(fmt.Errorf("start session: %w", err))
	}

	m.confirm(session)
	m.ensureChannel()
	return nil
}

// Pause pauses a running session.
func (m *Manager) Pause(ctx context.Context) error {
	if err := m.begin("", domain.StatusRunning); err != nil {
		return err
	}
	session, err := m.api.PauseSession(ctx, m.sessionID())
	if err != nil {
		return m.revert(fmt.Errorf("pause session: %w", err))
	}
	m.confirm(session)
	m.ensureChannel()
	return nil
}

// Resume resumes a paused session.
func (m *Manager) Resume(ctx context.Context) error {
	if err := m.begin("", domain.StatusPaused); err != nil {
		return err
	}
	session, err := m.api.ResumeSession(ctx, m.sessionID())
	if err != nil {
		return m.revert(fmt.Errorf("resume session: %w", err))
	}
	m.confirm(session)
	m.ensureChannel()
	return nil
}

// Stop stops the session. The status channel is closed deliberately first
// and is only reopened if the stop is rejected.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.begin(domain.StatusStopping, domain.StatusRunning, domain.StatusPaused); err != nil {
		return err
	}
	m.closeChannel()

	session, err := m.api.StopSession(ctx, m.sessionID())
	if err != nil {
		err = m.revert(fmt.Errorf("stop session: %w", err))
		m.ensureChannel()
		return err
	}
	if session == nil || session.Status != domain.StatusStopped {
		session = m.endedCopy(session)
	}
	m.confirm(session)
	return nil
}

// RefreshResources fetches a snapshot over HTTP instead of waiting for the
// status channel.
func (m *Manager) RefreshResources(ctx context.Context) (*domain.ResourceSnapshot, error) {
	m.mu.Lock()
	if m.session == nil || !m.status.Active() {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	id := m.session.ID
	m.mu.Unlock()

	snap, err := m.api.Resources(ctx, id)
	if err != nil {
		err = fmt.Errorf("fetch resources: %w", err)
		m.mu.Lock()
		m.failLocked(err)
		m.mu.Unlock()
		m.flush()
		return nil, err
	}
	m.mu.Lock()
	if m.session != nil && m.session.ID == id {
		m.setResourcesLocked(snap)
	}
	m.mu.Unlock()
	m.flush()
	return snap, nil
}

// Close tears down the status channel without touching the session.
func (m *Manager) Close() {
	m.closeChannel()
}

// begin checks the transition guard and moves to the optimistic state, if
// any.
func (m *Manager) begin(intermediate domain.SessionStatus, from ...domain.SessionStatus) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrTransitionInFlight
	}
	allowed := false
	for _, s := range from {
		if m.status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		status := m.status
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot go from %s", ErrInvalidTransition, status)
	}
	if m.status != domain.StatusStopped && m.session == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	m.busy = true
	m.lastErr = nil
	if intermediate != "" {
		m.setStatusLocked(intermediate)
	}
	m.mu.Unlock()
	m.flush()
	return nil
}

// revert settles on the last confirmed stable status. A status pushed over the
// channel while the request was pending counts as confirmed.
func (m *Manager) revert(err error) error {
	m.mu.Lock()
	m.busy = false
	status := m.confirmed
	m.setStatusLocked(status)
	m.failLocked(err)
	m.mu.Unlock()
	m.flush()
	m.log.Warn("session transition failed", "error", err, "status", status)
	return err
}

func (m *Manager) confirm(session *domain.Session) {
	m.mu.Lock()
	m.busy = false
	if session != nil {
		m.adoptLocked(session)
	}
	status, id := m.status, ""
	if m.session != nil {
		id = m.session.ID
	}
	m.mu.Unlock()
	m.flush()
	m.log.Info("session transition confirmed", "session_id", id, "status", status)
}

func (m *Manager) sessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}

func (m *Manager) endedCopy(session *domain.Session) *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session == nil {
		session = m.session.Clone()
	} else {
		session = session.Clone()
	}
	session.Status = domain.StatusStopped
	if session.EndedAt == nil {
		now := m.now()
		session.EndedAt = &now
	}
	return session
}

// adoptLocked replaces the session descriptor with the remote one. The
// remote status wins after settling.
func (m *Manager) adoptLocked(session *domain.Session) {
	m.session = session.Clone()
	status := settle(session.Status)
	m.session.Status = status
	if session.Resources != nil {
		m.setResourcesLocked(session.Resources)
	}
	m.setStatusLocked(status)
}

// settle maps a remote status onto a stable one. Intermediate states are
// only ever entered locally, where a confirmation or reversion follows.
func settle(status domain.SessionStatus) domain.SessionStatus {
	switch status {
	case domain.StatusStopping:
		return domain.StatusStopped
	case domain.StatusStopped, domain.StatusRunning, domain.StatusPaused:
		return status
	default:
		return domain.StatusRunning
	}
}

// setStatusLocked records status. Stable statuses become the revert target.
func (m *Manager) setStatusLocked(status domain.SessionStatus) {
	if status.Stable() {
		m.confirmed = status
	}
	if m.status == status {
		return
	}
	m.status = status
	if m.session != nil && status.Stable() {
		m.session.Status = status
	}
	m.pending = append(m.pending, Event{Kind: EventStatusChanged, Status: status, Session: m.session.Clone()})
}

func (m *Manager) setResourcesLocked(snap *domain.ResourceSnapshot) {
	cp := *snap
	m.resources = &cp
	m.pending = append(m.pending, Event{Kind: EventResources, Status: m.status, Resources: &cp})
}

func (m *Manager) failLocked(err error) {
	m.lastErr = err
	m.pending = append(m.pending, Event{Kind: EventError, Status: m.status, Err: err})
}

func (m *Manager) setChannelStateLocked(state ChannelState) {
	if m.chState == state {
		return
	}
	m.chState = state
	m.pending = append(m.pending, Event{Kind: EventChannelState, Status: m.status, Channel: state})
}

// flush delivers queued events in order, outside the state lock.
func (m *Manager) flush() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	events := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(events) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := append([]func(Event){}, m.listeners...)
	m.listenersMu.RUnlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}
