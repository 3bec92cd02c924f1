// Package workspace wires the session manager, file layer, terminal and
// assistant of one learner's lab into a single unit.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/assistant"
	"github.com/redmage123/course-creator-sub015/internal/assistctx"
	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/config"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/files"
	"github.com/redmage123/course-creator-sub015/internal/history"
	"github.com/redmage123/course-creator-sub015/internal/notebook"
	"github.com/redmage123/course-creator-sub015/internal/sandbox"
	"github.com/redmage123/course-creator-sub015/internal/session"
	"github.com/redmage123/course-creator-sub015/internal/terminal"
)

// Remote is everything the workspace needs from the sandbox API.
type Remote interface {
	session.API
	files.API
	terminal.Executor
}

// Options configures a Workspace.
type Options struct {
	Remote     Remote
	Header     http.Header
	LearnerID  string
	ExerciseID string
	CourseID   string

	StatusReconnect channel.Backoff

	// AssistantURL may be empty, in which case the assistant is never opened.
	AssistantURL       string
	AssistantReconnect channel.Backoff

	ExcerptLimit     int
	NotebookPath     string
	NotebookMaxCells int
	// SyncTimeout bounds the background refresh after a session replacement.
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// Workspace is one learner's lab for one exercise.
type Workspace struct {
	Session   *session.Manager
	Files     *files.Layer
	Terminal  *terminal.Coordinator
	Assistant *assistant.Manager

	opts     Options
	notebook *notebook.Watcher
	log      *slog.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New wires a workspace. Nothing is contacted until Open.
func New(opts Options) (*Workspace, error) {
	if opts.Remote == nil {
		return nil, errors.New("workspace: remote is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}

	w := &Workspace{
		opts: opts,
		log:  logger.With("component", "workspace", "exercise_id", opts.ExerciseID),
	}
	w.bgCtx, w.bgCancel = context.WithCancel(context.Background())

	w.Session = session.NewManager(opts.Remote, session.Config{
		ExerciseID: opts.ExerciseID,
		CourseID:   opts.CourseID,
		Header:     opts.Header,
		Reconnect:  opts.StatusReconnect,
		Logger:     logger,
	})
	w.Files = files.NewLayer(opts.Remote, w.Session, logger)
	w.Terminal = terminal.NewCoordinator(opts.Remote, w.Session, history.New(), logger)
	w.Assistant = assistant.NewManager(assistant.Config{
		URL:       opts.AssistantURL,
		Header:    opts.Header,
		Reconnect: opts.AssistantReconnect,
		Identity:  w.identity,
		Logger:    logger,
	}, w)
	if opts.NotebookPath != "" {
		w.notebook = notebook.NewWatcher(opts.NotebookPath, opts.NotebookMaxCells, logger)
	}

	w.Session.OnEvent(w.handleSessionEvent)
	return w, nil
}

// NewFromConfig builds a workspace talking to the sandbox API described by cfg.
func NewFromConfig(cfg *config.ClientConfig, logger *slog.Logger) (*Workspace, error) {
	if err := cfg.RequireIdentity(); err != nil {
		return nil, err
	}
	client := sandbox.NewWithBaseURL(cfg.APIURL, cfg.LearnerID, cfg.RequestTimeout)
	client.SetToken(cfg.Token)

	assistantURL := cfg.AssistantURL
	if assistantURL == "" {
		assistantURL = client.AssistantURL()
	}
	return New(Options{
		Remote:     client,
		Header:     client.Header(),
		LearnerID:  cfg.LearnerID,
		ExerciseID: cfg.ExerciseID,
		CourseID:   cfg.CourseID,
		StatusReconnect: channel.Backoff{
			Base:        cfg.StatusReconnectBase,
			Max:         cfg.StatusReconnectMax,
			MaxAttempts: cfg.StatusMaxReconnect,
		},
		AssistantURL: assistantURL,
		AssistantReconnect: channel.Backoff{
			Base:        cfg.AssistantReconnectBase,
			Max:         cfg.AssistantReconnectMax,
			MaxAttempts: cfg.AssistantMaxReconnect,
		},
		ExcerptLimit:     cfg.ContextExcerptLimit,
		NotebookPath:     cfg.NotebookPath,
		NotebookMaxCells: cfg.NotebookMaxCells,
		SyncTimeout:      cfg.RequestTimeout,
		Logger:           logger,
	})
}

// Open adopts any existing session, loads its files and history, and
// connects the assistant.
func (w *Workspace) Open(ctx context.Context) error {
	if w.notebook != nil {
		if err := w.notebook.Start(w.bgCtx); err != nil {
			w.log.Warn("notebook watcher unavailable", "error", err)
		}
	}
	if err := w.Session.Init(ctx); err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	if w.opts.AssistantURL != "" {
		w.Assistant.Open()
	}
	if _, ok := w.Session.RunnableSessionID(); ok {
		return w.Sync(ctx)
	}
	return nil
}

// Start starts (or reuses) the session and loads its state.
func (w *Workspace) Start(ctx context.Context) error {
	if err := w.Session.Start(ctx); err != nil {
		return err
	}
	return w.Sync(ctx)
}

// Resume resumes a paused session and reloads its state.
func (w *Workspace) Resume(ctx context.Context) error {
	if err := w.Session.Resume(ctx); err != nil {
		return err
	}
	return w.Sync(ctx)
}

// Sync reloads the file listing and command history of the runnable session.
func (w *Workspace) Sync(ctx context.Context) error {
	_, listErr := w.Files.List(ctx)
	histErr := w.Terminal.LoadHistory(ctx)
	return errors.Join(listErr, histErr)
}

// AssistantContext implements assistant.ContextSource.
func (w *Workspace) AssistantContext() domain.ContextBlob {
	in := assistctx.Input{
		File:         w.Files.Current(),
		History:      w.Terminal.History().Records(),
		ExcerptLimit: w.opts.ExcerptLimit,
	}
	if w.notebook != nil {
		in.Notebook = w.notebook.Summary()
	}
	return assistctx.Build(in)
}

// QuickActions lists the assistant quick actions available right now.
func (w *Workspace) QuickActions() []assistant.QuickActionInfo {
	return assistant.QuickActions(w.AssistantContext())
}

// Close disconnects every channel and waits for background work.
func (w *Workspace) Close() {
	w.Assistant.Close()
	w.Session.Close()
	w.bgCancel()
	if w.notebook != nil {
		w.notebook.Stop()
	}
	w.wg.Wait()
}

func (w *Workspace) identity() assistant.Identity {
	return assistant.Identity{
		LearnerID:  w.opts.LearnerID,
		SessionID:  w.Session.SessionID(),
		ExerciseID: w.opts.ExerciseID,
		CourseID:   w.opts.CourseID,
	}
}

func (w *Workspace) handleSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSessionReplaced:
		w.log.Info("session replaced, reloading workspace", "previous", ev.Previous, "session_id", sessionID(ev.Session))
		w.Files.Reset()
		w.Terminal.Reset()
		w.refresh()
	case session.EventStatusChanged:
		if ev.Status == domain.StatusStopped {
			w.Files.Reset()
			w.Terminal.Reset()
		}
	case session.EventError:
		w.log.Warn("session error", "error", ev.Err)
	}
}

// refresh runs Sync off the event path; listeners must not block on remote calls.
func (w *Workspace) refresh() {
	if w.bgCtx.Err() != nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.bgCtx, w.opts.SyncTimeout)
		defer cancel()
		if err := w.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("workspace refresh failed", "error", err)
		}
	}()
}

func sessionID(s *domain.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
