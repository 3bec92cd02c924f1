// Package terminal mediates between the local line buffer, remote command
// execution and the command history.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/history"
)

var (
	// ErrCommandInFlight rejects a submit while the previous command has not returned.
	ErrCommandInFlight = errors.New("a command is already running")
	ErrEmptyCommand    = errors.New("empty command")
)

// Prompt is echoed before each submitted command.
const Prompt = "$ "

// Executor runs commands in the remote sandbox.
type Executor interface {
	Execute(ctx context.Context, sessionID, command string) (*domain.CommandRecord, error)
	History(ctx context.Context, sessionID string) ([]domain.CommandRecord, error)
}

// SessionSource reports which session commands target.
type SessionSource interface {
	RunnableSessionID() (string, bool)
	SessionID() string
}

// Coordinator owns the line buffer and the single in-flight command.
// Clear only resets the visual scrollback; the history buffer is separate.
type Coordinator struct {
	exec     Executor
	sessions SessionSource
	history  *history.Buffer
	scroll   *Scrollback
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	input    []rune
	inFlight bool
	navIndex int // -1 while editing the draft
	draft    string
	renderer io.Writer
	lastErr  error
}

// NewCoordinator creates a coordinator appending to hist.
func NewCoordinator(exec Executor, sessions SessionSource, hist *history.Buffer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if hist == nil {
		hist = history.New()
	}
	return &Coordinator{
		exec:     exec,
		sessions: sessions,
		history:  hist,
		scroll:   NewScrollback(0),
		log:      logger.With("component", "terminal"),
		now:      time.Now,
		navIndex: -1,
	}
}

// SetRenderer mirrors all terminal output to w, typically a terminal widget.
func (c *Coordinator) SetRenderer(w io.Writer) {
	c.mu.Lock()
	c.renderer = w
	c.mu.Unlock()
}

// History returns the command history buffer.
func (c *Coordinator) History() *history.Buffer {
	return c.history
}

// Scrollback returns the visual log.
func (c *Coordinator) Scrollback() *Scrollback {
	return c.scroll
}

// Input returns the current line buffer.
func (c *Coordinator) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.input)
}

// Insert appends text to the line buffer.
func (c *Coordinator) Insert(text string) {
	c.mu.Lock()
	c.input = append(c.input, []rune(text)...)
	c.navIndex = -1
	c.mu.Unlock()
}

// Backspace removes the last character of the line buffer.
func (c *Coordinator) Backspace() {
	c.mu.Lock()
	if n := len(c.input); n > 0 {
		c.input = c.input[:n-1]
	}
	c.navIndex = -1
	c.mu.Unlock()
}

// SetInput replaces the line buffer.
func (c *Coordinator) SetInput(text string) {
	c.mu.Lock()
	c.input = []rune(text)
	c.navIndex = -1
	c.mu.Unlock()
}

// InFlight reports whether a command is waiting on the remote executor.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// LastError returns the most recent execution error.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Submit sends the trimmed line buffer to the remote executor. Only a
// successful response appends a record and removes the submitted text from
// the buffer.
func (c *Coordinator) Submit(ctx context.Context) (*domain.CommandRecord, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrCommandInFlight
	}
	submitted := string(c.input)
	command := strings.TrimSpace(submitted)
	if command == "" {
		c.mu.Unlock()
		return nil, ErrEmptyCommand
	}
	sid, ok := c.sessions.RunnableSessionID()
	if !ok {
		c.mu.Unlock()
		return nil, domain.ErrNoRunnableSession
	}
	c.inFlight = true
	c.mu.Unlock()

	c.emit(Prompt + command + "\n")
	rec, err := c.exec.Execute(ctx, sid, command)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		err = fmt.Errorf("execute %q: %w", command, err)
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn("command failed", "session_id", sid, "error", err)
		c.emit("error: " + err.Error() + "\n")
		return nil, err
	}
	if c.sessions.SessionID() != sid {
		c.lastErr = domain.ErrSessionReplaced
		c.mu.Unlock()
		c.log.Warn("discarding command result for replaced session", "session_id", sid)
		return nil, domain.ErrSessionReplaced
	}
	record := *rec
	record.Input = command
	if record.Timestamp.IsZero() {
		record.Timestamp = c.now()
	}
	c.history.Append(record)
	// Keep anything typed while the command ran.
	if rest, ok := strings.CutPrefix(string(c.input), submitted); ok {
		c.input = []rune(rest)
	}
	c.navIndex = -1
	c.draft = ""
	c.lastErr = nil
	c.mu.Unlock()

	if record.Output != "" {
		out := record.Output
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		c.emit(out)
	}
	return &record, nil
}

// Previous replaces the line buffer with the previous submitted command,
// most-recent-first. Nothing is sent.
func (c *Coordinator) Previous() string {
	inputs := c.history.Inputs()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.navIndex+1 >= len(inputs) {
		return string(c.input)
	}
	if c.navIndex == -1 {
		c.draft = string(c.input)
	}
	c.navIndex++
	c.input = []rune(inputs[c.navIndex])
	return string(c.input)
}

// Next moves toward newer commands; past the newest it restores the draft.
func (c *Coordinator) Next() string {
	inputs := c.history.Inputs()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.navIndex == -1 {
		return string(c.input)
	}
	c.navIndex--
	if c.navIndex == -1 || c.navIndex >= len(inputs) {
		c.navIndex = -1
		c.input = []rune(c.draft)
	} else {
		c.input = []rune(inputs[c.navIndex])
	}
	return string(c.input)
}

// Clear resets the visual log only. Idempotent.
func (c *Coordinator) Clear() {
	c.scroll.Reset()
}

// LoadHistory replaces the history buffer with the session's remote history.
func (c *Coordinator) LoadHistory(ctx context.Context) error {
	sid, ok := c.sessions.RunnableSessionID()
	if !ok {
		return domain.ErrNoRunnableSession
	}
	records, err := c.exec.History(ctx, sid)
	if err != nil {
		err = fmt.Errorf("load history: %w", err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	if c.sessions.SessionID() != sid {
		return domain.ErrSessionReplaced
	}
	c.history.Replace(records)
	c.mu.Lock()
	c.navIndex = -1
	c.mu.Unlock()
	return nil
}

// Reset drops the line buffer, history and scrollback, used when the session
// goes away.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.input = nil
	c.navIndex = -1
	c.draft = ""
	c.lastErr = nil
	c.mu.Unlock()
	c.history.Clear()
	c.scroll.Reset()
}

func (c *Coordinator) emit(text string) {
	_, _ = c.scroll.Write([]byte(text))
	c.mu.Lock()
	w := c.renderer
	c.mu.Unlock()
	if w != nil {
		if _, err := io.WriteString(w, text); err != nil {
			c.log.Debug("renderer write failed", "error", err)
		}
	}
}
