// Package files keeps a local cache of a session's remote files and tracks
// the single current file.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/language"
)

var (
	ErrNoRunnableSession = domain.ErrNoRunnableSession
	ErrSessionReplaced   = domain.ErrSessionReplaced
	ErrNoCurrentFile     = errors.New("no file is open")
	ErrInvalidPath       = errors.New("invalid file path")
)

// API is the remote file store.
type API interface {
	ListFiles(ctx context.Context, sessionID string) ([]*domain.File, error)
	GetFile(ctx context.Context, sessionID, fileID string) (*domain.File, error)
	CreateFile(ctx context.Context, sessionID, path, content string) (*domain.File, error)
	SaveFile(ctx context.Context, sessionID, fileID, content string) (*domain.File, error)
	DeleteFile(ctx context.Context, sessionID, fileID string) error
	RenameFile(ctx context.Context, sessionID, fileID, newPath string) (*domain.File, error)
	CreateFolder(ctx context.Context, sessionID, path string) (*domain.File, error)
}

// SessionSource reports which session remote operations target.
type SessionSource interface {
	RunnableSessionID() (string, bool)
	SessionID() string
}

// Layer is the file synchronization layer. The cache only changes from
// confirmed remote responses, except for Edit on the current file.
type Layer struct {
	api      API
	sessions SessionSource
	log      *slog.Logger

	mu        sync.Mutex
	sessionID string
	files     map[string]*domain.File
	saved     map[string]string
	current   string
	lastErr   error
}

// NewLayer creates an empty layer.
func NewLayer(api API, sessions SessionSource, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		api:      api,
		sessions: sessions,
		log:      logger.With("component", "files"),
		files:    make(map[string]*domain.File),
		saved:    make(map[string]string),
	}
}

// Files returns the cached files sorted by path.
func (l *Layer) Files() []*domain.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.File, 0, len(l.files))
	for _, f := range l.files {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Current returns the current file, or nil.
func (l *Layer) Current() *domain.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[l.current]; ok {
		return f.Clone()
	}
	return nil
}

// Lookup returns a cached file by path.
func (l *Layer) Lookup(path string) (*domain.File, bool) {
	path = normalizePath(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		if f.Path == path {
			return f.Clone(), true
		}
	}
	return nil, false
}

// LastError returns the most recent operation error.
func (l *Layer) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Reset drops the cache and the current file.
func (l *Layer) Reset() {
	l.mu.Lock()
	l.resetLocked("")
	l.mu.Unlock()
}

func (l *Layer) resetLocked(sessionID string) {
	l.sessionID = sessionID
	l.files = make(map[string]*domain.File)
	l.saved = make(map[string]string)
	l.current = ""
}

// List fetches the file list and replaces the cache. Unsaved edits to files
// that still exist are kept.
func (l *Layer) List(ctx context.Context) ([]*domain.File, error) {
	sid, err := l.begin()
	if err != nil {
		return nil, err
	}
	remote, err := l.api.ListFiles(ctx, sid)
	if err != nil {
		return nil, l.fail(fmt.Errorf("list files: %w", err))
	}

	l.mu.Lock()
	if err := l.checkSessionLocked(sid); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	next := make(map[string]*domain.File, len(remote))
	saved := make(map[string]string, len(remote))
	for _, f := range remote {
		f = withLanguage(f)
		if old, ok := l.files[f.ID]; ok && old.Modified {
			f.Content = old.Content
			f.Modified = true
			saved[f.ID] = l.saved[f.ID]
		} else if old, ok := l.files[f.ID]; ok && f.Content == "" && !f.IsFolder {
			// Listings omit content; keep what was last fetched.
			f.Content = old.Content
			saved[f.ID] = l.saved[f.ID]
		} else {
			saved[f.ID] = f.Content
		}
		next[f.ID] = f
	}
	l.files, l.saved = next, saved
	if _, ok := l.files[l.current]; !ok {
		l.current = l.firstFileLocked()
	}
	l.lastErr = nil
	l.mu.Unlock()
	return l.Files(), nil
}

// Open makes fileID current. A file with unsaved local edits is not
// re-fetched, so the edits are not lost.
func (l *Layer) Open(ctx context.Context, fileID string) (*domain.File, error) {
	sid, err := l.begin()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if f, ok := l.files[fileID]; ok && f.Modified {
		l.current = fileID
		out := f.Clone()
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()

	f, err := l.api.GetFile(ctx, sid, fileID)
	if err != nil {
		return nil, l.fail(fmt.Errorf("open file: %w", err))
	}
	if f.IsFolder {
		return nil, l.fail(fmt.Errorf("%w: %s is a folder", ErrInvalidPath, f.Path))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkSessionLocked(sid); err != nil {
		return nil, err
	}
	f = withLanguage(f)
	l.files[f.ID] = f
	l.saved[f.ID] = f.Content
	l.current = f.ID
	l.lastErr = nil
	return f.Clone(), nil
}

// Create creates a file remotely and makes it current.
func (l *Layer) Create(ctx context.Context, path, content string) (*domain.File, error) {
	path = normalizePath(path)
	if err := validatePath(path); err != nil {
		return nil, l.fail(err)
	}
	sid, err := l.begin()
	if err != nil {
		return nil, err
	}
	f, err := l.api.CreateFile(ctx, sid, path, content)
	if err != nil {
		return nil, l.fail(fmt.Errorf("create %s: %w", path, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkSessionLocked(sid); err != nil {
		return nil, err
	}
	f = withLanguage(f)
	l.files[f.ID] = f
	l.saved[f.ID] = f.Content
	l.current = f.ID
	l.lastErr = nil
	return f.Clone(), nil
}

// Edit replaces the current file's content locally. Nothing is sent until Save.
func (l *Layer) Edit(content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[l.current]
	if !ok {
		return ErrNoCurrentFile
	}
	f.Content = content
	f.Modified = content != l.saved[f.ID]
	return nil
}

// Save sends the current file's full content to the remote store.
func (l *Layer) Save(ctx context.Context) (*domain.File, error) {
	l.mu.Lock()
	f, ok := l.files[l.current]
	if !ok {
		l.mu.Unlock()
		return nil, ErrNoCurrentFile
	}
	id, content := f.ID, f.Content
	l.mu.Unlock()
	return l.SaveContent(ctx, id, content)
}

// SaveContent replaces fileID's remote content with content.
func (l *Layer) SaveContent(ctx context.Context, fileID, content string) (*domain.File, error) {
	sid, err := l.begin()
	if err != nil {
		return nil, err
	}
	f, err := l.api.SaveFile(ctx, sid, fileID, content)
	if err != nil {
		return nil, l.fail(fmt.Errorf("save file: %w", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkSessionLocked(sid); err != nil {
		return nil, err
	}
	f = withLanguage(f)
	if cached, ok := l.files[f.ID]; ok && cached.Modified && cached.Content != content {
		// Edited again while the save was in flight.
		f.Modified = true
		l.saved[f.ID] = f.Content
		f.Content = cached.Content
	} else {
		l.saved[f.ID] = f.Content
	}
	l.files[f.ID] = f
	l.lastErr = nil
	return f.Clone(), nil
}

// Delete removes a file or folder. When the current file goes away the first
// remaining file by path becomes current, or none.
func (l *Layer) Delete(ctx context.Context, fileID string) error {
	sid, err := l.begin()
	if err != nil {
		return err
	}
	if err := l.api.DeleteFile(ctx, sid, fileID); err != nil {
		return l.fail(fmt.Errorf("delete file: %w", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkSessionLocked(sid); err != nil {
		return err
	}
	if f, ok := l.files[fileID]; ok && f.IsFolder {
		prefix := f.Path + "/"
		for id, child := range l.files {
			if strings.HasPrefix(child.Path, prefix) {
				delete(l.files, id)
				delete(l.saved, id)
			}
		}
	}
	delete(l.files, fileID)
	delete(l.saved, fileID)
	if _, ok := l.files[l.current]; !ok {
		l.current = l.firstFileLocked()
	}
	l.lastErr = nil
	return nil
}

// Rename moves a file. The content-type tag is recomputed from the new name
// and unsaved local edits are kept.
func (l *Layer) Rename(ctx context.Context, fileID, newPath string) (*domain.File, error) {
	newPath = normalizePath(newPath)
	if err := validatePath(newPath); err != nil {
		return nil, l.fail(err)
	}
	sid, err := l.begin()
	if err != nil {
		return nil, err
	}
	f, err := l.api.RenameFile(ctx, sid, fileID, newPath)
	if err != nil {
		return nil, l.fail(fmt.Errorf("rename to %s: %w", newPath, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkSessionLocked(sid); err != nil {
		return nil, err
	}
	f = withLanguage(f)
	if old, ok := l.files[fileID]; ok {
		if old.Modified {
			f.Content = old.Content
			f.Modified = true
		} else if f.Content == "" {
			f.Content = old.Content
		}
		if f.IsFolder {
			l.movePrefixLocked(old.Path+"/", f.Path+"/")
		}
	}
	if !f.Modified {
		l.saved[fileID] = f.Content
	}
	if f.ID != fileID {
		l.saved[f.ID] = l.saved[fileID]
		delete(l.saved, fileID)
		delete(l.files, fileID)
		if l.current == fileID {
			l.current = f.ID
		}
	}
	l.files[f.ID] = f
	l.lastErr = nil
	return f.Clone(), nil
}

func (l *Layer) movePrefixLocked(from, to string) {
	for _, child := range l.files {
		if strings.HasPrefix(child.Path, from) {
			child.Path = to + strings.TrimPrefix(child.Path, from)
			if !child.IsFolder {
				child.Language = language.Detect(child.Path)
			}
		}
	}
}

// CreateFolder creates a folder entry.
func (l *Layer) CreateFolder(ctx context.Context, path string) (*domain.File, error) {
	path = normalizePath(path)
	if err := validatePath(path); err != nil {
		return nil, l.fail(err)
	}
	sid, err := l.begin()
	if err != nil {
		return nil, err
	}
	f, err := l.api.CreateFolder(ctx, sid, path)
	if err != nil {
		return nil, l.fail(fmt.Errorf("create folder %s: %w", path, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkSessionLocked(sid); err != nil {
		return nil, err
	}
	f.IsFolder = true
	f.Language = ""
	l.files[f.ID] = f
	l.lastErr = nil
	return f.Clone(), nil
}

// begin captures the target session id, rejecting the call before any
// network I/O when no session is running.
func (l *Layer) begin() (string, error) {
	sid, ok := l.sessions.RunnableSessionID()
	if !ok {
		return "", ErrNoRunnableSession
	}
	l.mu.Lock()
	if l.sessionID != sid {
		if l.sessionID != "" {
			l.log.Info("file cache belongs to another session, resetting", "old", l.sessionID, "new", sid)
		}
		l.resetLocked(sid)
	}
	l.mu.Unlock()
	return sid, nil
}

// checkSessionLocked rejects a response whose session is no longer current.
func (l *Layer) checkSessionLocked(sid string) error {
	if l.sessions.SessionID() != sid || l.sessionID != sid {
		l.lastErr = ErrSessionReplaced
		l.log.Warn("discarding file response for replaced session", "session_id", sid)
		return ErrSessionReplaced
	}
	return nil
}

func (l *Layer) fail(err error) error {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	l.log.Warn("file operation failed", "error", err)
	return err
}

func (l *Layer) firstFileLocked() string {
	var first *domain.File
	for _, f := range l.files {
		if f.IsFolder {
			continue
		}
		if first == nil || f.Path < first.Path {
			first = f
		}
	}
	if first == nil {
		return ""
	}
	return first.ID
}

func withLanguage(f *domain.File) *domain.File {
	c := f.Clone()
	c.Modified = false
	if c.IsFolder {
		c.Language = ""
	} else {
		c.Language = language.Detect(c.Path)
	}
	return c
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	return strings.Trim(p, "/")
}

func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}
