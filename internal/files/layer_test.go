package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

type fakeSessions struct {
	mu       sync.Mutex
	id       string
	runnable bool
}

func (s *fakeSessions) RunnableSessionID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.runnable && s.id != ""
}

func (s *fakeSessions) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *fakeSessions) set(id string, runnable bool) {
	s.mu.Lock()
	s.id, s.runnable = id, runnable
	s.mu.Unlock()
}

// fakeStore is an in-memory remote file store.
type fakeStore struct {
	mu     sync.Mutex
	files  map[string]*domain.File
	nextID int
	calls  int
	err    error
	// onCall runs after the remote work and before returning.
	onCall func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string]*domain.File{}}
}

func (s *fakeStore) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *fakeStore) leave() {
	if s.onCall != nil {
		s.onCall()
	}
}

func (s *fakeStore) ListFiles(ctx context.Context, sessionID string) ([]*domain.File, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.File
	for _, f := range s.files {
		c := f.Clone()
		c.Content = ""
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) GetFile(ctx context.Context, sessionID, fileID string) (*domain.File, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, errors.New("not found")
	}
	return f.Clone(), nil
}

func (s *fakeStore) CreateFile(ctx context.Context, sessionID, path, content string) (*domain.File, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.Path == path {
			return nil, errors.New("file already exists")
		}
	}
	s.nextID++
	f := &domain.File{ID: fmt.Sprintf("f%d", s.nextID), Path: path, Content: content, Language: "bogus"}
	s.files[f.ID] = f
	return f.Clone(), nil
}

func (s *fakeStore) SaveFile(ctx context.Context, sessionID, fileID, content string) (*domain.File, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, errors.New("not found")
	}
	f.Content = content
	return f.Clone(), nil
}

func (s *fakeStore) DeleteFile(ctx context.Context, sessionID, fileID string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileID)
	return nil
}

func (s *fakeStore) RenameFile(ctx context.Context, sessionID, fileID, newPath string) (*domain.File, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, errors.New("not found")
	}
	f.Path = newPath
	return f.Clone(), nil
}

func (s *fakeStore) CreateFolder(ctx context.Context, sessionID, path string) (*domain.File, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	f := &domain.File{ID: fmt.Sprintf("d%d", s.nextID), Path: path, IsFolder: true}
	s.files[f.ID] = f
	return f.Clone(), nil
}

func newTestLayer(t *testing.T) (*Layer, *fakeStore, *fakeSessions) {
	t.Helper()
	store := newFakeStore()
	sessions := &fakeSessions{id: "s1", runnable: true}
	return NewLayer(store, sessions, nil), store, sessions
}

func TestCreateMakesFileCurrentWithDetectedLanguage(t *testing.T) {
	l, _, _ := newTestLayer(t)
	f, err := l.Create(context.Background(), "main.py", "print(1)")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if f.Language != "python" {
		t.Fatalf("language = %q, want python", f.Language)
	}
	cur := l.Current()
	if cur == nil || cur.ID != f.ID || cur.Content != "print(1)" {
		t.Fatalf("current = %+v", cur)
	}
}

func TestOperationsRequireRunningSession(t *testing.T) {
	l, store, sessions := newTestLayer(t)
	sessions.set("s1", false)

	ctx := context.Background()
	if _, err := l.Create(ctx, "a.py", ""); !errors.Is(err, ErrNoRunnableSession) {
		t.Fatalf("Create err = %v", err)
	}
	if _, err := l.List(ctx); !errors.Is(err, ErrNoRunnableSession) {
		t.Fatalf("List err = %v", err)
	}
	if err := l.Delete(ctx, "f1"); !errors.Is(err, ErrNoRunnableSession) {
		t.Fatalf("Delete err = %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("remote called %d times", store.calls)
	}
}

func TestFailureLeavesCacheUnchanged(t *testing.T) {
	l, store, _ := newTestLayer(t)
	ctx := context.Background()
	if _, err := l.Create(ctx, "main.py", "print(1)"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := l.Files()

	if _, err := l.Create(ctx, "main.py", "dup"); err == nil {
		t.Fatal("expected duplicate error")
	}
	store.err = errors.New("network down")
	if _, err := l.Rename(ctx, before[0].ID, "other.js"); err == nil {
		t.Fatal("expected rename error")
	}
	if l.LastError() == nil {
		t.Fatal("LastError not set")
	}

	after := l.Files()
	if len(after) != 1 || after[0].Path != "main.py" || after[0].Language != "python" {
		t.Fatalf("cache changed after failures: %+v", after)
	}
}

func TestEditSetsModifiedAndSaveClearsIt(t *testing.T) {
	l, store, _ := newTestLayer(t)
	ctx := context.Background()
	if _, err := l.Create(ctx, "main.py", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := l.Edit("print(1)"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !l.Current().Modified {
		t.Fatal("expected modified after edit")
	}
	if err := l.Edit(""); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if l.Current().Modified {
		t.Fatal("edit back to saved content should clear modified")
	}

	_ = l.Edit("print(1)")
	saved, err := l.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Modified || l.Current().Modified {
		t.Fatal("expected clean file after save")
	}
	if store.files[saved.ID].Content != "print(1)" {
		t.Fatalf("remote content = %q", store.files[saved.ID].Content)
	}
}

func TestEditWithoutCurrentFile(t *testing.T) {
	l, _, _ := newTestLayer(t)
	if err := l.Edit("x"); !errors.Is(err, ErrNoCurrentFile) {
		t.Fatalf("Edit err = %v", err)
	}
	if _, err := l.Save(context.Background()); !errors.Is(err, ErrNoCurrentFile) {
		t.Fatalf("Save err = %v", err)
	}
}

func TestOpenKeepsUnsavedEdits(t *testing.T) {
	l, store, _ := newTestLayer(t)
	ctx := context.Background()
	a, _ := l.Create(ctx, "a.py", "a")
	b, _ := l.Create(ctx, "b.py", "b")

	if _, err := l.Open(ctx, a.ID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = l.Edit("a edited")
	if _, err := l.Open(ctx, b.ID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	calls := store.calls
	got, err := l.Open(ctx, a.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Content != "a edited" || !got.Modified {
		t.Fatalf("reopened file = %+v", got)
	}
	if store.calls != calls {
		t.Fatal("modified file was re-fetched")
	}
}

func TestDeleteCurrentSelectsFirstRemaining(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	c, _ := l.Create(ctx, "c.py", "")
	a, _ := l.Create(ctx, "a.py", "")
	b, _ := l.Create(ctx, "b.py", "")

	if _, err := l.Open(ctx, b.ID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cur := l.Current(); cur == nil || cur.ID != a.ID {
		t.Fatalf("current after delete = %+v, want a.py", cur)
	}

	if err := l.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cur := l.Current(); cur == nil || cur.ID != c.ID {
		t.Fatalf("current after delete = %+v, want c.py", cur)
	}
	if err := l.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cur := l.Current(); cur != nil {
		t.Fatalf("current after deleting last file = %+v, want nil", cur)
	}
}

func TestDeleteNonCurrentKeepsCurrent(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	a, _ := l.Create(ctx, "a.py", "")
	b, _ := l.Create(ctx, "b.py", "")
	if err := l.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cur := l.Current(); cur == nil || cur.ID != b.ID {
		t.Fatalf("current = %+v", cur)
	}
}

func TestRenameRecomputesLanguage(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	f, _ := l.Create(ctx, "x.py", "print(1)")
	if f.Language != "python" {
		t.Fatalf("language = %q", f.Language)
	}
	_ = l.Edit("console.log(1)")

	renamed, err := l.Rename(ctx, f.ID, "x.js")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed.Language != "javascript" {
		t.Fatalf("language after rename = %q, want javascript", renamed.Language)
	}
	if renamed.Content != "console.log(1)" || !renamed.Modified {
		t.Fatalf("rename lost local edits: %+v", renamed)
	}
}

func TestFolderDeleteRemovesChildren(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	dir, err := l.CreateFolder(ctx, "src/")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if dir.Path != "src" || !dir.IsFolder {
		t.Fatalf("folder = %+v", dir)
	}
	if _, err := l.Create(ctx, "src/app.py", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	top, _ := l.Create(ctx, "top.py", "")
	if _, err := l.Open(ctx, top.ID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Delete(ctx, dir.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	files := l.Files()
	if len(files) != 1 || files[0].Path != "top.py" {
		t.Fatalf("files after folder delete = %+v", files)
	}
}

func TestInvalidPathRejectedLocally(t *testing.T) {
	l, store, _ := newTestLayer(t)
	for _, p := range []string{"", "  ", "a/../b", "./x"} {
		if _, err := l.Create(context.Background(), p, ""); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Create(%q) err = %v", p, err)
		}
	}
	if store.calls != 0 {
		t.Fatalf("remote called %d times", store.calls)
	}
}

func TestListKeepsLocalEditsAndLanguage(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	f, _ := l.Create(ctx, "main.go", "package main")
	_ = l.Edit("package main\n\nfunc main() {}")

	files, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 1 || files[0].Language != "go" {
		t.Fatalf("files = %+v", files)
	}
	cur := l.Current()
	if cur.ID != f.ID || !cur.Modified || !strings.Contains(cur.Content, "func main") {
		t.Fatalf("current after list = %+v", cur)
	}
}

func TestResponseForReplacedSessionIsDiscarded(t *testing.T) {
	l, store, sessions := newTestLayer(t)
	store.onCall = func() { sessions.set("s2", true) }

	_, err := l.Create(context.Background(), "main.py", "print(1)")
	if !errors.Is(err, ErrSessionReplaced) {
		t.Fatalf("Create err = %v, want ErrSessionReplaced", err)
	}
	if files := l.Files(); len(files) != 0 {
		t.Fatalf("cache updated from stale response: %+v", files)
	}

	store.onCall = nil
	store.files = map[string]*domain.File{}
	if _, err := l.Create(context.Background(), "main.py", "print(1)"); err != nil {
		t.Fatalf("Create on new session: %v", err)
	}
}
