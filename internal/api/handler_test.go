//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redmage123/course-creator-sub015/internal/container"
	"github.com/redmage123/course-creator-sub015/internal/identity"
	"github.com/redmage123/course-creator-sub015/internal/sandbox"
	"github.com/redmage123/course-creator-sub015/internal/store"
)

// fakeRuntime is an in-memory sandbox runtime.
type fakeRuntime struct {
	mu        sync.Mutex
	next      int
	state     map[string]string
	files     map[string]map[string]string
	dirs      map[string]map[string]bool
	removed   []string
	stats     *container.Sample
	failWrite bool
}

var _ container.Runtime = (*fakeRuntime)(nil)

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		state: map[string]string{},
		files: map[string]map[string]string{},
		dirs:  map[string]map[string]bool{},
	}
}

func (f *fakeRuntime) Create(_ context.Context, spec container.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("ctr-%d", f.next)
	f.state[id] = "running"
	f.files[id] = map[string]string{}
	f.dirs[id] = map[string]bool{}
	return id, nil
}

func (f *fakeRuntime) setState(id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.state[id]; !ok {
		return errors.New("no such container")
	}
	f.state[id] = state
	return nil
}

func (f *fakeRuntime) Pause(_ context.Context, id string) error  { return f.setState(id, "paused") }
func (f *fakeRuntime) Resume(_ context.Context, id string) error { return f.setState(id, "running") }

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) IsRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[id] == "running", nil
}

func (f *fakeRuntime) Exec(_ context.Context, _ string, command string) (container.ExecResult, error) {
	switch {
	case strings.HasPrefix(command, "echo "):
		return container.ExecResult{Output: strings.TrimPrefix(command, "echo ") + "\n"}, nil
	case strings.HasPrefix(command, "python"):
		return container.ExecResult{Output: "Traceback (most recent call last):\nNameError: name 'x' is not defined\n", ExitCode: 1}, nil
	}
	return container.ExecResult{}, nil
}

func (f *fakeRuntime) WriteFile(_ context.Context, id, relPath, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("disk full")
	}
	f.files[id][relPath] = content
	return nil
}

func (f *fakeRuntime) MakeDir(_ context.Context, id, relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[id][relPath] = true
	return nil
}

func (f *fakeRuntime) Move(_ context.Context, id, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, c := range f.files[id] {
		if p == from || strings.HasPrefix(p, from+"/") {
			delete(f.files[id], p)
			f.files[id][to+strings.TrimPrefix(p, from)] = c
		}
	}
	for p := range f.dirs[id] {
		if p == from || strings.HasPrefix(p, from+"/") {
			delete(f.dirs[id], p)
			f.dirs[id][to+strings.TrimPrefix(p, from)] = true
		}
	}
	return nil
}

func (f *fakeRuntime) RemovePath(_ context.Context, id, relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.files[id] {
		if p == relPath || strings.HasPrefix(p, relPath+"/") {
			delete(f.files[id], p)
		}
	}
	for p := range f.dirs[id] {
		if p == relPath || strings.HasPrefix(p, relPath+"/") {
			delete(f.dirs[id], p)
		}
	}
	return nil
}

func (f *fakeRuntime) Stats(_ context.Context, _ string) (*container.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		return nil, errors.New("no stats")
	}
	s := *f.stats
	return &s, nil
}

func (f *fakeRuntime) EnsureNetwork(context.Context) (string, error) { return "net-1", nil }

func (f *fakeRuntime) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *fakeRuntime) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeRuntime) paths(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.files[id] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type testEnv struct {
	srv     *httptest.Server
	repo    *store.SQLiteStore
	rt      *fakeRuntime
	hub     *StatusHub
	sampler *Sampler
	handler *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "labs.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	rt := newFakeRuntime()
	hub := NewStatusHub(nil)
	sampler := NewSampler(repo, rt, hub, time.Hour, nil)
	h := NewHandler(repo, rt, hub, sampler, nil)

	r := chi.NewRouter()
	NewHealthHandler(repo, nil).RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(""))
		h.RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = repo.Close()
	})
	return &testEnv{srv: srv, repo: repo, rt: rt, hub: hub, sampler: sampler, handler: h}
}

func (e *testEnv) client(learnerID string) *sandbox.Client {
	return sandbox.NewWithBaseURL(e.srv.URL, learnerID, 5*time.Second)
}

func statusCode(err error) int {
	var apiErr *sandbox.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestRequestsWithoutLearnerAreRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client("").LookupSession(context.Background(), "ex1")
	if statusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Checks["database"] != "ok" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"main.py", "main.py", false},
		{"/src/app.py/", "src/app.py", false},
		{`src\util.py`, "src/util.py", false},
		{"", "", true},
		{"../etc/passwd", "", true},
		{"a//b", "", true},
		{"a/./b", "", true},
	}
	for _, tt := range tests {
		got, err := cleanPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("cleanPath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("cleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
