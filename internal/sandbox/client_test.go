package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewWithBaseURL(server.URL, "learner-1", 2*time.Second)
}

func TestLookupSessionNotFoundReturnsNil(t *testing.T) {
	var seenPath, seenLearner string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.RequestURI()
		seenLearner = r.Header.Get(LearnerHeader)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no active session"}`))
	})

	session, err := c.LookupSession(context.Background(), "ex 1")
	if err != nil {
		t.Fatalf("LookupSession error: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session, got %+v", session)
	}
	if seenPath != "/api/sessions?exercise_id=ex+1" {
		t.Fatalf("unexpected request path: %s", seenPath)
	}
	if seenLearner != "learner-1" {
		t.Fatalf("learner header = %q", seenLearner)
	}
}

func TestStartSessionDecodesSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sessions/start" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req StartSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(domain.Session{ID: "s1", ExerciseID: req.ExerciseID, Status: domain.StatusRunning})
	})

	session, err := c.StartSession(context.Background(), StartSessionRequest{ExerciseID: "ex1"})
	if err != nil {
		t.Fatalf("StartSession error: %v", err)
	}
	if session.ID != "s1" || session.Status != domain.StatusRunning || session.ExerciseID != "ex1" {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestAPIErrorIsDecoded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"file already exists"}`))
	})

	_, err := c.CreateFile(context.Background(), "s1", "main.py", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err.Error() != "file already exists" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestRenameFileUsesPatch(t *testing.T) {
	var method, path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		_ = json.NewEncoder(w).Encode(domain.File{ID: "f1", Path: "x.js", Language: "javascript"})
	})

	file, err := c.RenameFile(context.Background(), "s1", "f1", "x.js")
	if err != nil {
		t.Fatalf("RenameFile error: %v", err)
	}
	if method != http.MethodPatch || path != "/api/sessions/s1/files/f1/rename" {
		t.Fatalf("unexpected request %s %s", method, path)
	}
	if file.Path != "x.js" {
		t.Fatalf("file = %+v", file)
	}
}

func TestDeleteFileNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteFile(context.Background(), "s1", "f1"); err != nil {
		t.Fatalf("DeleteFile error: %v", err)
	}
}

func TestHistoryAndExecute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions/s1/execute":
			var req ExecuteRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(domain.CommandRecord{Input: req.Command, Output: "1", ExitCode: 0})
		case "/api/sessions/s1/history":
			_ = json.NewEncoder(w).Encode(HistoryResponse{Commands: []domain.CommandRecord{{Input: "ls"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	rec, err := c.Execute(context.Background(), "s1", "python main.py")
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if rec.Input != "python main.py" || rec.Output != "1" {
		t.Fatalf("record = %+v", rec)
	}
	hist, err := c.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(hist) != 1 || hist[0].Input != "ls" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestStatusURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/sessions/s1"},
		{"https://lab.example.com/", "wss://lab.example.com/ws/sessions/s1"},
	}
	for _, tt := range tests {
		c := NewWithBaseURL(tt.base, "", 0)
		if got := c.StatusURL("s1"); got != tt.want {
			t.Errorf("StatusURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
