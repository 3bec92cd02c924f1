package assistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/goleak"

	"github.com/redmage123/course-creator-sub015/internal/assistctx"
	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type replyFunc func(ctx context.Context, ws *websocket.Conn, msg protocol.AssistantMessage)

// assistantServer speaks the assistant protocol for tests.
type assistantServer struct {
	srv  *httptest.Server
	msgs chan protocol.AssistantMessage

	mu     sync.Mutex
	dials  int
	reject bool
	noAck  bool
	reply  replyFunc
	conns  []*websocket.Conn
}

func newAssistantServer(t *testing.T) *assistantServer {
	s := &assistantServer{msgs: make(chan protocol.AssistantMessage, 64)}
	s.reply = func(ctx context.Context, ws *websocket.Conn, msg protocol.AssistantMessage) {
		_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantThinking})
		_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantResponse, Content: "ok"})
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.CloseNow()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func (s *assistantServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *assistantServer) set(fn func(s *assistantServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *assistantServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *assistantServer) lastConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *assistantServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	reject := s.reject
	s.mu.Unlock()
	if reject {
		http.Error(w, "assistant offline", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.mu.Unlock()

	ctx := context.Background()
	for {
		var msg protocol.AssistantMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return
		}
		s.msgs <- msg
		s.mu.Lock()
		noAck, reply := s.noAck, s.reply
		s.mu.Unlock()
		switch msg.Type {
		case protocol.AssistantInit:
			if !noAck {
				_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantConnected})
			}
		case protocol.AssistantUserMessage:
			if reply != nil {
				reply(ctx, ws, msg)
			}
		case protocol.AssistantClearHistory:
			_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantHistoryCleared})
		}
	}
}

func (s *assistantServer) expect(t *testing.T, typ protocol.AssistantType) protocol.AssistantMessage {
	t.Helper()
	for {
		select {
		case msg := <-s.msgs:
			if msg.Type == typ {
				return msg
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
			return protocol.AssistantMessage{}
		}
	}
}

func (s *assistantServer) countReceived(typ protocol.AssistantType) int {
	n := 0
	for {
		select {
		case msg := <-s.msgs:
			if msg.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

type staticSource struct {
	blob domain.ContextBlob
}

func (s staticSource) AssistantContext() domain.ContextBlob { return s.blob }

func newTestManager(t *testing.T, srv *assistantServer, source ContextSource) *Manager {
	t.Helper()
	m := NewManager(Config{
		URL:       srv.url(),
		Reconnect: channel.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 2},
		Identity: func() Identity {
			return Identity{LearnerID: "learner-1", SessionID: "s1", ExerciseID: "ex1"}
		},
	}, source)
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.WaitFor(ctx, func(s Snapshot) bool { return s.State == want }); err != nil {
		t.Fatalf("state = %s, want %s", m.State(), want)
	}
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatal("reply still pending")
	}
}

func TestOpenBecomesReadyOnlyAfterConnected(t *testing.T) {
	srv := newAssistantServer(t)
	srv.set(func(s *assistantServer) { s.noAck = true })
	m := newTestManager(t, srv, nil)

	m.Open()
	init := srv.expect(t, protocol.AssistantInit)
	if init.LearnerID != "learner-1" || init.SessionID != "s1" || init.ExerciseID != "ex1" {
		t.Fatalf("init = %+v", init)
	}
	if got := m.State(); got == StateReady {
		t.Fatal("ready before acknowledgment")
	}
	if err := m.Send(context.Background(), "hello"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send err = %v, want ErrNotReady", err)
	}

	if err := wsjson.Write(context.Background(), srv.lastConn(), protocol.AssistantMessage{Type: protocol.AssistantConnected}); err != nil {
		t.Fatalf("write connected: %v", err)
	}
	waitState(t, m, StateReady)
}

func TestSendIncludesTextAndContext(t *testing.T) {
	srv := newAssistantServer(t)
	blob := assistctx.Build(assistctx.Input{
		File: &domain.File{Path: "main.py", Content: "print(1)", Language: "python"},
	})
	m := newTestManager(t, srv, staticSource{blob: blob})
	m.Open()
	waitState(t, m, StateReady)

	if err := m.Send(context.Background(), "explain this"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := srv.expect(t, protocol.AssistantUserMessage)
	if !strings.HasPrefix(msg.Content, "explain this") {
		t.Fatalf("payload does not start with user text: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, assistctx.BeginMarker) || !strings.Contains(msg.Content, "main.py") {
		t.Fatalf("payload missing context section: %q", msg.Content)
	}

	waitIdle(t, m)
	turns := m.Turns()
	if len(turns) != 2 {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[0].Role != domain.RoleUser || turns[0].Content != "explain this" || turns[0].Context == nil || turns[0].Context.FileName != "main.py" {
		t.Fatalf("user turn = %+v", turns[0])
	}
	if turns[1].Role != domain.RoleAssistant || turns[1].Content != "ok" {
		t.Fatalf("assistant turn = %+v", turns[1])
	}
}

func TestSendWithoutContext(t *testing.T) {
	srv := newAssistantServer(t)
	blob := assistctx.Build(assistctx.Input{File: &domain.File{Path: "main.py", Content: "print(1)"}})
	m := newTestManager(t, srv, staticSource{blob: blob})
	m.SetIncludeContext(false)
	m.Open()
	waitState(t, m, StateReady)

	if err := m.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg := srv.expect(t, protocol.AssistantUserMessage); msg.Content != "hi" || msg.Context != nil {
		t.Fatalf("payload = %+v", msg)
	}
	waitIdle(t, m)
}

func TestSecondSendRejectedWhilePending(t *testing.T) {
	srv := newAssistantServer(t)
	srv.set(func(s *assistantServer) { s.reply = nil })
	m := newTestManager(t, srv, nil)
	m.Open()
	waitState(t, m, StateReady)
	ctx := context.Background()

	if err := m.Send(ctx, "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	srv.expect(t, protocol.AssistantUserMessage)
	if err := m.Send(ctx, "second"); !errors.Is(err, ErrReplyPending) {
		t.Fatalf("Send err = %v, want ErrReplyPending", err)
	}

	if err := wsjson.Write(ctx, srv.lastConn(), protocol.AssistantMessage{Type: protocol.AssistantResponse, Content: "done", Done: protocol.Bool(true)}); err != nil {
		t.Fatalf("write response: %v", err)
	}
	waitIdle(t, m)
	if n := srv.countReceived(protocol.AssistantUserMessage); n != 0 {
		t.Fatalf("rejected message reached the server (%d extra)", n)
	}
	if err := m.Send(ctx, "third"); err != nil {
		t.Fatalf("Send after reply: %v", err)
	}
}

func TestStreamingChunksAccumulate(t *testing.T) {
	srv := newAssistantServer(t)
	srv.set(func(s *assistantServer) {
		s.reply = func(ctx context.Context, ws *websocket.Conn, msg protocol.AssistantMessage) {
			_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantThinking})
			_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantResponse, Content: "Hel", Done: protocol.Bool(false)})
			_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantResponse, Content: "lo", Done: protocol.Bool(false)})
			_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantResponse, Done: protocol.Bool(true)})
		}
	})
	m := newTestManager(t, srv, nil)
	m.Open()
	waitState(t, m, StateReady)

	if err := m.Send(context.Background(), "greet"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, m)
	turns := m.Turns()
	if len(turns) != 2 || turns[1].Content != "Hello" {
		t.Fatalf("turns = %+v", turns)
	}
	if m.Thinking() {
		t.Fatal("thinking flag not cleared")
	}
}

func TestErrorMessageEndsPending(t *testing.T) {
	srv := newAssistantServer(t)
	srv.set(func(s *assistantServer) {
		s.reply = func(ctx context.Context, ws *websocket.Conn, msg protocol.AssistantMessage) {
			_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: "bogus"})
			_ = wsjson.Write(ctx, ws, protocol.AssistantMessage{Type: protocol.AssistantError, Error: "model overloaded"})
		}
	})
	m := newTestManager(t, srv, nil)
	m.Open()
	waitState(t, m, StateReady)

	if err := m.Send(context.Background(), "help"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, m)
	turns := m.Turns()
	if len(turns) != 2 || !turns[1].Error || turns[1].Content != "model overloaded" {
		t.Fatalf("turns = %+v", turns)
	}
	if m.LastError() == nil {
		t.Fatal("LastError not set")
	}
	if m.State() != StateReady {
		t.Fatalf("state = %s", m.State())
	}
}

func TestClearHistory(t *testing.T) {
	srv := newAssistantServer(t)
	m := newTestManager(t, srv, nil)
	m.Open()
	waitState(t, m, StateReady)
	ctx := context.Background()

	if err := m.Send(ctx, "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, m)
	if err := m.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if len(m.Turns()) != 0 {
		t.Fatalf("turns after clear = %+v", m.Turns())
	}
	srv.expect(t, protocol.AssistantClearHistory)
}

func TestHistoryClearedFromServer(t *testing.T) {
	srv := newAssistantServer(t)
	m := newTestManager(t, srv, nil)
	m.Open()
	waitState(t, m, StateReady)

	if err := m.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, m)
	if err := wsjson.Write(context.Background(), srv.lastConn(), protocol.AssistantMessage{Type: protocol.AssistantHistoryCleared}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.WaitFor(ctx, func(s Snapshot) bool { return len(s.Turns) == 0 }); err != nil {
		t.Fatalf("turns not cleared: %+v", m.Turns())
	}
}

func TestReconnectExhaustionAndManualReconnect(t *testing.T) {
	srv := newAssistantServer(t)
	srv.set(func(s *assistantServer) { s.reject = true })
	m := newTestManager(t, srv, nil)

	m.Open()
	waitState(t, m, StateFailed)
	if n := srv.dialCount(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
	if !errors.Is(m.LastError(), ErrConnectionFailed) {
		t.Fatalf("LastError = %v", m.LastError())
	}
	time.Sleep(20 * time.Millisecond)
	if n := srv.dialCount(); n != 3 {
		t.Fatalf("dialing continued after failure: %d", n)
	}

	srv.set(func(s *assistantServer) { s.reject = false })
	m.Reconnect()
	waitState(t, m, StateReady)
	if n := srv.dialCount(); n != 4 {
		t.Fatalf("dials after reconnect = %d, want 4", n)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	srv := newAssistantServer(t)
	m := newTestManager(t, srv, nil)
	m.Open()
	waitState(t, m, StateReady)

	m.Close()
	if got := m.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	time.Sleep(30 * time.Millisecond)
	if n := srv.dialCount(); n != 1 {
		t.Fatalf("dials = %d after deliberate close, want 1", n)
	}
	if err := m.Send(context.Background(), "hi"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send err = %v, want ErrClosed", err)
	}
}

func TestUnexpectedCloseWhilePendingReconnects(t *testing.T) {
	srv := newAssistantServer(t)
	var once sync.Once
	srv.set(func(s *assistantServer) {
		s.reply = func(ctx context.Context, ws *websocket.Conn, msg protocol.AssistantMessage) {
			once.Do(func() { _ = ws.CloseNow() })
		}
	})
	m := newTestManager(t, srv, nil)
	m.Open()
	waitState(t, m, StateReady)

	if err := m.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, m)
	if m.LastError() == nil {
		t.Fatal("expected error for reply lost with the connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.WaitFor(ctx, func(s Snapshot) bool { return s.State == StateReady && srv.dialCount() == 2 }); err != nil {
		t.Fatalf("did not reconnect: state=%s dials=%d", m.State(), srv.dialCount())
	}
}

func TestQuickActions(t *testing.T) {
	codeOnly := assistctx.Build(assistctx.Input{File: &domain.File{Path: "main.py", Content: "print(1)"}})
	enabled := map[QuickAction]bool{}
	for _, qa := range QuickActions(codeOnly) {
		enabled[qa.Action] = qa.Enabled
	}
	if !enabled[ActionExplain] || !enabled[ActionImprove] || !enabled[ActionNextStep] || enabled[ActionDebugError] {
		t.Fatalf("enabled = %v", enabled)
	}

	empty := QuickActions(domain.ContextBlob{Source: domain.SourceNone})
	for _, qa := range empty {
		if qa.Enabled != (qa.Action == ActionNextStep) {
			t.Fatalf("action %s enabled=%v with empty context", qa.Action, qa.Enabled)
		}
	}
}

func TestRunQuickAction(t *testing.T) {
	srv := newAssistantServer(t)
	blob := assistctx.Build(assistctx.Input{File: &domain.File{Path: "main.py", Content: "print(1)"}})
	m := newTestManager(t, srv, staticSource{blob: blob})
	m.SetIncludeContext(false)
	m.Open()
	waitState(t, m, StateReady)
	ctx := context.Background()

	if err := m.RunQuickAction(ctx, ActionDebugError); !errors.Is(err, ErrActionUnavailable) {
		t.Fatalf("debug_error err = %v, want ErrActionUnavailable", err)
	}
	if err := m.RunQuickAction(ctx, "dance"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown action err = %v", err)
	}
	if err := m.RunQuickAction(ctx, ActionExplain); err != nil {
		t.Fatalf("explain: %v", err)
	}
	msg := srv.expect(t, protocol.AssistantUserMessage)
	if !strings.Contains(msg.Content, "main.py") {
		t.Fatalf("quick action sent without context: %q", msg.Content)
	}
	waitIdle(t, m)
}
