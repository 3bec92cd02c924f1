package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/identity"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
)

func TestStatusHubFanOut(t *testing.T) {
	hub := NewStatusHub(nil)
	a, unsubA := hub.Subscribe("s1")
	b, unsubB := hub.Subscribe("s1")
	other, unsubOther := hub.Subscribe("s2")
	defer unsubOther()

	hub.Publish("s1", protocol.StatusMessage{Type: protocol.StatusChanged, Status: domain.StatusPaused})

	for _, ch := range []<-chan protocol.StatusMessage{a, b} {
		select {
		case msg := <-ch:
			if msg.Status != domain.StatusPaused {
				t.Fatalf("unexpected message: %+v", msg)
			}
		default:
			t.Fatal("subscriber did not receive message")
		}
	}
	select {
	case msg := <-other:
		t.Fatalf("s2 subscriber got %+v", msg)
	default:
	}

	unsubA()
	unsubA()
	if n := hub.Subscribers("s1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	unsubB()
	if n := hub.Subscribers("s1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	if ids := hub.Sessions(); len(ids) != 1 || ids[0] != "s2" {
		t.Fatalf("unexpected sessions: %v", ids)
	}
}

func TestStatusHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewStatusHub(nil)
	_, unsubscribe := hub.Subscribe("s1")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			hub.Publish("s1", protocol.StatusMessage{Type: protocol.ResourceSnapshot})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestStatusChannelStreamsTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, s := startRunning(t, env)

	header := http.Header{}
	header.Set(identity.LearnerHeader, "learner-1")
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/sessions/" + s.ID
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.CloseNow() }()

	read := func() protocol.StatusMessage {
		t.Helper()
		var msg protocol.StatusMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != protocol.StatusChanged || msg.Status != domain.StatusRunning {
		t.Fatalf("expected initial running status, got %+v", msg)
	}

	waitForSubscriber(t, env.hub, s.ID)
	if _, err := c.PauseSession(ctx, s.ID); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	if msg := read(); msg.Status != domain.StatusPaused {
		t.Fatalf("expected paused, got %+v", msg)
	}

	if _, err := c.StopSession(ctx, s.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if msg := read(); msg.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %+v", msg)
	}

	var msg protocol.StatusMessage
	err = wsjson.Read(ctx, ws, &msg)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure after stop, got %v (%+v)", err, msg)
	}
}

func TestStatusChannelRejectsOtherLearners(t *testing.T) {
	env := newTestEnv(t)
	_, s := startRunning(t, env)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/ws/sessions/"+s.ID, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(identity.LearnerHeader, "learner-2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSampleSubscribedPublishesSnapshots(t *testing.T) {
	env := newTestEnv(t)
	_, s := startRunning(t, env)

	env.rt.mu.Lock()
	env.rt.stats = sampleAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), 0)
	env.rt.mu.Unlock()

	if n := env.sampler.SampleSubscribed(context.Background()); n != 0 {
		t.Fatalf("expected no samples without subscribers, got %d", n)
	}

	msgs, unsubscribe := env.hub.Subscribe(s.ID)
	defer unsubscribe()
	if n := env.sampler.SampleSubscribed(context.Background()); n != 1 {
		t.Fatalf("expected one sample, got %d", n)
	}
	select {
	case msg := <-msgs:
		if msg.Type != protocol.ResourceSnapshot || msg.Resources == nil {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("expected a resource_snapshot")
	}
	if env.sampler.Latest(s.ID) == nil {
		t.Fatal("expected latest snapshot to be kept")
	}
}

// waitForSubscriber waits until the status handler has registered. The
// initial message is written after Subscribe, so this normally returns at once.
func waitForSubscriber(t *testing.T, hub *StatusHub, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers(sessionID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("status handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
