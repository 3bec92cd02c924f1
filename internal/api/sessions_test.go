package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/container"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
	"github.com/redmage123/course-creator-sub015/internal/sandbox"
)

func TestStartSessionReusesActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client("learner-1")

	first, err := c.StartSession(ctx, sandbox.StartSessionRequest{ExerciseID: "ex1", CourseID: "c1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if first.Status != domain.StatusRunning || first.OwnerID != "learner-1" || first.CourseID != "c1" {
		t.Fatalf("unexpected session: %+v", first)
	}

	second, err := c.StartSession(ctx, sandbox.StartSessionRequest{ExerciseID: "ex1"})
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s", first.ID, second.ID)
	}

	found, err := c.LookupSession(ctx, "ex1")
	if err != nil {
		t.Fatalf("LookupSession: %v", err)
	}
	if found == nil || found.ID != first.ID {
		t.Fatalf("lookup returned %+v", found)
	}
	if n := env.rt.created(); n != 1 {
		t.Fatalf("expected one sandbox, created %d", n)
	}

	other, err := c.LookupSession(ctx, "ex2")
	if err != nil || other != nil {
		t.Fatalf("expected no session for ex2, got %+v, %v", other, err)
	}
}

func TestStartSessionRequiresExercise(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.srv.URL+"/api/sessions/start?learner_id=learner-1", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestFreshStartReplacesSessionAndNotifiesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client("learner-1")

	old, err := c.StartSession(ctx, sandbox.StartSessionRequest{ExerciseID: "ex1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	msgs, unsubscribe := env.hub.Subscribe(old.ID)
	defer unsubscribe()

	fresh, err := c.StartSession(ctx, sandbox.StartSessionRequest{ExerciseID: "ex1", Fresh: true})
	if err != nil {
		t.Fatalf("fresh StartSession: %v", err)
	}
	if fresh.ID == old.ID {
		t.Fatal("expected a new session")
	}

	select {
	case msg := <-msgs:
		if msg.Type != protocol.SessionReplaced || msg.Session == nil || msg.Session.ID != fresh.ID {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no session_replaced published")
	}

	stored, err := env.repo.GetSession(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Status != domain.StatusStopped || stored.EndedAt == nil {
		t.Fatalf("old session not ended: %+v", stored)
	}
	if removed := env.rt.removedIDs(); len(removed) != 1 || removed[0] != "ctr-1" {
		t.Fatalf("expected old sandbox removed, got %v", removed)
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client("learner-1")

	s, err := c.StartSession(ctx, sandbox.StartSessionRequest{ExerciseID: "ex1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	paused, err := c.PauseSession(ctx, s.ID)
	if err != nil || paused.Status != domain.StatusPaused {
		t.Fatalf("PauseSession = %+v, %v", paused, err)
	}
	if _, err := c.Execute(ctx, s.ID, "echo hi"); !sandbox.IsConflict(err) {
		t.Fatalf("expected 409 while paused, got %v", err)
	}
	if _, err := c.ListFiles(ctx, s.ID); err != nil {
		t.Fatalf("listing files of a paused session should work: %v", err)
	}

	resumed, err := c.ResumeSession(ctx, s.ID)
	if err != nil || resumed.Status != domain.StatusRunning {
		t.Fatalf("ResumeSession = %+v, %v", resumed, err)
	}

	stopped, err := c.StopSession(ctx, s.ID)
	if err != nil || stopped.Status != domain.StatusStopped || stopped.EndedAt == nil {
		t.Fatalf("StopSession = %+v, %v", stopped, err)
	}
	if again, err := c.StopSession(ctx, s.ID); err != nil || again.Status != domain.StatusStopped {
		t.Fatalf("repeated StopSession = %+v, %v", again, err)
	}
	if _, err := c.PauseSession(ctx, s.ID); !sandbox.IsConflict(err) {
		t.Fatalf("expected 409 pausing a stopped session, got %v", err)
	}

	found, err := c.LookupSession(ctx, "ex1")
	if err != nil || found != nil {
		t.Fatalf("stopped session should not be active, got %+v, %v", found, err)
	}
}

func TestSessionsAreScopedToLearner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.client("learner-1").StartSession(ctx, sandbox.StartSessionRequest{ExerciseID: "ex1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	intruder := env.client("learner-2")
	if _, err := intruder.PauseSession(ctx, s.ID); !sandbox.IsNotFound(err) {
		t.Fatalf("expected 404, got %v", err)
	}
	if _, err := intruder.ListFiles(ctx, s.ID); !sandbox.IsNotFound(err) {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestResourcesReportsNetworkRates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client("learner-1")

	s, err := c.StartSession(ctx, sandbox.StartSessionRequest{ExerciseID: "ex1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.rt.mu.Lock()
	env.rt.stats = &container.Sample{CPUPercent: 12.5, MemoryUsed: 100, MemoryLimit: 1000, RxBytes: 1000, TxBytes: 500, At: at}
	env.rt.mu.Unlock()

	first, err := c.Resources(ctx, s.ID)
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if first.CPUPercent != 12.5 || first.MemoryTotal != 1000 || first.NetworkRxRate != nil {
		t.Fatalf("unexpected first snapshot: %+v", first)
	}

	env.rt.mu.Lock()
	env.rt.stats = &container.Sample{RxBytes: 3000, TxBytes: 500, At: at.Add(2 * time.Second)}
	env.rt.mu.Unlock()

	second, err := c.Resources(ctx, s.ID)
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if second.NetworkRxRate == nil || *second.NetworkRxRate != 1000 {
		t.Fatalf("unexpected rx rate: %+v", second.NetworkRxRate)
	}
	if second.NetworkTxRate == nil || *second.NetworkTxRate != 0 {
		t.Fatalf("unexpected tx rate: %+v", second.NetworkTxRate)
	}

	if _, err := c.StopSession(ctx, s.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if _, err := c.Resources(ctx, s.ID); !sandbox.IsConflict(err) {
		t.Fatalf("expected 409 for a stopped session, got %v", err)
	}
	if env.sampler.Latest(s.ID) != nil {
		t.Fatal("expected samples to be forgotten after stop")
	}
}

func TestSessionExpiredPublishesStopped(t *testing.T) {
	env := newTestEnv(t)
	msgs, unsubscribe := env.hub.Subscribe("s1")
	defer unsubscribe()

	env.handler.SessionExpired(&domain.Session{ID: "s1"})

	select {
	case msg := <-msgs:
		if msg.Type != protocol.StatusChanged || msg.Status != domain.StatusStopped {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("expected a status_changed message")
	}
}
