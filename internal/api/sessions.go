package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/container"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/identity"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
	"github.com/redmage123/course-creator-sub015/internal/sandbox"
	"github.com/redmage123/course-creator-sub015/internal/store"
)

// cleanupTimeout bounds sandbox removal after the request has returned.
const cleanupTimeout = 30 * time.Second

// LookupSession returns the caller's active session for ?exercise_id=.
func (h *Handler) LookupSession(w http.ResponseWriter, r *http.Request) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	exerciseID := strings.TrimSpace(r.URL.Query().Get("exercise_id"))
	if exerciseID == "" {
		Error(w, http.StatusBadRequest, "exercise_id is required")
		return
	}

	session, err := h.repo.FindActiveSession(r.Context(), learnerID, exerciseID)
	if err != nil {
		h.log.Error("failed to look up session", "learner_id", learnerID, "exercise_id", exerciseID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to look up session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "no active session")
		return
	}
	JSON(w, http.StatusOK, session)
}

// StartSession starts a sandbox for the exercise. An existing active session
// is returned as is, unless fresh is set, in which case it is stopped and
// its subscribers are told about the replacement.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	var req sandbox.StartSessionRequest
	if !decode(w, r, &req) {
		return
	}
	req.ExerciseID = strings.TrimSpace(req.ExerciseID)
	if req.ExerciseID == "" {
		Error(w, http.StatusBadRequest, "exercise_id is required")
		return
	}

	unlock, ok := h.tryLock("start:" + learnerID + ":" + req.ExerciseID)
	if !ok {
		Error(w, http.StatusConflict, "start already in progress")
		return
	}
	defer unlock()

	ctx := r.Context()
	existing, err := h.repo.FindActiveSession(ctx, learnerID, req.ExerciseID)
	if err != nil {
		h.log.Error("failed to look up session", "learner_id", learnerID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to look up session")
		return
	}
	if existing != nil && !req.Fresh {
		h.log.Info("reusing active session", "learner_id", learnerID, "session_id", existing.ID)
		h.touch(ctx, existing.ID)
		JSON(w, http.StatusOK, existing)
		return
	}
	if existing != nil {
		if err := h.end(ctx, existing); err != nil {
			h.log.Error("failed to end replaced session", "session_id", existing.ID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to replace session")
			return
		}
	}

	session, err := h.create(ctx, learnerID, req)
	if errors.Is(err, store.ErrActiveSessionExists) {
		// Lost a race with another server instance; hand out the winner.
		if winner, findErr := h.repo.FindActiveSession(ctx, learnerID, req.ExerciseID); findErr == nil && winner != nil {
			JSON(w, http.StatusOK, winner)
			return
		}
	}
	if err != nil {
		h.log.Error("failed to start session", "learner_id", learnerID, "exercise_id", req.ExerciseID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	if existing != nil {
		h.hub.Publish(existing.ID, protocol.StatusMessage{
			Type:    protocol.SessionReplaced,
			Status:  session.Status,
			Session: session,
		})
	}
	h.log.Info("session started", "learner_id", learnerID, "session_id", session.ID, "container_id", session.ContainerID)
	JSON(w, http.StatusCreated, session)
}

func (h *Handler) create(ctx context.Context, learnerID string, req sandbox.StartSessionRequest) (*domain.Session, error) {
	now := h.now().UTC()
	session := &domain.Session{
		ID:         h.newID(),
		OwnerID:    learnerID,
		ExerciseID: req.ExerciseID,
		CourseID:   req.CourseID,
		Status:     domain.StatusRunning,
		StartedAt:  now,
		LastSeenAt: now,
	}

	containerID, err := h.rt.Create(ctx, container.Spec{
		SessionID:  session.ID,
		OwnerID:    learnerID,
		ExerciseID: req.ExerciseID,
	})
	if err != nil {
		return nil, err
	}
	session.ContainerID = containerID

	if err := h.repo.CreateSession(ctx, session); err != nil {
		h.removeLater(session.ID, containerID)
		return nil, err
	}
	return session, nil
}

// end removes the sandbox and marks the session stopped.
func (h *Handler) end(ctx context.Context, session *domain.Session) error {
	if session.ContainerID != "" {
		if err := h.rt.Remove(ctx, session.ContainerID); err != nil {
			return err
		}
	}
	ended := h.now().UTC()
	session.Status = domain.StatusStopped
	session.EndedAt = &ended
	session.ContainerID = ""
	session.Resources = nil
	if err := h.repo.UpdateSession(ctx, session); err != nil {
		return err
	}
	h.sampler.Forget(session.ID)
	return nil
}

func (h *Handler) removeLater(sessionID, containerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := h.rt.Remove(ctx, containerID); err != nil {
			h.log.Error("failed to remove orphaned sandbox", "session_id", sessionID, "container_id", containerID, "error", err)
		}
	}()
}

// PauseSession freezes a running sandbox.
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.StatusRunning, domain.StatusPaused, func(ctx context.Context, s *domain.Session) error {
		return h.rt.Pause(ctx, s.ContainerID)
	})
}

// ResumeSession unfreezes a paused sandbox.
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.StatusPaused, domain.StatusRunning, func(ctx context.Context, s *domain.Session) error {
		return h.rt.Resume(ctx, s.ContainerID)
	})
}

// transition moves a session from one stable state to another. Repeating a
// transition that already happened is answered with the current session.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, from, to domain.SessionStatus, apply func(context.Context, *domain.Session) error) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	unlock, ok := h.tryLock("session:" + session.ID)
	if !ok {
		Error(w, http.StatusConflict, "operation already in progress")
		return
	}
	defer unlock()

	switch session.Status {
	case to:
		JSON(w, http.StatusOK, session)
		return
	case from:
	default:
		Error(w, http.StatusConflict, "cannot move session from "+string(session.Status)+" to "+string(to))
		return
	}

	ctx := r.Context()
	if err := apply(ctx, session); err != nil {
		h.log.Error("session transition failed", "session_id", session.ID, "to", to, "error", err)
		Error(w, http.StatusInternalServerError, "failed to "+verb(to)+" session")
		return
	}
	session.Status = to
	if err := h.repo.UpdateSession(ctx, session); err != nil {
		h.log.Error("failed to persist session status", "session_id", session.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update session state")
		return
	}
	h.touch(ctx, session.ID)
	h.hub.Publish(session.ID, protocol.StatusMessage{Type: protocol.StatusChanged, Status: to})

	h.log.Info("session transitioned", "session_id", session.ID, "from", from, "to", to)
	JSON(w, http.StatusOK, session)
}

func verb(to domain.SessionStatus) string {
	if to == domain.StatusPaused {
		return "pause"
	}
	return "resume"
}

// StopSession removes the sandbox and ends the session. Stopping an ended
// session is a no-op.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if session.Status == domain.StatusStopped {
		JSON(w, http.StatusOK, session)
		return
	}
	unlock, ok := h.tryLock("session:" + session.ID)
	if !ok {
		Error(w, http.StatusConflict, "operation already in progress")
		return
	}
	defer unlock()

	if err := h.end(r.Context(), session); err != nil {
		h.log.Error("failed to stop session", "session_id", session.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	h.hub.Publish(session.ID, protocol.StatusMessage{Type: protocol.StatusChanged, Status: domain.StatusStopped})
	h.log.Info("session stopped", "session_id", session.ID)
	JSON(w, http.StatusOK, session)
}

// Resources samples the sandbox now.
func (h *Handler) Resources(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if !session.Status.Active() || session.ContainerID == "" {
		Error(w, http.StatusConflict, "session is not active")
		return
	}
	snap, err := h.sampler.Sample(r.Context(), session)
	if err != nil {
		h.log.Warn("failed to sample resources", "session_id", session.ID, "error", err)
		Error(w, http.StatusBadGateway, "failed to read sandbox resources")
		return
	}
	JSON(w, http.StatusOK, snap)
}

// SessionExpired notifies subscribers of a session ended by the idle TTL.
func (h *Handler) SessionExpired(session *domain.Session) {
	h.sampler.Forget(session.ID)
	h.hub.Publish(session.ID, protocol.StatusMessage{Type: protocol.StatusChanged, Status: domain.StatusStopped})
}
