// Package api provides the HTTP and websocket handlers of the sandbox server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/redmage123/course-creator-sub015/internal/container"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/identity"
	"github.com/redmage123/course-creator-sub015/internal/store"
)

// maxRequestBodySize bounds JSON request bodies, file contents included.
const maxRequestBodySize = 2 << 20

var errBodyTooLarge = errors.New("request body too large")

// Handler serves the session, file and terminal endpoints.
type Handler struct {
	repo    store.Repository
	rt      container.Runtime
	hub     *StatusHub
	sampler *Sampler
	log     *slog.Logger
	now     func() time.Time
	newID   func() string

	// locks serializes lifecycle operations per key.
	locks sync.Map
}

// NewHandler creates a Handler.
func NewHandler(repo store.Repository, rt container.Runtime, hub *StatusHub, sampler *Sampler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:    repo,
		rt:      rt,
		hub:     hub,
		sampler: sampler,
		log:     logger.With("component", "api"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// RegisterRoutes registers every learner-facing route. The router must
// carry the identity middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.LookupSession)
		r.Post("/start", h.StartSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/pause", h.PauseSession)
			r.Post("/resume", h.ResumeSession)
			r.Post("/stop", h.StopSession)
			r.Get("/resources", h.Resources)

			r.Get("/files", h.ListFiles)
			r.Post("/files", h.CreateFile)
			r.Get("/files/{fileID}", h.GetFile)
			r.Put("/files/{fileID}", h.SaveFile)
			r.Delete("/files/{fileID}", h.DeleteFile)
			r.Patch("/files/{fileID}/rename", h.RenameFile)
			r.Post("/folders", h.CreateFolder)

			r.Post("/execute", h.Execute)
			r.Get("/history", h.History)
		})
	})
	r.Get("/ws/sessions/{id}", h.StatusChannel)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. It writes the error response itself and
// reports whether decoding succeeded.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			Error(w, http.StatusRequestEntityTooLarge, errBodyTooLarge.Error())
		case errors.Is(err, io.EOF):
			Error(w, http.StatusBadRequest, "request body is required")
		default:
			Error(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

// ownedSession loads the {id} session of the calling learner. Sessions of
// other learners are reported as missing.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	session, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		h.log.Error("failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	if session == nil || session.OwnerID != learnerID {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return session, true
}

// runningSession is ownedSession restricted to running sessions. File and
// terminal operations need a live sandbox.
func (h *Handler) runningSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return nil, false
	}
	if session.Status != domain.StatusRunning || session.ContainerID == "" {
		Error(w, http.StatusConflict, "session is not running")
		return nil, false
	}
	h.touch(r.Context(), session.ID)
	return session, true
}

// touch records activity for the idle TTL. Failures only delay expiry
// accounting, so they are logged and ignored.
func (h *Handler) touch(ctx context.Context, sessionID string) {
	if err := h.repo.TouchSession(ctx, sessionID, h.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Warn("failed to record session activity", "session_id", sessionID, "error", err)
	}
}

// tryLock takes the per-key lock without waiting.
func (h *Handler) tryLock(key string) (func(), bool) {
	lock, _ := h.locks.LoadOrStore(key, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
