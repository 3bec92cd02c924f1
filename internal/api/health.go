package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redmage123/course-creator-sub015/internal/store"
)

// HealthChecker is an optional dependency probed by the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo      store.Repository
	assistant HealthChecker
	timeout   time.Duration
}

// NewHealthHandler creates a health handler. assistant may be nil.
func NewHealthHandler(repo store.Repository, assistant HealthChecker) *HealthHandler {
	return &HealthHandler{repo: repo, assistant: assistant, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies. Only
// the database decides the status code; the assistant is informational.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.assistant != nil {
		if err := h.assistant.Health(ctx); err != nil {
			checks["assistant"] = "unavailable"
		} else {
			checks["assistant"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
