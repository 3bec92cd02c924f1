// Package identity resolves the learner behind each sandbox API request.
package identity

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// LearnerHeader carries the learner id on every request.
	LearnerHeader = "X-Lab-Learner-ID"
	// LearnerQueryParam is accepted for websocket clients that cannot set headers.
	LearnerQueryParam = "learner_id"
)

type contextKey int

const learnerIDKey contextKey = iota

var learnerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// LearnerIDFromContext extracts the learner ID from the request context.
func LearnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(learnerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLearnerID returns ctx carrying learnerID.
func WithLearnerID(ctx context.Context, learnerID string) context.Context {
	return context.WithValue(ctx, learnerIDKey, learnerID)
}

func learnerIDFromRequest(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(LearnerHeader))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get(LearnerQueryParam))
	}
	if !learnerIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func validToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// Middleware rejects requests without a valid learner id, and without the
// bearer token when one is configured.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validToken(r, token) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			learnerID := learnerIDFromRequest(r)
			if learnerID == "" {
				writeError(w, http.StatusUnauthorized, "missing or invalid learner id")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithLearnerID(r.Context(), learnerID)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
