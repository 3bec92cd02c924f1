// Package agent connects the sandbox server's assistant channel to the
// assistant backend.
package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

// ErrUnavailable is returned when no assistant backend is configured.
var ErrUnavailable = errors.New("assistant unavailable")

// ChatRequest is one learner message with its workspace context.
type ChatRequest struct {
	Message    string
	Context    *domain.ContextDescriptor
	LearnerID  string
	SessionID  string
	ExerciseID string
	CourseID   string
}

// ChatResponse is one streamed chunk of an assistant reply.
type ChatResponse struct {
	Content string
}

// Processor produces assistant replies.
type Processor interface {
	// Chat streams the reply to req. The sequence ends after the last chunk
	// or after the first error.
	Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error]

	// ResetSession clears the backend conversation for a learner's session.
	ResetSession(ctx context.Context, learnerID, sessionID string) error

	// Close releases resources.
	Close()
}

var (
	_ Processor = (*GrpcClient)(nil)
	_ Processor = UnavailableProcessor{}
)

// UnavailableProcessor answers every request with ErrUnavailable.
type UnavailableProcessor struct{}

func (UnavailableProcessor) Chat(context.Context, ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		yield(nil, ErrUnavailable)
	}
}

// ResetSession succeeds; there is no backend state to clear.
func (UnavailableProcessor) ResetSession(context.Context, string, string) error { return nil }

func (UnavailableProcessor) Close() {}
