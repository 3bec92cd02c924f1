package agent

import (
	"context"
	"iter"
	"log/slog"
	"strings"
)

// Channel names recorded in conversation logs.
const (
	channelAssistantWS = "assistant_ws"
)

// Service wraps a Processor with conversation logging.
type Service struct {
	processor Processor
	convLog   ConversationLogger
	log       *slog.Logger
}

// NewService creates a service. convLog may be nil.
func NewService(processor Processor, convLog ConversationLogger, logger *slog.Logger) *Service {
	if processor == nil {
		processor = UnavailableProcessor{}
	}
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		processor: processor,
		convLog:   convLog,
		log:       logger.With("component", "agent"),
	}
}

// Chat forwards req to the processor, logging the user message and the
// assembled reply.
func (s *Service) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		s.convLog.Log(ConversationLogEvent{
			LearnerID:  req.LearnerID,
			SessionID:  req.SessionID,
			Channel:    channelAssistantWS,
			Direction:  "outbound",
			EventType:  "user_message",
			ContentRaw: req.Message,
			Meta:       contextMeta(req),
		})

		var content strings.Builder
		chunks := 0
		partial := false
		streamErr := ""
		defer func() {
			s.convLog.Log(ConversationLogEvent{
				LearnerID:  req.LearnerID,
				SessionID:  req.SessionID,
				Channel:    channelAssistantWS,
				Direction:  "inbound",
				EventType:  "assistant_message",
				ContentRaw: content.String(),
				Meta: map[string]any{
					"stream_chunks": chunks,
					"partial":       partial,
					"stream_error":  streamErr,
				},
			})
		}()

		for resp, err := range s.processor.Chat(ctx, req) {
			if err != nil {
				partial = true
				streamErr = err.Error()
				s.log.Error("assistant stream failed", "learner_id", req.LearnerID, "error", err)
				yield(nil, err)
				return
			}
			if resp == nil {
				continue
			}
			chunks++
			content.WriteString(resp.Content)
			if !yield(resp, nil) {
				partial = true
				return
			}
		}
	}
}

// ResetSession clears the backend conversation.
func (s *Service) ResetSession(ctx context.Context, learnerID, sessionID string) error {
	if err := s.processor.ResetSession(ctx, learnerID, sessionID); err != nil {
		return err
	}
	s.convLog.Log(ConversationLogEvent{
		LearnerID: learnerID,
		SessionID: sessionID,
		Channel:   channelAssistantWS,
		Direction: "outbound",
		EventType: "history_cleared",
	})
	return nil
}

// Health reports backend health when the processor supports checks.
// A processor without a health check is assumed healthy.
func (s *Service) Health(ctx context.Context) error {
	if _, ok := s.processor.(UnavailableProcessor); ok {
		return ErrUnavailable
	}
	if hc, ok := s.processor.(interface{ Health(context.Context) error }); ok {
		return hc.Health(ctx)
	}
	return nil
}

// Close releases the processor and flushes the conversation log.
func (s *Service) Close() {
	s.processor.Close()
	if err := s.convLog.Close(); err != nil {
		s.log.Warn("failed to close conversation logger", "error", err)
	}
}

func contextMeta(req ChatRequest) map[string]any {
	meta := map[string]any{
		"exercise_id": req.ExerciseID,
		"course_id":   req.CourseID,
	}
	if req.Context != nil {
		meta["context_file"] = req.Context.FileName
		meta["context_has_error"] = req.Context.ErrorText != ""
	}
	return meta
}
