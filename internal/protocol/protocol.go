// Package protocol defines the tagged message variants carried by the two
// real-time channels: the session status channel and the assistant channel.
package protocol

import (
	"github.com/redmage123/course-creator-sub015/internal/domain"
)

// StatusType tags a message on the session status channel.
type StatusType string

const (
	StatusChanged    StatusType = "status_changed"
	ResourceSnapshot StatusType = "resource_snapshot"
	SessionReplaced  StatusType = "session_replaced"
)

// StatusMessage is one message on the session status channel.
type StatusMessage struct {
	Type      StatusType               `json:"type"`
	Status    domain.SessionStatus     `json:"status,omitempty"`
	Resources *domain.ResourceSnapshot `json:"resources,omitempty"`
	Session   *domain.Session          `json:"session,omitempty"`
}

// AssistantType tags a message on the assistant channel.
type AssistantType string

// Outbound (client to server).
const (
	AssistantInit         AssistantType = "init"
	AssistantUserMessage  AssistantType = "user_message"
	AssistantClearHistory AssistantType = "clear_history"
)

// Inbound (server to client).
const (
	AssistantConnected      AssistantType = "connected"
	AssistantThinking       AssistantType = "thinking"
	AssistantResponse       AssistantType = "response"
	AssistantError          AssistantType = "error"
	AssistantHistoryCleared AssistantType = "history_cleared"
)

// AssistantMessage is one message on the assistant channel. Which fields are
// populated depends on Type.
type AssistantMessage struct {
	Type       AssistantType             `json:"type"`
	LearnerID  string                    `json:"learner_id,omitempty"`
	SessionID  string                    `json:"session_id,omitempty"`
	ExerciseID string                    `json:"exercise_id,omitempty"`
	CourseID   string                    `json:"course_id,omitempty"`
	Content    string                    `json:"content,omitempty"`
	Context    *domain.ContextDescriptor `json:"context,omitempty"`
	Done       *bool                     `json:"done,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Final reports whether a response message completes the pending reply.
// An absent done flag counts as final.
func (m AssistantMessage) Final() bool {
	return m.Done == nil || *m.Done
}

// Bool returns a pointer to b, for the optional done flag.
func Bool(b bool) *bool {
	return &b
}
