package domain

import "time"

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContextDescriptor records what context was attached to a user turn.
type ContextDescriptor struct {
	FileName    string `json:"file_name,omitempty"`
	CodeExcerpt string `json:"code_excerpt,omitempty"`
	ErrorText   string `json:"error_text,omitempty"`
}

// Turn is one message in an assistant conversation.
type Turn struct {
	ID        string             `json:"id"`
	Role      Role               `json:"role"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
	Context   *ContextDescriptor `json:"context,omitempty"`
	Error     bool               `json:"error,omitempty"`
}
