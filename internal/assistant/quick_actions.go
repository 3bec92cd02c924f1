package assistant

import (
	"context"
	"errors"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

var (
	ErrActionUnavailable = errors.New("quick action unavailable for the current context")
	ErrUnknownAction     = errors.New("unknown quick action")
)

// QuickAction is a pre-canned request keyed to context availability.
type QuickAction string

const (
	ActionExplain    QuickAction = "explain"
	ActionDebugError QuickAction = "debug_error"
	ActionImprove    QuickAction = "improve"
	ActionNextStep   QuickAction = "next_step"
)

// QuickActionInfo describes one action and whether it can run now.
type QuickActionInfo struct {
	Action  QuickAction
	Label   string
	Prompt  string
	Enabled bool
}

var quickActions = []struct {
	action QuickAction
	label  string
	prompt string
	needs  func(domain.ContextBlob) bool
}{
	{ActionExplain, "Explain code", "Explain what this code does.", domain.ContextBlob.HasCode},
	{ActionDebugError, "Debug error", "Help me understand and fix this error.", domain.ContextBlob.HasError},
	{ActionImprove, "Improve code", "How can I improve this code?", domain.ContextBlob.HasCode},
	{ActionNextStep, "Next step", "What should I do next?", func(domain.ContextBlob) bool { return true }},
}

// QuickActions lists every action with its availability for blob.
func QuickActions(blob domain.ContextBlob) []QuickActionInfo {
	out := make([]QuickActionInfo, 0, len(quickActions))
	for _, qa := range quickActions {
		out = append(out, QuickActionInfo{
			Action:  qa.action,
			Label:   qa.label,
			Prompt:  qa.prompt,
			Enabled: qa.needs(blob),
		})
	}
	return out
}

// RunQuickAction sends the action's prompt with context attached,
// regardless of the context toggle.
func (m *Manager) RunQuickAction(ctx context.Context, action QuickAction) error {
	var blob domain.ContextBlob
	if m.source != nil {
		blob = m.source.AssistantContext()
	}
	for _, info := range QuickActions(blob) {
		if info.Action != action {
			continue
		}
		if !info.Enabled {
			return ErrActionUnavailable
		}
		return m.send(ctx, info.Prompt, blob, true)
	}
	return ErrUnknownAction
}
