package session

import "github.com/redmage123/course-creator-sub015/internal/domain"

// EventKind identifies what changed.
type EventKind string

const (
	EventStatusChanged   EventKind = "status_changed"
	EventSessionReplaced EventKind = "session_replaced"
	EventResources       EventKind = "resources"
	EventChannelState    EventKind = "channel_state"
	EventError           EventKind = "error"
)

// ChannelState is the state of the status channel.
type ChannelState string

const (
	ChannelClosed       ChannelState = "closed"
	ChannelConnecting   ChannelState = "connecting"
	ChannelOpen         ChannelState = "open"
	ChannelReconnecting ChannelState = "reconnecting"
	ChannelFailed       ChannelState = "failed"
)

// Event is delivered to listeners registered with OnEvent. Status is always
// the status at the time the event was produced.
type Event struct {
	Kind      EventKind
	Status    domain.SessionStatus
	Session   *domain.Session
	Resources *domain.ResourceSnapshot
	Channel   ChannelState
	// Previous is the replaced session id for EventSessionReplaced.
	Previous string
	Err      error
}
