package events

import "time"

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "CHAT_SESSION_STARTED").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// BaseEvent is the common implementation used by the chat lifecycle events.
type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// Chat lifecycle event codes.
const (
	TypeChatSessionStarted   = "CHAT_SESSION_STARTED"
	TypeChatMessageReceived  = "CHAT_MESSAGE_RECEIVED"
	TypeChatBufferGenerated  = "CHAT_BUFFER_GENERATED"
	TypeChatInterruptTrigger = "CHAT_INTERRUPT_TRIGGERED"
	TypeChatBufferComplete   = "CHAT_BUFFER_COMPLETE"
	TypeChatSessionEnded     = "CHAT_SESSION_ENDED"
)

func NewChatSessionStarted(connectionID, authUserID string) Event {
	return BaseEvent{
		Type: TypeChatSessionStarted,
		Data: map[string]interface{}{
			"connection_id": connectionID,
			"auth_user_id":  authUserID,
		},
		OccurredAt: time.Now(),
	}
}

func NewChatMessageReceived(connectionID string, length int) Event {
	return BaseEvent{
		Type: TypeChatMessageReceived,
		Data: map[string]interface{}{
			"connection_id":  connectionID,
			"message_length": length,
		},
		OccurredAt: time.Now(),
	}
}

func NewChatBufferGenerated(connectionID string, blockCount int, carriedPending int) Event {
	return BaseEvent{
		Type: TypeChatBufferGenerated,
		Data: map[string]interface{}{
			"connection_id":   connectionID,
			"block_count":     blockCount,
			"carried_pending": carriedPending,
		},
		OccurredAt: time.Now(),
	}
}

func NewChatInterruptTriggered(connectionID string, waitingForGroup bool) Event {
	return BaseEvent{
		Type: TypeChatInterruptTrigger,
		Data: map[string]interface{}{
			"connection_id":     connectionID,
			"waiting_for_group": waitingForGroup,
		},
		OccurredAt: time.Now(),
	}
}

func NewChatBufferComplete(connectionID string) Event {
	return BaseEvent{
		Type: TypeChatBufferComplete,
		Data: map[string]interface{}{
			"connection_id": connectionID,
		},
		OccurredAt: time.Now(),
	}
}

func NewChatSessionEnded(connectionID, reason string, messageCount int) Event {
	return BaseEvent{
		Type: TypeChatSessionEnded,
		Data: map[string]interface{}{
			"connection_id": connectionID,
			"reason":        reason,
			"message_count": messageCount,
		},
		OccurredAt: time.Now(),
	}
}
