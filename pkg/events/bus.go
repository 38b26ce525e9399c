package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"ai-chat-relay-be/internal/pkg/logger"
)

// TopicChatEvents is the in-process topic chat lifecycle events flow over.
const TopicChatEvents = "chat.events"

// Envelope is the wire form of an Event on the bus.
type Envelope struct {
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"data"`
	OccurredAt string                 `json:"occurred_at"`
}

// Bus publishes events onto the in-process watermill channel. A nil Bus is
// valid and drops everything, so callers never need to guard.
type Bus struct {
	pub message.Publisher
	log logger.ILogger
}

func NewBus(pub message.Publisher, log logger.ILogger) *Bus {
	return &Bus{pub: pub, log: log}
}

func (b *Bus) Publish(evt Event) {
	if b == nil || b.pub == nil {
		return
	}
	data, err := json.Marshal(Envelope{
		Type:       evt.EventType(),
		Data:       evt.Payload(),
		OccurredAt: evt.Timestamp().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		b.log.Warn("Events", "Failed to marshal event", map[string]interface{}{"type": evt.EventType(), "error": err.Error()})
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pub.Publish(TopicChatEvents, msg); err != nil {
		b.log.Warn("Events", "Failed to publish event", map[string]interface{}{"type": evt.EventType(), "error": err.Error()})
	}
}
