package service

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"

	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/pkg/events"
	pktNats "ai-chat-relay-be/pkg/nats"
)

// IConsumerService drains the in-process event bus and relays chat
// lifecycle events to NATS JetStream for downstream analytics.
type IConsumerService interface {
	Consume(ctx context.Context) error
}

type consumerService struct {
	subscriber message.Subscriber
	natsPub    *pktNats.Publisher // nil when NATS is not configured
	logger     logger.ILogger
}

func NewConsumerService(subscriber message.Subscriber, natsPub *pktNats.Publisher, log logger.ILogger) IConsumerService {
	return &consumerService{
		subscriber: subscriber,
		natsPub:    natsPub,
		logger:     log,
	}
}

func (s *consumerService) Consume(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, events.TopicChatEvents)
	if err != nil {
		return err
	}

	for msg := range messages {
		s.relay(ctx, msg)
		msg.Ack()
	}
	return nil
}

// relay forwards one bus message to NATS. Relay failures are absorbed; the
// analytics stream is best-effort.
func (s *consumerService) relay(ctx context.Context, msg *message.Message) {
	if s.natsPub == nil {
		return
	}

	var envelope events.Envelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		s.logger.Warn("ConsumerService", "Malformed bus event", map[string]interface{}{"message_id": msg.UUID, "error": err.Error()})
		return
	}

	if err := s.natsPub.Publish(ctx, envelope.Type, msg.Payload); err != nil {
		s.logger.Warn("ConsumerService", "Failed to relay event to NATS", map[string]interface{}{
			"type":  envelope.Type,
			"error": err.Error(),
		})
	}
}
