package contract

import (
	"context"

	"ai-chat-relay-be/internal/entity"
)

// IChatTranscriptRepository persists finished conversation transcripts.
type IChatTranscriptRepository interface {
	Create(ctx context.Context, transcript *entity.ChatTranscript) error
	Migrate() error
}
