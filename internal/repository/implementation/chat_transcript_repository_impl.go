package implementation

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"ai-chat-relay-be/internal/entity"
	"ai-chat-relay-be/internal/model"
	"ai-chat-relay-be/internal/repository/contract"
)

type chatTranscriptRepository struct {
	db *gorm.DB
}

func NewChatTranscriptRepository(db *gorm.DB) contract.IChatTranscriptRepository {
	return &chatTranscriptRepository{db: db}
}

func (r *chatTranscriptRepository) Migrate() error {
	return r.db.AutoMigrate(&model.ChatTranscript{})
}

func (r *chatTranscriptRepository) Create(ctx context.Context, transcript *entity.ChatTranscript) error {
	m, err := transcriptEntityToModel(transcript)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}
	return nil
}

func transcriptEntityToModel(e *entity.ChatTranscript) (*model.ChatTranscript, error) {
	messages, err := json.Marshal(e.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript messages: %w", err)
	}
	return &model.ChatTranscript{
		Id:           e.Id,
		ConnectionId: e.ConnectionId,
		AuthUserId:   e.AuthUserId,
		Mode:         e.Mode,
		Messages:     messages,
		EndedReason:  e.EndedReason,
		CreatedAt:    e.CreatedAt,
	}, nil
}
