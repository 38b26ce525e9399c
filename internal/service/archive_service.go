package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ai-chat-relay-be/internal/entity"
	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/internal/repository/contract"
	"ai-chat-relay-be/pkg/chat/session"
)

// IArchiveService persists finished conversations. It implements
// orchestrator.Archiver.
type IArchiveService interface {
	ArchiveSession(ctx context.Context, connectionID, authUserID, mode, reason string, history []session.HistoryEntry)
}

type archiveService struct {
	transcripts contract.IChatTranscriptRepository
	logger      logger.ILogger
}

func NewArchiveService(transcripts contract.IChatTranscriptRepository, log logger.ILogger) IArchiveService {
	return &archiveService{
		transcripts: transcripts,
		logger:      log,
	}
}

// ArchiveSession writes one transcript row. Failures are logged and
// swallowed; archival must never affect the live chat path.
func (s *archiveService) ArchiveSession(ctx context.Context, connectionID, authUserID, mode, reason string, history []session.HistoryEntry) {
	messages := make([]entity.TranscriptMessage, len(history))
	for i, h := range history {
		messages[i] = entity.TranscriptMessage{
			Role:      h.Role,
			Content:   h.Content,
			Timestamp: h.Timestamp,
		}
	}

	transcript := &entity.ChatTranscript{
		Id:           uuid.New(),
		ConnectionId: connectionID,
		AuthUserId:   authUserID,
		Mode:         mode,
		Messages:     messages,
		EndedReason:  reason,
		CreatedAt:    time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.transcripts.Create(ctx, transcript); err != nil {
		s.logger.Error("ArchiveService", "Failed to archive transcript", map[string]interface{}{
			"connection_id": connectionID,
			"error":         err.Error(),
		})
		return
	}
	s.logger.Info("ArchiveService", "Transcript archived", map[string]interface{}{
		"connection_id": connectionID,
		"messages":      len(messages),
	})
}
