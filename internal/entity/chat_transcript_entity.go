package entity

import (
	"time"

	"github.com/google/uuid"
)

// TranscriptMessage is one turn of an archived conversation.
type TranscriptMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatTranscript is the append-only archive record written when a chat
// session ends. It is never read back into a live session.
type ChatTranscript struct {
	Id           uuid.UUID
	ConnectionId string
	AuthUserId   string
	Mode         string
	Messages     []TranscriptMessage
	EndedReason  string
	CreatedAt    time.Time
}
