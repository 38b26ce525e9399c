package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ChatTranscript struct {
	Id           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ConnectionId string         `gorm:"type:varchar(64);index"`
	AuthUserId   string         `gorm:"type:varchar(64);index"`
	Mode         string         `gorm:"type:varchar(16)"`
	Messages     datatypes.JSON `gorm:"type:jsonb"`
	EndedReason  string         `gorm:"type:varchar(32)"`
	CreatedAt    time.Time
}

func (ChatTranscript) TableName() string {
	return "chat_transcripts"
}
