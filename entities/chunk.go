package entities

import (
	"time"

	"github.com/google/uuid"
)

// AudioChunk is one immutable, self-contained slice of encoded audio.
// The payload bytes live in object storage under ObjectName; the row only
// carries metadata. The composite primary key makes (session, sequence)
// unique.
type AudioChunk struct {
	SessionID  uuid.UUID `json:"session_id" gorm:"type:uuid;primaryKey"`
	Sequence   int64     `json:"sequence" gorm:"primaryKey;autoIncrement:false"`
	ObjectName string    `json:"object_name" gorm:"type:varchar(500);not null"`
	SizeBytes  int64     `json:"size_bytes" gorm:"type:bigint"`
	CreatedAt  time.Time `json:"created_at" gorm:"type:timestamptz;not null;index:idx_audio_chunks_created_at"`
}

func (AudioChunk) TableName() string {
	return "audio_chunks"
}
