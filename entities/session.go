package entities

import (
	"time"

	"github.com/google/uuid"

	"broadcast-relay/constant"
)

// BroadcastSession is one continuous broadcast attempt. At most one row has
// state=ACTIVE at any instant; the conditional insert in the repository
// enforces this across service instances.
type BroadcastSession struct {
	ID            uuid.UUID             `json:"id" gorm:"type:uuid;primary_key"`
	BroadcasterID string                `json:"broadcaster_id" gorm:"type:varchar(64);not null;index:idx_broadcast_sessions_broadcaster"`
	DisplayName   string                `json:"display_name" gorm:"type:varchar(255);not null"`
	State         constant.SessionState `json:"state" gorm:"type:varchar(20);not null;index:idx_broadcast_sessions_state"`
	StartedAt     time.Time             `json:"started_at" gorm:"type:timestamptz;not null"`
	EndedAt       *time.Time            `json:"ended_at" gorm:"type:timestamptz"`
	// LastChunkAt is the heartbeat used by the janitor to detect sessions
	// whose broadcaster crashed without calling Stop.
	LastChunkAt *time.Time `json:"last_chunk_at" gorm:"type:timestamptz"`
}

func (BroadcastSession) TableName() string {
	return "broadcast_sessions"
}
