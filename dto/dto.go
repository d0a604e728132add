package dto

import (
	"time"

	"github.com/google/uuid"
)

type SessionEventType string

const (
	SessionEventStarted SessionEventType = "session_started"
	SessionEventEnded   SessionEventType = "session_ended"
)

// SessionInfo is the wire representation of a session carried in bus
// messages and HTTP responses.
type SessionInfo struct {
	ID            uuid.UUID `json:"id"`
	BroadcasterID string    `json:"broadcasterId"`
	DisplayName   string    `json:"displayName"`
	StartedAt     time.Time `json:"startedAt"`
}

// SessionEventMessage announces a lifecycle transition on the session
// exchange. Session is only populated for SessionEventStarted.
type SessionEventMessage struct {
	Type      SessionEventType `json:"type"`
	SessionID uuid.UUID        `json:"sessionId"`
	Session   *SessionInfo     `json:"session,omitempty"`
}

// ChunkAppendedMessage announces a persisted chunk on the chunk exchange.
// It deliberately carries no payload; receivers fetch bytes from the store.
type ChunkAppendedMessage struct {
	SessionID uuid.UUID `json:"sessionId"`
	Sequence  int64     `json:"sequence"`
}

// Chunk is a fully loaded chunk as returned by the catch-up read.
type Chunk struct {
	SessionID uuid.UUID `json:"sessionId"`
	Sequence  int64     `json:"sequence"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}
