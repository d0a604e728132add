package service

import (
	"context"

	"github.com/google/uuid"

	"broadcast-relay/dto"
	"broadcast-relay/entities"
)

// EventBus publishes lifecycle and chunk notifications to currently
// connected subscribers. Delivery is at-least-once for subscribers that
// are connected at publish time and not guaranteed at all for late
// joiners, who reconcile through the catch-up read instead.
type EventBus interface {
	PublishSessionStarted(ctx context.Context, session *entities.BroadcastSession) error
	PublishSessionEnded(ctx context.Context, sessionID uuid.UUID) error
	PublishChunkAppended(ctx context.Context, sessionID uuid.UUID, sequence int64) error
}

// SessionEventSource delivers session lifecycle events. The returned
// cancel func tears the subscription down and is safe to call more than
// once.
type SessionEventSource interface {
	SubscribeSessions(ctx context.Context) (<-chan dto.SessionEventMessage, func(), error)
}

// ChunkEventSource delivers chunk-appended notifications for one session.
type ChunkEventSource interface {
	SubscribeChunks(ctx context.Context, sessionID uuid.UUID) (<-chan dto.ChunkAppendedMessage, func(), error)
}
