package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"broadcast-relay/dto"
	"broadcast-relay/entities"
)

const (
	// sessionExchange fans session lifecycle events out to every
	// connected receiver.
	sessionExchange = "relay.sessions"
	// chunkExchange routes chunk notifications per session so a receiver
	// only gets traffic for the session it plays.
	chunkExchange = "relay.chunks"
)

func chunkRoutingKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("chunk.%s", sessionID)
}

// Publisher implements the relay's event-bus publish side on RabbitMQ.
// Events reach subscribers connected at publish time; absent subscribers
// get nothing and reconcile via the catch-up read.
type Publisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declareExchanges(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

func declareExchanges(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(sessionExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	return ch.ExchangeDeclare(chunkExchange, "topic", true, false, false, false, nil)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publish.
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (p *Publisher) PublishSessionStarted(ctx context.Context, session *entities.BroadcastSession) error {
	msg := dto.SessionEventMessage{
		Type:      dto.SessionEventStarted,
		SessionID: session.ID,
		Session: &dto.SessionInfo{
			ID:            session.ID,
			BroadcasterID: session.BroadcasterID,
			DisplayName:   session.DisplayName,
			StartedAt:     session.StartedAt,
		},
	}
	return p.publish(ctx, sessionExchange, "", msg)
}

func (p *Publisher) PublishSessionEnded(ctx context.Context, sessionID uuid.UUID) error {
	msg := dto.SessionEventMessage{
		Type:      dto.SessionEventEnded,
		SessionID: sessionID,
	}
	return p.publish(ctx, sessionExchange, "", msg)
}

func (p *Publisher) PublishChunkAppended(ctx context.Context, sessionID uuid.UUID, sequence int64) error {
	msg := dto.ChunkAppendedMessage{
		SessionID: sessionID,
		Sequence:  sequence,
	}
	return p.publish(ctx, chunkExchange, chunkRoutingKey(sessionID), msg)
}
