package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"broadcast-relay/dto"
)

// Subscriber implements the subscribe side of the bus. Every subscription
// gets its own exclusive auto-delete queue, so events published while a
// receiver is away are simply gone. Late joiners must catch up from the
// chunk store, which is exactly the contract the reconstructor assumes.
type Subscriber struct {
	conn *amqp.Connection
}

func NewSubscriber(conn *amqp.Connection) *Subscriber {
	return &Subscriber{conn: conn}
}

func (s *Subscriber) SubscribeSessions(ctx context.Context) (<-chan dto.SessionEventMessage, func(), error) {
	deliveries, cancel, err := s.consume(ctx, sessionExchange, "")
	if err != nil {
		return nil, nil, err
	}

	out := make(chan dto.SessionEventMessage, 64)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg dto.SessionEventMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal session event")
					_ = d.Ack(false)
					continue
				}
				_ = d.Ack(false)
				select {
				case out <- msg:
				default:
					zerolog.Ctx(ctx).Warn().Str("session_id", msg.SessionID.String()).Msg("session event subscriber lagging, event dropped")
				}
			}
		}
	}()
	return out, cancel, nil
}

func (s *Subscriber) SubscribeChunks(ctx context.Context, sessionID uuid.UUID) (<-chan dto.ChunkAppendedMessage, func(), error) {
	deliveries, cancel, err := s.consume(ctx, chunkExchange, chunkRoutingKey(sessionID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan dto.ChunkAppendedMessage, 64)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg dto.ChunkAppendedMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal chunk event")
					_ = d.Ack(false)
					continue
				}
				_ = d.Ack(false)
				select {
				case out <- msg:
				default:
					// The reconstructor reads from its watermark on every
					// event, so a dropped notification heals itself.
					zerolog.Ctx(ctx).Warn().Int64("sequence", msg.Sequence).Msg("chunk event subscriber lagging, event dropped")
				}
			}
		}
	}()
	return out, cancel, nil
}

// consume declares an exclusive queue bound to exchange with key and
// starts consuming. The returned cancel is idempotent.
func (s *Subscriber) consume(ctx context.Context, exchange, key string) (<-chan amqp.Delivery, func(), error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := declareExchanges(ch); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}

	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	zerolog.Ctx(ctx).Debug().Str("exchange", exchange).Str("queue", q.Name).Msg("bus subscription opened")

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := ch.Close(); err != nil {
				zerolog.Ctx(ctx).Debug().Err(err).Msg("bus subscription close")
			}
		})
	}
	return deliveries, cancel, nil
}
