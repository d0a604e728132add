package server

import (
	"context"

	"broadcast-relay/config"
	"broadcast-relay/pkg/metrics"
	"broadcast-relay/pkg/rabbitmq"
	"broadcast-relay/repository"
	"broadcast-relay/service"
)

// Components is the wired core of the relay, shared by the server and
// the broadcaster/listener commands.
type Components struct {
	Repo       repository.RelayRepository
	Store      service.ObjectStore
	Publisher  *rabbitmq.Publisher
	Subscriber *rabbitmq.Subscriber
	Sessions   service.SessionService
	Janitor    *service.Janitor
	Authorizer service.Authorizer
	Metrics    *metrics.Metrics
}

// Bootstrap connects to RabbitMQ, migrates the database and builds the
// relay services.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Components, error) {
	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	publisher, err := rabbitmq.NewPublisher(conn)
	if err != nil {
		return nil, err
	}
	subscriber := rabbitmq.NewSubscriber(conn)

	repo := repository.NewRepo(cfg.DB)
	if err := repo.Migrate(ctx); err != nil {
		return nil, err
	}

	m := metrics.New()
	store := service.NewMinioObjectStore(cfg.Storage, cfg.MinIOBucket)
	sessions := service.NewSessionService(repo, store, publisher, m, cfg.Relay.StaleAfter)
	janitor := service.NewJanitor(repo, store, sessions, cfg.Relay.Retention, m)
	authorizer := service.NewAllowlistAuthorizer(cfg.Auth.Broadcasters)

	return &Components{
		Repo:       repo,
		Store:      store,
		Publisher:  publisher,
		Subscriber: subscriber,
		Sessions:   sessions,
		Janitor:    janitor,
		Authorizer: authorizer,
		Metrics:    m,
	}, nil
}
