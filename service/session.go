package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broadcast-relay/constant"
	"broadcast-relay/dto"
	"broadcast-relay/entities"
	"broadcast-relay/pkg/metrics"
	"broadcast-relay/repository"
)

// SessionService owns the broadcast session lifecycle and the chunk log.
// It is the single writer of the "who is broadcasting" fact.
type SessionService interface {
	Start(ctx context.Context, broadcasterID, displayName string) (*entities.BroadcastSession, error)
	Stop(ctx context.Context, sessionID uuid.UUID) error
	GetActiveSession(ctx context.Context) (*entities.BroadcastSession, error)

	AppendChunk(ctx context.Context, sessionID uuid.UUID, sequence int64, payload []byte) error
	ReadChunksSince(ctx context.Context, sessionID uuid.UUID, fromSequence int64) ([]dto.Chunk, error)

	// ReapStale force-ends active sessions whose last chunk is older than
	// the staleness threshold. Returns how many sessions were ended.
	ReapStale(ctx context.Context) (int, error)
}

type sessionService struct {
	repo       repository.RelayRepository
	store      ObjectStore
	bus        EventBus
	metrics    *metrics.Metrics
	staleAfter time.Duration
	now        func() time.Time
}

func NewSessionService(repo repository.RelayRepository, store ObjectStore, bus EventBus, m *metrics.Metrics, staleAfter time.Duration) SessionService {
	return &sessionService{
		repo:       repo,
		store:      store,
		bus:        bus,
		metrics:    m,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (s *sessionService) Start(ctx context.Context, broadcasterID, displayName string) (*entities.BroadcastSession, error) {
	// A crashed broadcaster must not hold the slot forever; reclaim before
	// the atomic create so the next speaker gets through without waiting
	// for the periodic sweep.
	if _, err := s.ReapStale(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to reap stale sessions before start")
	}

	session := &entities.BroadcastSession{
		ID:            uuid.New(),
		BroadcasterID: broadcasterID,
		DisplayName:   displayName,
		State:         constant.SessionStateActive,
		StartedAt:     s.now(),
	}
	err := s.repo.CreateActiveSession(ctx, session)
	if err != nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			return nil, ErrAlreadyBroadcasting
		}
		return nil, err
	}

	if err := s.bus.PublishSessionStarted(ctx, session); err != nil {
		// Connected receivers that miss this will pick the session up via
		// the active-session poll; the session itself is already durable.
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", session.ID.String()).Msg("failed to publish session started")
	}
	s.metrics.IncSessionsStarted()
	s.metrics.SetSessionActive(true)

	zerolog.Ctx(ctx).Info().
		Str("session_id", session.ID.String()).
		Str("broadcaster_id", broadcasterID).
		Msg("broadcast session started")
	return session, nil
}

func (s *sessionService) Stop(ctx context.Context, sessionID uuid.UUID) error {
	err := s.repo.EndSession(ctx, sessionID, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotActive) {
			return ErrNotActiveOrUnknown
		}
		return err
	}

	if err := s.bus.PublishSessionEnded(ctx, sessionID); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to publish session ended")
	}
	s.metrics.IncSessionsEnded()
	s.metrics.SetSessionActive(false)

	zerolog.Ctx(ctx).Info().Str("session_id", sessionID.String()).Msg("broadcast session ended")
	return nil
}

func (s *sessionService) GetActiveSession(ctx context.Context) (*entities.BroadcastSession, error) {
	return s.repo.GetActiveSession(ctx)
}

func (s *sessionService) AppendChunk(ctx context.Context, sessionID uuid.UUID, sequence int64, payload []byte) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrUnknownSession
		}
		return err
	}

	objectName := chunkObjectName(sessionID, sequence)
	if err := s.store.PutChunk(ctx, objectName, payload); err != nil {
		return err
	}

	chunk := &entities.AudioChunk{
		SessionID:  sessionID,
		Sequence:   sequence,
		ObjectName: objectName,
		SizeBytes:  int64(len(payload)),
		CreatedAt:  s.now(),
	}
	if err := s.repo.InsertChunk(ctx, chunk); err != nil {
		return err
	}

	// Appends racing a Stop are tolerated; they just stop counting as a
	// heartbeat once the session has ended.
	if session.State == constant.SessionStateActive {
		if err := s.repo.TouchSessionChunk(ctx, sessionID, chunk.CreatedAt); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to touch session heartbeat")
		}
	}

	if err := s.bus.PublishChunkAppended(ctx, sessionID, sequence); err != nil {
		// Best-effort: receivers heal missed notifications from the store.
		zerolog.Ctx(ctx).Error().Err(err).
			Str("session_id", sessionID.String()).
			Int64("sequence", sequence).
			Msg("failed to publish chunk appended")
	}
	s.metrics.IncChunksAppended()
	return nil
}

func (s *sessionService) ReadChunksSince(ctx context.Context, sessionID uuid.UUID, fromSequence int64) ([]dto.Chunk, error) {
	rows, err := s.repo.GetChunksSince(ctx, sessionID, fromSequence)
	if err != nil {
		return nil, err
	}
	chunks := make([]dto.Chunk, 0, len(rows))
	for _, row := range rows {
		payload, err := s.store.GetChunk(ctx, row.ObjectName)
		if err != nil {
			return nil, fmt.Errorf("load chunk %s/%d: %w", sessionID, row.Sequence, err)
		}
		chunks = append(chunks, dto.Chunk{
			SessionID: row.SessionID,
			Sequence:  row.Sequence,
			Payload:   payload,
			CreatedAt: row.CreatedAt,
		})
	}
	return chunks, nil
}

func (s *sessionService) ReapStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.repo.FindStaleActiveSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, session := range stale {
		if err := s.repo.EndSession(ctx, session.ID, s.now()); err != nil {
			// Lost a race with an explicit Stop; the slot is free either way.
			if errors.Is(err, repository.ErrSessionNotActive) {
				continue
			}
			return reaped, err
		}
		if err := s.bus.PublishSessionEnded(ctx, session.ID); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("session_id", session.ID.String()).Msg("failed to publish stale session ended")
		}
		s.metrics.IncStaleSessions()
		s.metrics.SetSessionActive(false)
		reaped++
		zerolog.Ctx(ctx).Warn().
			Str("session_id", session.ID.String()).
			Str("broadcaster_id", session.BroadcasterID).
			Msg("force-ended stale broadcast session")
	}
	return reaped, nil
}

func chunkObjectName(sessionID uuid.UUID, sequence int64) string {
	return fmt.Sprintf("sessions/%s/chunks/%08d.wav", sessionID, sequence)
}
