package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"broadcast-relay/pkg/metrics"
	"broadcast-relay/repository"
)

// Janitor bounds storage growth and recovers from broadcasters that
// crashed without calling Stop. It runs on a schedule; Start also reaps
// stale sessions opportunistically through SessionService.ReapStale.
type Janitor struct {
	repo      repository.RelayRepository
	store     ObjectStore
	sessions  SessionService
	retention time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewJanitor(repo repository.RelayRepository, store ObjectStore, sessions SessionService, retention time.Duration, m *metrics.Metrics) *Janitor {
	return &Janitor{
		repo:      repo,
		store:     store,
		sessions:  sessions,
		retention: retention,
		metrics:   m,
		now:       time.Now,
	}
}

// Sweep runs one janitor pass: reap stale sessions, expire old chunks,
// drop long-ended session rows. Each step is independent; a failure in
// one is logged and the others still run.
func (j *Janitor) Sweep(ctx context.Context) {
	if reaped, err := j.sessions.ReapStale(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("janitor: stale session reap failed")
	} else if reaped > 0 {
		zerolog.Ctx(ctx).Info().Int("reaped", reaped).Msg("janitor: reaped stale sessions")
	}

	cutoff := j.now().Add(-j.retention)

	expired, err := j.repo.DeleteChunksBefore(ctx, cutoff)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("janitor: chunk expiry failed")
	} else if len(expired) > 0 {
		for _, chunk := range expired {
			if err := j.store.RemoveChunk(ctx, chunk.ObjectName); err != nil {
				// Orphaned objects are retried on the next sweep's cutoff
				// only if the row survived; log loudly instead.
				zerolog.Ctx(ctx).Error().Err(err).Str("object", chunk.ObjectName).Msg("janitor: failed to remove chunk object")
			}
		}
		j.metrics.AddChunksExpired(int64(len(expired)))
		zerolog.Ctx(ctx).Info().Int("chunks", len(expired)).Msg("janitor: expired chunks deleted")
	}

	if n, err := j.repo.DeleteEndedSessionsBefore(ctx, cutoff); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("janitor: session expiry failed")
	} else if n > 0 {
		zerolog.Ctx(ctx).Info().Int64("sessions", n).Msg("janitor: expired session rows deleted")
	}
}
