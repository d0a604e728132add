package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broadcast-relay/dto"
	"broadcast-relay/entities"
	"broadcast-relay/pkg/metrics"
)

// Player consumes ordered chunk payloads on the receiver side. Each
// payload is self-contained, so PlayChunk needs no decoder state across
// calls.
type Player interface {
	PlayChunk(ctx context.Context, sessionID uuid.UUID, sequence int64, payload []byte) error
}

// AlertTone is the collaborator that draws the listener's attention when
// a new session begins.
type AlertTone interface {
	PlayAttentionSound(ctx context.Context)
}

// ChunkReader is the catch-up half of the merge: a one-shot ordered read
// of already persisted chunks. SessionService implements it.
type ChunkReader interface {
	ReadChunksSince(ctx context.Context, sessionID uuid.UUID, fromSequence int64) ([]dto.Chunk, error)
}

// ActiveSessionReader lets a late-joining receiver discover a broadcast
// it got no push notification for.
type ActiveSessionReader interface {
	GetActiveSession(ctx context.Context) (*entities.BroadcastSession, error)
}

// Reconstructor merges the catch-up read and the live subscription into
// one in-order, gap-tolerant, de-duplicated playback stream. One
// Reconstructor serves one receiver; no state is shared between
// receivers, so a failure here never touches anyone else's playback.
type Reconstructor struct {
	sessions SessionEventSource
	chunks   ChunkEventSource
	reader   ChunkReader
	player   Player
	tone     AlertTone
	metrics  *metrics.Metrics

	gapTimeout   time.Duration
	reorderDepth int
	pollInterval time.Duration

	lost       atomic.Int64
	duplicates atomic.Int64
}

type ReconstructorConfig struct {
	GapTimeout   time.Duration
	ReorderDepth int
	// PollInterval bounds how long a receiver keeps acting on a lost
	// lifecycle notification before the active-session poll corrects it.
	PollInterval time.Duration
}

func NewReconstructor(sessions SessionEventSource, chunks ChunkEventSource, reader ChunkReader, player Player, tone AlertTone, cfg ReconstructorConfig, m *metrics.Metrics) *Reconstructor {
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = 2 * time.Second
	}
	if cfg.ReorderDepth < 1 {
		cfg.ReorderDepth = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Reconstructor{
		sessions:     sessions,
		chunks:       chunks,
		reader:       reader,
		player:       player,
		tone:         tone,
		metrics:      m,
		gapTimeout:   cfg.GapTimeout,
		reorderDepth: cfg.ReorderDepth,
		pollInterval: cfg.PollInterval,
	}
}

// Lost reports how many chunks this receiver skipped over.
func (r *Reconstructor) Lost() int64 {
	return r.lost.Load()
}

// Duplicates reports how many redundant deliveries were discarded.
func (r *Reconstructor) Duplicates() int64 {
	return r.duplicates.Load()
}

// activePlayback tracks the session currently being played. stop is
// idempotent; calling it any number of times cancels playback once.
type activePlayback struct {
	sessionID uuid.UUID
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (a *activePlayback) stop() {
	a.once.Do(a.cancel)
}

// Run listens for session lifecycle events and plays at most one session
// at a time until ctx is cancelled. active may be nil; when set, it is
// polled at startup and then on a timer, so a receiver that connects
// mid-broadcast joins the session it missed the announcement for, and a
// receiver whose ended notification was lost stops within one poll.
func (r *Reconstructor) Run(ctx context.Context, active ActiveSessionReader) error {
	events, cancelEvents, err := r.sessions.SubscribeSessions(ctx)
	if err != nil {
		return err
	}
	defer cancelEvents()

	var current *activePlayback
	stopCurrent := func() {
		if current == nil {
			return
		}
		current.stop()
		<-current.done
		current = nil
	}
	defer stopCurrent()

	start := func(sessionID uuid.UUID) {
		if current != nil {
			if current.sessionID == sessionID {
				return
			}
			stopCurrent()
		}
		playCtx, cancel := context.WithCancel(ctx)
		current = &activePlayback{
			sessionID: sessionID,
			cancel:    cancel,
			done:      make(chan struct{}),
		}
		pb := current
		go func() {
			defer close(pb.done)
			r.playSession(playCtx, sessionID)
		}()
	}

	var pollC <-chan time.Time
	if active != nil {
		poll := time.NewTicker(r.pollInterval)
		defer poll.Stop()
		pollC = poll.C

		session, err := active.GetActiveSession(ctx)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("active session poll failed")
		} else if session != nil {
			start(session.ID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if pollC == nil {
					return nil
				}
				// The poll keeps the receiver converging without events.
				events = nil
				continue
			}
			switch ev.Type {
			case dto.SessionEventStarted:
				start(ev.SessionID)
			case dto.SessionEventEnded:
				if current != nil && current.sessionID == ev.SessionID {
					stopCurrent()
				}
			}
		case <-pollC:
			session, err := active.GetActiveSession(ctx)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("active session poll failed")
				continue
			}
			if session == nil {
				stopCurrent()
				continue
			}
			start(session.ID)
		}
	}
}

// playSession runs the per-session merge: alert tone, concurrent catch-up
// and live subscription, one watermark, one reorder buffer. The buffer is
// owned by this goroutine alone, so no locking is needed.
func (r *Reconstructor) playSession(ctx context.Context, sessionID uuid.UUID) {
	r.tone.PlayAttentionSound(ctx)

	// Subscribe before the catch-up read so nothing published during the
	// read is missed; the watermark de-duplicates the overlap.
	live, cancelLive, err := r.chunks.SubscribeChunks(ctx, sessionID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionID.String()).Msg("chunk subscription failed")
		return
	}
	defer cancelLive()

	st := &playbackState{
		watermark: 0,
		buffer:    make(map[int64]dto.Chunk),
	}

	backlog, err := r.reader.ReadChunksSince(ctx, sessionID, 0)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionID.String()).Msg("catch-up read failed")
	}
	for _, c := range backlog {
		r.offer(ctx, st, c)
	}

	gapTick := time.NewTicker(r.gapCheckInterval())
	defer gapTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Sequence < st.watermark {
				r.duplicates.Add(1)
				r.metrics.IncDuplicates()
				continue
			}
			// Fetch from the watermark, not the announced sequence: a
			// notification we never saw is healed by the same read.
			chunks, err := r.reader.ReadChunksSince(ctx, sessionID, st.watermark)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionID.String()).Msg("live chunk fetch failed")
				continue
			}
			for _, c := range chunks {
				r.offer(ctx, st, c)
			}
		case <-gapTick.C:
			r.checkGap(ctx, st, sessionID)
		}
	}
}

func (r *Reconstructor) gapCheckInterval() time.Duration {
	interval := r.gapTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

type playbackState struct {
	watermark int64
	buffer    map[int64]dto.Chunk
	gapSince  time.Time
}

// offer feeds one chunk from either source through the shared watermark.
func (r *Reconstructor) offer(ctx context.Context, st *playbackState, c dto.Chunk) {
	switch {
	case c.Sequence < st.watermark:
		r.duplicates.Add(1)
		r.metrics.IncDuplicates()
	case c.Sequence == st.watermark:
		r.play(ctx, c)
		st.watermark++
		st.gapSince = time.Time{}
		r.drain(ctx, st)
	default:
		if _, dup := st.buffer[c.Sequence]; dup {
			r.duplicates.Add(1)
			r.metrics.IncDuplicates()
			return
		}
		if len(st.buffer) >= r.reorderDepth {
			// Keep the buffer bounded; the gap timeout will move the
			// watermark soon enough for the rest.
			return
		}
		st.buffer[c.Sequence] = c
		if st.gapSince.IsZero() {
			st.gapSince = time.Now()
		}
	}
}

// drain plays buffered chunks that have become contiguous.
func (r *Reconstructor) drain(ctx context.Context, st *playbackState) {
	for {
		c, ok := st.buffer[st.watermark]
		if !ok {
			if len(st.buffer) > 0 && st.gapSince.IsZero() {
				st.gapSince = time.Now()
			}
			return
		}
		delete(st.buffer, st.watermark)
		r.play(ctx, c)
		st.watermark++
		st.gapSince = time.Time{}
	}
}

// checkGap declares a gap unrecoverable after the bounded wait and jumps
// the watermark to the lowest buffered sequence. Silence beats stalling.
func (r *Reconstructor) checkGap(ctx context.Context, st *playbackState, sessionID uuid.UUID) {
	if len(st.buffer) == 0 || st.gapSince.IsZero() {
		return
	}
	if time.Since(st.gapSince) < r.gapTimeout {
		return
	}

	lowest := int64(-1)
	for seq := range st.buffer {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	missing := lowest - st.watermark
	r.lost.Add(missing)
	r.metrics.AddChunksLost(missing)
	zerolog.Ctx(ctx).Warn().
		Str("session_id", sessionID.String()).
		Int64("from", st.watermark).
		Int64("to", lowest).
		Msg("gap timeout, skipping missing chunks")

	st.watermark = lowest
	st.gapSince = time.Time{}
	r.drain(ctx, st)
}

func (r *Reconstructor) play(ctx context.Context, c dto.Chunk) {
	if err := r.player.PlayChunk(ctx, c.SessionID, c.Sequence, c.Payload); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("session_id", c.SessionID.String()).
			Int64("sequence", c.Sequence).
			Msg("play chunk failed")
	}
}
