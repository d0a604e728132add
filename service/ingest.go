package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broadcast-relay/dto"
	"broadcast-relay/pkg/metrics"
	"broadcast-relay/pkg/wav"
)

// CaptureSource produces one slice of raw PCM per call. Implementations
// block until a slice worth of audio is available. io.EOF ends the
// broadcast cleanly.
type CaptureSource interface {
	CaptureSlice(ctx context.Context) ([]byte, error)
}

// SliceEncoder turns raw PCM into a self-contained decodable payload.
// Whatever the codec, the contract is that each output decodes on its
// own; periodic byte ranges of one continuous encoder stream do not
// satisfy it.
type SliceEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

type wavEncoder struct {
	format wav.Format
}

// NewWavEncoder returns a SliceEncoder that wraps each slice in a full
// WAV header.
func NewWavEncoder(format wav.Format) SliceEncoder {
	return &wavEncoder{format: format}
}

func (e *wavEncoder) Encode(pcm []byte) ([]byte, error) {
	return wav.EncodeSlice(pcm, e.format)
}

// IngestPipeline drives the broadcaster side: a fixed-cadence capture
// loop feeding a bounded queue, and a sender that persists slices with
// bounded retries. Capture never waits on persistence; when the queue is
// full the oldest unsent slice is dropped so latency stays bounded.
type IngestPipeline struct {
	sessions SessionService
	events   SessionEventSource
	source   CaptureSource
	encoder  SliceEncoder

	interval      time.Duration
	queueDepth    int
	appendRetries uint
	metrics       *metrics.Metrics

	dropped  atomic.Int64
	appended atomic.Int64
}

type IngestConfig struct {
	CaptureInterval time.Duration
	QueueDepth      int
	AppendRetries   uint
}

func NewIngestPipeline(sessions SessionService, events SessionEventSource, source CaptureSource, encoder SliceEncoder, cfg IngestConfig, m *metrics.Metrics) *IngestPipeline {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = 500 * time.Millisecond
	}
	return &IngestPipeline{
		sessions:      sessions,
		events:        events,
		source:        source,
		encoder:       encoder,
		interval:      cfg.CaptureInterval,
		queueDepth:    cfg.QueueDepth,
		appendRetries: cfg.AppendRetries,
		metrics:       m,
	}
}

// Dropped reports how many slices backpressure discarded.
func (p *IngestPipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Appended reports how many slices were persisted.
func (p *IngestPipeline) Appended() int64 {
	return p.appended.Load()
}

type capturedSlice struct {
	sequence int64
	payload  []byte
}

// Run captures, encodes and persists slices for sessionID until the
// context is cancelled, the source is exhausted, or the session ends.
// It returns ErrLostOwnership when broadcasterID no longer holds the
// active slot.
func (p *IngestPipeline) Run(ctx context.Context, sessionID uuid.UUID, broadcasterID string) error {
	// The Start call and the first capture tick are separate operations;
	// a racing broadcaster may have taken the slot in between. Confirm
	// ownership before producing a single chunk.
	active, err := p.sessions.GetActiveSession(ctx)
	if err != nil {
		return err
	}
	if active == nil || active.ID != sessionID || active.BroadcasterID != broadcasterID {
		return ErrLostOwnership
	}

	events, cancelEvents, err := p.events.SubscribeSessions(ctx)
	if err != nil {
		return err
	}
	defer cancelEvents()

	queue := make(chan capturedSlice, p.queueDepth)
	fatal := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sendLoop(ctx, sessionID, queue, fatal)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// When the event subscription dies with the run still alive, the end
	// signal has to come from the store instead.
	var poll *time.Ticker
	var pollC <-chan time.Time
	defer func() {
		if poll != nil {
			poll.Stop()
		}
	}()

	var sequence int64
	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-fatal:
			runErr = err
			break loop
		case ev, ok := <-events:
			if !ok {
				zerolog.Ctx(ctx).Warn().Msg("session event stream closed, polling for session end")
				events = nil
				poll = time.NewTicker(p.pollInterval())
				pollC = poll.C
				continue
			}
			if ev.Type == dto.SessionEventEnded && ev.SessionID == sessionID {
				zerolog.Ctx(ctx).Info().Str("session_id", sessionID.String()).Msg("session ended, stopping capture")
				break loop
			}
		case <-pollC:
			active, err := p.sessions.GetActiveSession(ctx)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("active session poll failed")
				continue
			}
			if active == nil || active.ID != sessionID {
				zerolog.Ctx(ctx).Info().Str("session_id", sessionID.String()).Msg("session no longer active, stopping capture")
				break loop
			}
		case <-ticker.C:
			pcm, err := p.source.CaptureSlice(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break loop
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				zerolog.Ctx(ctx).Error().Err(err).Msg("capture slice failed")
				continue
			}
			payload, err := p.encoder.Encode(pcm)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("encode slice failed")
				continue
			}
			p.enqueue(ctx, queue, capturedSlice{sequence: sequence, payload: payload})
			sequence++
		}
	}

	close(queue)
	wg.Wait()
	return runErr
}

func (p *IngestPipeline) pollInterval() time.Duration {
	interval := p.interval * 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// enqueue never blocks the capture cadence: when the queue is full the
// oldest queued slice is sacrificed for the new one.
func (p *IngestPipeline) enqueue(ctx context.Context, queue chan capturedSlice, s capturedSlice) {
	for {
		select {
		case queue <- s:
			return
		default:
		}
		select {
		case old := <-queue:
			p.dropped.Add(1)
			p.metrics.IncSlicesDropped()
			zerolog.Ctx(ctx).Warn().
				Int64("sequence", old.sequence).
				Msg("ingest queue full, dropped oldest slice")
		default:
		}
	}
}

func (p *IngestPipeline) sendLoop(ctx context.Context, sessionID uuid.UUID, queue <-chan capturedSlice, fatal chan<- error) {
	for s := range queue {
		operation := func() (struct{}, error) {
			err := p.sessions.AppendChunk(ctx, sessionID, s.sequence, s.payload)
			if err != nil {
				if errors.Is(err, ErrUnknownSession) {
					return struct{}{}, backoff.Permanent(err)
				}
				return struct{}{}, err
			}
			return struct{}{}, nil
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = time.Second

		_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(p.appendRetries+1))
		if err != nil {
			if errors.Is(err, ErrUnknownSession) {
				select {
				case fatal <- ErrLostOwnership:
				default:
				}
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			// Persistence trouble is never surfaced to the speaker; the
			// slice is given up and the broadcast keeps moving.
			p.dropped.Add(1)
			p.metrics.IncSlicesDropped()
			zerolog.Ctx(ctx).Error().Err(err).
				Int64("sequence", s.sequence).
				Msg("append retries exhausted, slice dropped")
			continue
		}
		p.appended.Add(1)
	}
}

// ReaderSource captures fixed-size PCM slices from an io.Reader, e.g. a
// raw capture device pipe or a prerecorded file. It returns io.EOF when
// the reader is drained.
type ReaderSource struct {
	r         io.Reader
	sliceSize int
}

func NewReaderSource(r io.Reader, format wav.Format, sliceDuration time.Duration) *ReaderSource {
	size := format.BytesPerSecond() * int(sliceDuration.Milliseconds()) / 1000
	if size < 1 {
		size = 1
	}
	return &ReaderSource{r: r, sliceSize: size}
}

func (s *ReaderSource) CaptureSlice(_ context.Context) ([]byte, error) {
	buf := make([]byte, s.sliceSize)
	n, err := io.ReadFull(s.r, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, err
}
