package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"broadcast-relay/dto"
	"broadcast-relay/pkg/metrics"
	"broadcast-relay/pkg/wav"
)

var testFormat = wav.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// repeatingSource yields the same slice forever.
type repeatingSource struct {
	slice []byte
}

func (s *repeatingSource) CaptureSlice(context.Context) ([]byte, error) {
	return s.slice, nil
}

func newTestPipeline(env *testEnv, sessions SessionService, source CaptureSource, cfg IngestConfig) *IngestPipeline {
	return NewIngestPipeline(sessions, env.bus, source, NewWavEncoder(testFormat), cfg, metrics.New())
}

func TestIngest_sequencesAndSelfContainedPayloads(t *testing.T) {
	env := newTestEnv(t, 30*time.Second)
	ctx := context.Background()

	session, err := env.svc.Start(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	pcm := [][]byte{
		bytes.Repeat([]byte{1, 2}, 160),
		bytes.Repeat([]byte{3, 4}, 160),
		bytes.Repeat([]byte{5, 6}, 160),
		bytes.Repeat([]byte{7, 8}, 160),
		bytes.Repeat([]byte{9, 10}, 160),
	}
	source := &scriptedSource{slices: append([][]byte(nil), pcm...)}
	pipeline := newTestPipeline(env, env.svc, source, IngestConfig{
		CaptureInterval: 2 * time.Millisecond,
		QueueDepth:      8,
		AppendRetries:   2,
	})

	if err := pipeline.Run(ctx, session.ID, "alice"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pipeline.Appended() != int64(len(pcm)) {
		t.Errorf("appended %d slices, want %d", pipeline.Appended(), len(pcm))
	}
	if pipeline.Dropped() != 0 {
		t.Errorf("dropped %d slices, want 0", pipeline.Dropped())
	}

	chunks, err := env.svc.ReadChunksSince(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("ReadChunksSince: %v", err)
	}
	if len(chunks) != len(pcm) {
		t.Fatalf("stored %d chunks, want %d", len(chunks), len(pcm))
	}
	for i, c := range chunks {
		if c.Sequence != int64(i) {
			t.Errorf("chunk %d has sequence %d, want contiguous from 0", i, c.Sequence)
		}
		// Every stored payload must decode on its own.
		format, decoded, err := wav.DecodeSlice(c.Payload)
		if err != nil {
			t.Fatalf("chunk %d does not decode standalone: %v", i, err)
		}
		if format != testFormat {
			t.Errorf("chunk %d format %+v, want %+v", i, format, testFormat)
		}
		if !bytes.Equal(decoded, pcm[i]) {
			t.Errorf("chunk %d audio data mismatch", i)
		}
	}
}

func TestIngest_lostOwnership(t *testing.T) {
	ctx := context.Background()
	source := &repeatingSource{slice: []byte{0, 0}}
	cfg := IngestConfig{CaptureInterval: 2 * time.Millisecond, QueueDepth: 4}

	t.Run("no active session", func(t *testing.T) {
		env := newTestEnv(t, 30*time.Second)
		pipeline := newTestPipeline(env, env.svc, source, cfg)
		if err := pipeline.Run(ctx, uuid.New(), "alice"); !errors.Is(err, ErrLostOwnership) {
			t.Fatalf("expected ErrLostOwnership, got %v", err)
		}
	})

	t.Run("slot held by someone else", func(t *testing.T) {
		env := newTestEnv(t, 30*time.Second)
		session, _ := env.svc.Start(ctx, "alice", "Alice")
		pipeline := newTestPipeline(env, env.svc, source, cfg)
		if err := pipeline.Run(ctx, session.ID, "bob"); !errors.Is(err, ErrLostOwnership) {
			t.Fatalf("expected ErrLostOwnership, got %v", err)
		}
	})

	t.Run("stale session id", func(t *testing.T) {
		env := newTestEnv(t, 30*time.Second)
		_, _ = env.svc.Start(ctx, "alice", "Alice")
		pipeline := newTestPipeline(env, env.svc, source, cfg)
		if err := pipeline.Run(ctx, uuid.New(), "alice"); !errors.Is(err, ErrLostOwnership) {
			t.Fatalf("expected ErrLostOwnership, got %v", err)
		}
	})
}

func TestIngest_dropsOldestUnderBackpressure(t *testing.T) {
	env := newTestEnv(t, 30*time.Second)
	ctx := context.Background()

	session, err := env.svc.Start(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	const total = 10
	slices := make([][]byte, total)
	for i := range slices {
		slices[i] = bytes.Repeat([]byte{byte(i)}, 32)
	}
	source := &scriptedSource{slices: slices}

	gated := &gateService{SessionService: env.svc, gate: make(chan struct{})}
	pipeline := newTestPipeline(env, gated, source, IngestConfig{
		CaptureInterval: 2 * time.Millisecond,
		QueueDepth:      4,
		AppendRetries:   2,
	})

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx, session.ID, "alice") }()

	// Persistence is stuck, the queue fills, older slices start going.
	waitFor(t, 2*time.Second, func() bool { return pipeline.Dropped() >= 3 }, "backpressure drops")
	close(gated.gate)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := pipeline.Dropped() + pipeline.Appended(); got != total {
		t.Errorf("dropped+appended = %d, want %d", got, total)
	}

	chunks, err := env.svc.ReadChunksSince(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("ReadChunksSince: %v", err)
	}
	if int64(len(chunks)) != pipeline.Appended() {
		t.Errorf("stored %d chunks, appended counter says %d", len(chunks), pipeline.Appended())
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Sequence <= chunks[i-1].Sequence {
			t.Errorf("stored sequences not strictly increasing: %d then %d", chunks[i-1].Sequence, chunks[i].Sequence)
		}
	}
}

func TestIngest_stopsWhenSessionEnds(t *testing.T) {
	env := newTestEnv(t, 30*time.Second)
	ctx := context.Background()

	session, err := env.svc.Start(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	source := &repeatingSource{slice: bytes.Repeat([]byte{1}, 32)}
	pipeline := newTestPipeline(env, env.svc, source, IngestConfig{
		CaptureInterval: 2 * time.Millisecond,
		QueueDepth:      4,
		AppendRetries:   2,
	})

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx, session.ID, "alice") }()

	waitFor(t, 2*time.Second, func() bool { return pipeline.Appended() >= 2 }, "capture running")
	if err := env.svc.Stop(ctx, session.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after session end: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after the session ended")
	}
}

// closedSessionSource hands out channels that are already closed, as
// after a broker connection loss.
type closedSessionSource struct{}

func (closedSessionSource) SubscribeSessions(context.Context) (<-chan dto.SessionEventMessage, func(), error) {
	ch := make(chan dto.SessionEventMessage)
	close(ch)
	return ch, func() {}, nil
}

func TestIngest_pollsForSessionEndWhenEventStreamCloses(t *testing.T) {
	env := newTestEnv(t, 30*time.Second)
	ctx := context.Background()

	session, err := env.svc.Start(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	source := &repeatingSource{slice: bytes.Repeat([]byte{1}, 32)}
	pipeline := NewIngestPipeline(env.svc, closedSessionSource{}, source, NewWavEncoder(testFormat), IngestConfig{
		CaptureInterval: 2 * time.Millisecond,
		QueueDepth:      4,
		AppendRetries:   2,
	}, metrics.New())

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx, session.ID, "alice") }()

	// The event stream is gone from the start; capture must keep running.
	waitFor(t, 2*time.Second, func() bool { return pipeline.Appended() >= 2 }, "capture running without event stream")

	if err := env.svc.Stop(ctx, session.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after session end: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not notice the session end via polling")
	}
}

func TestReaderSource_fixedSlicesThenEOF(t *testing.T) {
	// 16 kHz mono 16-bit is 32000 bytes per second, so a 10ms slice is
	// 320 bytes.
	data := bytes.Repeat([]byte{7}, 650)
	source := NewReaderSource(bytes.NewReader(data), testFormat, 10*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		slice, err := source.CaptureSlice(ctx)
		if err != nil {
			t.Fatalf("slice %d: %v", i, err)
		}
		if len(slice) != 320 {
			t.Fatalf("slice %d has %d bytes, want 320", i, len(slice))
		}
	}

	tail, err := source.CaptureSlice(ctx)
	if err != nil {
		t.Fatalf("tail slice: %v", err)
	}
	if len(tail) != 10 {
		t.Errorf("tail slice has %d bytes, want 10", len(tail))
	}

	if _, err := source.CaptureSlice(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after drain, got %v", err)
	}
}
