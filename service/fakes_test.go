package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"broadcast-relay/constant"
	"broadcast-relay/dto"
	"broadcast-relay/entities"
	"broadcast-relay/pkg/metrics"
	"broadcast-relay/repository"
)

// memRepo is an in-memory RelayRepository. The mutex stands in for the
// partial unique index on ACTIVE rows, so the single-active invariant
// holds under concurrent CreateActiveSession calls just like in SQL.
type memRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*entities.BroadcastSession
	chunks   map[uuid.UUID]map[int64]*entities.AudioChunk
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[uuid.UUID]*entities.BroadcastSession),
		chunks:   make(map[uuid.UUID]map[int64]*entities.AudioChunk),
	}
}

func (r *memRepo) Migrate(ctx context.Context) error { return nil }

func (r *memRepo) GetDB() *gorm.DB { return nil }

func (r *memRepo) CreateActiveSession(_ context.Context, s *entities.BroadcastSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.State == constant.SessionStateActive {
			return repository.ErrActiveSessionExists
		}
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memRepo) EndSession(_ context.Context, id uuid.UUID, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State != constant.SessionStateActive {
		return repository.ErrSessionNotActive
	}
	s.State = constant.SessionStateEnded
	at := endedAt
	s.EndedAt = &at
	return nil
}

func (r *memRepo) GetActiveSession(_ context.Context) (*entities.BroadcastSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.State == constant.SessionStateActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) GetSession(_ context.Context, id uuid.UUID) (*entities.BroadcastSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) FindStaleActiveSessions(_ context.Context, cutoff time.Time) ([]*entities.BroadcastSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*entities.BroadcastSession
	for _, s := range r.sessions {
		if s.State != constant.SessionStateActive {
			continue
		}
		heartbeat := s.StartedAt
		if s.LastChunkAt != nil {
			heartbeat = *s.LastChunkAt
		}
		if heartbeat.Before(cutoff) {
			cp := *s
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (r *memRepo) DeleteEndedSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.State == constant.SessionStateEnded && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) InsertChunk(_ context.Context, chunk *entities.AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chunks[chunk.SessionID] == nil {
		r.chunks[chunk.SessionID] = make(map[int64]*entities.AudioChunk)
	}
	if _, exists := r.chunks[chunk.SessionID][chunk.Sequence]; exists {
		return nil
	}
	cp := *chunk
	r.chunks[chunk.SessionID][chunk.Sequence] = &cp
	return nil
}

func (r *memRepo) TouchSessionChunk(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		t := at
		s.LastChunkAt = &t
	}
	return nil
}

func (r *memRepo) GetChunksSince(_ context.Context, sessionID uuid.UUID, fromSequence int64) ([]*entities.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.AudioChunk
	for seq, c := range r.chunks[sessionID] {
		if seq >= fromSequence {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *memRepo) GetChunk(_ context.Context, sessionID uuid.UUID, sequence int64) (*entities.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chunks[sessionID][sequence]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) DeleteChunksBefore(_ context.Context, cutoff time.Time) ([]*entities.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*entities.AudioChunk
	for sessionID, chunks := range r.chunks {
		for seq, c := range chunks {
			if c.CreatedAt.Before(cutoff) {
				cp := *c
				expired = append(expired, &cp)
				delete(chunks, seq)
			}
		}
		if len(chunks) == 0 {
			delete(r.chunks, sessionID)
		}
	}
	return expired, nil
}

// mutateSession edits a stored session in place, for aging heartbeats in
// tests.
func (r *memRepo) mutateSession(id uuid.UUID, fn func(*entities.BroadcastSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		fn(s)
	}
}

// mutateChunks edits stored chunk rows in place.
func (r *memRepo) mutateChunks(sessionID uuid.UUID, fn func(*entities.AudioChunk)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chunks[sessionID] {
		fn(c)
	}
}

func (r *memRepo) chunkCount(sessionID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks[sessionID])
}

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) PutChunk(_ context.Context, objectName string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.objects[objectName] = cp
	return nil
}

func (s *memStore) GetChunk(_ context.Context, objectName string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.objects[objectName]
	if !ok {
		return nil, errors.New("object not found: " + objectName)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, nil
}

func (s *memStore) RemoveChunk(_ context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectName)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// memBus implements EventBus, SessionEventSource and ChunkEventSource in
// memory with the same contract as the RabbitMQ bus: only currently
// subscribed channels receive events, fanout never blocks.
type memBus struct {
	mu          sync.Mutex
	nextID      int
	sessionSubs map[int]chan dto.SessionEventMessage
	chunkSubs   map[int]*chunkSub

	sessionEvents []dto.SessionEventMessage
	chunkEvents   []dto.ChunkAppendedMessage
}

type chunkSub struct {
	sessionID uuid.UUID
	ch        chan dto.ChunkAppendedMessage
}

func newMemBus() *memBus {
	return &memBus{
		sessionSubs: make(map[int]chan dto.SessionEventMessage),
		chunkSubs:   make(map[int]*chunkSub),
	}
}

func (b *memBus) PublishSessionStarted(_ context.Context, session *entities.BroadcastSession) error {
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
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionEvents = append(b.sessionEvents, msg)
	for _, ch := range b.sessionSubs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *memBus) PublishSessionEnded(_ context.Context, sessionID uuid.UUID) error {
	msg := dto.SessionEventMessage{Type: dto.SessionEventEnded, SessionID: sessionID}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionEvents = append(b.sessionEvents, msg)
	for _, ch := range b.sessionSubs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *memBus) PublishChunkAppended(_ context.Context, sessionID uuid.UUID, sequence int64) error {
	msg := dto.ChunkAppendedMessage{SessionID: sessionID, Sequence: sequence}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunkEvents = append(b.chunkEvents, msg)
	for _, sub := range b.chunkSubs {
		if sub.sessionID == sessionID {
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (b *memBus) SubscribeSessions(_ context.Context) (<-chan dto.SessionEventMessage, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan dto.SessionEventMessage, 64)
	b.sessionSubs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.sessionSubs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (b *memBus) SubscribeChunks(_ context.Context, sessionID uuid.UUID) (<-chan dto.ChunkAppendedMessage, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &chunkSub{sessionID: sessionID, ch: make(chan dto.ChunkAppendedMessage, 64)}
	b.chunkSubs[id] = sub
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.chunkSubs, id)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

func (b *memBus) endedEventsFor(sessionID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.sessionEvents {
		if ev.Type == dto.SessionEventEnded && ev.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (b *memBus) chunkEventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunkEvents)
}

// recordingPlayer records the sequences it was asked to play.
type recordingPlayer struct {
	mu     sync.Mutex
	played []dto.Chunk
}

func (p *recordingPlayer) PlayChunk(_ context.Context, sessionID uuid.UUID, sequence int64, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, dto.Chunk{SessionID: sessionID, Sequence: sequence, Payload: payload})
	return nil
}

func (p *recordingPlayer) sequences() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.played))
	for i, c := range p.played {
		out[i] = c.Sequence
	}
	return out
}

// countingTone counts attention sounds.
type countingTone struct {
	calls atomic.Int64
}

func (t *countingTone) PlayAttentionSound(context.Context) {
	t.calls.Add(1)
}

// scriptedSource yields its slices one per call, then io.EOF.
type scriptedSource struct {
	mu     sync.Mutex
	slices [][]byte
}

func (s *scriptedSource) CaptureSlice(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.slices) == 0 {
		return nil, io.EOF
	}
	next := s.slices[0]
	s.slices = s.slices[1:]
	return next, nil
}

// gateService delays AppendChunk until the gate is opened, to simulate
// slow persistence.
type gateService struct {
	SessionService
	gate chan struct{}
}

func (g *gateService) AppendChunk(ctx context.Context, sessionID uuid.UUID, sequence int64, payload []byte) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.SessionService.AppendChunk(ctx, sessionID, sequence, payload)
}

// testEnv wires a real session service onto in-memory infrastructure.
type testEnv struct {
	repo    *memRepo
	store   *memStore
	bus     *memBus
	metrics *metrics.Metrics
	svc     SessionService
}

func newTestEnv(t *testing.T, staleAfter time.Duration) *testEnv {
	t.Helper()
	repo := newMemRepo()
	store := newMemStore()
	bus := newMemBus()
	m := metrics.New()
	return &testEnv{
		repo:    repo,
		store:   store,
		bus:     bus,
		metrics: m,
		svc:     NewSessionService(repo, store, bus, m, staleAfter),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}
