package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"broadcast-relay/constant"
	"broadcast-relay/entities"
)

var (
	// ErrActiveSessionExists is returned by CreateActiveSession when the
	// conditional insert loses to an existing ACTIVE row.
	ErrActiveSessionExists = errors.New("an active session already exists")
	// ErrSessionNotActive is returned by EndSession when the session is
	// unknown or already ended.
	ErrSessionNotActive = errors.New("session is not active or unknown")
	// ErrSessionNotFound is returned by lookups for missing sessions.
	ErrSessionNotFound = errors.New("session not found")
)

type RelayRepository interface {
	Migrate(ctx context.Context) error
	GetDB() *gorm.DB

	// CreateActiveSession inserts s with state=ACTIVE if and only if no
	// other ACTIVE session exists. The partial unique index on ACTIVE rows
	// backs the check, so of any set of concurrent callers exactly one wins
	// and the rest get ErrActiveSessionExists.
	CreateActiveSession(ctx context.Context, s *entities.BroadcastSession) error
	// EndSession transitions an ACTIVE session to ENDED, setting endedAt
	// once. A second call for the same id fails with ErrSessionNotActive.
	EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time) error
	GetActiveSession(ctx context.Context) (*entities.BroadcastSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*entities.BroadcastSession, error)
	FindStaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*entities.BroadcastSession, error)
	DeleteEndedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	InsertChunk(ctx context.Context, chunk *entities.AudioChunk) error
	TouchSessionChunk(ctx context.Context, id uuid.UUID, at time.Time) error
	GetChunksSince(ctx context.Context, sessionID uuid.UUID, fromSequence int64) ([]*entities.AudioChunk, error)
	GetChunk(ctx context.Context, sessionID uuid.UUID, sequence int64) (*entities.AudioChunk, error)
	DeleteChunksBefore(ctx context.Context, cutoff time.Time) ([]*entities.AudioChunk, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) RelayRepository {
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	return &repo{
		db: gormDB,
	}
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(
		&entities.BroadcastSession{},
		&entities.AudioChunk{},
	); err != nil {
		return err
	}
	// At most one ACTIVE row, enforced by the database itself. All rows in
	// this partial index share the same key, so a second ACTIVE insert is a
	// unique violation no matter how the statements interleave.
	return r.db.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_broadcast_sessions_single_active
		 ON broadcast_sessions ((state)) WHERE state = 'ACTIVE'`).Error
}

func (r *repo) CreateActiveSession(ctx context.Context, s *entities.BroadcastSession) error {
	// The NOT EXISTS check handles the common case without an error round
	// trip. It is not a mutual exclusion on its own: under READ COMMITTED
	// two concurrent inserts can each see an empty subquery snapshot. The
	// partial unique index created in Migrate is what makes the loser fail.
	res := r.db.WithContext(ctx).Exec(
		`INSERT INTO broadcast_sessions (id, broadcaster_id, display_name, state, started_at)
		 SELECT ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM broadcast_sessions WHERE state = ?)`,
		s.ID, s.BroadcasterID, s.DisplayName, constant.SessionStateActive, s.StartedAt,
		constant.SessionStateActive,
	)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrActiveSessionExists
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrActiveSessionExists
	}
	s.State = constant.SessionStateActive
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (r *repo) EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&entities.BroadcastSession{}).
		Where("id = ? AND state = ?", id, constant.SessionStateActive).
		Updates(map[string]interface{}{
			"state":    constant.SessionStateEnded,
			"ended_at": endedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotActive
	}
	return nil
}

func (r *repo) GetActiveSession(ctx context.Context) (*entities.BroadcastSession, error) {
	session := &entities.BroadcastSession{}
	err := r.db.WithContext(ctx).
		Where("state = ?", constant.SessionStateActive).
		First(session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

func (r *repo) GetSession(ctx context.Context, id uuid.UUID) (*entities.BroadcastSession, error) {
	session := &entities.BroadcastSession{}
	err := r.db.WithContext(ctx).First(session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func (r *repo) FindStaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*entities.BroadcastSession, error) {
	var sessions []*entities.BroadcastSession
	err := r.db.WithContext(ctx).
		Where("state = ? AND COALESCE(last_chunk_at, started_at) < ?", constant.SessionStateActive, cutoff).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) DeleteEndedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("state = ? AND ended_at < ?", constant.SessionStateEnded, cutoff).
		Delete(&entities.BroadcastSession{})
	return res.RowsAffected, res.Error
}

func (r *repo) InsertChunk(ctx context.Context, chunk *entities.AudioChunk) error {
	// Chunks are immutable; a retried insert of the same (session, sequence)
	// is a no-op, not an error.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(chunk).Error
}

func (r *repo) TouchSessionChunk(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&entities.BroadcastSession{}).
		Where("id = ?", id).
		Update("last_chunk_at", at).Error
}

func (r *repo) GetChunksSince(ctx context.Context, sessionID uuid.UUID, fromSequence int64) ([]*entities.AudioChunk, error) {
	var chunks []*entities.AudioChunk
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND sequence >= ?", sessionID, fromSequence).
		Order("sequence ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *repo) GetChunk(ctx context.Context, sessionID uuid.UUID, sequence int64) (*entities.AudioChunk, error) {
	chunk := &entities.AudioChunk{}
	err := r.db.WithContext(ctx).
		First(chunk, "session_id = ? AND sequence = ?", sessionID, sequence).Error
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (r *repo) DeleteChunksBefore(ctx context.Context, cutoff time.Time) ([]*entities.AudioChunk, error) {
	// DELETE ... RETURNING: the rows reported to the caller are exactly the
	// rows removed, so every deleted chunk gets its payload object cleaned
	// up. A separate SELECT would miss rows inserted in between.
	var expired []*entities.AudioChunk
	res := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("created_at < ?", cutoff).
		Delete(&expired)
	if res.Error != nil {
		return nil, res.Error
	}
	return expired, nil
}
