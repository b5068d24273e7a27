package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultLimit = 50

// MemoryRepository keeps signals in memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	signals []*Signal
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

// Save implements Repository.
func (m *MemoryRepository) Save(_ context.Context, s *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.signals {
		if existing.EventID == s.EventID && existing.UserID == s.UserID {
			return nil
		}
	}
	cp := *s
	m.signals = append(m.signals, &cp)
	return nil
}

// ListByUser implements Repository.
func (m *MemoryRepository) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Signal
	for _, s := range m.signals {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Score implements Repository.
func (m *MemoryRepository) Score(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, s := range m.signals {
		if s.UserID == userID {
			total += s.Weight
		}
	}
	return total, nil
}

// PostgresRepository stores signals in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Save implements Repository.
func (r *PostgresRepository) Save(ctx context.Context, s *Signal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reputation_signals (id, user_id, rental_id, event_id, signal_type, weight, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, user_id) DO NOTHING`,
		s.ID, s.UserID, s.RentalID, s.EventID, string(s.Type), s.Weight, s.CapturedAt)
	if err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	return nil
}

// ListByUser implements Repository.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, rental_id, event_id, signal_type, weight, captured_at
		FROM reputation_signals WHERE user_id = $1
		ORDER BY captured_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		var (
			s  Signal
			st string
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.RentalID, &s.EventID, &st, &s.Weight, &s.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		s.Type = SignalType(st)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Score implements Repository.
func (r *PostgresRepository) Score(ctx context.Context, userID uuid.UUID) (int, error) {
	var score int
	if err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(weight), 0) FROM reputation_signals WHERE user_id = $1`, userID,
	).Scan(&score); err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	return score, nil
}

// SQLiteRepository stores signals in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a SQLiteRepository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save implements Repository.
func (r *SQLiteRepository) Save(ctx context.Context, s *Signal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reputation_signals (id, user_id, rental_id, event_id, signal_type, weight, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, user_id) DO NOTHING`,
		s.ID.String(), s.UserID.String(), s.RentalID.String(), s.EventID.String(),
		string(s.Type), s.Weight, s.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	return nil
}

// ListByUser implements Repository.
func (r *SQLiteRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, rental_id, event_id, signal_type, weight, captured_at
		FROM reputation_signals WHERE user_id = ?
		ORDER BY captured_at DESC LIMIT ?`, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		var id, uid, rid, eid, st, at string
		s := &Signal{}
		if err := rows.Scan(&id, &uid, &rid, &eid, &st, &s.Weight, &at); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		for _, f := range []struct {
			dst *uuid.UUID
			src string
		}{{&s.ID, id}, {&s.UserID, uid}, {&s.RentalID, rid}, {&s.EventID, eid}} {
			if *f.dst, err = uuid.Parse(f.src); err != nil {
				return nil, fmt.Errorf("scan signal: %w", err)
			}
		}
		if s.CapturedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		s.Type = SignalType(st)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Score implements Repository.
func (r *SQLiteRepository) Score(ctx context.Context, userID uuid.UUID) (int, error) {
	var score int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(weight), 0) FROM reputation_signals WHERE user_id = ?`, userID.String(),
	).Scan(&score); err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	return score, nil
}
