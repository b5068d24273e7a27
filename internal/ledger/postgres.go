package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const eventColumns = `id, rental_id, seq, event_type, schema_version, event_data,
	actor_id, actor_type, timestamp, previous_event_hash, current_event_hash`

// PostgresStore persists rental chains to PostgreSQL. It implements Store.
//
// Appends on one rental are serialised with a transaction-scoped advisory
// lock keyed by the rental ID, so several ledgerd instances may share the
// database. The rental_events table rejects UPDATE and DELETE with a trigger.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: DefaultAppendTimeout, logger: logger}
}

// SetLockTimeout bounds how long an append waits for the rental lock inside
// the database.
func (s *PostgresStore) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

// Append implements Store. Lock, tip read, insert and commit happen in one
// transaction; the lock is released when it commits or rolls back.
func (s *PostgresStore) Append(ctx context.Context, rentalID uuid.UUID, next NextFunc) (*Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return nil, classify("set lock timeout", err)
	}
	if _, err := tx.Exec(ctx,
		"SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))", rentalID.String(),
	); err != nil {
		return nil, classify("acquire rental lock", err)
	}

	tip, err := readTip(ctx, tx, rentalID)
	if err != nil {
		return nil, classify("read chain tip", err)
	}

	ev, err := next(tip)
	if err != nil {
		return nil, err
	}
	if err := checkSuccessor(tip, ev, rentalID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rental_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.RentalID, ev.Seq, string(ev.Type), ev.SchemaVersion, []byte(ev.Payload),
		ev.ActorID, string(ev.ActorType), ev.Timestamp, nullableHash(ev.PreviousHash), string(ev.CurrentHash),
	); err != nil {
		return nil, classify("insert event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit event tx", err)
	}

	s.logger.Debug("ledger event persisted",
		zap.String("rental_id", rentalID.String()),
		zap.Int64("seq", ev.Seq),
	)
	return ev, nil
}

// Tip implements Store.
func (s *PostgresStore) Tip(ctx context.Context, rentalID uuid.UUID) (Tip, error) {
	return readTip(ctx, s.pool, rentalID)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, eventID uuid.UUID) (*Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM rental_events WHERE id = $1`, eventID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return ev, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, rentalID uuid.UUID, opts ListOptions) ([]*Event, int, error) {
	opts = opts.normalize()

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM rental_events
		 WHERE rental_id = $1 AND ($2 = '' OR event_type = $2)`,
		rentalID, string(opts.Type),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM rental_events
		 WHERE rental_id = $1 AND ($2 = '' OR event_type = $2)
		 ORDER BY seq DESC LIMIT $3 OFFSET $4`,
		rentalID, string(opts.Type), opts.PageSize, opts.offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Chain implements Store. O(n) in chain length.
func (s *PostgresStore) Chain(ctx context.Context, rentalID uuid.UUID) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM rental_events WHERE rental_id = $1 ORDER BY seq ASC`,
		rentalID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	return collectEvents(rows)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readTip(ctx context.Context, q querier, rentalID uuid.UUID) (Tip, error) {
	var (
		seq  int64
		hash string
	)
	err := q.QueryRow(ctx,
		`SELECT seq, current_event_hash FROM rental_events
		 WHERE rental_id = $1 ORDER BY seq DESC LIMIT 1`, rentalID,
	).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tip{Hash: NoHash}, nil
	}
	if err != nil {
		return Tip{}, err
	}
	return Tip{Hash: Hash(hash), Seq: seq}, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		ev        Event
		eventType string
		actorType string
		payload   []byte
		prev      *string
		current   string
	)
	if err := row.Scan(
		&ev.ID, &ev.RentalID, &ev.Seq, &eventType, &ev.SchemaVersion, &payload,
		&ev.ActorID, &actorType, &ev.Timestamp, &prev, &current,
	); err != nil {
		return nil, err
	}
	ev.Type = EventType(eventType)
	ev.ActorType = ActorType(actorType)
	ev.Payload = payload
	ev.Timestamp = ev.Timestamp.UTC()
	if prev != nil {
		ev.PreviousHash = Hash(*prev)
	}
	ev.CurrentHash = Hash(current)
	return &ev, nil
}

func collectEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullableHash(h Hash) any {
	if h == NoHash {
		return nil
	}
	return string(h)
}

// classify marks lock waits, cancellations and write races as retryable.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", ErrConflictOrTimeout, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", // lock_not_available
			"57014", // query_canceled
			"40001", // serialization_failure
			"40P01", // deadlock_detected
			"23505": // unique_violation: a concurrent writer won the slot
			return fmt.Errorf("%w: %s: %w", ErrConflictOrTimeout, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
