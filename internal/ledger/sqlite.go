package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore persists rental chains to an embedded SQLite database. It is
// meant for a single ledgerd process: appends on one rental are serialised by
// an in-process lock and the write itself runs in a transaction.
type SQLiteStore struct {
	db     *sql.DB
	locks  *keyedLocker
	logger *zap.Logger
}

// NewSQLiteStore creates a SQLiteStore on an already migrated database.
func NewSQLiteStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, locks: newKeyedLocker(), logger: logger}
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, rentalID uuid.UUID, next NextFunc) (*Event, error) {
	unlock, err := s.locks.lock(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tip, err := sqliteTip(ctx, tx, rentalID)
	if err != nil {
		return nil, classifySQLite("read chain tip", err)
	}

	ev, err := next(tip)
	if err != nil {
		return nil, err
	}
	if err := checkSuccessor(tip, ev, rentalID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rental_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.RentalID.String(), ev.Seq, string(ev.Type), ev.SchemaVersion, string(ev.Payload),
		ev.ActorID.String(), string(ev.ActorType), FormatTimestamp(ev.Timestamp),
		nullableHash(ev.PreviousHash), string(ev.CurrentHash),
	); err != nil {
		return nil, classifySQLite("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifySQLite("commit event tx", err)
	}

	s.logger.Debug("ledger event persisted",
		zap.String("rental_id", rentalID.String()),
		zap.Int64("seq", ev.Seq),
	)
	return ev, nil
}

// Tip implements Store.
func (s *SQLiteStore) Tip(ctx context.Context, rentalID uuid.UUID) (Tip, error) {
	return sqliteTip(ctx, s.db, rentalID)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, eventID uuid.UUID) (*Event, error) {
	ev, err := scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM rental_events WHERE id = ?`, eventID.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return ev, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, rentalID uuid.UUID, opts ListOptions) ([]*Event, int, error) {
	opts = opts.normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rental_events WHERE rental_id = ? AND (? = '' OR event_type = ?)`,
		rentalID.String(), string(opts.Type), string(opts.Type),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM rental_events
		 WHERE rental_id = ? AND (? = '' OR event_type = ?)
		 ORDER BY seq DESC LIMIT ? OFFSET ?`,
		rentalID.String(), string(opts.Type), string(opts.Type), opts.PageSize, opts.offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	events, err := collectSQLiteEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Chain implements Store.
func (s *SQLiteStore) Chain(ctx context.Context, rentalID uuid.UUID) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM rental_events WHERE rental_id = ? ORDER BY seq ASC`,
		rentalID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	return collectSQLiteEvents(rows)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteTip(ctx context.Context, q sqlQuerier, rentalID uuid.UUID) (Tip, error) {
	var (
		seq  int64
		hash string
	)
	err := q.QueryRowContext(ctx,
		`SELECT seq, current_event_hash FROM rental_events
		 WHERE rental_id = ? ORDER BY seq DESC LIMIT 1`, rentalID.String(),
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{Hash: NoHash}, nil
	}
	if err != nil {
		return Tip{}, err
	}
	return Tip{Hash: Hash(hash), Seq: seq}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (*Event, error) {
	var (
		ev                       Event
		id, rentalID, actorID    string
		eventType, actorType, ts string
		payload, current         string
		prev                     sql.NullString
	)
	if err := row.Scan(
		&id, &rentalID, &ev.Seq, &eventType, &ev.SchemaVersion, &payload,
		&actorID, &actorType, &ts, &prev, &current,
	); err != nil {
		return nil, err
	}

	var err error
	if ev.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}
	if ev.RentalID, err = uuid.Parse(rentalID); err != nil {
		return nil, fmt.Errorf("rental id: %w", err)
	}
	if ev.ActorID, err = uuid.Parse(actorID); err != nil {
		return nil, fmt.Errorf("actor id: %w", err)
	}
	if ev.Timestamp, err = time.Parse(TimestampLayout, ts); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Type = EventType(eventType)
	ev.ActorType = ActorType(actorType)
	ev.Payload = []byte(payload)
	if prev.Valid {
		ev.PreviousHash = Hash(prev.String)
	}
	ev.CurrentHash = Hash(current)
	return &ev, nil
}

func collectSQLiteEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func classifySQLite(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", ErrConflictOrTimeout, op, err)
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s: %w", ErrConflictOrTimeout, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
