package rentals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// SQLiteRepository stores rentals in an embedded SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLiteRepository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create implements Repository.
func (r *SQLiteRepository) Create(ctx context.Context, rental *Rental, participants []*Participant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rentals (`+rentalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rental.ID.String(), rental.PropertyAddress, rental.PropertyUnit, string(rental.Status),
		rental.StartDate.Format(dateLayout), nullableDate(rental.EndDate), rental.CreatedBy.String(),
		formatTime(rental.CreatedAt), formatTime(rental.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert rental: %w", err)
	}
	for _, p := range participants {
		if err := insertSQLiteParticipant(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rental: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Rental, error) {
	rental, err := scanSQLiteRental(r.db.QueryRowContext(ctx,
		`SELECT `+rentalColumns+` FROM rentals WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rental: %w", err)
	}
	return rental, nil
}

// ListByUser implements Repository.
func (r *SQLiteRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Rental, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+rentalColumns+` FROM rentals r
		WHERE EXISTS (
			SELECT 1 FROM rental_participants p
			WHERE p.rental_id = r.id AND p.user_id = ? AND p.left_at IS NULL
		)
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list rentals: %w", err)
	}
	defer rows.Close()

	var out []*Rental
	for rows.Next() {
		rental, err := scanSQLiteRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		out = append(out, rental)
	}
	return out, rows.Err()
}

// ListIDs implements Repository.
func (r *SQLiteRepository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM rentals ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rental ids: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Participants implements Repository.
func (r *SQLiteRepository) Participants(ctx context.Context, rentalID uuid.UUID) ([]*Participant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM rental_participants WHERE rental_id = ? ORDER BY joined_at ASC`,
		rentalID.String())
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var (
			id, rid, uid, role, joined string
			left                       sql.NullString
		)
		if err := rows.Scan(&id, &rid, &uid, &role, &joined, &left); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p := &Participant{Role: Role(role)}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if p.RentalID, err = uuid.Parse(rid); err != nil {
			return nil, err
		}
		if p.UserID, err = uuid.Parse(uid); err != nil {
			return nil, err
		}
		if p.JoinedAt, err = parseTime(joined); err != nil {
			return nil, err
		}
		if left.Valid {
			t, err := parseTime(left.String)
			if err != nil {
				return nil, err
			}
			p.LeftAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddParticipant implements Repository.
func (r *SQLiteRepository) AddParticipant(ctx context.Context, p *Participant) error {
	return insertSQLiteParticipant(ctx, r.db, p)
}

// MarkLeft implements Repository.
func (r *SQLiteRepository) MarkLeft(ctx context.Context, rentalID, userID uuid.UUID, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rental_participants SET left_at = ?
		 WHERE rental_id = ? AND user_id = ? AND left_at IS NULL`,
		formatTime(at), rentalID.String(), userID.String())
	if err != nil {
		return 0, fmt.Errorf("mark participant left: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close implements Repository.
func (r *SQLiteRepository) Close(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rentals SET status = 'CLOSED', end_date = ?, updated_at = ?
		 WHERE id = ? AND status = 'ACTIVE'`,
		at.Format(dateLayout), formatTime(at), id.String())
	if err != nil {
		return fmt.Errorf("close rental: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyClosed
	}
	return nil
}

// IsActiveParticipant implements Repository.
func (r *SQLiteRepository) IsActiveParticipant(ctx context.Context, rentalID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rental_participants
			WHERE rental_id = ? AND user_id = ? AND left_at IS NULL
		)`, rentalID.String(), userID.String()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteParticipant(ctx context.Context, db sqlExecer, p *Participant) error {
	var left any
	if p.LeftAt != nil {
		left = formatTime(*p.LeftAt)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO rental_participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.RentalID.String(), p.UserID.String(), string(p.Role), formatTime(p.JoinedAt), left)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed"):
			return ErrDuplicateParticipant
		case strings.Contains(msg, "FOREIGN KEY constraint failed"):
			return ErrNotFound
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteRental(row sqlRow) (*Rental, error) {
	var (
		r                            Rental
		id, status, start, createdBy string
		createdAt, updatedAt         string
		end                          sql.NullString
	)
	if err := row.Scan(
		&id, &r.PropertyAddress, &r.PropertyUnit, &status, &start, &end,
		&createdBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if r.CreatedBy, err = uuid.Parse(createdBy); err != nil {
		return nil, err
	}
	if r.StartDate, err = time.Parse(dateLayout, start); err != nil {
		return nil, err
	}
	if end.Valid {
		t, err := time.Parse(dateLayout, end.String)
		if err != nil {
			return nil, err
		}
		r.EndDate = &t
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}
