package rentals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const rentalColumns = `id, property_address, property_unit, status, start_date, end_date,
	created_by, created_at, updated_at`

const participantColumns = `id, rental_id, user_id, role, joined_at, left_at`

// PostgresRepository stores rentals in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create implements Repository.
func (r *PostgresRepository) Create(ctx context.Context, rental *Rental, participants []*Participant) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO rentals (`+rentalColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rental.ID, rental.PropertyAddress, rental.PropertyUnit, string(rental.Status),
		rental.StartDate, rental.EndDate, rental.CreatedBy, rental.CreatedAt, rental.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert rental: %w", err)
	}
	for _, p := range participants {
		if err := insertParticipant(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rental: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Rental, error) {
	rental, err := scanRental(r.db.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rental: %w", err)
	}
	return rental, nil
}

// ListByUser implements Repository.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Rental, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+rentalColumns+` FROM rentals r
		WHERE EXISTS (
			SELECT 1 FROM rental_participants p
			WHERE p.rental_id = r.id AND p.user_id = $1 AND p.left_at IS NULL
		)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list rentals: %w", err)
	}
	defer rows.Close()

	var out []*Rental
	for rows.Next() {
		rental, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		out = append(out, rental)
	}
	return out, rows.Err()
}

// ListIDs implements Repository.
func (r *PostgresRepository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM rentals ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rental ids: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Participants implements Repository.
func (r *PostgresRepository) Participants(ctx context.Context, rentalID uuid.UUID) ([]*Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+participantColumns+` FROM rental_participants WHERE rental_id = $1 ORDER BY joined_at ASC`,
		rentalID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var (
			p    Participant
			role string
		)
		if err := rows.Scan(&p.ID, &p.RentalID, &p.UserID, &role, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Role = Role(role)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AddParticipant implements Repository.
func (r *PostgresRepository) AddParticipant(ctx context.Context, p *Participant) error {
	return insertParticipant(ctx, r.db, p)
}

// MarkLeft implements Repository.
func (r *PostgresRepository) MarkLeft(ctx context.Context, rentalID, userID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE rental_participants SET left_at = $3
		 WHERE rental_id = $1 AND user_id = $2 AND left_at IS NULL`,
		rentalID, userID, at)
	if err != nil {
		return 0, fmt.Errorf("mark participant left: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close implements Repository.
func (r *PostgresRepository) Close(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE rentals SET status = 'CLOSED', end_date = $2, updated_at = $2
		 WHERE id = $1 AND status = 'ACTIVE'`, id, at)
	if err != nil {
		return fmt.Errorf("close rental: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyClosed
	}
	return nil
}

// IsActiveParticipant implements Repository.
func (r *PostgresRepository) IsActiveParticipant(ctx context.Context, rentalID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rental_participants
			WHERE rental_id = $1 AND user_id = $2 AND left_at IS NULL
		)`, rentalID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertParticipant(ctx context.Context, db execer, p *Participant) error {
	_, err := db.Exec(ctx,
		`INSERT INTO rental_participants (`+participantColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.RentalID, p.UserID, string(p.Role), p.JoinedAt, p.LeftAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrDuplicateParticipant
			case "23503":
				return ErrNotFound
			}
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func scanRental(row pgx.Row) (*Rental, error) {
	var (
		r      Rental
		status string
	)
	if err := row.Scan(
		&r.ID, &r.PropertyAddress, &r.PropertyUnit, &status, &r.StartDate, &r.EndDate,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}
