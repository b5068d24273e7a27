package rentals

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists rentals and participants.
// *PostgresRepository, *SQLiteRepository and *MemoryRepository satisfy it.
type Repository interface {
	// Create inserts the rental and its initial participants atomically.
	Create(ctx context.Context, r *Rental, participants []*Participant) error
	Get(ctx context.Context, id uuid.UUID) (*Rental, error)
	// ListByUser returns rentals where userID is a live participant, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Rental, error)
	// ListIDs returns the IDs of every rental, oldest first.
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
	Participants(ctx context.Context, rentalID uuid.UUID) ([]*Participant, error)
	AddParticipant(ctx context.Context, p *Participant) error
	// MarkLeft sets left_at on every live row of userID and returns how many
	// rows changed.
	MarkLeft(ctx context.Context, rentalID, userID uuid.UUID, at time.Time) (int, error)
	// Close moves an ACTIVE rental to CLOSED.
	Close(ctx context.Context, id uuid.UUID, at time.Time) error
	IsActiveParticipant(ctx context.Context, rentalID, userID uuid.UUID) (bool, error)
}

const defaultListLimit = 50
