package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Gate decides whether a user may read or write a rental's ledger.
type Gate interface {
	// Authorize returns nil when userID may act on rentalID and an error
	// wrapping ErrDenied when not.
	Authorize(ctx context.Context, rentalID, userID uuid.UUID) error
}

// Roster answers participant-membership questions. Implemented by the
// rentals package.
type Roster interface {
	// IsActiveParticipant reports whether userID holds any role in rentalID
	// without having left. Unknown rentals report false.
	IsActiveParticipant(ctx context.Context, rentalID, userID uuid.UUID) (bool, error)
}

// RosterGate admits live participants only.
type RosterGate struct {
	roster Roster
}

// NewRosterGate returns a Gate backed by roster.
func NewRosterGate(roster Roster) *RosterGate {
	return &RosterGate{roster: roster}
}

// Authorize implements Gate. A roster lookup failure is returned as is and
// never treated as allowed.
func (g *RosterGate) Authorize(ctx context.Context, rentalID, userID uuid.UUID) error {
	ok, err := g.roster.IsActiveParticipant(ctx, rentalID, userID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s on rental %s: %w", userID, rentalID, ErrDenied)
	}
	return nil
}
