// Package rentals manages rental relationships and their participant roster.
// The roster decides who may read and write a rental's ledger.
package rentals

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a rental does not exist.
	ErrNotFound = errors.New("rental not found")

	// ErrForbidden is returned when the caller is not a live participant.
	ErrForbidden = errors.New("not a participant of this rental")

	// ErrDuplicateParticipant is returned when the user already holds the
	// role on the rental.
	ErrDuplicateParticipant = errors.New("participant already holds this role")

	// ErrAlreadyClosed is returned when closing or joining a closed rental.
	ErrAlreadyClosed = errors.New("rental already closed")

	// ErrInvalid is returned for malformed rental or participant input.
	ErrInvalid = errors.New("invalid rental input")
)

// Status is the lifecycle state of a rental. ACTIVE moves to CLOSED once.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// Role is the part a user plays in a rental.
type Role string

const (
	RoleTenant       Role = "TENANT"
	RoleLandlord     Role = "LANDLORD"
	RoleBroker       Role = "BROKER"
	RoleSocietyAdmin Role = "SOCIETY_ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleTenant, RoleLandlord, RoleBroker, RoleSocietyAdmin:
		return true
	}
	return false
}

// Rental is a rental relationship between a property and its participants.
type Rental struct {
	ID              uuid.UUID      `json:"id"`
	PropertyAddress string         `json:"property_address"`
	PropertyUnit    string         `json:"property_unit,omitempty"`
	Status          Status         `json:"status"`
	StartDate       time.Time      `json:"start_date"`
	EndDate         *time.Time     `json:"end_date,omitempty"`
	CreatedBy       uuid.UUID      `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Participants    []*Participant `json:"participants,omitempty"`
}

// Participant links a user to a rental in one role. Rows are never deleted;
// leaving sets LeftAt.
type Participant struct {
	ID       uuid.UUID  `json:"id"`
	RentalID uuid.UUID  `json:"rental_id"`
	UserID   uuid.UUID  `json:"user_id"`
	Role     Role       `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Active reports whether the participant has not left.
func (p *Participant) Active() bool { return p.LeftAt == nil }

// ParticipantInput names a user and the role they join with.
type ParticipantInput struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
}

// CreateRequest is the input to Service.Create.
type CreateRequest struct {
	PropertyAddress string
	PropertyUnit    string
	StartDate       time.Time
	Participants    []ParticipantInput
}
