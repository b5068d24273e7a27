package rentals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InviteNotifier is told about participants added to a rental.
// *notify.WebhookDispatcher satisfies this interface.
type InviteNotifier interface {
	ParticipantInvited(ctx context.Context, rental *Rental, p *Participant)
}

// Service contains the rental and roster business logic.
type Service struct {
	repo     Repository
	notifier InviteNotifier // nil = no invite notifications
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService creates a new Service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, clock: time.Now, logger: logger}
}

// SetInviteNotifier configures who is told about new participants.
func (s *Service) SetInviteNotifier(n InviteNotifier) { s.notifier = n }

// SetClock replaces the service clock.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// Create opens a rental. The creator joins as BROKER alongside any listed
// participants.
func (s *Service) Create(ctx context.Context, creatorID uuid.UUID, req CreateRequest) (*Rental, error) {
	address := strings.TrimSpace(req.PropertyAddress)
	if address == "" {
		return nil, fmt.Errorf("%w: property_address is required", ErrInvalid)
	}
	if creatorID == uuid.Nil {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalid)
	}

	now := s.clock().UTC()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}
	rental := &Rental{
		ID:              uuid.New(),
		PropertyAddress: address,
		PropertyUnit:    strings.TrimSpace(req.PropertyUnit),
		Status:          StatusActive,
		StartDate:       start.UTC().Truncate(24 * time.Hour),
		CreatedBy:       creatorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inputs := append([]ParticipantInput{{UserID: creatorID, Role: RoleBroker}}, req.Participants...)
	seen := make(map[ParticipantInput]bool, len(inputs))
	var participants []*Participant
	for _, in := range inputs {
		if in.UserID == uuid.Nil {
			return nil, fmt.Errorf("%w: participant user_id is required", ErrInvalid)
		}
		if !in.Role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, in.Role)
		}
		if seen[in] {
			continue
		}
		seen[in] = true
		participants = append(participants, &Participant{
			ID:       uuid.New(),
			RentalID: rental.ID,
			UserID:   in.UserID,
			Role:     in.Role,
			JoinedAt: now,
		})
	}

	if err := s.repo.Create(ctx, rental, participants); err != nil {
		return nil, fmt.Errorf("create rental: %w", err)
	}
	rental.Participants = participants

	s.logger.Info("rental created",
		zap.String("rental_id", rental.ID.String()),
		zap.Int("participants", len(participants)),
	)
	for _, p := range participants[1:] {
		if p.UserID == creatorID {
			continue
		}
		s.invite(ctx, rental, p)
	}
	return rental, nil
}

// Get returns the rental with its participants if the caller is a live
// participant.
func (s *Service) Get(ctx context.Context, id, callerID uuid.UUID) (*Rental, error) {
	if err := s.requireActive(ctx, id, callerID); err != nil {
		return nil, err
	}
	rental, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rental.Participants, err = s.repo.Participants(ctx, id); err != nil {
		return nil, err
	}
	return rental, nil
}

// ListForUser returns the rentals the user currently participates in.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Rental, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// AddParticipant adds a user to an active rental on behalf of a live
// participant.
func (s *Service) AddParticipant(ctx context.Context, rentalID, callerID uuid.UUID, in ParticipantInput) (*Participant, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, in.Role)
	}
	if err := s.requireActive(ctx, rentalID, callerID); err != nil {
		return nil, err
	}
	rental, err := s.repo.Get(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	if rental.Status != StatusActive {
		return nil, ErrAlreadyClosed
	}

	p := &Participant{
		ID:       uuid.New(),
		RentalID: rentalID,
		UserID:   in.UserID,
		Role:     in.Role,
		JoinedAt: s.clock().UTC(),
	}
	if err := s.repo.AddParticipant(ctx, p); err != nil {
		return nil, err
	}
	s.invite(ctx, rental, p)
	return p, nil
}

// RemoveParticipant marks userID as having left the rental. Users may always
// leave; removing someone else requires the LANDLORD or BROKER role.
func (s *Service) RemoveParticipant(ctx context.Context, rentalID, callerID, userID uuid.UUID) error {
	ps, err := s.repo.Participants(ctx, rentalID)
	if err != nil {
		return err
	}
	if !canRemove(ps, callerID, userID) {
		return ErrForbidden
	}
	n, err := s.repo.MarkLeft(ctx, rentalID, userID, s.clock().UTC())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("participant left rental",
		zap.String("rental_id", rentalID.String()),
		zap.String("user_id", userID.String()),
	)
	return nil
}

// Close ends an active rental. A rental is closed at most once.
func (s *Service) Close(ctx context.Context, rentalID, callerID uuid.UUID) (*Rental, error) {
	if err := s.requireActive(ctx, rentalID, callerID); err != nil {
		return nil, err
	}
	if err := s.repo.Close(ctx, rentalID, s.clock().UTC()); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, rentalID)
}

// IsActiveParticipant reports whether userID is a live participant of
// rentalID. It makes *Service a ledger roster.
func (s *Service) IsActiveParticipant(ctx context.Context, rentalID, userID uuid.UUID) (bool, error) {
	return s.repo.IsActiveParticipant(ctx, rentalID, userID)
}

// RentalIDs returns every rental ID, for maintenance scans.
func (s *Service) RentalIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.repo.ListIDs(ctx)
}

func (s *Service) requireActive(ctx context.Context, rentalID, userID uuid.UUID) error {
	ok, err := s.repo.IsActiveParticipant(ctx, rentalID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) invite(ctx context.Context, rental *Rental, p *Participant) {
	if s.notifier == nil {
		return
	}
	s.notifier.ParticipantInvited(ctx, rental, p)
}

func canRemove(ps []*Participant, callerID, userID uuid.UUID) bool {
	callerActive, privileged := false, false
	for _, p := range ps {
		if p.UserID != callerID || !p.Active() {
			continue
		}
		callerActive = true
		if p.Role == RoleLandlord || p.Role == RoleBroker {
			privileged = true
		}
	}
	if !callerActive {
		return false
	}
	return callerID == userID || privileged
}
