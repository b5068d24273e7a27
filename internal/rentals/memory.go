package rentals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for tests and development.
type MemoryRepository struct {
	mu           sync.RWMutex
	rentals      map[uuid.UUID]*Rental
	participants map[uuid.UUID][]*Participant
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rentals:      make(map[uuid.UUID]*Rental),
		participants: make(map[uuid.UUID][]*Participant),
	}
}

// Create implements Repository.
func (m *MemoryRepository) Create(_ context.Context, r *Rental, participants []*Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[ParticipantInput]bool)
	for _, p := range participants {
		key := ParticipantInput{UserID: p.UserID, Role: p.Role}
		if seen[key] {
			return ErrDuplicateParticipant
		}
		seen[key] = true
	}
	stored := *r
	stored.Participants = nil
	m.rentals[r.ID] = &stored
	for _, p := range participants {
		cp := *p
		m.participants[r.ID] = append(m.participants[r.ID], &cp)
	}
	return nil
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Rental, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rentals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListByUser implements Repository.
func (m *MemoryRepository) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*Rental, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Rental
	for id, r := range m.rentals {
		if m.activeLocked(id, userID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*Rental{}, nil
	}
	return out[offset:min(offset+limit, len(out))], nil
}

// ListIDs implements Repository.
func (m *MemoryRepository) ListIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := make([]*Rental, 0, len(m.rentals))
	for _, r := range m.rentals {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
	ids := make([]uuid.UUID, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids, nil
}

// Participants implements Repository.
func (m *MemoryRepository) Participants(_ context.Context, rentalID uuid.UUID) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps := m.participants[rentalID]
	out := make([]*Participant, len(ps))
	for i, p := range ps {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

// AddParticipant implements Repository.
func (m *MemoryRepository) AddParticipant(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rentals[p.RentalID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.participants[p.RentalID] {
		if existing.UserID == p.UserID && existing.Role == p.Role {
			return ErrDuplicateParticipant
		}
	}
	cp := *p
	m.participants[p.RentalID] = append(m.participants[p.RentalID], &cp)
	return nil
}

// MarkLeft implements Repository.
func (m *MemoryRepository) MarkLeft(_ context.Context, rentalID, userID uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.participants[rentalID] {
		if p.UserID == userID && p.Active() {
			left := at
			p.LeftAt = &left
			n++
		}
	}
	return n, nil
}

// Close implements Repository.
func (m *MemoryRepository) Close(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rentals[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusActive {
		return ErrAlreadyClosed
	}
	end := at
	r.Status = StatusClosed
	r.EndDate = &end
	r.UpdatedAt = at
	return nil
}

// IsActiveParticipant implements Repository.
func (m *MemoryRepository) IsActiveParticipant(_ context.Context, rentalID, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked(rentalID, userID), nil
}

func (m *MemoryRepository) activeLocked(rentalID, userID uuid.UUID) bool {
	for _, p := range m.participants[rentalID] {
		if p.UserID == userID && p.Active() {
			return true
		}
	}
	return false
}
