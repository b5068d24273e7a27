package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. Appends on the same rental
// are serialised by a per-rental lock; different rentals proceed in
// parallel. It does not survive restarts.
type MemoryStore struct {
	locks *keyedLocker

	mu     sync.RWMutex
	chains map[uuid.UUID][]*Event
	byID   map[uuid.UUID]*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:  newKeyedLocker(),
		chains: make(map[uuid.UUID][]*Event),
		byID:   make(map[uuid.UUID]*Event),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, rentalID uuid.UUID, next NextFunc) (*Event, error) {
	unlock, err := m.locks.lock(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tip, _ := m.Tip(ctx, rentalID)
	ev, err := next(tip)
	if err != nil {
		return nil, err
	}
	if err := checkSuccessor(tip, ev, rentalID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConflictOrTimeout, err)
	}

	stored := ev.clone()
	m.mu.Lock()
	m.chains[rentalID] = append(m.chains[rentalID], stored)
	m.byID[stored.ID] = stored
	m.mu.Unlock()
	return ev, nil
}

// Tip implements Store.
func (m *MemoryStore) Tip(_ context.Context, rentalID uuid.UUID) (Tip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[rentalID]
	if len(chain) == 0 {
		return Tip{Hash: NoHash}, nil
	}
	last := chain[len(chain)-1]
	return Tip{Hash: last.CurrentHash, Seq: last.Seq}, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, eventID uuid.UUID) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return ev.clone(), nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, rentalID uuid.UUID, opts ListOptions) ([]*Event, int, error) {
	opts = opts.normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[rentalID]
	matched := make([]*Event, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if opts.Type == "" || chain[i].Type == opts.Type {
			matched = append(matched, chain[i])
		}
	}

	total := len(matched)
	from := min(opts.offset(), total)
	to := min(from+opts.PageSize, total)
	page := make([]*Event, 0, to-from)
	for _, ev := range matched[from:to] {
		page = append(page, ev.clone())
	}
	return page, total, nil
}

// Chain implements Store.
func (m *MemoryStore) Chain(_ context.Context, rentalID uuid.UUID) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[rentalID]
	out := make([]*Event, len(chain))
	for i, ev := range chain {
		out[i] = ev.clone()
	}
	return out, nil
}

// checkSuccessor rejects an event that does not extend tip.
func checkSuccessor(tip Tip, ev *Event, rentalID uuid.UUID) error {
	switch {
	case ev == nil:
		return fmt.Errorf("nil event")
	case ev.RentalID != rentalID:
		return fmt.Errorf("event rental %s does not match %s", ev.RentalID, rentalID)
	case ev.Seq != tip.Seq+1 || ev.PreviousHash != tip.Hash:
		return fmt.Errorf("event does not extend chain tip %d", tip.Seq)
	}
	return nil
}
