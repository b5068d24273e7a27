// Package ledger implements the per-rental, append-only, hash-chained event
// ledger.
//
// Every rental owns an independent chain. The first event of a chain has no
// previous hash (NoHash); each later event records the current hash of its
// predecessor in append order, so any edit, deletion or reordering of stored
// events is detectable by VerifyChain.
//
// Three implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, safe for several ledgerd instances.
//   - SQLiteStore: durable, single-node deployments.
package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Tip is the head of a rental's chain as seen inside the exclusive append
// section.
type Tip struct {
	Hash Hash  `json:"hash"` // NoHash for an empty chain
	Seq  int64 `json:"seq"`  // 0 for an empty chain
}

// NextFunc builds the event that follows tip. It is called by a Store while
// the rental's exclusive append section is held.
type NextFunc func(tip Tip) (*Event, error)

// Store is the persistence contract of the ledger. Implementations never
// update or delete a stored event.
type Store interface {
	// Append acquires the rental's exclusive append section, reads the tip,
	// calls next and persists the returned event before releasing the
	// section. Nothing is persisted when next returns an error.
	Append(ctx context.Context, rentalID uuid.UUID, next NextFunc) (*Event, error)

	// Tip returns the current head of the rental's chain.
	Tip(ctx context.Context, rentalID uuid.UUID) (Tip, error)

	// Get returns a single event or ErrNotFound.
	Get(ctx context.Context, eventID uuid.UUID) (*Event, error)

	// List returns one page of the rental's events, most recent first,
	// together with the total number of matching events.
	List(ctx context.Context, rentalID uuid.UUID, opts ListOptions) ([]*Event, int, error)

	// Chain returns every event of the rental in append order.
	Chain(ctx context.Context, rentalID uuid.UUID) ([]*Event, error)
}

// ListOptions selects a page of a rental's timeline.
type ListOptions struct {
	Page     int
	PageSize int
	Type     EventType // optional filter
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// normalize fills defaults and clamps the page size.
func (o ListOptions) normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = defaultPageSize
	}
	if o.PageSize > maxPageSize {
		o.PageSize = maxPageSize
	}
	return o
}

func (o ListOptions) offset() int { return (o.Page - 1) * o.PageSize }
