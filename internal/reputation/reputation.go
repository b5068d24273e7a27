// Package reputation captures behavioural signals from committed ledger
// events. It is a downstream consumer of the ledger and never writes to it.
package reputation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

// SignalType names a reputation signal.
type SignalType string

const (
	SignalPaymentOnTime  SignalType = "PAYMENT_ON_TIME"
	SignalPaymentDelayed SignalType = "PAYMENT_DELAYED"
	SignalRepairResolved SignalType = "REPAIR_RESOLVED"
	SignalComplaintFiled SignalType = "COMPLAINT_FILED"
)

// Signal is one reputation data point for a user, tied to the event that
// produced it.
type Signal struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	RentalID   uuid.UUID  `json:"rental_id"`
	EventID    uuid.UUID  `json:"event_id"`
	Type       SignalType `json:"signal_type"`
	Weight     int        `json:"weight"`
	CapturedAt time.Time  `json:"captured_at"`
}

// Summary aggregates a user's signals.
type Summary struct {
	UserID  uuid.UUID `json:"user_id"`
	Score   int       `json:"score"`
	Signals []*Signal `json:"signals"`
}

// Repository stores signals. Saving a signal twice for the same event and
// user is a no-op.
type Repository interface {
	Save(ctx context.Context, s *Signal) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Signal, error)
	Score(ctx context.Context, userID uuid.UUID) (int, error)
}

type rule struct {
	signal SignalType
	weight int
}

var rules = map[ledger.EventType]rule{
	ledger.EventRentPaid:        {SignalPaymentOnTime, 1},
	ledger.EventRentDelayed:     {SignalPaymentDelayed, -1},
	ledger.EventRepairCompleted: {SignalRepairResolved, 1},
	ledger.EventComplaint:       {SignalComplaintFiled, -1},
}

// Recorder turns ledger events into signals. It implements ledger.Sink.
type Recorder struct {
	repo   Repository
	clock  func() time.Time
	logger *zap.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(repo Repository, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, clock: time.Now, logger: logger}
}

// SetClock replaces the clock used to stamp signals.
func (r *Recorder) SetClock(clock func() time.Time) { r.clock = clock }

// Name implements ledger.Sink.
func (r *Recorder) Name() string { return "reputation" }

// Consume implements ledger.Sink. Events without a rule are ignored.
func (r *Recorder) Consume(ctx context.Context, ev *ledger.Event) error {
	rl, ok := rules[ev.Type]
	if !ok {
		return nil
	}
	s := &Signal{
		ID:         uuid.New(),
		UserID:     ev.ActorID,
		RentalID:   ev.RentalID,
		EventID:    ev.ID,
		Type:       rl.signal,
		Weight:     rl.weight,
		CapturedAt: r.clock().UTC(),
	}
	if err := r.repo.Save(ctx, s); err != nil {
		return err
	}
	r.logger.Debug("reputation signal captured",
		zap.String("user_id", s.UserID.String()),
		zap.String("signal", string(s.Type)),
	)
	return nil
}

// Summary returns a user's score and most recent signals.
func (r *Recorder) Summary(ctx context.Context, userID uuid.UUID, limit int) (*Summary, error) {
	score, err := r.repo.Score(ctx, userID)
	if err != nil {
		return nil, err
	}
	signals, err := r.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if signals == nil {
		signals = []*Signal{}
	}
	return &Summary{UserID: userID, Score: score, Signals: signals}, nil
}
