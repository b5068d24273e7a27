package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultAppendTimeout bounds the exclusive section of a single append.
const DefaultAppendTimeout = 5 * time.Second

// AppendRequest is a request to record one event on a rental's chain.
type AppendRequest struct {
	RentalID  uuid.UUID
	Type      EventType
	Payload   json.RawMessage
	ActorID   uuid.UUID
	ActorType ActorType
}

// Page is one page of a rental's timeline, most recent first.
type Page struct {
	Events     []*Event `json:"events"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

// Metrics observes ledger operations. handler.LedgerMetrics satisfies it.
type Metrics interface {
	ObserveAppend(eventType EventType, elapsed time.Duration, err error)
	ObserveVerify(r *Report)
}

// Service is the ledger append engine and its read and verify operations.
type Service struct {
	store         Store
	gate          Gate
	schemas       *Schemas
	dispatcher    *Dispatcher // nil = no downstream sinks
	metrics       Metrics     // nil = no metrics
	clock         func() time.Time
	appendTimeout time.Duration
	tracer        trace.Tracer
	logger        *zap.Logger
}

// NewService creates a Service with the payload schemas compiled into the
// binary.
func NewService(store Store, gate Gate, logger *zap.Logger) (*Service, error) {
	schemas, err := DefaultSchemas()
	if err != nil {
		return nil, fmt.Errorf("load payload schemas: %w", err)
	}
	return &Service{
		store:         store,
		gate:          gate,
		schemas:       schemas,
		clock:         time.Now,
		appendTimeout: DefaultAppendTimeout,
		tracer:        otel.Tracer("github.com/jmerrifield20/RentLedger/internal/ledger"),
		logger:        logger,
	}, nil
}

// SetDispatcher configures the downstream sink fan-out.
func (s *Service) SetDispatcher(d *Dispatcher) { s.dispatcher = d }

// SetMetrics configures the metrics observer.
func (s *Service) SetMetrics(m Metrics) { s.metrics = m }

// SetClock replaces the clock used to timestamp events.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// SetAppendTimeout replaces DefaultAppendTimeout. Non-positive values are
// ignored.
func (s *Service) SetAppendTimeout(d time.Duration) {
	if d > 0 {
		s.appendTimeout = d
	}
}

// Append authorizes, validates and records an event at the tip of the
// rental's chain, then hands it to the downstream sinks.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*Event, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("rental.id", req.RentalID.String()),
		attribute.String("event.type", string(req.Type)),
	))
	defer span.End()

	start := time.Now()
	ev, err := s.append(ctx, req)
	if s.metrics != nil {
		s.metrics.ObserveAppend(req.Type, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("event.seq", ev.Seq))

	if s.dispatcher != nil {
		s.dispatcher.Publish(ev.clone())
	}
	return ev, nil
}

func (s *Service) append(ctx context.Context, req AppendRequest) (*Event, error) {
	if err := s.gate.Authorize(ctx, req.RentalID, req.ActorID); err != nil {
		return nil, err
	}

	if !req.Type.Valid() {
		return nil, invalid("event_type", "unknown event type %q", req.Type)
	}
	if !req.ActorType.Valid() {
		return nil, invalid("actor_type", "unknown actor type %q", req.ActorType)
	}
	payload, version, err := s.schemas.Validate(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	defer cancel()

	ev, err := s.store.Append(ctx, req.RentalID, func(tip Tip) (*Event, error) {
		ts := s.clock().UTC().Truncate(Precision)
		hash, err := Digest(req.RentalID, req.Type, payload, ts, req.ActorID, tip.Hash)
		if err != nil {
			return nil, err
		}
		return &Event{
			ID:            uuid.New(),
			RentalID:      req.RentalID,
			Seq:           tip.Seq + 1,
			Type:          req.Type,
			SchemaVersion: version,
			Payload:       payload,
			ActorID:       req.ActorID,
			ActorType:     req.ActorType,
			Timestamp:     ts,
			PreviousHash:  tip.Hash,
			CurrentHash:   hash,
		}, nil
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrConflictOrTimeout) {
			err = fmt.Errorf("%w: %w", ErrConflictOrTimeout, err)
		}
		return nil, fmt.Errorf("append %s to rental %s: %w", req.Type, req.RentalID, err)
	}

	s.logger.Debug("ledger event appended",
		zap.String("rental_id", ev.RentalID.String()),
		zap.Int64("seq", ev.Seq),
		zap.String("event_type", string(ev.Type)),
	)
	return ev, nil
}

// GetEvent returns a single event if the caller participates in its rental.
func (s *Service) GetEvent(ctx context.Context, eventID, callerID uuid.UUID) (*Event, error) {
	ev, err := s.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Authorize(ctx, ev.RentalID, callerID); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents returns one page of the rental's timeline, most recent first.
func (s *Service) ListEvents(ctx context.Context, rentalID, callerID uuid.UUID, opts ListOptions) (*Page, error) {
	if err := s.gate.Authorize(ctx, rentalID, callerID); err != nil {
		return nil, err
	}
	if opts.Type != "" && !opts.Type.Valid() {
		return nil, invalid("type", "unknown event type %q", opts.Type)
	}
	opts = opts.normalize()

	events, total, err := s.store.List(ctx, rentalID, opts)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return &Page{
		Events:     events,
		Total:      total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalPages: (total + opts.PageSize - 1) / opts.PageSize,
	}, nil
}

// VerifyChain checks the rental's whole chain on behalf of a participant.
// Integrity breaks are reported in the Report, never as an error.
func (s *Service) VerifyChain(ctx context.Context, rentalID, callerID uuid.UUID) (*Report, error) {
	if err := s.gate.Authorize(ctx, rentalID, callerID); err != nil {
		return nil, err
	}
	return s.VerifyRental(ctx, rentalID)
}

// VerifyRental checks the rental's chain without an access check. It is
// meant for internal callers such as the startup integrity scan.
func (s *Service) VerifyRental(ctx context.Context, rentalID uuid.UUID) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Verify", trace.WithAttributes(
		attribute.String("rental.id", rentalID.String()),
	))
	defer span.End()

	events, err := s.store.Chain(ctx, rentalID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load chain: %w", err)
	}
	r := Verify(rentalID, events)
	r.CheckedAt = s.clock().UTC()

	span.SetAttributes(attribute.Bool("chain.valid", r.Valid), attribute.Int("chain.breaks", len(r.Breaks)))
	if s.metrics != nil {
		s.metrics.ObserveVerify(&r)
	}
	if !r.Valid {
		s.logger.Warn("chain integrity breaks detected",
			zap.String("rental_id", rentalID.String()),
			zap.Int("breaks", len(r.Breaks)),
		)
	}
	return &r, nil
}

// ChainTip returns the current head of the rental's chain. It performs no
// access check; report generators use it to pin a verified state.
func (s *Service) ChainTip(ctx context.Context, rentalID uuid.UUID) (Tip, error) {
	tip, err := s.store.Tip(ctx, rentalID)
	if err != nil {
		return Tip{}, fmt.Errorf("read chain tip: %w", err)
	}
	return tip, nil
}

// Authorize runs the access gate on its own, for callers such as live
// streams that read ledger data outside the operations above.
func (s *Service) Authorize(ctx context.Context, rentalID, callerID uuid.UUID) error {
	return s.gate.Authorize(ctx, rentalID, callerID)
}

// Tip is ChainTip behind the access gate.
func (s *Service) Tip(ctx context.Context, rentalID, callerID uuid.UUID) (Tip, error) {
	if err := s.gate.Authorize(ctx, rentalID, callerID); err != nil {
		return Tip{}, err
	}
	return s.ChainTip(ctx, rentalID)
}
