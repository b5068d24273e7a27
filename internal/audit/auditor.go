// Package audit periodically re-verifies every rental's hash chain and raises
// an alert when a chain that was intact is found broken.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

// Config holds audit configuration.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// RentalLister returns the IDs of every rental to audit.
type RentalLister interface {
	RentalIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ChainVerifier verifies one rental's chain without an access check.
// *ledger.Service satisfies this interface.
type ChainVerifier interface {
	VerifyRental(ctx context.Context, rentalID uuid.UUID) (*ledger.Report, error)
}

// AlertFunc is called once when a rental's chain goes from intact to broken.
type AlertFunc func(ctx context.Context, report *ledger.Report)

// Result summarises one audit pass.
type Result struct {
	Rentals int
	Broken  int
	Failed  int
}

// Auditor runs chain verification passes.
type Auditor struct {
	lister   RentalLister
	verifier ChainVerifier
	cfg      Config
	onAlert  AlertFunc
	logger   *zap.Logger

	mu     sync.Mutex
	broken map[uuid.UUID]bool
}

// New creates a new Auditor.
func New(lister RentalLister, verifier ChainVerifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Auditor{
		lister:   lister,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		broken:   make(map[uuid.UUID]bool),
	}
}

// SetAlert configures the broken-chain callback.
func (a *Auditor) SetAlert(fn AlertFunc) {
	a.onAlert = fn
}

// Run audits on every tick until ctx is done.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll verifies every rental with bounded concurrency.
func (a *Auditor) CheckAll(ctx context.Context) Result {
	ids, err := a.lister.RentalIDs(ctx)
	if err != nil {
		a.logger.Error("audit: list rentals", zap.Error(err))
		return Result{}
	}

	var (
		res Result
		rmu sync.Mutex
		wg  sync.WaitGroup
	)
	res.Rentals = len(ids)
	sem := make(chan struct{}, a.cfg.Concurrency)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(rentalID uuid.UUID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			report, err := a.verifier.VerifyRental(ctx, rentalID)
			if err != nil {
				a.logger.Error("audit: verify", zap.String("rental_id", rentalID.String()), zap.Error(err))
				rmu.Lock()
				res.Failed++
				rmu.Unlock()
				return
			}
			if !report.Valid {
				rmu.Lock()
				res.Broken++
				rmu.Unlock()
			}
			a.record(ctx, report)
		}(id)
	}
	wg.Wait()

	a.logger.Info("audit: pass complete",
		zap.Int("rentals", res.Rentals),
		zap.Int("broken", res.Broken),
		zap.Int("failed", res.Failed),
	)
	return res
}

// Broken reports whether the last pass found rentalID's chain broken.
func (a *Auditor) Broken(rentalID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.broken[rentalID]
}

func (a *Auditor) record(ctx context.Context, report *ledger.Report) {
	a.mu.Lock()
	was := a.broken[report.RentalID]
	if report.Valid {
		delete(a.broken, report.RentalID)
	} else {
		a.broken[report.RentalID] = true
	}
	a.mu.Unlock()

	switch {
	case !report.Valid && !was:
		for _, b := range report.Breaks {
			a.logger.Error("audit: integrity break",
				zap.String("rental_id", report.RentalID.String()),
				zap.Int64("seq", b.Seq),
				zap.String("kind", string(b.Kind)),
			)
		}
		if a.onAlert != nil {
			a.onAlert(ctx, report)
		}
	case report.Valid && was:
		a.logger.Info("audit: chain intact again", zap.String("rental_id", report.RentalID.String()))
	}
}
