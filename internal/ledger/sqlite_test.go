package ledger_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/database"
	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

func newSQLiteStore(t *testing.T) (*ledger.SQLiteStore, *sql.DB) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.MigrateSQLite(db); err != nil {
		t.Fatalf("MigrateSQLite: %v", err)
	}
	return ledger.NewSQLiteStore(db, zap.NewNop()), db
}

func insertRental(t *testing.T, db *sql.DB, id uuid.UUID) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		`INSERT INTO rentals (id, property_address, start_date, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), "12 Park Lane", "2026-01-01", uuid.NewString(), now, now,
	); err != nil {
		t.Fatalf("insert rental: %v", err)
	}
}

func seedChain(t *testing.T, n int) (*ledger.Service, *sql.DB, uuid.UUID, uuid.UUID) {
	t.Helper()
	store, db := newSQLiteStore(t)
	user, rentalID := uuid.New(), uuid.New()
	insertRental(t, db, rentalID)
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, store, r)
	for i := 1; i <= n; i++ {
		mustAppend(t, svc, rentPaid(rentalID, user, i*1000))
	}
	return svc, db, rentalID, user
}

func TestSQLiteStore_roundTripPreservesHashes(t *testing.T) {
	svc, _, rentalID, user := seedChain(t, 3)

	report, err := svc.VerifyChain(ctx, rentalID, user)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("chain read back from sqlite is invalid: %+v", report.Breaks)
	}
}

func TestSQLiteStore_rejectsUpdateAndDelete(t *testing.T) {
	_, db, rentalID, _ := seedChain(t, 2)

	if _, err := db.Exec(`UPDATE rental_events SET event_data = '{"amount":1}' WHERE rental_id = ?`, rentalID.String()); err == nil {
		t.Error("UPDATE on rental_events succeeded")
	}
	if _, err := db.Exec(`DELETE FROM rental_events WHERE rental_id = ?`, rentalID.String()); err == nil {
		t.Error("DELETE on rental_events succeeded")
	}
}

func TestSQLiteStore_rejectsForkedSuccessor(t *testing.T) {
	_, db, rentalID, _ := seedChain(t, 1)

	// A second row with seq 1 would fork the chain.
	_, err := db.Exec(
		`INSERT INTO rental_events (id, rental_id, seq, event_type, schema_version, event_data,
		 actor_id, actor_type, timestamp, previous_event_hash, current_event_hash)
		 VALUES (?, ?, 1, 'RENT_PAID', 1, '{}', ?, 'TENANT', '2026-01-01T00:00:00.000000Z', NULL, 'x')`,
		uuid.NewString(), rentalID.String(), uuid.NewString(),
	)
	if err == nil {
		t.Error("duplicate seq accepted")
	}
}

func TestSQLiteStore_detectsTamperingBehindTheTriggers(t *testing.T) {
	svc, db, rentalID, user := seedChain(t, 3)

	if _, err := db.Exec(`DROP TRIGGER rental_events_no_update`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(
		`UPDATE rental_events SET event_data = '{"amount":1,"currency":"INR"}' WHERE rental_id = ? AND seq = 2`,
		rentalID.String(),
	); err != nil {
		t.Fatal(err)
	}

	report, err := svc.VerifyChain(ctx, rentalID, user)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if len(report.Breaks) != 1 || report.Breaks[0].Kind != ledger.BreakTamper || report.Breaks[0].Seq != 2 {
		t.Errorf("breaks = %+v, want a single TAMPER at seq 2", report.Breaks)
	}
}

func TestSQLiteStore_getAndTip(t *testing.T) {
	store, db := newSQLiteStore(t)
	rentalID := uuid.New()
	insertRental(t, db, rentalID)

	tip, err := store.Tip(ctx, rentalID)
	if err != nil {
		t.Fatal(err)
	}
	if tip.Seq != 0 || tip.Hash != ledger.NoHash {
		t.Errorf("empty tip = %+v", tip)
	}
	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Get unknown: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_beginFailureIsReturned(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	store := ledger.NewSQLiteStore(db, zap.NewNop())
	called := false
	_, err = store.Append(ctx, uuid.New(), func(ledger.Tip) (*ledger.Event, error) {
		called = true
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("next was called without a transaction")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLiteStore_insertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rentalID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT seq, current_event_hash FROM rental_events`).
		WithArgs(rentalID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "current_event_hash"}))
	mock.ExpectExec(`INSERT INTO rental_events`).WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	store := ledger.NewSQLiteStore(db, zap.NewNop())
	_, err = store.Append(ctx, rentalID, func(tip ledger.Tip) (*ledger.Event, error) {
		return &ledger.Event{
			ID:           uuid.New(),
			RentalID:     rentalID,
			Seq:          tip.Seq + 1,
			Type:         ledger.EventComplaint,
			Payload:      []byte(`{}`),
			ActorID:      uuid.New(),
			ActorType:    ledger.ActorTenant,
			Timestamp:    time.Now().UTC(),
			PreviousHash: tip.Hash,
			CurrentHash:  "abc",
		}, nil
	})
	if err == nil {
		t.Fatal("expected insert error")
	}
	if errors.Is(err, ledger.ErrConflictOrTimeout) {
		t.Error("a plain insert failure should not be reported as retryable")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
