package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

// storeCase opens a fresh Store. prepare must be called for every rental
// before it is used, since durable stores require the rental row to exist.
type storeCase struct {
	name string
	open func(t *testing.T) (store ledger.Store, prepare func(rentalID uuid.UUID))
}

func storeCases() []storeCase {
	return []storeCase{
		{"memory", func(t *testing.T) (ledger.Store, func(uuid.UUID)) {
			return ledger.NewMemoryStore(), func(uuid.UUID) {}
		}},
		{"sqlite", func(t *testing.T) (ledger.Store, func(uuid.UUID)) {
			store, db := newSQLiteStore(t)
			return store, func(id uuid.UUID) { insertRental(t, db, id) }
		}},
	}
}

func TestAppend_scenario(t *testing.T) {
	for _, sc := range storeCases() {
		t.Run(sc.name, func(t *testing.T) {
			store, prepare := sc.open(t)
			tenant, landlord := uuid.New(), uuid.New()
			rentalID := uuid.New()
			prepare(rentalID)

			r := newRoster()
			r.join(rentalID, tenant, landlord)
			svc := newTestService(t, store, r)

			first := mustAppend(t, svc, ledger.AppendRequest{
				RentalID:  rentalID,
				Type:      ledger.EventMoveIn,
				Payload:   json.RawMessage(`{"date":"2026-01-01","keys_handed_over":2}`),
				ActorID:   landlord,
				ActorType: ledger.ActorLandlord,
			})
			if first.Seq != 1 || first.PreviousHash != ledger.NoHash {
				t.Fatalf("genesis event: seq=%d prev=%q", first.Seq, first.PreviousHash)
			}

			second := mustAppend(t, svc, rentPaid(rentalID, tenant, 25000))
			if second.Seq != 2 || second.PreviousHash != first.CurrentHash {
				t.Fatalf("second event: seq=%d prev=%q, want prev=%q", second.Seq, second.PreviousHash, first.CurrentHash)
			}

			third := mustAppend(t, svc, ledger.AppendRequest{
				RentalID:  rentalID,
				Type:      ledger.EventRepairRequest,
				Payload:   json.RawMessage(`{"category":"plumbing","description":"kitchen tap leaks"}`),
				ActorID:   tenant,
				ActorType: ledger.ActorTenant,
			})
			if third.PreviousHash != second.CurrentHash {
				t.Errorf("third event does not chain to second")
			}

			report, err := svc.VerifyChain(ctx, rentalID, tenant)
			if err != nil {
				t.Fatalf("VerifyChain: %v", err)
			}
			if !report.Valid || report.Length != 3 || len(report.Breaks) != 0 {
				t.Errorf("report = %+v, want valid chain of 3", report)
			}
			if report.Tip != third.CurrentHash {
				t.Errorf("report tip = %q, want %q", report.Tip, third.CurrentHash)
			}
			if len(report.Events) != 3 {
				t.Fatalf("report carries %d events, want 3", len(report.Events))
			}
			for i, want := range []*ledger.Event{first, second, third} {
				if got := report.Events[i]; got.Seq != int64(i+1) || got.ID != want.ID {
					t.Errorf("report.Events[%d] = seq %d id %s, want seq %d id %s", i, got.Seq, got.ID, i+1, want.ID)
				}
			}

			tip, err := svc.Tip(ctx, rentalID, landlord)
			if err != nil {
				t.Fatal(err)
			}
			if tip.Seq != 3 || tip.Hash != third.CurrentHash {
				t.Errorf("tip = %+v", tip)
			}
		})
	}
}

func TestAppend_chainsAreIndependentPerRental(t *testing.T) {
	store := ledger.NewMemoryStore()
	user := uuid.New()
	a, b := uuid.New(), uuid.New()
	r := newRoster()
	r.join(a, user)
	r.join(b, user)
	svc := newTestService(t, store, r)

	mustAppend(t, svc, rentPaid(a, user, 1))
	mustAppend(t, svc, rentPaid(a, user, 2))
	first := mustAppend(t, svc, rentPaid(b, user, 3))

	if first.Seq != 1 || first.PreviousHash != ledger.NoHash {
		t.Errorf("first event of rental b should start a new chain, got seq=%d prev=%q", first.Seq, first.PreviousHash)
	}
}

func TestAppend_denied(t *testing.T) {
	for _, sc := range storeCases() {
		t.Run(sc.name, func(t *testing.T) {
			store, prepare := sc.open(t)
			tenant, outsider := uuid.New(), uuid.New()
			rentalID := uuid.New()
			prepare(rentalID)

			r := newRoster()
			r.join(rentalID, tenant)
			svc := newTestService(t, store, r)
			mustAppend(t, svc, rentPaid(rentalID, tenant, 100))

			if _, err := svc.Append(ctx, rentPaid(rentalID, outsider, 100)); !errors.Is(err, ledger.ErrDenied) {
				t.Errorf("outsider append: got %v, want ErrDenied", err)
			}

			r.leave(rentalID, tenant)
			if _, err := svc.Append(ctx, rentPaid(rentalID, tenant, 100)); !errors.Is(err, ledger.ErrDenied) {
				t.Errorf("former participant append: got %v, want ErrDenied", err)
			}
			if _, err := svc.ListEvents(ctx, rentalID, tenant, ledger.ListOptions{}); !errors.Is(err, ledger.ErrDenied) {
				t.Errorf("former participant list: got %v, want ErrDenied", err)
			}

			tip, err := store.Tip(ctx, rentalID)
			if err != nil {
				t.Fatal(err)
			}
			if tip.Seq != 1 {
				t.Errorf("denied appends were persisted: tip seq = %d", tip.Seq)
			}
		})
	}
}

func TestAppend_unknownRentalDenied(t *testing.T) {
	svc := newTestService(t, ledger.NewMemoryStore(), newRoster())
	if _, err := svc.Append(ctx, rentPaid(uuid.New(), uuid.New(), 10)); !errors.Is(err, ledger.ErrDenied) {
		t.Errorf("got %v, want ErrDenied", err)
	}
}

func TestAppend_rosterFailureIsNotAllowed(t *testing.T) {
	store := ledger.NewMemoryStore()
	r := newRoster()
	r.err = errors.New("roster unavailable")
	svc := newTestService(t, store, r)

	rentalID := uuid.New()
	_, err := svc.Append(ctx, rentPaid(rentalID, uuid.New(), 10))
	if err == nil {
		t.Fatal("expected error when the roster lookup fails")
	}
	if tip, _ := store.Tip(ctx, rentalID); tip.Seq != 0 {
		t.Errorf("event persisted despite roster failure")
	}
}

func TestAppend_validation(t *testing.T) {
	store := ledger.NewMemoryStore()
	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, store, r)

	tests := []struct {
		name  string
		req   ledger.AppendRequest
		field string
	}{
		{"unknown type", ledger.AppendRequest{RentalID: rentalID, Type: "RENT_FORGIVEN", ActorID: user, ActorType: ledger.ActorTenant}, "event_type"},
		{"unknown actor type", ledger.AppendRequest{RentalID: rentalID, Type: ledger.EventComplaint, ActorID: user, ActorType: "NEIGHBOUR"}, "actor_type"},
		{"bad payload", ledger.AppendRequest{RentalID: rentalID, Type: ledger.EventRentPaid, Payload: json.RawMessage(`{"amount":-5}`), ActorID: user, ActorType: ledger.ActorTenant}, "payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Append(ctx, tt.req)
			var verr *ledger.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if !errors.Is(err, ledger.ErrValidation) {
				t.Error("ValidationError should match ErrValidation")
			}
		})
	}
	if tip, _ := store.Tip(ctx, rentalID); tip.Seq != 0 {
		t.Errorf("invalid appends were persisted: tip seq = %d", tip.Seq)
	}
}

func TestAppend_timestampPrecision(t *testing.T) {
	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, ledger.NewMemoryStore(), r)

	fixed := time.Date(2026, 5, 4, 10, 0, 0, 987654321, time.FixedZone("IST", 19800))
	svc.SetClock(func() time.Time { return fixed })

	ev := mustAppend(t, svc, rentPaid(rentalID, user, 10))
	want := fixed.UTC().Truncate(time.Microsecond)
	if !ev.Timestamp.Equal(want) || ev.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v in UTC", ev.Timestamp, want)
	}
}

func TestAppend_concurrent(t *testing.T) {
	for _, sc := range storeCases() {
		t.Run(sc.name, func(t *testing.T) {
			store, prepare := sc.open(t)
			const k = 40
			rentalID, other := uuid.New(), uuid.New()
			prepare(rentalID)
			prepare(other)

			users := make([]uuid.UUID, k)
			r := newRoster()
			for i := range users {
				users[i] = uuid.New()
				r.join(rentalID, users[i])
				r.join(other, users[i])
			}
			svc := newTestService(t, store, r)
			svc.SetAppendTimeout(30 * time.Second)

			var wg sync.WaitGroup
			errs := make(chan error, 2*k)
			for i := 0; i < k; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					_, err := svc.Append(ctx, rentPaid(rentalID, users[i], i+1))
					errs <- err
				}(i)
				go func(i int) {
					defer wg.Done()
					_, err := svc.Append(ctx, rentPaid(other, users[i], i+1))
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent append: %v", err)
				}
			}

			for _, id := range []uuid.UUID{rentalID, other} {
				chain, err := store.Chain(ctx, id)
				if err != nil {
					t.Fatal(err)
				}
				if len(chain) != k {
					t.Fatalf("chain length = %d, want %d", len(chain), k)
				}
				for i, ev := range chain {
					if ev.Seq != int64(i+1) {
						t.Fatalf("position %d has seq %d", i, ev.Seq)
					}
				}
				report := ledger.Verify(id, chain)
				if !report.Valid {
					t.Errorf("concurrent chain invalid: %+v", report.Breaks)
				}
			}
		})
	}
}

func TestAppend_lockTimeout(t *testing.T) {
	store := ledger.NewMemoryStore()
	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, store, r)
	svc.SetAppendTimeout(50 * time.Millisecond)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Append(context.Background(), rentalID, func(ledger.Tip) (*ledger.Event, error) { //nolint:errcheck
			close(held)
			<-release
			return nil, errors.New("aborted")
		})
	}()
	<-held

	_, err := svc.Append(ctx, rentPaid(rentalID, user, 10))
	close(release)
	<-done

	if !errors.Is(err, ledger.ErrConflictOrTimeout) {
		t.Fatalf("got %v, want ErrConflictOrTimeout", err)
	}
	if tip, _ := store.Tip(ctx, rentalID); tip.Seq != 0 {
		t.Errorf("aborted append persisted an event")
	}

	// The lock is free again.
	if ev := mustAppend(t, svc, rentPaid(rentalID, user, 10)); ev.Seq != 1 {
		t.Errorf("seq after timeout = %d, want 1", ev.Seq)
	}
}

func TestListEvents(t *testing.T) {
	for _, sc := range storeCases() {
		t.Run(sc.name, func(t *testing.T) {
			store, prepare := sc.open(t)
			user, rentalID := uuid.New(), uuid.New()
			prepare(rentalID)
			r := newRoster()
			r.join(rentalID, user)
			svc := newTestService(t, store, r)

			for i := 1; i <= 5; i++ {
				mustAppend(t, svc, rentPaid(rentalID, user, i))
			}
			mustAppend(t, svc, ledger.AppendRequest{
				RentalID: rentalID, Type: ledger.EventComplaint, ActorID: user, ActorType: ledger.ActorTenant,
				Payload: json.RawMessage(`{"subject":"noise"}`),
			})

			page, err := svc.ListEvents(ctx, rentalID, user, ledger.ListOptions{Page: 1, PageSize: 4})
			if err != nil {
				t.Fatal(err)
			}
			if page.Total != 6 || page.TotalPages != 2 || len(page.Events) != 4 {
				t.Fatalf("page 1 = total %d pages %d len %d", page.Total, page.TotalPages, len(page.Events))
			}
			if page.Events[0].Seq != 6 || page.Events[3].Seq != 3 {
				t.Errorf("page 1 not most-recent-first: seqs %d..%d", page.Events[0].Seq, page.Events[3].Seq)
			}

			page, err = svc.ListEvents(ctx, rentalID, user, ledger.ListOptions{Page: 2, PageSize: 4})
			if err != nil {
				t.Fatal(err)
			}
			if len(page.Events) != 2 || page.Events[1].Seq != 1 {
				t.Errorf("page 2 = %d events", len(page.Events))
			}

			page, err = svc.ListEvents(ctx, rentalID, user, ledger.ListOptions{Type: ledger.EventRentPaid})
			if err != nil {
				t.Fatal(err)
			}
			if page.Total != 5 {
				t.Errorf("filtered total = %d, want 5", page.Total)
			}
			for _, ev := range page.Events {
				if ev.Type != ledger.EventRentPaid {
					t.Errorf("filter leaked %s", ev.Type)
				}
			}

			if _, err := svc.ListEvents(ctx, rentalID, user, ledger.ListOptions{Type: "BOGUS"}); !errors.Is(err, ledger.ErrValidation) {
				t.Errorf("unknown type filter: got %v", err)
			}
		})
	}
}

func TestGetEvent(t *testing.T) {
	store := ledger.NewMemoryStore()
	user, outsider, rentalID := uuid.New(), uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, store, r)
	ev := mustAppend(t, svc, rentPaid(rentalID, user, 10))

	got, err := svc.GetEvent(ctx, ev.ID, user)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentHash != ev.CurrentHash || string(got.Payload) != string(ev.Payload) {
		t.Errorf("GetEvent returned a different event")
	}
	if _, err := svc.GetEvent(ctx, ev.ID, outsider); !errors.Is(err, ledger.ErrDenied) {
		t.Errorf("outsider: got %v, want ErrDenied", err)
	}
	if _, err := svc.GetEvent(ctx, uuid.New(), user); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("unknown event: got %v, want ErrNotFound", err)
	}
}

func TestVerifyChain_denied(t *testing.T) {
	svc := newTestService(t, ledger.NewMemoryStore(), newRoster())
	if _, err := svc.VerifyChain(ctx, uuid.New(), uuid.New()); !errors.Is(err, ledger.ErrDenied) {
		t.Errorf("got %v, want ErrDenied", err)
	}
}

func TestVerifyChain_emptyChainIsValid(t *testing.T) {
	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, ledger.NewMemoryStore(), r)

	report, err := svc.VerifyChain(ctx, rentalID, user)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Length != 0 || report.Tip != ledger.NoHash {
		t.Errorf("empty chain report = %+v", report)
	}
	body, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"events":[]`) {
		t.Errorf("empty chain should render events as [], got %s", body)
	}
}

func TestVerifyChain_returnsEventsInAppendOrder(t *testing.T) {
	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, ledger.NewMemoryStore(), r)

	paid := mustAppend(t, svc, rentPaid(rentalID, user, 1000))
	out := mustAppend(t, svc, ledger.AppendRequest{
		RentalID:  rentalID,
		Type:      ledger.EventMoveOut,
		Payload:   json.RawMessage(`{}`),
		ActorID:   user,
		ActorType: ledger.ActorTenant,
	})

	report, err := svc.VerifyChain(ctx, rentalID, user)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || len(report.Breaks) != 0 {
		t.Fatalf("report = %+v, want valid", report)
	}
	if len(report.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(report.Events))
	}
	if report.Events[0].ID != paid.ID || report.Events[1].ID != out.ID {
		t.Errorf("events out of append order: %s, %s", report.Events[0].Type, report.Events[1].Type)
	}
}

type metricsSpy struct {
	mu       sync.Mutex
	appends  []error
	verifies int
}

func (m *metricsSpy) ObserveAppend(_ ledger.EventType, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends = append(m.appends, err)
}

func (m *metricsSpy) ObserveVerify(*ledger.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifies++
}

func TestService_metrics(t *testing.T) {
	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, ledger.NewMemoryStore(), r)
	spy := &metricsSpy{}
	svc.SetMetrics(spy)

	mustAppend(t, svc, rentPaid(rentalID, user, 10))
	svc.Append(ctx, rentPaid(rentalID, uuid.New(), 10)) //nolint:errcheck
	if _, err := svc.VerifyRental(ctx, rentalID); err != nil {
		t.Fatal(err)
	}

	if len(spy.appends) != 2 || spy.appends[0] != nil || spy.appends[1] == nil {
		t.Errorf("append observations = %v", spy.appends)
	}
	if spy.verifies != 1 {
		t.Errorf("verify observations = %d, want 1", spy.verifies)
	}
}
