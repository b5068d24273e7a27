package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// buildChain returns n correctly linked COMPLAINT events.
func buildChain(t *testing.T, rentalID uuid.UUID, n int) []*Event {
	t.Helper()
	actor := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := NoHash
	events := make([]*Event, 0, n)
	for i := 1; i <= n; i++ {
		payload := []byte(fmt.Sprintf(`{"subject":"complaint %d"}`, i))
		ts := base.Add(time.Duration(i) * time.Minute)
		h, err := Digest(rentalID, EventComplaint, payload, ts, actor, prev)
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, &Event{
			ID: uuid.New(), RentalID: rentalID, Seq: int64(i), Type: EventComplaint, SchemaVersion: 1,
			Payload: payload, ActorID: actor, ActorType: ActorTenant, Timestamp: ts,
			PreviousHash: prev, CurrentHash: h,
		})
		prev = h
	}
	return events
}

func kinds(r Report) []BreakKind {
	out := make([]BreakKind, len(r.Breaks))
	for i, b := range r.Breaks {
		out[i] = b.Kind
	}
	return out
}

func hasKind(r Report, k BreakKind, position int) bool {
	for _, b := range r.Breaks {
		if b.Kind == k && b.Position == position {
			return true
		}
	}
	return false
}

func TestVerify_intactChain(t *testing.T) {
	id := uuid.New()
	chain := buildChain(t, id, 5)
	r := Verify(id, chain)
	if !r.Valid || len(r.Breaks) != 0 {
		t.Fatalf("intact chain reported breaks: %v", kinds(r))
	}
	if r.Tip != chain[4].CurrentHash || r.Length != 5 {
		t.Errorf("tip=%q length=%d", r.Tip, r.Length)
	}
}

func TestVerify_emptyChain(t *testing.T) {
	r := Verify(uuid.New(), nil)
	if !r.Valid || r.Tip != NoHash || r.Breaks == nil {
		t.Errorf("empty chain report = %+v", r)
	}
}

func TestVerify_payloadTamper(t *testing.T) {
	id := uuid.New()
	chain := buildChain(t, id, 3)
	chain[1].Payload = json.RawMessage(`{"subject":"rewritten"}`)

	r := Verify(id, chain)
	if r.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if len(r.Breaks) != 1 || !hasKind(r, BreakTamper, 1) {
		t.Errorf("breaks = %v, want one TAMPER at position 1", kinds(r))
	}
	if r.Breaks[0].EventID != chain[1].ID {
		t.Errorf("break names event %s, want %s", r.Breaks[0].EventID, chain[1].ID)
	}
}

func TestVerify_payloadKeyOrderIsNotTamper(t *testing.T) {
	id := uuid.New()
	actor := uuid.New()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	canonical := []byte(`{"amount":100,"currency":"INR"}`)
	h, err := Digest(id, EventRentPaid, canonical, ts, actor, NoHash)
	if err != nil {
		t.Fatal(err)
	}
	// jsonb re-renders documents with its own key order and spacing.
	ev := &Event{
		ID: uuid.New(), RentalID: id, Seq: 1, Type: EventRentPaid,
		Payload: []byte(`{"currency": "INR", "amount": 100}`), ActorID: actor,
		ActorType: ActorTenant, Timestamp: ts, PreviousHash: NoHash, CurrentHash: h,
	}
	if r := Verify(id, []*Event{ev}); !r.Valid {
		t.Errorf("re-rendered payload flagged: %v", kinds(r))
	}
}

func TestVerify_metadataTamper(t *testing.T) {
	id := uuid.New()
	for name, mutate := range map[string]func(e *Event){
		"timestamp": func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Second) },
		"actor":     func(e *Event) { e.ActorID = uuid.New() },
		"type":      func(e *Event) { e.Type = EventInspection },
		"hash":      func(e *Event) { e.CurrentHash = flipFirst(e.CurrentHash) },
	} {
		t.Run(name, func(t *testing.T) {
			chain := buildChain(t, id, 3)
			mutate(chain[2])
			r := Verify(id, chain)
			if !hasKind(r, BreakTamper, 2) {
				t.Errorf("breaks = %v, want TAMPER at position 2", kinds(r))
			}
		})
	}
}

func TestVerify_chainBreak(t *testing.T) {
	id := uuid.New()
	chain := buildChain(t, id, 3)
	chain[2].PreviousHash = Hash("deadbeef")

	r := Verify(id, chain)
	if len(r.Breaks) != 1 || !hasKind(r, BreakChain, 2) {
		t.Errorf("breaks = %v, want one CHAIN_BREAK at position 2", kinds(r))
	}
	if r.Breaks[0].Expected != string(chain[1].CurrentHash) || r.Breaks[0].Actual != "deadbeef" {
		t.Errorf("break detail = %+v", r.Breaks[0])
	}
}

func TestVerify_deletedEvent(t *testing.T) {
	id := uuid.New()
	chain := buildChain(t, id, 4)
	chain = append(chain[:1], chain[2:]...)

	r := Verify(id, chain)
	if r.Valid {
		t.Fatal("chain with a deleted event reported valid")
	}
	if !hasKind(r, BreakSequence, 1) || !hasKind(r, BreakChain, 1) {
		t.Errorf("breaks = %v, want SEQUENCE_GAP and CHAIN_BREAK at position 1", kinds(r))
	}
	// The event after the gap links to its stored predecessor.
	if hasKind(r, BreakChain, 2) {
		t.Errorf("break cascaded past the gap: %v", kinds(r))
	}
}

func TestVerify_reorderedEvents(t *testing.T) {
	id := uuid.New()
	chain := buildChain(t, id, 3)
	chain[1], chain[2] = chain[2], chain[1]

	r := Verify(id, chain)
	if !hasKind(r, BreakSequence, 1) || !hasKind(r, BreakSequence, 2) {
		t.Errorf("breaks = %v, want SEQUENCE_GAP at positions 1 and 2", kinds(r))
	}
}

func TestVerify_firstEventWithPrevious(t *testing.T) {
	id := uuid.New()
	chain := buildChain(t, id, 1)
	chain[0].PreviousHash = Hash("abc")
	if r := Verify(id, chain); !hasKind(r, BreakChain, 0) {
		t.Errorf("breaks = %v, want CHAIN_BREAK at position 0", kinds(r))
	}
}

func flipFirst(h Hash) Hash {
	if h[0] == '0' {
		return "f" + h[1:]
	}
	return "0" + h[1:]
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func TestService_detectsTamperedMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	svc, err := NewService(store, allowAll{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	id, user := uuid.New(), uuid.New()
	for i := 0; i < 3; i++ {
		if _, err := svc.Append(context.Background(), AppendRequest{
			RentalID: id, Type: EventComplaint, ActorID: user, ActorType: ActorTenant,
			Payload: json.RawMessage(fmt.Sprintf(`{"subject":"s%d"}`, i)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	store.mu.Lock()
	store.chains[id][0].Payload = json.RawMessage(`{"subject":"edited"}`)
	store.mu.Unlock()

	r, err := svc.VerifyRental(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Valid || !hasKind(*r, BreakTamper, 0) {
		t.Errorf("breaks = %v, want TAMPER at position 0", kinds(*r))
	}
}

func TestKeyedLocker_contextCancel(t *testing.T) {
	k := newKeyedLocker()
	id := uuid.New()
	unlock, err := k.lock(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.lock(ctx, id); err == nil {
		t.Fatal("second lock acquired while held")
	}

	unlock()
	unlock2, err := k.lock(context.Background(), id)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock2()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("locker leaked %d entries", len(k.locks))
	}
}
