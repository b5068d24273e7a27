package ledger_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

var ctx = context.Background()

// roster is an in-memory participant list for gate tests.
type roster struct {
	mu      sync.Mutex
	members map[uuid.UUID]map[uuid.UUID]bool
	err     error
}

func newRoster() *roster {
	return &roster{members: make(map[uuid.UUID]map[uuid.UUID]bool)}
}

func (r *roster) join(rentalID uuid.UUID, users ...uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[rentalID] == nil {
		r.members[rentalID] = make(map[uuid.UUID]bool)
	}
	for _, u := range users {
		r.members[rentalID][u] = true
	}
}

func (r *roster) leave(rentalID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[rentalID], userID)
}

func (r *roster) IsActiveParticipant(_ context.Context, rentalID, userID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	return r.members[rentalID][userID], nil
}

func newTestService(t *testing.T, store ledger.Store, r *roster) *ledger.Service {
	t.Helper()
	svc, err := ledger.NewService(store, ledger.NewRosterGate(r), zap.NewNop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func rentPaid(rentalID, actor uuid.UUID, amount int) ledger.AppendRequest {
	payload, _ := json.Marshal(map[string]any{"amount": amount, "currency": "INR"})
	return ledger.AppendRequest{
		RentalID:  rentalID,
		Type:      ledger.EventRentPaid,
		Payload:   payload,
		ActorID:   actor,
		ActorType: ledger.ActorTenant,
	}
}

func mustAppend(t *testing.T, svc *ledger.Service, req ledger.AppendRequest) *ledger.Event {
	t.Helper()
	ev, err := svc.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append %s: %v", req.Type, err)
	}
	return ev
}
