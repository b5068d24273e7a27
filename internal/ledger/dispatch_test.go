package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []*ledger.Event
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Consume(_ context.Context, ev *ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func (s *recordingSink) events() []*ledger.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ledger.Event(nil), s.got...)
}

type panickingSink struct{}

func (panickingSink) Name() string { return "panics" }
func (panickingSink) Consume(context.Context, *ledger.Event) error {
	panic("boom")
}

func TestDispatcher_deliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("downstream unavailable")}

	var mu sync.Mutex
	outcomes := map[string]int{}
	d := ledger.NewDispatcher(2, 16, zap.NewNop(), a, panickingSink{}, b)
	d.SetDeliveryRecorder(func(sink string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			outcomes[sink+":error"]++
		} else {
			outcomes[sink+":ok"]++
		}
	})
	d.Start()

	for i := 0; i < 5; i++ {
		if !d.Publish(&ledger.Event{ID: uuid.New(), Seq: int64(i + 1)}) {
			t.Fatal("Publish dropped an event with room in the queue")
		}
	}
	d.Close()

	if n := len(a.events()); n != 5 {
		t.Errorf("sink a got %d events, want 5", n)
	}
	if n := len(b.events()); n != 5 {
		t.Errorf("sink b got %d events after a panicking sink, want 5", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if outcomes["a:ok"] != 5 || outcomes["panics:error"] != 5 || outcomes["b:error"] != 5 {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestDispatcher_dropsWhenFull(t *testing.T) {
	sink := &recordingSink{name: "slow"}
	d := ledger.NewDispatcher(1, 1, zap.NewNop(), sink)
	// Not started: the single queue slot fills up.
	if !d.Publish(&ledger.Event{ID: uuid.New()}) {
		t.Fatal("first publish should be queued")
	}
	if d.Publish(&ledger.Event{ID: uuid.New()}) {
		t.Error("publish into a full queue should drop")
	}
	d.Start()
	d.Close()
	if n := len(sink.events()); n != 1 {
		t.Errorf("delivered %d events, want 1", n)
	}
	if d.Publish(&ledger.Event{ID: uuid.New()}) {
		t.Error("publish after Close should drop")
	}
}

func TestService_publishesCommittedEvents(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := ledger.NewDispatcher(1, 16, zap.NewNop(), sink)
	d.Start()

	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, ledger.NewMemoryStore(), r)
	svc.SetDispatcher(d)

	ev := mustAppend(t, svc, rentPaid(rentalID, user, 100))
	svc.Append(ctx, rentPaid(rentalID, uuid.New(), 100)) //nolint:errcheck
	d.Close()

	got := sink.events()
	if len(got) != 1 {
		t.Fatalf("sink got %d events, want only the committed one", len(got))
	}
	if got[0].ID != ev.ID || got[0].CurrentHash != ev.CurrentHash {
		t.Errorf("sink got a different event")
	}

	// Sinks receive copies.
	got[0].Payload[0] = 'X'
	stored, err := svc.GetEvent(ctx, ev.ID, user)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Payload[0] == 'X' {
		t.Error("sink mutation reached the store")
	}
}

func TestDispatcher_sinkTimeoutDoesNotBlockAppend(t *testing.T) {
	block := make(chan struct{})
	slow := sinkFunc(func(ctx context.Context, _ *ledger.Event) error {
		<-block
		return nil
	})
	d := ledger.NewDispatcher(1, 4, zap.NewNop(), slow)
	d.Start()
	defer func() {
		close(block)
		d.Close()
	}()

	user, rentalID := uuid.New(), uuid.New()
	r := newRoster()
	r.join(rentalID, user)
	svc := newTestService(t, ledger.NewMemoryStore(), r)
	svc.SetDispatcher(d)

	done := make(chan error, 1)
	go func() {
		for i := 1; i <= 2; i++ {
			if _, err := svc.Append(ctx, rentPaid(rentalID, user, i)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on a slow sink")
	}
}

type sinkFunc func(ctx context.Context, ev *ledger.Event) error

func (f sinkFunc) Name() string { return "func" }
func (f sinkFunc) Consume(ctx context.Context, ev *ledger.Event) error { return f(ctx, ev) }
