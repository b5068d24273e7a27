package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/pkg/client"
)

func buildChain(t *testing.T, rentalID uuid.UUID, n int) []*ledger.Event {
	t.Helper()
	actor := uuid.New()
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prev := ledger.NoHash
	var events []*ledger.Event
	for i := 1; i <= n; i++ {
		payload := json.RawMessage(`{"amount":1000}`)
		at := ts.Add(time.Duration(i) * time.Minute)
		h, err := ledger.Digest(rentalID, ledger.EventRentPaid, payload, at, actor, prev)
		require.NoError(t, err)
		events = append(events, &ledger.Event{
			ID:            uuid.New(),
			RentalID:      rentalID,
			Seq:           int64(i),
			Type:          ledger.EventRentPaid,
			SchemaVersion: 1,
			Payload:       payload,
			ActorID:       actor,
			ActorType:     ledger.ActorTenant,
			Timestamp:     at,
			PreviousHash:  prev,
			CurrentHash:   h,
		})
		prev = h
	}
	return events
}

// verifyServer answers /verify with report, whatever the chain really holds.
func verifyServer(t *testing.T, rentalID uuid.UUID, report ledger.Report) *client.Client {
	t.Helper()
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/rentals/"+rentalID.String()+"/verify", func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		assert.Equal(t, 1, calls, "chain must be fetched in a single request")
	})
	c, err := client.New(srv.URL, client.WithBearerToken("tok"))
	require.NoError(t, err)
	return c
}

func TestVerifyDownloaded_intactChain(t *testing.T) {
	rentalID := uuid.New()
	events := buildChain(t, rentalID, 3)
	c := verifyServer(t, rentalID, ledger.Verify(rentalID, events))

	r, err := verifyDownloaded(context.Background(), c, rentalID.String())
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, 3, r.Length)
	assert.Empty(t, r.Breaks)
	require.NotNil(t, r.Tip)
	assert.Equal(t, string(events[2].CurrentHash), *r.Tip)
	require.Len(t, r.Events, 3)
	for i, e := range r.Events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestVerifyDownloaded_ignoresServerVerdict(t *testing.T) {
	rentalID := uuid.New()
	events := buildChain(t, rentalID, 2)
	report := ledger.Verify(rentalID, events)
	events[1].Payload = json.RawMessage(`{"amount":1}`)

	c := verifyServer(t, rentalID, report)
	r, err := verifyDownloaded(context.Background(), c, rentalID.String())
	require.NoError(t, err)
	assert.False(t, r.Valid)
	require.Len(t, r.Breaks, 1)
	assert.Equal(t, string(ledger.BreakTamper), r.Breaks[0].Kind)
	assert.Equal(t, int64(2), r.Breaks[0].Seq)
}

func TestVerifyDownloaded_emptyChain(t *testing.T) {
	rentalID := uuid.New()
	c := verifyServer(t, rentalID, ledger.Verify(rentalID, nil))

	r, err := verifyDownloaded(context.Background(), c, rentalID.String())
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Zero(t, r.Length)
	assert.Nil(t, r.Tip)
}

func TestVerifyEvents_badRentalID(t *testing.T) {
	_, err := verifyEvents("not-a-uuid", nil)
	assert.Error(t, err)
}
