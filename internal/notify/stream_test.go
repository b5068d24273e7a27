package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/internal/notify"
)

func TestHub_StreamsRentalEvents(t *testing.T) {
	hub := notify.NewHub(nil, zap.NewNop())
	watched := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, watched, uuid.New())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers(watched) == 1 }, 5*time.Second, 10*time.Millisecond)

	other := sampleEvent(ledger.EventRentPaid)
	require.NoError(t, hub.Consume(context.Background(), other))

	ev := sampleEvent(ledger.EventRepairRequest)
	ev.RentalID = watched
	require.NoError(t, hub.Consume(context.Background(), ev))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got ledger.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, ev.ID, got.ID, "only the watched rental's events are streamed")

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers(watched) == 0 }, 5*time.Second, 10*time.Millisecond)
}

// roster allows the users it holds and nobody else.
type roster struct {
	mu      sync.Mutex
	members map[uuid.UUID]bool
}

func (r *roster) Authorize(_ context.Context, _ uuid.UUID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.members[userID] {
		return ledger.ErrDenied
	}
	return nil
}

func (r *roster) leave(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, userID)
}

func TestHub_DropsSubscribersWhoLostAccess(t *testing.T) {
	stays, leaves := uuid.New(), uuid.New()
	members := &roster{members: map[uuid.UUID]bool{stays: true, leaves: true}}
	hub := notify.NewHub(nil, zap.NewNop())
	hub.SetAuthorizer(members)
	rentalID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := uuid.Parse(r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = hub.ServeWS(w, r, rentalID, user)
	}))
	defer srv.Close()

	dial := func(user uuid.UUID) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?user="+user.String(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	stayConn, leaveConn := dial(stays), dial(leaves)
	require.Eventually(t, func() bool { return hub.Subscribers(rentalID) == 2 }, 5*time.Second, 10*time.Millisecond)

	members.leave(leaves)
	ev := sampleEvent(ledger.EventComplaint)
	ev.RentalID = rentalID
	require.NoError(t, hub.Consume(context.Background(), ev))

	_ = stayConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := stayConn.ReadMessage()
	require.NoError(t, err)
	var got ledger.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, ev.ID, got.ID)

	_ = leaveConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err = leaveConn.ReadMessage()
	require.Error(t, err, "user who left received %s", msg)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return hub.Subscribers(rentalID) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := notify.NewHub([]string{"https://app.rentledger.example"}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, uuid.New(), uuid.New())
	}))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_ConsumeWithoutSubscribers(t *testing.T) {
	hub := notify.NewHub(nil, zap.NewNop())
	assert.NoError(t, hub.Consume(context.Background(), sampleEvent(ledger.EventRentPaid)))
	assert.Equal(t, "stream", hub.Name())
}
