package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBufSize = 64
)

// Authorizer decides whether a user may still read a rental.
// *ledger.Service satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, rentalID, userID uuid.UUID) error
}

// Hub broadcasts appended events to websocket clients watching a rental. It
// implements ledger.Sink.
type Hub struct {
	upgrader websocket.Upgrader
	auth     Authorizer // nil = access checked at upgrade only
	logger   *zap.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

// subscriber is one websocket client. Closing done stops its write loop;
// send is never closed so Consume cannot panic on a departed client.
type subscriber struct {
	user uuid.UUID
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

// NewHub creates a Hub. allowedOrigins empty or containing "*" accepts any
// origin.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	h := &Hub{
		logger: logger,
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// SetAuthorizer makes Consume re-check every subscriber before delivery, so
// a participant who has left stops receiving events on an open stream.
func (h *Hub) SetAuthorizer(a Authorizer) { h.auth = a }

// Name implements ledger.Sink.
func (h *Hub) Name() string { return "stream" }

// Consume implements ledger.Sink. Clients that may no longer read the rental
// or whose buffer is full are disconnected.
func (h *Hub) Consume(ctx context.Context, ev *ledger.Event) error {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[ev.RentalID]))
	for s := range h.subs[ev.RentalID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	allowed := make(map[uuid.UUID]bool)
	for _, s := range subs {
		ok, seen := allowed[s.user]
		if !seen {
			ok = h.auth == nil || h.auth.Authorize(ctx, ev.RentalID, s.user) == nil
			allowed[s.user] = ok
		}
		if !ok {
			h.logger.Debug("stream: dropping subscriber without access",
				zap.String("rental_id", ev.RentalID.String()),
				zap.String("user_id", s.user.String()),
			)
			s.stop()
			continue
		}
		select {
		case s.send <- msg:
		default:
			s.stop()
		}
	}
	return nil
}

// Subscribers returns the number of live clients on a rental.
func (h *Hub) Subscribers(rentalID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[rentalID])
}

// ServeWS upgrades the request and streams the rental's new events to userID
// until the client goes away. The caller must have authorized the request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, rentalID, userID uuid.UUID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := h.subscribe(rentalID, userID)
	defer h.unsubscribe(rentalID, sub)

	go h.readLoop(conn, sub)
	h.writeLoop(conn, sub)
	return nil
}

func (h *Hub) subscribe(rentalID, userID uuid.UUID) *subscriber {
	sub := &subscriber{user: userID, send: make(chan []byte, sendBufSize), done: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[rentalID] == nil {
		h.subs[rentalID] = make(map[*subscriber]struct{})
	}
	h.subs[rentalID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(rentalID uuid.UUID, sub *subscriber) {
	sub.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[rentalID], sub)
	if len(h.subs[rentalID]) == 0 {
		delete(h.subs, rentalID)
	}
}

// readLoop discards client frames and notices disconnects.
func (h *Hub) readLoop(conn *websocket.Conn, sub *subscriber) {
	defer sub.stop()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("stream: write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
