package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Hash is a hex-encoded SHA-256 digest.
type Hash string

// NoHash is the previous hash of the first event of every chain. It is
// rendered as JSON null and stored as SQL NULL.
const NoHash Hash = ""

// MarshalJSON renders NoHash as null.
func (h Hash) MarshalJSON() ([]byte, error) {
	if h == NoHash {
		return []byte("null"), nil
	}
	return json.Marshal(string(h))
}

// UnmarshalJSON accepts null as NoHash.
func (h *Hash) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*h = NoHash
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*h = Hash(s)
	return nil
}

// EventType is the closed set of things that can happen to a rental.
type EventType string

const (
	EventMoveIn          EventType = "MOVE_IN"
	EventMoveOut         EventType = "MOVE_OUT"
	EventRentPaid        EventType = "RENT_PAID"
	EventRentDelayed     EventType = "RENT_DELAYED"
	EventRepairRequest   EventType = "REPAIR_REQUEST"
	EventRepairCompleted EventType = "REPAIR_COMPLETED"
	EventNoticeIssued    EventType = "NOTICE_ISSUED"
	EventComplaint       EventType = "COMPLAINT"
	EventInspection      EventType = "INSPECTION"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventMoveIn, EventMoveOut, EventRentPaid, EventRentDelayed,
	EventRepairRequest, EventRepairCompleted, EventNoticeIssued,
	EventComplaint, EventInspection,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActorType tags the role an actor claimed when recording an event.
type ActorType string

const (
	ActorTenant       ActorType = "TENANT"
	ActorLandlord     ActorType = "LANDLORD"
	ActorBroker       ActorType = "BROKER"
	ActorSocietyAdmin ActorType = "SOCIETY_ADMIN"
	ActorSystem       ActorType = "SYSTEM"
)

// Valid reports whether a is a known actor type.
func (a ActorType) Valid() bool {
	switch a {
	case ActorTenant, ActorLandlord, ActorBroker, ActorSocietyAdmin, ActorSystem:
		return true
	}
	return false
}

// Event is a single immutable entry in a rental's chain.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	RentalID      uuid.UUID       `json:"rental_id"`
	Seq           int64           `json:"seq"`
	Type          EventType       `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	ActorID       uuid.UUID       `json:"actor_id"`
	ActorType     ActorType       `json:"actor_type"`
	Timestamp     time.Time       `json:"timestamp"`
	PreviousHash  Hash            `json:"previous_hash"`
	CurrentHash   Hash            `json:"current_hash"`
}

// clone returns a deep copy so callers cannot mutate stored events.
func (e *Event) clone() *Event {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}
