package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// TimestampLayout is the fixed-precision rendering of event timestamps used
// in the hash input. Microseconds survive a PostgreSQL timestamptz round trip.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Precision is the resolution at which event timestamps are recorded.
const Precision = time.Microsecond

// hashInput is the object whose canonical form is hashed.
type hashInput struct {
	RentalID     string          `json:"rental_id"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    string          `json:"timestamp"`
	ActorID      string          `json:"actor_id"`
	PreviousHash *string         `json:"previous_hash"`
}

// Canonicalize returns the RFC 8785 canonical form of a JSON document.
func Canonicalize(doc []byte) ([]byte, error) {
	out, err := jcs.Transform(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// FormatTimestamp renders t the way it enters the hash input.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(Precision).Format(TimestampLayout)
}

// Digest computes the current hash of an event from its six chained fields.
// The result depends only on its arguments.
func Digest(rentalID uuid.UUID, eventType EventType, payload []byte, ts time.Time, actorID uuid.UUID, prev Hash) (Hash, error) {
	in := hashInput{
		RentalID:  rentalID.String(),
		EventType: eventType,
		Payload:   payload,
		Timestamp: FormatTimestamp(ts),
		ActorID:   actorID.String(),
	}
	if prev != NoHash {
		p := string(prev)
		in.PreviousHash = &p
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return NoHash, fmt.Errorf("marshal hash input: %w", err)
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return NoHash, err
	}
	sum := sha256.Sum256(canonical)
	return Hash(hex.EncodeToString(sum[:])), nil
}
