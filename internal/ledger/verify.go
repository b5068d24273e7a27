package ledger

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// BreakKind classifies an integrity break.
type BreakKind string

const (
	// BreakChain means an event's previous hash does not match its
	// predecessor's current hash.
	BreakChain BreakKind = "CHAIN_BREAK"
	// BreakTamper means an event's stored hash does not match its content.
	BreakTamper BreakKind = "TAMPER"
	// BreakSequence means events are missing or out of append order.
	BreakSequence BreakKind = "SEQUENCE_GAP"
)

// Break is an integrity failure found by the verifier. It is data, not an
// error.
type Break struct {
	Position int       `json:"position"` // zero-based index in append order
	Seq      int64     `json:"seq"`
	EventID  uuid.UUID `json:"event_id"`
	Kind     BreakKind `json:"kind"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
}

// Report is the result of verifying a rental's chain.
type Report struct {
	RentalID  uuid.UUID `json:"rental_id"`
	Valid     bool      `json:"valid"`
	Length    int       `json:"length"`
	Tip       Hash      `json:"tip"`
	Breaks    []Break   `json:"breaks"`
	Events    []*Event  `json:"events"` // the verified chain in append order
	CheckedAt time.Time `json:"checked_at"`
}

// Verify folds over events, which must be in append order, and reports every
// break. After each event the expected previous hash advances to the stored
// current hash so that one bad event does not cascade.
func Verify(rentalID uuid.UUID, events []*Event) Report {
	r := Report{RentalID: rentalID, Length: len(events), Breaks: []Break{}, Events: events}
	if r.Events == nil {
		r.Events = []*Event{}
	}

	expected := NoHash
	for i, e := range events {
		if want := int64(i + 1); e.Seq != want {
			r.Breaks = append(r.Breaks, Break{
				Position: i, Seq: e.Seq, EventID: e.ID, Kind: BreakSequence,
				Expected: strconv.FormatInt(want, 10), Actual: strconv.FormatInt(e.Seq, 10),
			})
		}
		if e.PreviousHash != expected {
			r.Breaks = append(r.Breaks, Break{
				Position: i, Seq: e.Seq, EventID: e.ID, Kind: BreakChain,
				Expected: string(expected), Actual: string(e.PreviousHash),
			})
		}

		recomputed, err := recompute(e, expected)
		if err != nil || recomputed != e.CurrentHash {
			r.Breaks = append(r.Breaks, Break{
				Position: i, Seq: e.Seq, EventID: e.ID, Kind: BreakTamper,
				Expected: string(recomputed), Actual: string(e.CurrentHash),
			})
		}
		expected = e.CurrentHash
	}

	r.Tip = expected
	r.Valid = len(r.Breaks) == 0
	return r
}

// recompute re-canonicalizes the stored payload before hashing, since some
// stores (jsonb) re-render documents.
func recompute(e *Event, prev Hash) (Hash, error) {
	payload, err := Canonicalize(e.Payload)
	if err != nil {
		return NoHash, err
	}
	return Digest(e.RentalID, e.Type, payload, e.Timestamp, e.ActorID, prev)
}
