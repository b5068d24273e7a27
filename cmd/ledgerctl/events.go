package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/pkg/client"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Append and read rental events",
}

func init() {
	eventCmd.AddCommand(eventAppendCmd)
	eventCmd.AddCommand(eventListCmd)
	eventCmd.AddCommand(eventGetCmd)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendActor   string
	appendPayload string
)

var eventAppendCmd = &cobra.Command{
	Use:   "append <rental-id> <EVENT_TYPE>",
	Short: "Append an event to a rental's chain",
	Example: `  ledgerctl event append 5f0c... RENT_PAID --actor TENANT \
      --payload '{"amount": 25000, "currency": "INR", "period": "2026-03"}'
  ledgerctl event append 5f0c... REPAIR_REQUEST --actor TENANT --payload @repair.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(appendPayload)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ev, err := c.AppendEvent(context.Background(), args[0], client.AppendRequest{
			EventType: strings.ToUpper(args[1]),
			ActorType: strings.ToUpper(appendActor),
			Payload:   payload,
		})
		if err != nil {
			return err
		}
		return printEvent(ev)
	},
}

func init() {
	eventAppendCmd.Flags().StringVar(&appendActor, "actor", "", "Actor type: TENANT, LANDLORD, BROKER, SOCIETY_ADMIN (required)")
	eventAppendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON payload, or @file to read it from a file")
	_ = eventAppendCmd.MarkFlagRequired("actor")
}

// readPayload accepts inline JSON or @path.
func readPayload(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = os.ReadFile(strings.TrimPrefix(raw, "@")); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// ── list / get ───────────────────────────────────────────────────────────────

var (
	listPage     int
	listPageSize int
	listType     string
)

var eventListCmd = &cobra.Command{
	Use:   "list <rental-id>",
	Short: "Show a rental's timeline, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		page, err := c.ListEvents(context.Background(), args[0], client.ListOptions{
			Page:     listPage,
			PageSize: listPageSize,
			Type:     strings.ToUpper(listType),
		})
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(page)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tACTOR\tTIMESTAMP\tHASH")
		for _, ev := range page.Events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				ev.Seq, ev.EventType, ev.ActorType, ev.Timestamp.Format(time.RFC3339), shortHash(ev.CurrentHash))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\npage %d of %d (%d events)\n", page.Page, page.TotalPages, page.Total)
		return nil
	},
}

func init() {
	eventListCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	eventListCmd.Flags().IntVar(&listPageSize, "limit", 20, "Events per page (max 100)")
	eventListCmd.Flags().StringVar(&listType, "type", "", "Only show this event type")
}

var eventGetCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ev, err := c.GetEvent(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printEvent(ev)
	},
}

func printEvent(ev *client.Event) error {
	if outputFormat == "json" {
		return printJSON(ev)
	}
	prev := "(genesis)"
	if ev.PreviousHash != nil {
		prev = *ev.PreviousHash
	}
	fmt.Printf("ID:        %s\n", ev.ID)
	fmt.Printf("Rental:    %s\n", ev.RentalID)
	fmt.Printf("Seq:       %d\n", ev.Seq)
	fmt.Printf("Type:      %s (v%d)\n", ev.EventType, ev.SchemaVersion)
	fmt.Printf("Actor:     %s %s\n", ev.ActorType, ev.ActorID)
	fmt.Printf("Timestamp: %s\n", ev.Timestamp.Format(time.RFC3339Nano))
	fmt.Printf("Previous:  %s\n", prev)
	fmt.Printf("Hash:      %s\n", ev.CurrentHash)
	fmt.Printf("Payload:   %s\n", ev.Payload)
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ── verify / tip ─────────────────────────────────────────────────────────────

var verifyLocal bool

var verifyCmd = &cobra.Command{
	Use:   "verify <rental-id>",
	Short: "Verify a rental's hash chain",
	Long: `verify asks the server to recompute every hash in the rental's chain.
With --local the events are downloaded and recomputed on this machine
instead, so the check does not depend on trusting the server's verifier.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		var report *client.Report
		if verifyLocal {
			report, err = verifyDownloaded(ctx, c, args[0])
		} else {
			report, err = c.Verify(ctx, args[0])
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			printReport(report)
		}
		if !report.Valid {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyLocal, "local", false, "Download the chain and verify it locally")
}

func printReport(r *client.Report) {
	status := "VALID"
	if !r.Valid {
		status = "BROKEN"
	}
	fmt.Printf("Rental:  %s\n", r.RentalID)
	fmt.Printf("Status:  %s\n", status)
	fmt.Printf("Length:  %d\n", r.Length)
	if r.Tip != nil {
		fmt.Printf("Tip:     %s\n", *r.Tip)
	}
	if len(r.Breaks) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tSEQ\tKIND\tEVENT\tEXPECTED\tACTUAL")
	for _, b := range r.Breaks {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n", b.Position, b.Seq, b.Kind, b.EventID, shortHash(b.Expected), shortHash(b.Actual))
	}
	w.Flush() //nolint:errcheck
}

// verifyDownloaded fetches the rental's chain in one snapshot and recomputes
// every hash locally. The server's own verdict is ignored.
func verifyDownloaded(ctx context.Context, c *client.Client, rentalID string) (*client.Report, error) {
	remote, err := c.Verify(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	return verifyEvents(rentalID, remote.Events)
}

// verifyEvents runs the ledger's verifier over events as received, which
// must be in append order.
func verifyEvents(rentalID string, received []*client.Event) (*client.Report, error) {
	id, err := uuid.Parse(rentalID)
	if err != nil {
		return nil, fmt.Errorf("rental id must be a UUID: %w", err)
	}

	events := make([]*ledger.Event, 0, len(received))
	for _, e := range received {
		ev, err := toLedgerEvent(e)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	r := ledger.Verify(id, events)
	out := &client.Report{
		RentalID:  rentalID,
		Valid:     r.Valid,
		Length:    r.Length,
		Breaks:    []client.Break{},
		Events:    received,
		CheckedAt: time.Now().UTC(),
	}
	if r.Tip != ledger.NoHash {
		tip := string(r.Tip)
		out.Tip = &tip
	}
	for _, b := range r.Breaks {
		out.Breaks = append(out.Breaks, client.Break{
			Position: b.Position,
			Seq:      b.Seq,
			EventID:  b.EventID.String(),
			Kind:     string(b.Kind),
			Expected: b.Expected,
			Actual:   b.Actual,
		})
	}
	return out, nil
}

func toLedgerEvent(e *client.Event) (*ledger.Event, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return nil, fmt.Errorf("event id %q: %w", e.ID, err)
	}
	rentalID, err := uuid.Parse(e.RentalID)
	if err != nil {
		return nil, fmt.Errorf("event %s rental id: %w", e.ID, err)
	}
	actorID, err := uuid.Parse(e.ActorID)
	if err != nil {
		return nil, fmt.Errorf("event %s actor id: %w", e.ID, err)
	}
	prev := ledger.NoHash
	if e.PreviousHash != nil {
		prev = ledger.Hash(*e.PreviousHash)
	}
	return &ledger.Event{
		ID:            id,
		RentalID:      rentalID,
		Seq:           e.Seq,
		Type:          ledger.EventType(e.EventType),
		SchemaVersion: e.SchemaVersion,
		Payload:       e.Payload,
		ActorID:       actorID,
		ActorType:     ledger.ActorType(e.ActorType),
		Timestamp:     e.Timestamp,
		PreviousHash:  prev,
		CurrentHash:   ledger.Hash(e.CurrentHash),
	}, nil
}

var tipCmd = &cobra.Command{
	Use:   "tip <rental-id>",
	Short: "Show the current head of a rental's chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		tip, err := c.Tip(context.Background(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(tip)
		}
		hash := "(empty chain)"
		if tip.Hash != nil {
			hash = *tip.Hash
		}
		fmt.Printf("Length: %d\nTip:    %s\n", tip.Length, hash)
		return nil
	},
}
