package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/RentLedger/pkg/client"
)

var rentalCmd = &cobra.Command{
	Use:   "rental",
	Short: "Create, inspect and close rentals",
}

func init() {
	rentalCmd.AddCommand(rentalCreateCmd)
	rentalCmd.AddCommand(rentalListCmd)
	rentalCmd.AddCommand(rentalShowCmd)
	rentalCmd.AddCommand(rentalCloseCmd)
	rentalCmd.AddCommand(rentalAddParticipantCmd)
	rentalCmd.AddCommand(rentalRemoveParticipantCmd)
}

// ── create ───────────────────────────────────────────────────────────────────

var (
	createAddress      string
	createUnit         string
	createStart        string
	createParticipants []string
)

var rentalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a rental; you join as BROKER",
	Example: `  ledgerctl rental create --address "12 Park Lane" --start 2026-01-01 \
      --participant 5f0c...:TENANT --participant 9a1d...:LANDLORD`,
	RunE: func(cmd *cobra.Command, args []string) error {
		parts, err := parseParticipants(createParticipants)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rental, err := c.CreateRental(context.Background(), client.CreateRentalRequest{
			PropertyAddress: createAddress,
			PropertyUnit:    createUnit,
			StartDate:       createStart,
			Participants:    parts,
		})
		if err != nil {
			return err
		}
		return printRental(rental)
	},
}

func init() {
	rentalCreateCmd.Flags().StringVar(&createAddress, "address", "", "Property address (required)")
	rentalCreateCmd.Flags().StringVar(&createUnit, "unit", "", "Unit or flat number")
	rentalCreateCmd.Flags().StringVar(&createStart, "start", "", "Start date YYYY-MM-DD (default today)")
	rentalCreateCmd.Flags().StringArrayVar(&createParticipants, "participant", nil, "user-id:ROLE, repeatable")
	_ = rentalCreateCmd.MarkFlagRequired("address")
}

// parseParticipants turns "user-id:ROLE" pairs into participant inputs.
func parseParticipants(raw []string) ([]client.ParticipantInput, error) {
	out := make([]client.ParticipantInput, 0, len(raw))
	for _, r := range raw {
		userID, role, ok := strings.Cut(r, ":")
		if !ok || userID == "" || role == "" {
			return nil, fmt.Errorf("participant %q: want user-id:ROLE", r)
		}
		out = append(out, client.ParticipantInput{UserID: userID, Role: strings.ToUpper(role)})
	}
	return out, nil
}

// ── list / show / close ──────────────────────────────────────────────────────

var rentalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rentals you take part in",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListRentals(context.Background())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(list)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tSTART")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.PropertyAddress, r.Status, r.StartDate.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var rentalShowCmd = &cobra.Command{
	Use:   "show <rental-id>",
	Short: "Show a rental and its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rental, err := c.GetRental(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printRental(rental)
	},
}

var rentalCloseCmd = &cobra.Command{
	Use:   "close <rental-id>",
	Short: "Close a rental",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rental, err := c.CloseRental(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printRental(rental)
	},
}

// ── participants ─────────────────────────────────────────────────────────────

var rentalAddParticipantCmd = &cobra.Command{
	Use:   "add-participant <rental-id> <user-id> <ROLE>",
	Short: "Add a participant to a rental",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.AddParticipant(context.Background(), args[0], client.ParticipantInput{
			UserID: args[1],
			Role:   strings.ToUpper(args[2]),
		})
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(p)
		}
		fmt.Printf("Added %s as %s\n", p.UserID, p.Role)
		return nil
	},
}

var rentalRemoveParticipantCmd = &cobra.Command{
	Use:   "remove-participant <rental-id> <user-id>",
	Short: "Mark a participant as having left the rental",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.RemoveParticipant(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[1])
		return nil
	},
}

func printRental(r *client.Rental) error {
	if outputFormat == "json" {
		return printJSON(r)
	}
	fmt.Printf("ID:       %s\n", r.ID)
	fmt.Printf("Address:  %s\n", r.PropertyAddress)
	if r.PropertyUnit != "" {
		fmt.Printf("Unit:     %s\n", r.PropertyUnit)
	}
	fmt.Printf("Status:   %s\n", r.Status)
	fmt.Printf("Start:    %s\n", r.StartDate.Format("2006-01-02"))
	if r.EndDate != nil {
		fmt.Printf("End:      %s\n", r.EndDate.Format("2006-01-02"))
	}
	if len(r.Participants) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tROLE\tJOINED\tLEFT")
	for _, p := range r.Participants {
		left := "-"
		if p.LeftAt != nil {
			left = p.LeftAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.UserID, p.Role, p.JoinedAt.Format(time.RFC3339), left)
	}
	return w.Flush()
}
