// Package client is the RentLedger Go SDK.
//
// It wraps the ledgerd HTTP API: opening rentals, managing participants,
// appending events to a rental's hash chain, reading the timeline and asking
// the server to verify chain integrity.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(os.Getenv("RENTLEDGER_TOKEN")),
//	    client.WithRetries(3),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ev, err := c.AppendEvent(ctx, rentalID, client.AppendRequest{
//	    EventType: "RENT_PAID",
//	    ActorType: "TENANT",
//	    Payload:   map[string]any{"amount": 25000, "currency": "INR"},
//	})
//
// A 503 response means the rental's chain was busy; with WithRetries the
// append is retried after the server's Retry-After delay. Other failures are
// reported as *APIError; use IsStatus to branch on the HTTP status.
package client
