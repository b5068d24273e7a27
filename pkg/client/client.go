package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is returned for any non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rentledger: HTTP %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("rentledger: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Rental mirrors the server's rental record.
type Rental struct {
	ID              string         `json:"id"`
	PropertyAddress string         `json:"property_address"`
	PropertyUnit    string         `json:"property_unit,omitempty"`
	Status          string         `json:"status"`
	StartDate       time.Time      `json:"start_date"`
	EndDate         *time.Time     `json:"end_date,omitempty"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	Participants    []*Participant `json:"participants,omitempty"`
}

// Participant is one user's membership in a rental.
type Participant struct {
	ID       string     `json:"id"`
	RentalID string     `json:"rental_id"`
	UserID   string     `json:"user_id"`
	Role     string     `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// ParticipantInput names a user and the role they join with.
type ParticipantInput struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// CreateRentalRequest is the payload for CreateRental. StartDate is YYYY-MM-DD.
type CreateRentalRequest struct {
	PropertyAddress string             `json:"property_address"`
	PropertyUnit    string             `json:"property_unit,omitempty"`
	StartDate       string             `json:"start_date,omitempty"`
	Participants    []ParticipantInput `json:"participants,omitempty"`
}

// Event is one ledger entry.
type Event struct {
	ID            string          `json:"id"`
	RentalID      string          `json:"rental_id"`
	Seq           int64           `json:"seq"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	ActorID       string          `json:"actor_id"`
	ActorType     string          `json:"actor_type"`
	Timestamp     time.Time       `json:"timestamp"`
	PreviousHash  *string         `json:"previous_hash"`
	CurrentHash   string          `json:"current_hash"`
}

// AppendRequest is the payload for AppendEvent. Payload may be any value that
// marshals to a JSON object.
type AppendRequest struct {
	EventType string `json:"event_type"`
	ActorType string `json:"actor_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventPage is one page of a rental timeline, most recent first.
type EventPage struct {
	Events     []*Event `json:"events"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

// ListOptions filters and pages ListEvents.
type ListOptions struct {
	Page     int
	PageSize int
	Type     string
}

// Break is a single integrity failure found by verification.
type Break struct {
	Position int    `json:"position"`
	Seq      int64  `json:"seq"`
	EventID  string `json:"event_id"`
	Kind     string `json:"kind"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Report is the result of verifying a rental's chain.
type Report struct {
	RentalID  string    `json:"rental_id"`
	Valid     bool      `json:"valid"`
	Length    int       `json:"length"`
	Tip       *string   `json:"tip"`
	Breaks    []Break   `json:"breaks"`
	Events    []*Event  `json:"events"`
	CheckedAt time.Time `json:"checked_at"`
}

// Tip is the current head of a rental's chain.
type Tip struct {
	RentalID string  `json:"rental_id"`
	Hash     *string `json:"tip"`
	Length   int64   `json:"length"`
}

// Reputation is the caller's signal summary.
type Reputation struct {
	UserID  string `json:"user_id"`
	Score   int    `json:"score"`
	Signals []struct {
		RentalID   string    `json:"rental_id"`
		EventID    string    `json:"event_id"`
		SignalType string    `json:"signal_type"`
		Weight     int       `json:"weight"`
		CapturedAt time.Time `json:"captured_at"`
	} `json:"signals"`
}

// Client talks to a ledgerd HTTP API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
	maxRetries  int
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a user token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithRetries retries appends that fail with 503 (ledger busy) up to n times,
// honouring Retry-After.
func WithRetries(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return fmt.Errorf("retries must be >= 0, got %d", n)
		}
		c.maxRetries = n
		return nil
	}
}

// New creates a Client for the server at baseURL, e.g. "http://localhost:8080".
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	    client.WithRetries(3),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Rentals ─────────────────────────────────────────────────────────────────

// CreateRental opens a rental; the caller joins as BROKER.
func (c *Client) CreateRental(ctx context.Context, req CreateRentalRequest) (*Rental, error) {
	var out Rental
	if err := c.call(ctx, http.MethodPost, "/rentals", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRental fetches a rental with its participants.
func (c *Client) GetRental(ctx context.Context, rentalID string) (*Rental, error) {
	var out Rental
	if err := c.call(ctx, http.MethodGet, "/rentals/"+url.PathEscape(rentalID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRentals returns the rentals the caller takes part in.
func (c *Client) ListRentals(ctx context.Context) ([]*Rental, error) {
	var out struct {
		Rentals []*Rental `json:"rentals"`
	}
	if err := c.call(ctx, http.MethodGet, "/rentals", nil, &out); err != nil {
		return nil, err
	}
	return out.Rentals, nil
}

// CloseRental marks a rental CLOSED.
func (c *Client) CloseRental(ctx context.Context, rentalID string) (*Rental, error) {
	var out Rental
	if err := c.call(ctx, http.MethodPost, "/rentals/"+url.PathEscape(rentalID)+"/close", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddParticipant adds a user to a rental in the given role.
func (c *Client) AddParticipant(ctx context.Context, rentalID string, in ParticipantInput) (*Participant, error) {
	var out Participant
	if err := c.call(ctx, http.MethodPost, "/rentals/"+url.PathEscape(rentalID)+"/participants", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveParticipant marks a participant as having left.
func (c *Client) RemoveParticipant(ctx context.Context, rentalID, userID string) error {
	path := "/rentals/" + url.PathEscape(rentalID) + "/participants/" + url.PathEscape(userID)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// ── Events ──────────────────────────────────────────────────────────────────

// AppendEvent records an event as the token's user.
func (c *Client) AppendEvent(ctx context.Context, rentalID string, req AppendRequest) (*Event, error) {
	path := "/rentals/" + url.PathEscape(rentalID) + "/events"
	var out Event
	for attempt := 0; ; attempt++ {
		err := c.call(ctx, http.MethodPost, path, req, &out)
		if err == nil {
			return &out, nil
		}
		var apiErr *APIError
		if attempt >= c.maxRetries || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
			return nil, err
		}
		wait := apiErr.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ListEvents returns one page of the rental's timeline.
func (c *Client) ListEvents(ctx context.Context, rentalID string, opts ListOptions) (*EventPage, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("limit", strconv.Itoa(opts.PageSize))
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	path := "/rentals/" + url.PathEscape(rentalID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out EventPage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEvent fetches one event by ID.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	var out Event
	if err := c.call(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks the server to re-verify the rental's whole chain.
func (c *Client) Verify(ctx context.Context, rentalID string) (*Report, error) {
	var out Report
	if err := c.call(ctx, http.MethodGet, "/rentals/"+url.PathEscape(rentalID)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tip returns the current head of the rental's chain.
func (c *Client) Tip(ctx context.Context, rentalID string) (*Tip, error) {
	var out Tip
	if err := c.call(ctx, http.MethodGet, "/rentals/"+url.PathEscape(rentalID)+"/tip", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyReputation returns the caller's reputation summary.
func (c *Client) MyReputation(ctx context.Context) (*Reputation, error) {
	var out Reputation
	if err := c.call(ctx, http.MethodGet, "/users/me/reputation", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Transport ───────────────────────────────────────────────────────────────

// call sends a JSON request to /api/v1+path and decodes the response into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Field = payload.Field
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
