// Package notify delivers ledger activity to the outside world: signed
// webhooks, a Redis-backed task queue and live websocket streams. Every
// delivery is best effort and never affects the ledger.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/doyensec/safeurl"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/internal/rentals"
)

// Notification types.
const (
	TypeEventAppended     = "event.appended"
	TypeParticipantInvite = "participant.invited"
	TypeChainBroken       = "chain.integrity_broken"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-RentLedger-Signature"

// Endpoint is a configured webhook receiver. An empty Events list receives
// every notification type.
type Endpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

func (e Endpoint) wants(n Notification) bool {
	if len(e.Events) == 0 {
		return true
	}
	return slices.Contains(e.Events, n.Type) || slices.Contains(e.Events, n.EventType)
}

// Notification is the JSON body POSTed to webhook endpoints.
type Notification struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type,omitempty"`
	RentalID  string          `json:"rental_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventNotification wraps a committed ledger event.
func EventNotification(ev *ledger.Event) (Notification, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Notification{}, fmt.Errorf("marshal event: %w", err)
	}
	return Notification{
		Type:      TypeEventAppended,
		EventType: string(ev.Type),
		RentalID:  ev.RentalID.String(),
		Timestamp: ev.Timestamp,
		Data:      data,
	}, nil
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// WebhookDispatcher signs and POSTs notifications to configured endpoints,
// retrying failed deliveries.
type WebhookDispatcher struct {
	endpoints  []Endpoint
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewWebhookDispatcher creates a WebhookDispatcher. Its client refuses
// private, loopback and link-local targets and ports other than 80 and 443,
// after DNS resolution.
func NewWebhookDispatcher(endpoints []Endpoint, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		endpoints:  endpoints,
		httpClient: safeClient(5 * time.Second),
		// Attempt 1 is immediate, then back off.
		delays: []time.Duration{0, 1 * time.Second, 3 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *WebhookDispatcher) SetMetricsRecorder(fn MetricsRecorder) { d.onMetrics = fn }

// SetRetryDelays replaces the per-attempt delays. The number of attempts is
// len(delays).
func (d *WebhookDispatcher) SetRetryDelays(delays []time.Duration) { d.delays = delays }

// SetHTTPClient replaces the HTTP client, for example with a plain client
// when receivers run on a private network.
func (d *WebhookDispatcher) SetHTTPClient(c *http.Client) { d.httpClient = c }

// Deliver sends n to every interested endpoint and returns the failures.
func (d *WebhookDispatcher) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	var errs []error
	for _, ep := range d.endpoints {
		if !ep.wants(n) {
			continue
		}
		if err := d.deliver(ctx, ep, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.URL, err))
		}
	}
	return errors.Join(errs...)
}

// deliver sends body to a single endpoint with retries.
func (d *WebhookDispatcher) deliver(ctx context.Context, ep Endpoint, body []byte) error {
	signature := signPayload(body, ep.Secret)

	var lastErr error
	for attempt, delay := range d.delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.post(ctx, ep.URL, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(lastErr == nil)
		}
		if lastErr == nil {
			return nil
		}
		d.logger.Warn("webhook: delivery failed",
			zap.String("url", ep.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (d *WebhookDispatcher) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// ParticipantInvited implements rentals.InviteNotifier. Delivery runs in the
// background.
func (d *WebhookDispatcher) ParticipantInvited(_ context.Context, rental *rentals.Rental, p *rentals.Participant) {
	data, err := json.Marshal(p)
	if err != nil {
		d.logger.Error("webhook: marshal participant", zap.Error(err))
		return
	}
	n := Notification{
		Type:      TypeParticipantInvite,
		RentalID:  rental.ID.String(),
		Timestamp: p.JoinedAt,
		Data:      data,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Deliver(ctx, n); err != nil {
			d.logger.Warn("webhook: invite delivery failed", zap.Error(err))
		}
	}()
}

// ChainBroken reports an integrity break found by the auditor. It has the
// shape of an audit.AlertFunc.
func (d *WebhookDispatcher) ChainBroken(ctx context.Context, report *ledger.Report) {
	data, err := json.Marshal(report)
	if err != nil {
		d.logger.Error("webhook: marshal report", zap.Error(err))
		return
	}
	n := Notification{
		Type:      TypeChainBroken,
		RentalID:  report.RentalID.String(),
		Timestamp: report.CheckedAt,
		Data:      data,
	}
	if err := d.Deliver(ctx, n); err != nil {
		d.logger.Warn("webhook: integrity alert delivery failed", zap.Error(err))
	}
}

// WebhookSink delivers appended events straight to webhook endpoints. It
// implements ledger.Sink.
type WebhookSink struct {
	dispatcher *WebhookDispatcher
}

// NewWebhookSink creates a WebhookSink.
func NewWebhookSink(d *WebhookDispatcher) *WebhookSink { return &WebhookSink{dispatcher: d} }

// Name implements ledger.Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Consume implements ledger.Sink.
func (s *WebhookSink) Consume(ctx context.Context, ev *ledger.Event) error {
	n, err := EventNotification(ev)
	if err != nil {
		return err
	}
	return s.dispatcher.Deliver(ctx, n)
}

func safeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}
