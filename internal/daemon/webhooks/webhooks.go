// Package webhooks fans daemon events out to subscriber URLs with
// HMAC signing and bounded retry.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-PortDaddy-Signature"

const (
	idAlphabet       = "0123456789abcdef"
	idLength         = 12
	deliveryTimeout  = 10 * time.Second
	responseBodyCap  = 4 << 10
	testEventPayload = `{"test":true}`
)

// Subscription is one registered webhook.
type Subscription struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	Secret        string          `json:"-"`
	Events        []string        `json:"events"`
	FilterPattern string          `json:"filterPattern,omitempty"`
	Active        bool            `json:"active"`
	SuccessCount  int64           `json:"successCount"`
	FailureCount  int64           `json:"failureCount"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
}

// Delivery is one recorded delivery attempt chain.
type Delivery struct {
	ID           string `json:"id"`
	WebhookID    string `json:"webhookId"`
	Event        string `json:"event"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	ResponseCode int    `json:"responseCode,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// Dispatcher stores subscriptions and delivers events asynchronously.
// It implements events.Emitter so producing packages stay decoupled
// from HTTP delivery.
type Dispatcher struct {
	db          *sql.DB
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Close must be called to drain in-flight
// deliveries.
func New(db *sql.DB, maxAttempts int, backoffBase time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		db:          db,
		client:      &http.Client{Timeout: deliveryTimeout},
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		log:         slog.With("component", "webhooks"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close cancels retry timers and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// RegisterOpts carries the optional fields of a registration.
type RegisterOpts struct {
	Secret        string
	FilterPattern string
	Metadata      json.RawMessage
}

// Register validates and stores a subscription. The URL must pass the
// SSRF filter and every event must be from the closed vocabulary.
func (d *Dispatcher) Register(ctx context.Context, url string, subscribed []string, opts RegisterOpts) (*Subscription, error) {
	if err := ValidateURL(url); err != nil {
		return nil, err
	}
	if len(subscribed) == 0 {
		return nil, apierr.BadRequest(apierr.ValidationError, "at least one event is required")
	}
	for _, e := range subscribed {
		if !events.Valid(e) {
			return nil, apierr.BadRequest(apierr.ValidationError, "unknown event %q", e)
		}
	}

	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return nil, fmt.Errorf("webhook id: %w", err)
	}
	id = "wh-" + id

	eventsJSON, err := json.Marshal(subscribed)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}
	var meta interface{}
	if len(opts.Metadata) > 0 {
		meta = string(opts.Metadata)
	}
	now := time.Now().UnixMilli()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, url, secret, events, filter_pattern, active, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		id, url, nullable(opts.Secret), string(eventsJSON), nullable(opts.FilterPattern), meta, now)
	if err != nil {
		return nil, fmt.Errorf("insert webhook: %w", err)
	}

	return &Subscription{
		ID: id, URL: url, Secret: opts.Secret, Events: subscribed,
		FilterPattern: opts.FilterPattern, Active: true, Metadata: opts.Metadata, CreatedAt: now,
	}, nil
}

// Get returns one subscription.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(d.db.QueryRowContext(ctx, selectWebhook+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound(apierr.ValidationError, "no webhook %q", id)
	}
	return sub, err
}

// List returns all subscriptions.
func (d *Dispatcher) List(ctx context.Context) ([]Subscription, error) {
	rows, err := d.db.QueryContext(ctx, selectWebhook+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// Delete removes a subscription and its delivery history.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound(apierr.ValidationError, "no webhook %q", id)
	}
	return nil
}

// SetActive toggles delivery without losing the subscription.
func (d *Dispatcher) SetActive(ctx context.Context, id string, active bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE webhooks SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound(apierr.ValidationError, "no webhook %q", id)
	}
	return nil
}

// Emit implements events.Emitter. Matching active subscriptions each
// get a pending delivery row and an async delivery task; the caller is
// never blocked on the network.
func (d *Dispatcher) Emit(event events.Type, payload map[string]interface{}, targetID string) {
	subs, err := d.List(d.ctx)
	if err != nil {
		d.log.Error("list subscriptions for event", "event", event, "error", err)
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":     string(event),
		"targetId":  targetID,
		"payload":   payload,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		d.log.Error("marshal event payload", "event", event, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !matches(&sub, string(event), targetID) {
			continue
		}
		delivery, err := d.enqueue(d.ctx, sub.ID, string(event), body)
		if err != nil {
			d.log.Error("enqueue delivery", "webhook", sub.ID, "error", err)
			continue
		}
		d.deliverAsync(delivery, sub, body)
	}
}

func matches(sub *Subscription, event, targetID string) bool {
	subscribed := false
	for _, e := range sub.Events {
		if e == event {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}
	if sub.FilterPattern == "" {
		return true
	}
	ok, err := path.Match(sub.FilterPattern, targetID)
	return err == nil && ok
}

func (d *Dispatcher) enqueue(ctx context.Context, webhookID, event string, body []byte) (string, error) {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", err
	}
	id = "whd-" + id
	now := time.Now().UnixMilli()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, event, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		id, webhookID, event, string(body), now, now)
	return id, err
}

func (d *Dispatcher) deliverAsync(deliveryID string, sub Subscription, body []byte) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(deliveryID, sub, body)
	}()
}

// deliver retries with exponential backoff until a 2xx lands or the
// attempt budget runs out. Retry timers are bound to the dispatcher's
// context, never to a request.
func (d *Dispatcher) deliver(deliveryID string, sub Subscription, body []byte) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.backoffBase
	bo.MaxInterval = 30 * d.backoffBase
	bo.Reset()

	var code int
	var respBody string
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		code, respBody = d.post(sub, body)
		if code >= 200 && code < 300 {
			d.recordAttempt(deliveryID, "success", attempt, code, respBody)
			d.bumpCounter(sub.ID, true)
			metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
			return
		}
		if attempt == d.maxAttempts {
			break
		}
		d.recordAttempt(deliveryID, "pending", attempt, code, respBody)
		select {
		case <-d.ctx.Done():
			// Left pending; re-driven at next start.
			return
		case <-time.After(bo.NextBackOff()):
		}
	}

	d.recordAttempt(deliveryID, "failed", d.maxAttempts, code, respBody)
	d.bumpCounter(sub.ID, false)
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	d.log.Warn("webhook delivery failed", "webhook", sub.ID, "url", sub.URL, "code", code)
}

func (d *Dispatcher) post(sub Subscription, body []byte) (int, string) {
	ctx, cancel := context.WithTimeout(d.ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyCap))
	return resp.StatusCode, string(b)
}

func (d *Dispatcher) recordAttempt(deliveryID, status string, attempts, code int, respBody string) {
	_, err := d.db.Exec(
		`UPDATE webhook_deliveries SET status = ?, attempts = ?, response_code = ?, response_body = ?, updated_at = ? WHERE id = ?`,
		status, attempts, nullableInt(code), nullable(respBody), time.Now().UnixMilli(), deliveryID)
	if err != nil {
		d.log.Error("record delivery attempt", "delivery", deliveryID, "error", err)
	}
}

func (d *Dispatcher) bumpCounter(webhookID string, success bool) {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	if _, err := d.db.Exec(`UPDATE webhooks SET `+col+` = `+col+` + 1 WHERE id = ?`, webhookID); err != nil {
		d.log.Error("bump webhook counter", "webhook", webhookID, "error", err)
	}
}

// Test synchronously POSTs a probe event, recording nothing.
func (d *Dispatcher) Test(ctx context.Context, id string) (int, error) {
	sub, err := d.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"event":     "webhook.test",
		"payload":   json.RawMessage(testEventPayload),
		"timestamp": time.Now().UnixMilli(),
	})
	code, _ := d.post(*sub, body)
	return code, nil
}

// Redrive re-queues deliveries left pending by a previous run (for
// example a shutdown mid-retry).
func (d *Dispatcher) Redrive(ctx context.Context) (int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT wd.id, wd.payload, w.id, w.url, w.secret
		 FROM webhook_deliveries wd JOIN webhooks w ON w.id = wd.webhook_id
		 WHERE wd.status = 'pending' AND w.active = 1`)
	if err != nil {
		return 0, fmt.Errorf("load pending deliveries: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var deliveryID, payload, webhookID, url string
		var secret sql.NullString
		if err := rows.Scan(&deliveryID, &payload, &webhookID, &url, &secret); err != nil {
			return n, fmt.Errorf("scan pending delivery: %w", err)
		}
		sub := Subscription{ID: webhookID, URL: url, Secret: secret.String}
		d.deliverAsync(deliveryID, sub, []byte(payload))
		n++
	}
	return n, rows.Err()
}

// Deliveries lists a webhook's delivery history, newest first.
func (d *Dispatcher) Deliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, webhook_id, event, status, attempts, response_code, created_at
		 FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ?`,
		webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var del Delivery
		var code sql.NullInt64
		if err := rows.Scan(&del.ID, &del.WebhookID, &del.Event, &del.Status, &del.Attempts, &code, &del.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		del.ResponseCode = int(code.Int64)
		out = append(out, del)
	}
	return out, rows.Err()
}

// Sign computes the signature header value for a body: "sha256=<hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const selectWebhook = `SELECT id, url, secret, events, filter_pattern, active, success_count, failure_count, metadata, created_at FROM webhooks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var s Subscription
	var secret, filter, meta sql.NullString
	var eventsJSON string
	err := row.Scan(&s.ID, &s.URL, &secret, &eventsJSON, &filter, &s.Active,
		&s.SuccessCount, &s.FailureCount, &meta, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	s.Secret = secret.String
	s.FilterPattern = filter.String
	if meta.Valid {
		s.Metadata = json.RawMessage(meta.String)
	}
	if err := json.Unmarshal([]byte(eventsJSON), &s.Events); err != nil {
		return nil, fmt.Errorf("decode webhook events %q: %w", strings.TrimSpace(eventsJSON), err)
	}
	return &s, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
