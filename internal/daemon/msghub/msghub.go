// Package msghub implements durable, ordered pub/sub channels with
// in-memory fan-out to SSE subscribers and long-poll waiters.
package msghub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/metrics"
)

// Limits bound the hub's resource use.
type Limits struct {
	SubscribersPerChannel int           // default 100
	PayloadMaxBytes       int           // default 1 MiB
	PageMax               int           // default 1000
	PollMax               time.Duration // default 60s
	PollGranularity       time.Duration // default 1s
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		SubscribersPerChannel: 100,
		PayloadMaxBytes:       1 << 20,
		PageMax:               1000,
		PollMax:               60 * time.Second,
		PollGranularity:       time.Second,
	}
}

// Message is one persisted channel message.
type Message struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
}

// subscriberBuffer is the per-subscriber fan-out queue depth. A
// subscriber that falls this far behind is disconnected rather than
// allowed to block the publisher.
const subscriberBuffer = 64

// Subscriber is an attached SSE consumer. Receive from C; a closed C
// means the hub dropped the subscriber (backlog) or Close was called.
type Subscriber struct {
	C       chan Message
	hub     *Hub
	channel string
	closed  bool
}

// Close detaches the subscriber and releases its channel slot.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub persists messages and fans them out.
type Hub struct {
	db     *sql.DB
	limits Limits
	emit   events.Emitter

	mu      sync.Mutex
	subs    map[string]map[*Subscriber]struct{}
	waiters map[string]map[chan struct{}]struct{}
}

// New creates a Hub.
func New(db *sql.DB, limits Limits, emit events.Emitter) *Hub {
	return &Hub{
		db:      db,
		limits:  limits,
		emit:    emit,
		subs:    make(map[string]map[*Subscriber]struct{}),
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// Publish persists a message and wakes subscribers and waiters.
// Channels come into being on first publish.
func (h *Hub) Publish(ctx context.Context, channel string, payload json.RawMessage, sender string, ttl time.Duration) (int64, error) {
	if err := ValidateChannel(channel); err != nil {
		return 0, err
	}
	if len(payload) == 0 {
		return 0, apierr.BadRequest(apierr.ValidationError, "payload is required")
	}
	if len(payload) > h.limits.PayloadMaxBytes {
		return 0, apierr.New(apierr.PayloadTooLarge, http.StatusRequestEntityTooLarge,
			"payload exceeds %d bytes", h.limits.PayloadMaxBytes)
	}

	now := time.Now().UnixMilli()
	var expiresAt interface{}
	var expiresMS int64
	if ttl > 0 {
		expiresMS = now + ttl.Milliseconds()
		expiresAt = expiresMS
	}

	res, err := h.db.ExecContext(ctx,
		`INSERT INTO messages (channel, payload, sender, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		channel, string(payload), nullable(sender), now, expiresAt)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}

	msg := Message{ID: id, Channel: channel, Payload: payload, Sender: sender, CreatedAt: now, ExpiresAt: expiresMS}
	h.fanOut(msg)

	metrics.MessagesPublishedTotal.Inc()
	h.emit.Emit(events.MessagePublish, map[string]interface{}{"channel": channel, "id": id}, channel)
	return id, nil
}

// fanOut delivers to SSE subscribers without blocking: a subscriber
// whose buffer is full is dropped. Long-poll waiters are woken.
func (h *Hub) fanOut(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[msg.Channel] {
		select {
		case sub.C <- msg:
		default:
			h.removeLocked(sub)
		}
	}
	for w := range h.waiters[msg.Channel] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// Get returns up to limit messages with id > after, oldest first.
func (h *Hub) Get(ctx context.Context, channel string, after int64, limit int) ([]Message, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > h.limits.PageMax {
		limit = h.limits.PageMax
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, channel, payload, sender, created_at, expires_at
		 FROM messages WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		channel, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var payload string
		var sender sql.NullString
		var expiresAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Channel, &payload, &sender, &m.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		m.Sender = sender.String
		m.ExpiresAt = expiresAt.Int64
		out = append(out, m)
	}
	return out, rows.Err()
}

// Subscribe attaches an SSE consumer to the channel, respecting the
// per-channel cap.
func (h *Hub) Subscribe(channel string) (*Subscriber, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs[channel]) >= h.limits.SubscribersPerChannel {
		return nil, apierr.New(apierr.ConnectionLimit, http.StatusServiceUnavailable,
			"channel %q has %d subscribers", channel, h.limits.SubscribersPerChannel)
	}

	sub := &Subscriber{C: make(chan Message, subscriberBuffer), hub: h, channel: channel}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscriber]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	metrics.SSESubscribersActive.Inc()
	return sub, nil
}

func (h *Hub) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs[s.channel], s)
	if len(h.subs[s.channel]) == 0 {
		delete(h.subs, s.channel)
	}
	close(s.C)
	metrics.SSESubscribersActive.Dec()
}

// SubscriberCount returns the number of attached subscribers on the
// channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

// Poll returns the first message with id > after, waiting up to
// timeout for one to arrive. Returns nil when the wait expires.
// Wakeups are coalesced to the configured granularity so a crowd of
// idle waiters costs one DB probe per tick, not per publish.
func (h *Hub) Poll(ctx context.Context, channel string, after int64, timeout time.Duration) (*Message, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if timeout <= 0 || timeout > h.limits.PollMax {
		timeout = h.limits.PollMax
	}
	deadline := time.Now().Add(timeout)

	wake := make(chan struct{}, 1)
	h.mu.Lock()
	if h.waiters[channel] == nil {
		h.waiters[channel] = make(map[chan struct{}]struct{})
	}
	h.waiters[channel][wake] = struct{}{}
	h.mu.Unlock()
	metrics.LongPollWaitersActive.Inc()

	defer func() {
		h.mu.Lock()
		delete(h.waiters[channel], wake)
		if len(h.waiters[channel]) == 0 {
			delete(h.waiters, channel)
		}
		h.mu.Unlock()
		metrics.LongPollWaitersActive.Dec()
	}()

	for {
		msgs, err := h.Get(ctx, channel, after, 1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return &msgs[0], nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		granularity := h.limits.PollGranularity
		if granularity <= 0 || granularity > remaining {
			granularity = remaining
		}
		timer := time.NewTimer(granularity)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ChannelInfo summarizes one channel's backlog.
type ChannelInfo struct {
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
	LastID  int64  `json:"lastId"`
}

// Channels lists channels with persisted messages.
func (h *Hub) Channels(ctx context.Context) ([]ChannelInfo, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT channel, count(*), max(id) FROM messages GROUP BY channel ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelInfo
	for rows.Next() {
		var ci ChannelInfo
		if err := rows.Scan(&ci.Channel, &ci.Count, &ci.LastID); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// Sweep deletes expired messages, returning the count.
func (h *Hub) Sweep(ctx context.Context) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ValidateChannel checks the channel-name charset: 1-128 characters
// from [A-Za-z0-9._:-].
func ValidateChannel(channel string) error {
	if channel == "" || len(channel) > 128 {
		return apierr.BadRequest(apierr.ChannelInvalid, "channel must be 1-128 characters")
	}
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == ':' || r == '-':
		default:
			return apierr.BadRequest(apierr.ChannelInvalid, "channel contains invalid character %q", r)
		}
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
