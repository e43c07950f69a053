// Package resurrection queues work left behind by stale or dead
// agents so a successor can pick it up.
package resurrection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
)

// Channel is the pub/sub channel queue transitions are announced on.
const Channel = "resurrection"

// announceTTL keeps announcements from accumulating forever.
const announceTTL = 24 * time.Hour

// Entry is one queued agent.
type Entry struct {
	AgentID       string `json:"agentId"`
	Project       string `json:"project,omitempty"`
	Stack         string `json:"stack,omitempty"`
	Context       string `json:"context,omitempty"`
	LastPurpose   string `json:"lastPurpose,omitempty"`
	LastSessionID string `json:"lastSessionId,omitempty"`
	Status        string `json:"status"`
	StaleSince    int64  `json:"staleSince"`
	DeadSince     int64  `json:"deadSince,omitempty"`
	ClaimedBy     string `json:"claimedBy,omitempty"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// Publisher announces queue transitions; the messaging hub satisfies
// it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload json.RawMessage, sender string, ttl time.Duration) (int64, error)
}

// Reassigner re-parents a dead agent's sessions; the session store
// satisfies it.
type Reassigner interface {
	Reassign(ctx context.Context, oldAgentID, newAgentID string) (int64, error)
}

// Queue is the resurrection queue.
type Queue struct {
	db       *sql.DB
	pub      Publisher
	sessions Reassigner
	act      *activity.Log
	log      *slog.Logger
}

// New creates a Queue. pub may be nil to silence announcements.
func New(db *sql.DB, pub Publisher, sessions Reassigner, act *activity.Log) *Queue {
	return &Queue{db: db, pub: pub, sessions: sessions, act: act, log: slog.With("component", "resurrection")}
}

// EnqueueOpts is the snapshot of a stale agent.
type EnqueueOpts struct {
	Project       string
	Stack         string
	Context       string
	LastPurpose   string
	LastSessionID string
}

// Enqueue records an agent as stale. Re-enqueueing an existing entry
// is a no-op so a resurrecting entry is never demoted.
func (q *Queue) Enqueue(ctx context.Context, agentID string, opts EnqueueOpts) (bool, error) {
	if agentID == "" {
		return false, apierr.BadRequest(apierr.ValidationError, "agent id is required")
	}
	now := time.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO resurrection_queue (agent_id, project, stack, context, last_purpose, last_session_id, status, stale_since, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'stale', ?, ?)
		 ON CONFLICT (agent_id) DO NOTHING`,
		agentID, nullable(opts.Project), nullable(opts.Stack), nullable(opts.Context),
		nullable(opts.LastPurpose), nullable(opts.LastSessionID), now, now)
	if err != nil {
		return false, fmt.Errorf("enqueue agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	q.announce(ctx, "stale", agentID, "")
	q.act.Record(ctx, "agent_stale", activity.RecordOpts{AgentID: agentID, Details: opts.LastPurpose})
	return true, nil
}

// MarkDead promotes a stale entry to dead. Resurrecting entries are
// left alone.
func (q *Queue) MarkDead(ctx context.Context, agentID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`UPDATE resurrection_queue SET status = 'dead', dead_since = ?, updated_at = ? WHERE agent_id = ? AND status = 'stale'`,
		now, now, agentID)
	if err != nil {
		return false, fmt.Errorf("mark dead: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	q.announce(ctx, "dead", agentID, "")
	return true, nil
}

// Claim transitions stale|dead to resurrecting. Claiming an entry
// already being resurrected is a conflict.
func (q *Queue) Claim(ctx context.Context, agentID, claimedBy string) (*Entry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := getTx(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if entry.Status == "resurrecting" {
		return nil, apierr.Conflict(apierr.ValidationError, "agent %q is already being resurrected", agentID).
			WithDetail("claimedBy", entry.ClaimedBy)
	}

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`UPDATE resurrection_queue SET status = 'resurrecting', claimed_by = ?, updated_at = ? WHERE agent_id = ?`,
		nullable(claimedBy), now, agentID)
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	entry.Status = "resurrecting"
	entry.ClaimedBy = claimedBy
	entry.UpdatedAt = now
	q.announce(ctx, "claimed", agentID, claimedBy)
	return entry, nil
}

// Complete removes the entry and re-parents the dead agent's sessions
// (and through them, file claims) to the successor.
func (q *Queue) Complete(ctx context.Context, agentID, newAgentID string) (int64, error) {
	if newAgentID == "" {
		return 0, apierr.BadRequest(apierr.ValidationError, "new agent id is required")
	}
	if _, err := q.get(ctx, agentID); err != nil {
		return 0, err
	}

	moved, err := q.sessions.Reassign(ctx, agentID, newAgentID)
	if err != nil {
		return 0, err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM resurrection_queue WHERE agent_id = ?`, agentID); err != nil {
		return moved, fmt.Errorf("complete entry: %w", err)
	}

	q.announce(ctx, "completed", agentID, newAgentID)
	q.act.Record(ctx, "agent_resurrected", activity.RecordOpts{
		AgentID: newAgentID, Target: agentID, Details: fmt.Sprintf("%d session(s) reassigned", moved),
	})
	return moved, nil
}

// Abandon reverts a resurrecting entry to its prior status (dead if it
// ever went dead, stale otherwise).
func (q *Queue) Abandon(ctx context.Context, agentID string) (*Entry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := getTx(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if entry.Status != "resurrecting" {
		return nil, apierr.Conflict(apierr.ValidationError, "agent %q is not being resurrected", agentID)
	}

	prior := "stale"
	if entry.DeadSince != 0 {
		prior = "dead"
	}
	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`UPDATE resurrection_queue SET status = ?, claimed_by = NULL, updated_at = ? WHERE agent_id = ?`,
		prior, now, agentID)
	if err != nil {
		return nil, fmt.Errorf("abandon entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	entry.Status = prior
	entry.ClaimedBy = ""
	entry.UpdatedAt = now
	q.announce(ctx, "abandoned", agentID, "")
	return entry, nil
}

// Dismiss deletes the entry without resurrecting anything.
func (q *Queue) Dismiss(ctx context.Context, agentID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM resurrection_queue WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("dismiss entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound(apierr.ValidationError, "no resurrection entry for %q", agentID)
	}
	q.announce(ctx, "dismissed", agentID, "")
	return nil
}

// Remove drops the entry silently if present. Used when a presumed-
// dead agent heartbeats again.
func (q *Queue) Remove(ctx context.Context, agentID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM resurrection_queue WHERE agent_id = ? AND status != 'resurrecting'`, agentID)
	return err
}

// Filter narrows Pending and List by identity prefix.
type Filter struct {
	Project string
	Stack   string
	Status  string
}

// Pending lists unclaimed (stale or dead) entries.
func (q *Queue) Pending(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Status == "" {
		return q.list(ctx, f, `status IN ('stale', 'dead')`)
	}
	return q.List(ctx, f)
}

// List lists entries of any status.
func (q *Queue) List(ctx context.Context, f Filter) ([]Entry, error) {
	return q.list(ctx, f, "")
}

func (q *Queue) list(ctx context.Context, f Filter, statusClause string) ([]Entry, error) {
	query := selectEntry + ` WHERE 1=1`
	var args []interface{}
	if statusClause != "" {
		query += ` AND ` + statusClause
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Project != "" {
		query += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.Stack != "" {
		query += ` AND stack = ?`
		args = append(args, f.Stack)
	}
	query += ` ORDER BY stale_since`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, agentID string) (*Entry, error) {
	return q.get(ctx, agentID)
}

func (q *Queue) get(ctx context.Context, agentID string) (*Entry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx, selectEntry+` WHERE agent_id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound(apierr.ValidationError, "no resurrection entry for %q", agentID)
	}
	return e, err
}

func getTx(ctx context.Context, tx *sql.Tx, agentID string) (*Entry, error) {
	e, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE agent_id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound(apierr.ValidationError, "no resurrection entry for %q", agentID)
	}
	return e, err
}

// announce publishes a transition on the resurrection channel. Failure
// to announce never fails the transition.
func (q *Queue) announce(ctx context.Context, transition, agentID, counterparty string) {
	if q.pub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"transition":   transition,
		"agentId":      agentID,
		"counterparty": counterparty,
	})
	if _, err := q.pub.Publish(ctx, Channel, payload, "daemon", announceTTL); err != nil {
		q.log.Warn("announce transition", "transition", transition, "agent", agentID, "error", err)
	}
}

const selectEntry = `SELECT agent_id, project, stack, context, last_purpose, last_session_id, status, stale_since, dead_since, claimed_by, updated_at FROM resurrection_queue`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var project, stack, ctxCol, purpose, session, claimedBy sql.NullString
	var deadSince sql.NullInt64
	err := row.Scan(&e.AgentID, &project, &stack, &ctxCol, &purpose, &session,
		&e.Status, &e.StaleSince, &deadSince, &claimedBy, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Project = project.String
	e.Stack = stack.String
	e.Context = ctxCol.String
	e.LastPurpose = purpose.String
	e.LastSessionID = session.String
	e.ClaimedBy = claimedBy.String
	e.DeadSince = deadSince.Int64
	return &e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
