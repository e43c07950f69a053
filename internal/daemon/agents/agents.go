// Package agents tracks cooperating agent processes, their
// heartbeats, and their resource quotas.
package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
	"github.com/portdaddy/portdaddy/internal/metrics"
)

// Default quotas applied when registration does not set them.
const (
	DefaultMaxServices = 10
	DefaultMaxLocks    = 20
)

// Agent is one tracked agent process.
type Agent struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	PID           int               `json:"pid,omitempty"`
	Type          string            `json:"type"`
	Identity      identity.Identity `json:"-"`
	MaxServices   int               `json:"maxServices"`
	MaxLocks      int               `json:"maxLocks"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
	RegisteredAt  int64             `json:"registeredAt"`
	LastHeartbeat int64             `json:"lastHeartbeat"`
	Active        bool              `json:"active"`
}

// Registry tracks agents in the store.
type Registry struct {
	db   *sql.DB
	live time.Duration
	act  *activity.Log
	emit events.Emitter
}

// New creates a Registry. live is the heartbeat window within which an
// agent counts as active.
func New(db *sql.DB, live time.Duration, act *activity.Log, emit events.Emitter) *Registry {
	return &Registry{db: db, live: live, act: act, emit: emit}
}

// RegisterOpts carries the optional fields of a registration.
type RegisterOpts struct {
	Name        string
	PID         int
	Type        string
	Identity    identity.Identity
	MaxServices int
	MaxLocks    int
	Metadata    json.RawMessage
}

// Register upserts an agent. Returns true on first insert, false when
// the call refreshed an existing row.
func (r *Registry) Register(ctx context.Context, id string, opts RegisterOpts) (bool, error) {
	if err := validateAgentID(id); err != nil {
		return false, err
	}
	if opts.Type == "" {
		opts.Type = "cli"
	}
	if opts.MaxServices <= 0 {
		opts.MaxServices = DefaultMaxServices
	}
	if opts.MaxLocks <= 0 {
		opts.MaxLocks = DefaultMaxLocks
	}

	now := time.Now().UnixMilli()
	var meta interface{}
	if len(opts.Metadata) > 0 {
		meta = string(opts.Metadata)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check agent: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, name, pid, type, project, stack, context,
		                     max_services, max_locks, metadata, registered_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, pid = excluded.pid, type = excluded.type,
		   project = excluded.project, stack = excluded.stack, context = excluded.context,
		   max_services = excluded.max_services, max_locks = excluded.max_locks,
		   metadata = excluded.metadata, last_heartbeat = excluded.last_heartbeat`,
		id, nullable(opts.Name), nullablePID(opts.PID), opts.Type,
		nullable(opts.Identity.Project), nullable(opts.Identity.Stack), nullable(opts.Identity.Context),
		opts.MaxServices, opts.MaxLocks, meta, now, now)
	if err != nil {
		return false, fmt.Errorf("register agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	first := !exists

	if first {
		r.act.Record(ctx, "agent_register", activity.RecordOpts{AgentID: id, Details: opts.Name})
		r.emit.Emit(events.AgentRegister, map[string]interface{}{"agentId": id, "type": opts.Type}, id)
	}
	return first, nil
}

// Heartbeat bumps last_heartbeat, auto-registering the agent if it is
// unknown.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	if err := validateAgentID(id); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := r.Register(ctx, id, RegisterOpts{})
		return err
	}
	// A heartbeat cancels any pending resurrection of this agent.
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM resurrection_queue WHERE agent_id = ? AND status != 'resurrecting'`, id); err != nil {
		return fmt.Errorf("clear resurrection entry: %w", err)
	}
	return nil
}

// Unregister removes the agent and every lock it owns. Returns false
// when the agent was unknown.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	n, _ := res.RowsAffected()
	lockRes, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE owner = ?`, id)
	if err != nil {
		return false, fmt.Errorf("release agent locks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	if dropped, _ := lockRes.RowsAffected(); dropped > 0 {
		metrics.HeldLocks.Sub(float64(dropped))
	}

	if n > 0 {
		r.act.Record(ctx, "agent_unregister", activity.RecordOpts{AgentID: id})
		r.emit.Emit(events.AgentUnregister, map[string]interface{}{"agentId": id}, id)
	}
	return n > 0, nil
}

// Get returns an agent, or nil when unknown.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, selectAgent+` WHERE id = ?`, id)
	a, err := scanAgent(row, r.live)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// List returns agents, optionally only those with a live heartbeat.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]Agent, error) {
	q := selectAgent
	var args []interface{}
	if activeOnly {
		q += ` WHERE last_heartbeat >= ?`
		args = append(args, time.Now().Add(-r.live).UnixMilli())
	}
	q += ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows, r.live)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// HeartbeatBefore returns agents whose last heartbeat is at or before
// cutoff (epoch ms). The sweeper uses it to find stale agents.
func (r *Registry) HeartbeatBefore(ctx context.Context, cutoff int64) ([]Agent, error) {
	rows, err := r.db.QueryContext(ctx, selectAgent+` WHERE last_heartbeat <= ? ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows, r.live)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CanClaimService enforces the per-agent lease quota. An empty or
// unregistered agent id passes: quotas only bind declared agents.
func (r *Registry) CanClaimService(ctx context.Context, agentID string) error {
	return r.checkQuota(ctx, agentID,
		`SELECT count(*) FROM services WHERE agent_id = ? AND status != 'stopped'`,
		func(a *Agent) int { return a.MaxServices }, "services")
}

// CanAcquireLock enforces the per-agent lock quota.
func (r *Registry) CanAcquireLock(ctx context.Context, agentID string) error {
	return r.checkQuota(ctx, agentID,
		`SELECT count(*) FROM locks WHERE owner = ? AND expires_at > ?`,
		func(a *Agent) int { return a.MaxLocks }, "locks")
}

func (r *Registry) checkQuota(ctx context.Context, agentID, countQuery string, max func(*Agent) int, what string) error {
	if agentID == "" {
		return nil
	}
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}

	args := []interface{}{agentID}
	if what == "locks" {
		args = append(args, time.Now().UnixMilli())
	}
	var current int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&current); err != nil {
		return fmt.Errorf("count %s: %w", what, err)
	}
	if current >= max(a) {
		return apierr.New(apierr.QuotaExceeded, http.StatusTooManyRequests,
			"agent %s has %d of %d %s", agentID, current, max(a), what).
			WithDetail("current", current).
			WithDetail("max", max(a))
	}
	return nil
}

const selectAgent = `SELECT id, name, pid, type, project, stack, context,
       max_services, max_locks, metadata, registered_at, last_heartbeat FROM agents`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner, live time.Duration) (*Agent, error) {
	var a Agent
	var name, project, stack, contextSeg, meta sql.NullString
	var pid sql.NullInt64
	if err := row.Scan(&a.ID, &name, &pid, &a.Type, &project, &stack, &contextSeg,
		&a.MaxServices, &a.MaxLocks, &meta, &a.RegisteredAt, &a.LastHeartbeat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Name = name.String
	a.PID = int(pid.Int64)
	a.Identity = identity.Identity{Project: project.String, Stack: stack.String, Context: contextSeg.String}
	if meta.Valid {
		a.Metadata = json.RawMessage(meta.String)
	}
	a.Active = time.Since(time.UnixMilli(a.LastHeartbeat)) <= live
	return &a, nil
}

func validateAgentID(id string) error {
	if id == "" || len(id) > 128 {
		return apierr.BadRequest(apierr.ValidationError, "agent id must be 1-128 characters")
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullablePID(pid int) interface{} {
	if pid <= 0 {
		return nil
	}
	return pid
}
