// Package registry implements the service lease lifecycle: claiming
// ports under semantic identities, renewal, release and reclamation.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
	"github.com/portdaddy/portdaddy/internal/daemon/ports"
	"github.com/portdaddy/portdaddy/internal/daemon/proc"
	"github.com/portdaddy/portdaddy/internal/metrics"
)

// MaxMetadataBytes bounds the metadata blob on a lease.
const MaxMetadataBytes = 4096

// Service is one port lease.
type Service struct {
	ID        string            `json:"id"`
	Identity  identity.Identity `json:"-"`
	Port      int               `json:"port"`
	PID       int               `json:"pid,omitempty"`
	AgentID   string            `json:"agentId,omitempty"`
	Cmd       string            `json:"cmd,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Status    string            `json:"status"`
	Pair      string            `json:"pair,omitempty"`
	Metadata  json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	LastSeen  int64             `json:"lastSeen"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
	Endpoints map[string]string `json:"endpoints,omitempty"`
}

// QuotaChecker limits how many leases one agent may hold.
type QuotaChecker interface {
	CanClaimService(ctx context.Context, agentID string) error
}

// Registry manages leases in the store.
type Registry struct {
	db     *sql.DB
	alloc  *ports.Allocator
	quotas QuotaChecker
	act    *activity.Log
	emit   events.Emitter
}

// New creates a Registry. quotas may be nil to disable quota checks.
func New(db *sql.DB, alloc *ports.Allocator, quotas QuotaChecker, act *activity.Log, emit events.Emitter) *Registry {
	return &Registry{db: db, alloc: alloc, quotas: quotas, act: act, emit: emit}
}

// ClaimOpts carries the optional fields of a claim.
type ClaimOpts struct {
	Port     int // preferred port, 0 for none
	RangeLo  int
	RangeHi  int
	PID      int
	AgentID  string
	Cmd      string
	Cwd      string
	Pair     string
	TTL      time.Duration // 0 = no expiry
	Metadata json.RawMessage
}

// Claim leases a port for the identity. A live existing lease for the
// same identity is renewed instead (existing=true): same agent, or an
// owning pid that still runs. A lease whose owner died is replaced,
// preferring its old port.
func (r *Registry) Claim(ctx context.Context, id identity.Identity, opts ClaimOpts) (*Service, bool, error) {
	if len(opts.Metadata) > MaxMetadataBytes {
		return nil, false, apierr.BadRequest(apierr.MetadataTooLarge,
			"metadata exceeds %d bytes", MaxMetadataBytes)
	}
	if opts.PID < 0 {
		return nil, false, apierr.BadRequest(apierr.PIDInvalid, "pid must be positive")
	}

	// The unique port index settles races between concurrent claims;
	// the loser re-picks on a fresh snapshot.
	for attempt := 0; attempt < 3; attempt++ {
		svc, existing, err := r.claimOnce(ctx, id, opts)
		if err != nil && isUniqueViolation(err) {
			continue
		}
		if err != nil {
			metrics.PortClaimsTotal.WithLabelValues("error").Inc()
			return nil, false, err
		}
		if existing {
			metrics.PortClaimsTotal.WithLabelValues("existing").Inc()
		} else {
			metrics.PortClaimsTotal.WithLabelValues("new").Inc()
			metrics.ActiveLeases.Inc()
		}
		r.act.Record(ctx, "service_claim", activity.RecordOpts{
			AgentID: opts.AgentID, Target: svc.ID, Details: fmt.Sprintf("port %d", svc.Port),
		})
		r.emit.Emit(events.ServiceClaim, map[string]interface{}{
			"id": svc.ID, "port": svc.Port, "existing": existing,
		}, svc.ID)
		return svc, existing, nil
	}
	metrics.PortClaimsTotal.WithLabelValues("error").Inc()
	return nil, false, apierr.Internalf("claim did not settle after retries")
}

func (r *Registry) claimOnce(ctx context.Context, id identity.Identity, opts ClaimOpts) (*Service, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	cur, err := getTx(ctx, tx, id.String())
	if err != nil {
		return nil, false, err
	}

	preferred := opts.Port
	if cur != nil {
		sameAgent := opts.AgentID != "" && cur.AgentID == opts.AgentID
		if sameAgent || proc.Alive(cur.PID) {
			// Renew in place.
			var expiresAt interface{}
			if opts.TTL > 0 {
				expiresAt = now + opts.TTL.Milliseconds()
			} else if cur.ExpiresAt > 0 {
				expiresAt = cur.ExpiresAt
			}
			pid := cur.PID
			if opts.PID > 0 {
				pid = opts.PID
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE services SET last_seen = ?, expires_at = ?, pid = ?, status = ? WHERE id = ?`,
				now, expiresAt, nullablePID(pid), statusFor(pid), id.String())
			if err != nil {
				return nil, false, fmt.Errorf("renew lease: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("commit: %w", err)
			}
			cur.LastSeen = now
			cur.PID = pid
			cur.Status = statusFor(pid)
			if opts.TTL > 0 {
				cur.ExpiresAt = now + opts.TTL.Milliseconds()
			}
			return cur, true, nil
		}
		// Owner is dead: replace the lease, keeping its port stable.
		if preferred == 0 {
			preferred = cur.Port
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id.String()); err != nil {
			return nil, false, fmt.Errorf("drop dead lease: %w", err)
		}
	}

	if r.quotas != nil {
		if err := r.quotas.CanClaimService(ctx, opts.AgentID); err != nil {
			return nil, false, err
		}
	}

	leased, err := leasedPorts(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	port, err := r.alloc.Pick(ctx, ports.Request{
		ID: id, Preferred: preferred, RangeLo: opts.RangeLo, RangeHi: opts.RangeHi,
	}, leased)
	if err != nil {
		return nil, false, err
	}

	var expiresAt interface{}
	var expiresMS int64
	if opts.TTL > 0 {
		expiresMS = now + opts.TTL.Milliseconds()
		expiresAt = expiresMS
	}
	var meta interface{}
	if len(opts.Metadata) > 0 {
		meta = string(opts.Metadata)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO services (id, project, stack, context, port, pid, agent_id, cmd, cwd,
		                       status, pair, metadata, created_at, last_seen, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), id.Project, nullable(id.Stack), nullable(id.Context),
		port, nullablePID(opts.PID), nullable(opts.AgentID), nullable(opts.Cmd), nullable(opts.Cwd),
		statusFor(opts.PID), nullable(opts.Pair), meta, now, now, expiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	return &Service{
		ID: id.String(), Identity: id, Port: port, PID: opts.PID, AgentID: opts.AgentID,
		Cmd: opts.Cmd, Cwd: opts.Cwd, Status: statusFor(opts.PID), Pair: opts.Pair,
		Metadata: opts.Metadata, CreatedAt: now, LastSeen: now, ExpiresAt: expiresMS,
	}, false, nil
}

// Release deletes leases. With expiredOnly, every lease past its
// expiry goes; otherwise every lease matching the pattern (exact,
// glob segment, or embedded "*" treated as SQL LIKE %) goes.
func (r *Registry) Release(ctx context.Context, pattern string, expiredOnly bool) (int, []int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var where string
	var args []interface{}
	if expiredOnly {
		where = `expires_at IS NOT NULL AND expires_at <= ?`
		args = []interface{}{time.Now().UnixMilli()}
	} else {
		pat, err := identity.ParsePattern(pattern)
		if err != nil {
			return 0, nil, apierr.BadRequest(apierr.IdentityInvalid, "%v", err)
		}
		where, args = identity.Glob(pat)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, port, agent_id FROM services WHERE `+where, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("select releases: %w", err)
	}
	type victim struct {
		id      string
		port    int
		agentID string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		var agentID sql.NullString
		if err := rows.Scan(&v.id, &v.port, &agentID); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("scan release: %w", err)
		}
		v.agentID = agentID.String
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE `+where, args...); err != nil {
		return 0, nil, fmt.Errorf("delete releases: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit: %w", err)
	}

	released := make([]int, 0, len(victims))
	for _, v := range victims {
		released = append(released, v.port)
		metrics.ActiveLeases.Dec()
		r.act.Record(ctx, "service_release", activity.RecordOpts{
			AgentID: v.agentID, Target: v.id, Details: fmt.Sprintf("port %d", v.port),
		})
		r.emit.Emit(events.ServiceRelease, map[string]interface{}{"id": v.id, "port": v.port}, v.id)
	}
	return len(victims), released, nil
}

// FindFilter narrows a Find query.
type FindFilter struct {
	Pattern string
	Status  string
	Port    int
	Expired bool
}

// Find returns leases matching the filter.
func (r *Registry) Find(ctx context.Context, f FindFilter) ([]Service, error) {
	var clauses []string
	var args []interface{}
	if f.Pattern != "" {
		pat, err := identity.ParsePattern(f.Pattern)
		if err != nil {
			return nil, apierr.BadRequest(apierr.IdentityInvalid, "%v", err)
		}
		w, a := identity.Glob(pat)
		clauses = append(clauses, w)
		args = append(args, a...)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Port != 0 {
		clauses = append(clauses, "port = ?")
		args = append(args, f.Port)
	}
	if f.Expired {
		clauses = append(clauses, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, time.Now().UnixMilli())
	}

	q := selectService
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Get returns a lease with its endpoints, or nil when absent.
func (r *Registry) Get(ctx context.Context, id string) (*Service, error) {
	row := r.db.QueryRowContext(ctx, selectService+` WHERE id = ?`, id)
	s, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT env, url FROM service_endpoints WHERE service_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load endpoints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var env, url string
		if err := rows.Scan(&env, &url); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		if s.Endpoints == nil {
			s.Endpoints = make(map[string]string)
		}
		s.Endpoints[env] = url
	}
	return s, rows.Err()
}

// SetEndpoint records the lease's URL for one environment.
func (r *Registry) SetEndpoint(ctx context.Context, id, env, url string) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO service_endpoints (service_id, env, url) VALUES (?, ?, ?)
		 ON CONFLICT (service_id, env) DO UPDATE SET url = excluded.url`,
		id, env, url)
	if err != nil {
		if isFKViolation(err) {
			return apierr.NotFound(apierr.ServiceNotFound, "no lease for %q", id)
		}
		return fmt.Errorf("set endpoint: %w", err)
	}
	_ = res
	return nil
}

// ActivePort describes one lease for the active-ports listing; Alive
// reflects actual pid liveness.
type ActivePort struct {
	ID    string `json:"id"`
	Port  int    `json:"port"`
	PID   int    `json:"pid,omitempty"`
	Alive bool   `json:"alive"`
}

// Active lists all leases with their liveness.
func (r *Registry) Active(ctx context.Context) ([]ActivePort, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, port, pid FROM services ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	var out []ActivePort
	for rows.Next() {
		var ap ActivePort
		var pid sql.NullInt64
		if err := rows.Scan(&ap.ID, &ap.Port, &pid); err != nil {
			return nil, fmt.Errorf("scan active: %w", err)
		}
		ap.PID = int(pid.Int64)
		ap.Alive = ap.PID > 0 && proc.Alive(ap.PID)
		out = append(out, ap)
	}
	return out, rows.Err()
}

// Cleanup reclaims expired leases and leases whose owning pid died,
// releasing the dead pids' locks alongside. Returns the freed ports.
func (r *Registry) Cleanup(ctx context.Context) ([]int, error) {
	var freed []int

	n, released, err := r.Release(ctx, "", true)
	if err != nil {
		return nil, err
	}
	_ = n
	freed = append(freed, released...)

	rows, err := r.db.QueryContext(ctx, `SELECT id, port, pid FROM services WHERE pid IS NOT NULL`)
	if err != nil {
		return freed, fmt.Errorf("list pid leases: %w", err)
	}
	type lease struct {
		id   string
		port int
		pid  int
	}
	var dead []lease
	for rows.Next() {
		var l lease
		if err := rows.Scan(&l.id, &l.port, &l.pid); err != nil {
			rows.Close()
			return freed, fmt.Errorf("scan pid lease: %w", err)
		}
		if !proc.Alive(l.pid) {
			dead = append(dead, l)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return freed, err
	}

	for _, l := range dead {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return freed, fmt.Errorf("begin: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, l.id); err != nil {
			_ = tx.Rollback()
			return freed, fmt.Errorf("drop dead lease: %w", err)
		}
		lockRes, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE pid = ?`, l.pid)
		if err != nil {
			_ = tx.Rollback()
			return freed, fmt.Errorf("drop dead locks: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return freed, fmt.Errorf("commit: %w", err)
		}
		freed = append(freed, l.port)
		metrics.ActiveLeases.Dec()
		if dropped, _ := lockRes.RowsAffected(); dropped > 0 {
			metrics.HeldLocks.Sub(float64(dropped))
		}
		r.act.Record(ctx, "service_release", activity.RecordOpts{
			Target: l.id, Details: fmt.Sprintf("pid %d dead, port %d freed", l.pid, l.port),
		})
		r.emit.Emit(events.ServiceRelease, map[string]interface{}{"id": l.id, "port": l.port, "reason": "pid_dead"}, l.id)
	}
	return freed, nil
}

func statusFor(pid int) string {
	if pid > 0 {
		return "running"
	}
	return "assigned"
}

func leasedPorts(ctx context.Context, tx *sql.Tx) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT port FROM services`)
	if err != nil {
		return nil, fmt.Errorf("list leased ports: %w", err)
	}
	defer rows.Close()
	out := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		out[p] = true
	}
	return out, rows.Err()
}

const selectService = `SELECT id, project, stack, context, port, pid, agent_id, cmd, cwd,
       status, pair, metadata, created_at, last_seen, expires_at FROM services`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row rowScanner) (*Service, error) {
	var s Service
	var stack, contextSeg, agentID, cmd, cwd, pair, meta sql.NullString
	var pid, expiresAt sql.NullInt64
	if err := row.Scan(&s.ID, &s.Identity.Project, &stack, &contextSeg, &s.Port, &pid,
		&agentID, &cmd, &cwd, &s.Status, &pair, &meta, &s.CreatedAt, &s.LastSeen, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan service: %w", err)
	}
	s.Identity.Stack = stack.String
	s.Identity.Context = contextSeg.String
	s.PID = int(pid.Int64)
	s.AgentID = agentID.String
	s.Cmd = cmd.String
	s.Cwd = cwd.String
	s.Pair = pair.String
	if meta.Valid {
		s.Metadata = json.RawMessage(meta.String)
	}
	s.ExpiresAt = expiresAt.Int64
	return &s, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*Service, error) {
	row := tx.QueryRowContext(ctx, selectService+` WHERE id = ?`, id)
	s, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// nullable maps "" to NULL so empty optional columns stay NULL in the
// row instead of empty strings.
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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
