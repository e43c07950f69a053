// Package locks implements named advisory locks with owner fencing
// and TTL expiry.
package locks

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
	"github.com/portdaddy/portdaddy/internal/metrics"
)

// Lock is the held state of one named lock.
type Lock struct {
	Name       string          `json:"name"`
	Owner      string          `json:"owner"`
	PID        int             `json:"pid,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	AcquiredAt int64           `json:"acquiredAt"`
	ExpiresAt  int64           `json:"expiresAt"`
}

// QuotaChecker limits how many locks one owner may hold.
type QuotaChecker interface {
	CanAcquireLock(ctx context.Context, owner string) error
}

// Manager drives the per-name lock state machine:
// free -> held(owner, acquired_at, expires_at) -> free.
type Manager struct {
	db         *sql.DB
	defaultTTL time.Duration
	quotas     QuotaChecker
	act        *activity.Log
	emit       events.Emitter
}

// New creates a Manager. quotas may be nil to disable quota checks.
func New(db *sql.DB, defaultTTL time.Duration, quotas QuotaChecker, act *activity.Log, emit events.Emitter) *Manager {
	return &Manager{db: db, defaultTTL: defaultTTL, quotas: quotas, act: act, emit: emit}
}

// AcquireOpts carries the optional fields of an acquisition.
type AcquireOpts struct {
	Owner    string
	PID      int
	TTL      time.Duration // 0 = configured default
	Metadata json.RawMessage
}

// Acquire takes the lock. A fresh or expired lock is granted; a
// re-acquire by the current owner refreshes the TTL (keeping
// acquired_at); any other owner gets LOCK_HELD with holder details.
func (m *Manager) Acquire(ctx context.Context, name string, opts AcquireOpts) (*Lock, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if opts.Owner == "" {
		opts.Owner = fmt.Sprintf("pid-%d", opts.PID)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	cur, err := getTx(ctx, tx, name)
	if err != nil {
		return nil, err
	}

	fresh := cur == nil || cur.ExpiresAt <= now
	sameOwner := cur != nil && cur.ExpiresAt > now && cur.Owner == opts.Owner

	if !fresh && !sameOwner {
		return nil, apierr.Conflict(apierr.LockHeld, "lock %q held by %s", name, cur.Owner).
			WithDetail("holder", cur.Owner).
			WithDetail("since", cur.AcquiredAt).
			WithDetail("expiresAt", cur.ExpiresAt)
	}

	if fresh && m.quotas != nil {
		if err := m.quotas.CanAcquireLock(ctx, opts.Owner); err != nil {
			return nil, err
		}
	}

	acquiredAt := now
	if sameOwner {
		acquiredAt = cur.AcquiredAt
	}
	var meta interface{}
	if len(opts.Metadata) > 0 {
		meta = string(opts.Metadata)
	}
	lock := &Lock{
		Name:       name,
		Owner:      opts.Owner,
		PID:        opts.PID,
		Metadata:   opts.Metadata,
		AcquiredAt: acquiredAt,
		ExpiresAt:  now + ttl.Milliseconds(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (name, owner, pid, metadata, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   owner = excluded.owner, pid = excluded.pid, metadata = excluded.metadata,
		   acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		name, lock.Owner, nullablePID(opts.PID), meta, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if cur == nil {
		metrics.HeldLocks.Inc()
	}
	if fresh {
		m.act.Record(ctx, "lock_acquire", activity.RecordOpts{AgentID: lock.Owner, Target: name})
		m.emit.Emit(events.LockAcquire, map[string]interface{}{
			"name": name, "owner": lock.Owner, "expiresAt": lock.ExpiresAt,
		}, name)
	}
	return lock, nil
}

// Release frees the lock. Only the stored owner may release it unless
// force is set. Returns false when the lock was not held.
func (m *Manager) Release(ctx context.Context, name, owner string, force bool) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getTx(ctx, tx, name)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, nil
	}
	if !force && cur.Owner != owner {
		return false, apierr.New(apierr.LockForbidden, http.StatusForbidden,
			"lock %q is owned by %s", name, cur.Owner).WithDetail("holder", cur.Owner)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name); err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	metrics.HeldLocks.Dec()
	m.act.Record(ctx, "lock_release", activity.RecordOpts{AgentID: cur.Owner, Target: name})
	m.emit.Emit(events.LockRelease, map[string]interface{}{"name": name, "owner": cur.Owner}, name)
	return true, nil
}

// Extend bumps expires_at to now+ttl for the current owner. Extending
// an expired or absent lock behaves as a fresh acquisition.
func (m *Manager) Extend(ctx context.Context, name, owner string, ttl time.Duration) (*Lock, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	cur, err := getTx(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.ExpiresAt <= now {
		_ = tx.Rollback()
		return m.Acquire(ctx, name, AcquireOpts{Owner: owner, TTL: ttl})
	}
	if cur.Owner != owner {
		return nil, apierr.New(apierr.LockForbidden, http.StatusForbidden,
			"lock %q is owned by %s", name, cur.Owner).WithDetail("holder", cur.Owner)
	}

	expiresAt := now + ttl.Milliseconds()
	if _, err := tx.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE name = ?`, expiresAt, name); err != nil {
		return nil, fmt.Errorf("extend lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	cur.ExpiresAt = expiresAt
	return cur, nil
}

// Get returns the lock row and whether it is currently held. An
// expired row reads as not held.
func (m *Manager) Get(ctx context.Context, name string) (*Lock, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}
	row := m.db.QueryRowContext(ctx, selectLock+` WHERE name = ?`, name)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return l, l.ExpiresAt > time.Now().UnixMilli(), nil
}

// List returns held locks, optionally filtered by owner.
func (m *Manager) List(ctx context.Context, owner string) ([]Lock, error) {
	q := selectLock + ` WHERE expires_at > ?`
	args := []interface{}{time.Now().UnixMilli()}
	if owner != "" {
		q += ` AND owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY name`
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ReleaseOwned frees every lock held by an owner, expired or not.
// Used when the owner is known to be gone.
func (m *Manager) ReleaseOwned(ctx context.Context, owner string) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE owner = ?`, owner)
	if err != nil {
		return 0, fmt.Errorf("release owned locks: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.HeldLocks.Sub(float64(n))
	return n, nil
}

// Sweep deletes expired lock rows, returning the count. Called by the
// sweeper.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.HeldLocks.Sub(float64(n))
	return n, nil
}

// ValidateName checks the lock-name charset: 1-128 characters from
// [A-Za-z0-9._:-].
func ValidateName(name string) error {
	if name == "" || len(name) > 128 {
		return apierr.BadRequest(apierr.ValidationError, "lock name must be 1-128 characters")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == ':' || r == '-':
		default:
			return apierr.BadRequest(apierr.ValidationError, "lock name contains invalid character %q", r)
		}
	}
	return nil
}

const selectLock = `SELECT name, owner, pid, metadata, acquired_at, expires_at FROM locks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(row rowScanner) (*Lock, error) {
	var l Lock
	var pid sql.NullInt64
	var meta sql.NullString
	if err := row.Scan(&l.Name, &l.Owner, &pid, &meta, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan lock: %w", err)
	}
	l.PID = int(pid.Int64)
	if meta.Valid {
		l.Metadata = json.RawMessage(meta.String)
	}
	return &l, nil
}

func getTx(ctx context.Context, tx *sql.Tx, name string) (*Lock, error) {
	row := tx.QueryRowContext(ctx, selectLock+` WHERE name = ?`, name)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func nullablePID(pid int) interface{} {
	if pid <= 0 {
		return nil
	}
	return pid
}
