// Package activity maintains the append-only audit log with
// ring-buffer retention.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Entry is one audit record.
type Entry struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agentId,omitempty"`
	Target    string          `json:"target,omitempty"`
	Details   string          `json:"details,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Log appends and queries activity entries.
type Log struct {
	db *sql.DB
}

// New creates a Log over the given database.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// RecordOpts carries the optional fields of an entry.
type RecordOpts struct {
	AgentID  string
	Target   string
	Details  string
	Metadata json.RawMessage
}

// Record appends an entry. A failed append never propagates to the
// business action that produced it; it is logged and dropped.
func (l *Log) Record(ctx context.Context, typ string, opts RecordOpts) {
	var meta interface{}
	if len(opts.Metadata) > 0 {
		meta = string(opts.Metadata)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO activity (timestamp, type, agent_id, target, details, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), typ, nullable(opts.AgentID), nullable(opts.Target), nullable(opts.Details), meta)
	if err != nil {
		slog.Error("activity append failed", "type", typ, "error", err)
	}
}

// Filter narrows a Recent query.
type Filter struct {
	Type    string
	AgentID string
	Since   int64 // epoch ms, 0 = unbounded
	Until   int64
	Limit   int // 0 = 100
}

// Recent returns the newest entries matching the filter, newest first.
func (l *Log) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []interface{}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Since > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, f.Until)
	}
	q := `SELECT id, timestamp, type, agent_id, target, details, metadata FROM activity`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var agentID, target, details, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &agentID, &target, &details, &meta); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.AgentID = agentID.String
		e.Target = target.String
		e.Details = details.String
		if meta.Valid {
			e.Metadata = json.RawMessage(meta.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary returns entry counts grouped by type.
func (l *Log) Summary(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT type, count(*) FROM activity GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("summarize activity: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Stats describes the log's current extent.
type Stats struct {
	Count  int64 `json:"count"`
	Oldest int64 `json:"oldest,omitempty"`
	Newest int64 `json:"newest,omitempty"`
}

// GetStats returns count and timestamp bounds.
func (l *Log) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	var oldest, newest sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT count(*), min(timestamp), max(timestamp) FROM activity`).
		Scan(&s.Count, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("activity stats: %w", err)
	}
	s.Oldest = oldest.Int64
	s.Newest = newest.Int64
	return s, nil
}

// Trim enforces the retention window and the entry cap, returning the
// number of rows dropped. Called by the sweeper.
func (l *Log) Trim(ctx context.Context, maxEntries int, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM activity WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim activity by age: %w", err)
	}
	dropped, _ := res.RowsAffected()

	res, err = l.db.ExecContext(ctx,
		`DELETE FROM activity WHERE id <= (
		   SELECT id FROM activity ORDER BY id DESC LIMIT 1 OFFSET ?
		 )`, maxEntries)
	if err != nil {
		return dropped, fmt.Errorf("trim activity by count: %w", err)
	}
	n, _ := res.RowsAffected()
	return dropped + n, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
