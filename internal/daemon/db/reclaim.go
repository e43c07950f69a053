package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Reclaim removes rows whose parent vanished while foreign keys were
// not enforced (registries created by older daemons, or copies made
// mid-transaction). Runs once at startup, after migrations.
func Reclaim(ctx context.Context, db *sql.DB) error {
	stmts := []struct {
		what string
		sql  string
	}{
		{"orphaned file claims", `DELETE FROM session_files WHERE session_id NOT IN (SELECT id FROM sessions)`},
		{"orphaned notes", `DELETE FROM session_notes WHERE session_id NOT IN (SELECT id FROM sessions)`},
		{"orphaned endpoints", `DELETE FROM service_endpoints WHERE service_id NOT IN (SELECT id FROM services)`},
		{"orphaned deliveries", `DELETE FROM webhook_deliveries WHERE webhook_id NOT IN (SELECT id FROM webhooks)`},
	}

	for _, s := range stmts {
		res, err := db.ExecContext(ctx, s.sql)
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", s.what, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Warn("reclaimed partial state", "what", s.what, "rows", n)
		}
	}
	return nil
}
