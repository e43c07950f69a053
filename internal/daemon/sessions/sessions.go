// Package sessions tracks agent work sessions, append-only notes, and
// file claims with conflict detection.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
)

const (
	// MaxPurposeBytes caps the session purpose string.
	MaxPurposeBytes = 1 << 10
	// MaxNoteBytes caps a single note body.
	MaxNoteBytes = 64 << 10

	idAlphabet = "0123456789abcdef"
	idLength   = 12
)

// Session is one unit of agent work.
type Session struct {
	ID          string          `json:"id"`
	Purpose     string          `json:"purpose"`
	Status      string          `json:"status"`
	AgentID     string          `json:"agentId,omitempty"`
	WorktreeID  string          `json:"worktreeId,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	CompletedAt int64           `json:"completedAt,omitempty"`
}

// Note is one append-only session note.
type Note struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"createdAt"`
}

// FileClaim is one (historical or live) claim row.
type FileClaim struct {
	SessionID  string `json:"sessionId"`
	FilePath   string `json:"filePath"`
	ClaimedAt  int64  `json:"claimedAt"`
	ReleasedAt int64  `json:"releasedAt,omitempty"`
}

// Conflict names a path already claimed by another active session.
type Conflict struct {
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
}

// Store persists sessions and enforces the one-live-claim-per-path
// rule.
type Store struct {
	db  *sql.DB
	act *activity.Log
}

// New creates a Store.
func New(db *sql.DB, act *activity.Log) *Store {
	return &Store{db: db, act: act}
}

// WorktreeID derives a stable 16-hex identifier from a working
// directory path.
func WorktreeID(cwd string) string {
	if cwd == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(cwd))
	return fmt.Sprintf("%016x", h.Sum64())
}

// StartOpts carries the optional fields of a session start.
type StartOpts struct {
	AgentID  string
	Files    []string
	Force    bool
	CWD      string
	Metadata json.RawMessage
}

// Start creates an active session, claiming the given files in the
// same transaction. Without force, a live claim on any of the paths by
// another active session fails the whole start with FILE_CONFLICT;
// with force, the conflicting claims are released first.
func (s *Store) Start(ctx context.Context, purpose string, opts StartOpts) (*Session, error) {
	if purpose == "" {
		return nil, apierr.BadRequest(apierr.ValidationError, "purpose is required")
	}
	if len(purpose) > MaxPurposeBytes {
		return nil, apierr.BadRequest(apierr.ValidationError, "purpose exceeds %d bytes", MaxPurposeBytes)
	}

	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	id = "session-" + id

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var meta interface{}
	if len(opts.Metadata) > 0 {
		meta = string(opts.Metadata)
	}
	sess := &Session{
		ID:         id,
		Purpose:    purpose,
		Status:     "active",
		AgentID:    opts.AgentID,
		WorktreeID: WorktreeID(opts.CWD),
		Metadata:   opts.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// The session row must exist before its claim rows; session_files
	// carries a foreign key on session_id.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, purpose, status, agent_id, worktree_id, metadata, created_at, updated_at)
		 VALUES (?, ?, 'active', ?, ?, ?, ?, ?)`,
		id, purpose, nullable(opts.AgentID), nullable(sess.WorktreeID), meta, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := s.claimTx(ctx, tx, id, opts.Files, opts.Force, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.act.Record(ctx, "session_start", activity.RecordOpts{AgentID: opts.AgentID, Target: id, Details: purpose})
	return sess, nil
}

// claimTx inserts claim rows for files, enforcing the conflict rule
// inside the caller's transaction. The session's own live claims never
// conflict with themselves; with force, other sessions' live claims on
// the paths are released.
func (s *Store) claimTx(ctx context.Context, tx *sql.Tx, sessionID string, files []string, force bool, now int64) error {
	if len(files) == 0 {
		return nil
	}
	for _, f := range files {
		if f == "" {
			return apierr.BadRequest(apierr.ValidationError, "file path must not be empty")
		}
	}

	conflicts, err := conflictsTx(ctx, tx, files, sessionID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		if !force {
			detail := make([]map[string]string, 0, len(conflicts))
			for _, c := range conflicts {
				detail = append(detail, map[string]string{"path": c.Path, "sessionId": c.SessionID})
			}
			return apierr.Conflict(apierr.FileConflict, "%d file(s) already claimed", len(conflicts)).
				WithDetail("conflicts", detail)
		}
		for _, c := range conflicts {
			_, err := tx.ExecContext(ctx,
				`UPDATE session_files SET released_at = ? WHERE session_id = ? AND file_path = ? AND released_at IS NULL`,
				now, c.SessionID, c.Path)
			if err != nil {
				return fmt.Errorf("force-release claim: %w", err)
			}
		}
	}

	for _, f := range files {
		// Skip paths this session already holds live.
		var live int
		err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM session_files WHERE session_id = ? AND file_path = ? AND released_at IS NULL`,
			sessionID, f).Scan(&live)
		if err != nil {
			return fmt.Errorf("check own claim: %w", err)
		}
		if live > 0 {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_files (session_id, file_path, claimed_at) VALUES (?, ?, ?)`,
			sessionID, f, now)
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
	}
	return nil
}

// End transitions an active session to completed or abandoned,
// releasing its live file claims and optionally appending a final
// note. It returns the released paths.
func (s *Store) End(ctx context.Context, id, status, note string) ([]string, error) {
	if status == "" {
		status = "completed"
	}
	if status != "completed" && status != "abandoned" {
		return nil, apierr.BadRequest(apierr.ValidationError, "status must be completed or abandoned")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = 'active'`,
		status, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apierr.NotFound(apierr.SessionNotFound, "no active session %q", id)
	}

	released, err := releaseTx(ctx, tx, id, nil, now)
	if err != nil {
		return nil, err
	}
	if note != "" {
		if _, err := addNoteTx(ctx, tx, id, note, "handoff", now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.act.Record(ctx, "session_end", activity.RecordOpts{Target: id, Details: status})
	return released, nil
}

// Abandon is End with status abandoned.
func (s *Store) Abandon(ctx context.Context, id string) ([]string, error) {
	return s.End(ctx, id, "abandoned", "")
}

// Remove hard-deletes a session; claims and notes go with it.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound(apierr.SessionNotFound, "no session %q", id)
	}
	return nil
}

// ClaimFiles adds live claims to an active session, with the same
// conflict rule as Start. Returns the requested paths on success.
func (s *Store) ClaimFiles(ctx context.Context, id string, files []string, force bool) ([]string, error) {
	if len(files) == 0 {
		return nil, apierr.BadRequest(apierr.ValidationError, "files are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireActiveTx(ctx, tx, id); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	if err := s.claimTx(ctx, tx, id, files, force, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.act.Record(ctx, "file_claim", activity.RecordOpts{Target: id, Details: fmt.Sprintf("%d file(s)", len(files))})
	return files, nil
}

// ReleaseFiles releases the session's live claims on the given paths
// (all of them when files is empty), returning the released paths.
// Released rows stay behind as history.
func (s *Store) ReleaseFiles(ctx context.Context, id string, files []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireSessionTx(ctx, tx, id); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	released, err := releaseTx(ctx, tx, id, files, now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return released, nil
}

func releaseTx(ctx context.Context, tx *sql.Tx, id string, files []string, now int64) ([]string, error) {
	q := `SELECT file_path FROM session_files WHERE session_id = ? AND released_at IS NULL`
	args := []interface{}{id}
	if len(files) > 0 {
		q += ` AND file_path IN (?` + strings.Repeat(",?", len(files)-1) + `)`
		for _, f := range files {
			args = append(args, f)
		}
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select live claims: %w", err)
	}
	var released []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		released = append(released, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, nil
	}

	uq := `UPDATE session_files SET released_at = ? WHERE session_id = ? AND released_at IS NULL`
	uargs := []interface{}{now, id}
	if len(files) > 0 {
		uq += ` AND file_path IN (?` + strings.Repeat(",?", len(files)-1) + `)`
		for _, f := range files {
			uargs = append(uargs, f)
		}
	}
	if _, err := tx.ExecContext(ctx, uq, uargs...); err != nil {
		return nil, fmt.Errorf("release claims: %w", err)
	}
	return released, nil
}

// AddNote appends a note to the session.
func (s *Store) AddNote(ctx context.Context, id, content, noteType string) (int64, error) {
	if content == "" {
		return 0, apierr.BadRequest(apierr.ValidationError, "content is required")
	}
	if len(content) > MaxNoteBytes {
		return 0, apierr.BadRequest(apierr.ValidationError, "note exceeds %d bytes", MaxNoteBytes)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireSessionTx(ctx, tx, id); err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	noteID, err := addNoteTx(ctx, tx, id, content, noteType, now)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return noteID, nil
}

func addNoteTx(ctx context.Context, tx *sql.Tx, id, content, noteType string, now int64) (int64, error) {
	if noteType == "" {
		noteType = "note"
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_notes (session_id, content, type, created_at) VALUES (?, ?, ?, ?)`,
		id, content, noteType, now)
	if err != nil {
		return 0, fmt.Errorf("insert note: %w", err)
	}
	return res.LastInsertId()
}

// QuickNoteResult reports where a quick note landed.
type QuickNoteResult struct {
	NoteID         int64  `json:"noteId"`
	SessionID      string `json:"sessionId"`
	SessionCreated bool   `json:"sessionCreated,omitempty"`
}

// QuickNote appends to the agent's most recently active session,
// creating a fresh one when the agent has none.
func (s *Store) QuickNote(ctx context.Context, content, agentID, noteType string) (*QuickNoteResult, error) {
	if content == "" {
		return nil, apierr.BadRequest(apierr.ValidationError, "content is required")
	}
	if len(content) > MaxNoteBytes {
		return nil, apierr.BadRequest(apierr.ValidationError, "note exceeds %d bytes", MaxNoteBytes)
	}

	var sessionID string
	created := false
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE agent_id = ? AND status = 'active' ORDER BY updated_at DESC, id DESC LIMIT 1`,
		nullable(agentID)).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		sess, err := s.Start(ctx, "Quick note", StartOpts{AgentID: agentID})
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
		created = true
	} else if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}

	noteID, err := s.AddNote(ctx, sessionID, content, noteType)
	if err != nil {
		return nil, err
	}
	return &QuickNoteResult{NoteID: noteID, SessionID: sessionID, SessionCreated: created}, nil
}

// FileConflicts reports live claims by active sessions on the given
// paths.
func (s *Store) FileConflicts(ctx context.Context, files []string) ([]Conflict, error) {
	if len(files) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return conflictsTx(ctx, tx, files, "")
}

func conflictsTx(ctx context.Context, tx *sql.Tx, files []string, excludeSession string) ([]Conflict, error) {
	q := `SELECT sf.file_path, sf.session_id
	      FROM session_files sf JOIN sessions s ON s.id = sf.session_id
	      WHERE sf.released_at IS NULL AND s.status = 'active'
	        AND sf.session_id != ?
	        AND sf.file_path IN (?` + strings.Repeat(",?", len(files)-1) + `)`
	args := []interface{}{excludeSession}
	for _, f := range files {
		args = append(args, f)
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.Path, &c.SessionID); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns one session with its notes and claims.
func (s *Store) Get(ctx context.Context, id string) (*Session, []Note, []FileClaim, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, apierr.NotFound(apierr.SessionNotFound, "no session %q", id)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	notes, err := s.notes(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	claims, err := s.claims(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, notes, claims, nil
}

// ListFilter narrows List.
type ListFilter struct {
	AgentID    string
	Status     string
	WorktreeID string
	Limit      int
}

// List returns sessions, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Session, error) {
	q := selectSession + ` WHERE 1=1`
	var args []interface{}
	if f.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.WorktreeID != "" {
		q += ` AND worktree_id = ?`
		args = append(args, f.WorktreeID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// Reassign moves all of one agent's sessions (and through them, file
// claims) to a new agent id. Used when a dead agent's work is picked
// up by a successor.
func (s *Store) Reassign(ctx context.Context, oldAgentID, newAgentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_id = ?, updated_at = ? WHERE agent_id = ?`,
		newAgentID, time.Now().UnixMilli(), oldAgentID)
	if err != nil {
		return 0, fmt.Errorf("reassign sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActivePurpose returns the purpose and id of the agent's most recent
// active session, or empty strings when there is none.
func (s *Store) ActivePurpose(ctx context.Context, agentID string) (purpose, sessionID string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT purpose, id FROM sessions WHERE agent_id = ? AND status = 'active' ORDER BY updated_at DESC, id DESC LIMIT 1`,
		agentID).Scan(&purpose, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	return purpose, sessionID, err
}

func (s *Store) notes(ctx context.Context, id string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, content, type, created_at FROM session_notes WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Content, &n.Type, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) claims(ctx context.Context, id string) ([]FileClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_path, claimed_at, released_at FROM session_files WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var out []FileClaim
	for rows.Next() {
		var fc FileClaim
		var released sql.NullInt64
		if err := rows.Scan(&fc.SessionID, &fc.FilePath, &fc.ClaimedAt, &released); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		fc.ReleasedAt = released.Int64
		out = append(out, fc)
	}
	return out, rows.Err()
}

func requireSessionTx(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apierr.NotFound(apierr.SessionNotFound, "no session %q", id)
	}
	return err
}

func requireActiveTx(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apierr.NotFound(apierr.SessionNotFound, "no session %q", id)
	}
	if err != nil {
		return err
	}
	if status != "active" {
		return apierr.Conflict(apierr.ValidationError, "session %q is %s", id, status)
	}
	return nil
}

const selectSession = `SELECT id, purpose, status, agent_id, worktree_id, metadata, created_at, updated_at, completed_at FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var agentID, worktreeID, meta sql.NullString
	var completedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.Purpose, &s.Status, &agentID, &worktreeID, &meta, &s.CreatedAt, &s.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.AgentID = agentID.String
	s.WorktreeID = worktreeID.String
	if meta.Valid {
		s.Metadata = json.RawMessage(meta.String)
	}
	s.CompletedAt = completedAt.Int64
	return &s, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

