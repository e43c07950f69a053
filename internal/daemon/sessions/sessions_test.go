package sessions_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/db"
	"github.com/portdaddy/portdaddy/internal/daemon/sessions"
)

func newStore(t *testing.T) (*sessions.Store, *sql.DB) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return sessions.New(sqlDB, activity.New(sqlDB)), sqlDB
}

func TestStart_Basic(t *testing.T) {
	s, _ := newStore(t)

	sess, err := s.Start(context.Background(), "refactor auth", sessions.StartOpts{AgentID: "a1", CWD: "/repo"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ID, "session-"))
	assert.Equal(t, "active", sess.Status)
	assert.Len(t, sess.WorktreeID, 16)
}

func TestStart_WithFilesPersistsClaims(t *testing.T) {
	s, sqlDB := newStore(t)

	sess, err := s.Start(context.Background(), "edit auth", sessions.StartOpts{Files: []string{"a.ts", "b.ts"}})
	require.NoError(t, err)

	_, _, claims, err := s.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	for _, c := range claims {
		assert.Equal(t, sess.ID, c.SessionID)
		assert.Zero(t, c.ReleasedAt)
	}

	var n int
	require.NoError(t, sqlDB.QueryRow(
		`SELECT count(*) FROM session_files WHERE session_id = ?`, sess.ID).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestStart_Validation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "", sessions.StartOpts{})
	require.Error(t, err)
	assert.Equal(t, apierr.ValidationError, apierr.From(err).Code)

	_, err = s.Start(ctx, strings.Repeat("x", sessions.MaxPurposeBytes+1), sessions.StartOpts{})
	require.Error(t, err)
	assert.Equal(t, apierr.ValidationError, apierr.From(err).Code)
}

func TestStart_FileConflict(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	s1, err := s.Start(ctx, "one", sessions.StartOpts{Files: []string{"a.ts", "b.ts"}})
	require.NoError(t, err)

	_, err = s.Start(ctx, "two", sessions.StartOpts{Files: []string{"b.ts"}})
	require.Error(t, err)
	de := apierr.From(err)
	assert.Equal(t, apierr.FileConflict, de.Code)
	assert.Equal(t, 409, de.Status)
	require.Contains(t, de.Detail, "conflicts")
	conflicts := de.Detail["conflicts"].([]map[string]string)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "b.ts", conflicts[0]["path"])
	assert.Equal(t, s1.ID, conflicts[0]["sessionId"])
}

func TestStart_ForceReleasesPriorClaim(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	s1, err := s.Start(ctx, "one", sessions.StartOpts{Files: []string{"b.ts"}})
	require.NoError(t, err)

	s2, err := s.Start(ctx, "two", sessions.StartOpts{Files: []string{"b.ts"}, Force: true})
	require.NoError(t, err)

	_, _, claims, err := s.Get(ctx, s1.ID)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.NotZero(t, claims[0].ReleasedAt, "loser's claim is released")

	_, _, claims, err = s.Get(ctx, s2.ID)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Zero(t, claims[0].ReleasedAt, "winner holds the live claim")
}

func TestEnd_ReleasesFilesAndAppendsNote(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	sess, err := s.Start(ctx, "one", sessions.StartOpts{Files: []string{"a.ts", "b.ts"}})
	require.NoError(t, err)

	released, err := s.End(ctx, sess.ID, "", "done, see PR")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.ts", "b.ts"}, released)

	got, notes, claims, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.NotZero(t, got.CompletedAt)
	require.Len(t, notes, 1)
	assert.Equal(t, "done, see PR", notes[0].Content)
	for _, c := range claims {
		assert.NotZero(t, c.ReleasedAt)
	}

	// Ending twice finds no active session.
	_, err = s.End(ctx, sess.ID, "completed", "")
	require.Error(t, err)
	assert.Equal(t, apierr.SessionNotFound, apierr.From(err).Code)
}

func TestAbandonAndRemove(t *testing.T) {
	s, sqlDB := newStore(t)
	ctx := context.Background()

	sess, err := s.Start(ctx, "one", sessions.StartOpts{Files: []string{"a.ts"}})
	require.NoError(t, err)
	_, err = s.AddNote(ctx, sess.ID, "wip", "")
	require.NoError(t, err)

	_, err = s.Abandon(ctx, sess.ID)
	require.NoError(t, err)
	got, _, _, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "abandoned", got.Status)

	require.NoError(t, s.Remove(ctx, sess.ID))
	_, _, _, err = s.Get(ctx, sess.ID)
	require.Error(t, err)

	// CASCADE removed the children.
	var n int
	require.NoError(t, sqlDB.QueryRow(`SELECT count(*) FROM session_notes`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, sqlDB.QueryRow(`SELECT count(*) FROM session_files`).Scan(&n))
	assert.Zero(t, n)
}

func TestClaimAndReleaseFiles(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	sess, err := s.Start(ctx, "one", sessions.StartOpts{})
	require.NoError(t, err)

	claimed, err := s.ClaimFiles(ctx, sess.ID, []string{"a.ts", "b.ts"}, false)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	released, err := s.ReleaseFiles(ctx, sess.ID, []string{"a.ts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts"}, released)

	// Re-claiming a released path creates a new row.
	_, err = s.ClaimFiles(ctx, sess.ID, []string{"a.ts"}, false)
	require.NoError(t, err)
	_, _, claims, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, claims, 3)

	// Claims on an ended session are rejected.
	_, err = s.End(ctx, sess.ID, "completed", "")
	require.NoError(t, err)
	_, err = s.ClaimFiles(ctx, sess.ID, []string{"c.ts"}, false)
	require.Error(t, err)
}

func TestFileConflicts_IgnoresInactiveSessions(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	sess, err := s.Start(ctx, "one", sessions.StartOpts{Files: []string{"a.ts"}})
	require.NoError(t, err)

	conflicts, err := s.FileConflicts(ctx, []string{"a.ts", "z.ts"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "a.ts", conflicts[0].Path)

	_, err = s.Abandon(ctx, sess.ID)
	require.NoError(t, err)
	conflicts, err = s.FileConflicts(ctx, []string{"a.ts"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestAddNote_Validation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	sess, err := s.Start(ctx, "one", sessions.StartOpts{})
	require.NoError(t, err)

	_, err = s.AddNote(ctx, sess.ID, "", "")
	require.Error(t, err)
	_, err = s.AddNote(ctx, sess.ID, strings.Repeat("x", sessions.MaxNoteBytes+1), "")
	require.Error(t, err)
	_, err = s.AddNote(ctx, "session-nope", "hi", "")
	require.Error(t, err)
	assert.Equal(t, apierr.SessionNotFound, apierr.From(err).Code)

	id, err := s.AddNote(ctx, sess.ID, "checkpoint", "commit")
	require.NoError(t, err)
	assert.Positive(t, id)
}

func TestQuickNote(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	// No active session for the agent: one is created.
	res, err := s.QuickNote(ctx, "first", "a1", "")
	require.NoError(t, err)
	assert.True(t, res.SessionCreated)

	got, _, _, err := s.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Quick note", got.Purpose)
	assert.Equal(t, "a1", got.AgentID)

	// Second note reuses the same session.
	res2, err := s.QuickNote(ctx, "second", "a1", "")
	require.NoError(t, err)
	assert.False(t, res2.SessionCreated)
	assert.Equal(t, res.SessionID, res2.SessionID)
}

func TestList_Filters(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	a, err := s.Start(ctx, "one", sessions.StartOpts{AgentID: "a1", CWD: "/repo"})
	require.NoError(t, err)
	_, err = s.Start(ctx, "two", sessions.StartOpts{AgentID: "a2"})
	require.NoError(t, err)
	_, err = s.End(ctx, a.ID, "completed", "")
	require.NoError(t, err)

	byAgent, err := s.List(ctx, sessions.ListFilter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, a.ID, byAgent[0].ID)

	active, err := s.List(ctx, sessions.ListFilter{Status: "active"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "two", active[0].Purpose)

	byTree, err := s.List(ctx, sessions.ListFilter{WorktreeID: sessions.WorktreeID("/repo")})
	require.NoError(t, err)
	require.Len(t, byTree, 1)
	assert.Equal(t, a.ID, byTree[0].ID)
}

func TestReassign(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	sess, err := s.Start(ctx, "deploy", sessions.StartOpts{AgentID: "old"})
	require.NoError(t, err)

	n, err := s.Reassign(ctx, "old", "new")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _, _, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AgentID)
}

func TestWorktreeID_Stable(t *testing.T) {
	assert.Equal(t, sessions.WorktreeID("/repo"), sessions.WorktreeID("/repo"))
	assert.NotEqual(t, sessions.WorktreeID("/repo"), sessions.WorktreeID("/other"))
	assert.Empty(t, sessions.WorktreeID(""))
}
