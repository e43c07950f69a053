package sweeper_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/agents"
	"github.com/portdaddy/portdaddy/internal/daemon/db"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
	"github.com/portdaddy/portdaddy/internal/daemon/locks"
	"github.com/portdaddy/portdaddy/internal/daemon/msghub"
	"github.com/portdaddy/portdaddy/internal/daemon/ports"
	"github.com/portdaddy/portdaddy/internal/daemon/registry"
	"github.com/portdaddy/portdaddy/internal/daemon/resurrection"
	"github.com/portdaddy/portdaddy/internal/daemon/sessions"
	"github.com/portdaddy/portdaddy/internal/daemon/sweeper"
)

type fixture struct {
	sw       *sweeper.Sweeper
	db       *sql.DB
	registry *registry.Registry
	locks    *locks.Manager
	hub      *msghub.Hub
	agents   *agents.Registry
	sessions *sessions.Store
	queue    *resurrection.Queue
}

func newFixture(t *testing.T, opts sweeper.Options) *fixture {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	act := activity.New(sqlDB)
	emit := events.Discard{}
	reg := registry.New(sqlDB, ports.New(3100, 3199, nil, nil), nil, act, emit)
	lm := locks.New(sqlDB, time.Minute, nil, act, emit)
	hub := msghub.New(sqlDB, msghub.DefaultLimits(), emit)
	ag := agents.New(sqlDB, time.Minute, act, emit)
	sess := sessions.New(sqlDB, act)
	queue := resurrection.New(sqlDB, hub, sess, act)

	return &fixture{
		sw:       sweeper.New(opts, reg, lm, hub, ag, sess, queue, act, nil, emit),
		db:       sqlDB,
		registry: reg, locks: lm, hub: hub, agents: ag, sessions: sess, queue: queue,
	}
}

func claimID(t *testing.T, s string) identity.Identity {
	t.Helper()
	parsed, err := identity.Parse(s)
	require.NoError(t, err)
	return parsed
}

func TestSweep_ReclaimsExpiredState(t *testing.T) {
	f := newFixture(t, sweeper.Options{})
	ctx := context.Background()

	_, _, err := f.registry.Claim(ctx, claimID(t, "ephemeral"), registry.ClaimOpts{TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = f.locks.Acquire(ctx, "short", locks.AcquireOpts{Owner: "A", TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = f.hub.Publish(ctx, "c", json.RawMessage(`{}`), "", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	f.sw.Sweep(ctx)

	svcs, err := f.registry.Find(ctx, registry.FindFilter{})
	require.NoError(t, err)
	assert.Empty(t, svcs)

	_, held, err := f.locks.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, held)

	msgs, err := f.hub.Get(ctx, "c", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSweep_StaleThenDeadAgent(t *testing.T) {
	f := newFixture(t, sweeper.Options{
		StaleAfter: 50 * time.Millisecond,
		DeadAfter:  10 * time.Second,
	})
	ctx := context.Background()

	_, err := f.agents.Register(ctx, "agent-x", agents.RegisterOpts{Identity: claimID(t, "acme:api")})
	require.NoError(t, err)
	_, err = f.sessions.Start(ctx, "deploy", sessions.StartOpts{AgentID: "agent-x"})
	require.NoError(t, err)
	_, err = f.locks.Acquire(ctx, "deploy-lock", locks.AcquireOpts{Owner: "agent-x", TTL: time.Hour})
	require.NoError(t, err)

	// Backdate the heartbeat past the stale threshold.
	_, err = f.db.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = 'agent-x'`,
		time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, err)

	f.sw.Sweep(ctx)

	entry, err := f.queue.Get(ctx, "agent-x")
	require.NoError(t, err)
	assert.Equal(t, "stale", entry.Status)
	assert.Equal(t, "acme", entry.Project)
	assert.Equal(t, "deploy", entry.LastPurpose)

	_, held, err := f.locks.Get(ctx, "deploy-lock")
	require.NoError(t, err)
	assert.False(t, held, "stale agent's locks are released")

	// Backdate past the dead threshold and sweep again.
	_, err = f.db.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = 'agent-x'`,
		time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, err)
	f.sw.Sweep(ctx)

	entry, err = f.queue.Get(ctx, "agent-x")
	require.NoError(t, err)
	assert.Equal(t, "dead", entry.Status)
}

func TestSweep_HeartbeatCancelsResurrection(t *testing.T) {
	f := newFixture(t, sweeper.Options{StaleAfter: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := f.agents.Register(ctx, "agent-x", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = 'agent-x'`,
		time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, err)
	f.sw.Sweep(ctx)

	_, err = f.queue.Get(ctx, "agent-x")
	require.NoError(t, err)

	require.NoError(t, f.agents.Heartbeat(ctx, "agent-x"))
	_, err = f.queue.Get(ctx, "agent-x")
	require.Error(t, err, "heartbeat clears the queue entry")
}

func TestSweep_TrimsActivity(t *testing.T) {
	f := newFixture(t, sweeper.Options{ActivityMax: 5, ActivityRetention: time.Hour})
	ctx := context.Background()

	act := activity.New(f.db)
	for i := 0; i < 20; i++ {
		act.Record(ctx, "lock_acquire", activity.RecordOpts{Target: "t"})
	}

	f.sw.Sweep(ctx)

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT count(*) FROM activity`).Scan(&n))
	assert.Equal(t, 5, n)
}

func TestSweep_DeadAgentNotDemoted(t *testing.T) {
	f := newFixture(t, sweeper.Options{StaleAfter: 50 * time.Millisecond, DeadAfter: 100 * time.Millisecond})
	ctx := context.Background()

	_, err := f.agents.Register(ctx, "agent-x", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = 'agent-x'`,
		time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, err)

	// One sweep takes it stale and dead; a claim then pins it.
	f.sw.Sweep(ctx)
	f.sw.Sweep(ctx)
	_, err = f.queue.Claim(ctx, "agent-x", "agent-y")
	require.NoError(t, err)

	f.sw.Sweep(ctx)
	entry, err := f.queue.Get(ctx, "agent-x")
	require.NoError(t, err)
	assert.Equal(t, "resurrecting", entry.Status, "sweeps never demote a claimed entry")
}
