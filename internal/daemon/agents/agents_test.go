package agents_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/agents"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/db"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
)

func newRegistry(t *testing.T, live time.Duration) (*agents.Registry, *sql.DB) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return agents.New(sqlDB, live, activity.New(sqlDB), events.Discard{}), sqlDB
}

func TestRegister_FirstAndRefresh(t *testing.T) {
	reg, _ := newRegistry(t, time.Minute)
	ctx := context.Background()

	first, err := reg.Register(ctx, "agent-a", agents.RegisterOpts{Name: "alpha"})
	require.NoError(t, err)
	assert.True(t, first)

	first, err = reg.Register(ctx, "agent-a", agents.RegisterOpts{Name: "alpha-2"})
	require.NoError(t, err)
	assert.False(t, first, "re-register refreshes, not inserts")

	a, err := reg.Get(ctx, "agent-a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "alpha-2", a.Name)
	assert.Equal(t, "cli", a.Type)
	assert.Equal(t, agents.DefaultMaxServices, a.MaxServices)
	assert.Equal(t, agents.DefaultMaxLocks, a.MaxLocks)
	assert.True(t, a.Active)
}

func TestRegister_Validation(t *testing.T) {
	reg, _ := newRegistry(t, time.Minute)

	_, err := reg.Register(context.Background(), "", agents.RegisterOpts{})
	require.Error(t, err)
	assert.Equal(t, apierr.ValidationError, apierr.From(err).Code)
}

func TestRegister_IdentitySegments(t *testing.T) {
	reg, _ := newRegistry(t, time.Minute)
	ctx := context.Background()

	id, err := identity.Parse("acme:api:dev")
	require.NoError(t, err)
	_, err = reg.Register(ctx, "agent-a", agents.RegisterOpts{Identity: id})
	require.NoError(t, err)

	a, err := reg.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "acme", a.Identity.Project)
	assert.Equal(t, "api", a.Identity.Stack)
	assert.Equal(t, "dev", a.Identity.Context)
}

func TestHeartbeat_AutoRegisters(t *testing.T) {
	reg, _ := newRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Heartbeat(ctx, "agent-new"))

	a, err := reg.Get(ctx, "agent-new")
	require.NoError(t, err)
	require.NotNil(t, a, "heartbeat registers unknown agents")
	assert.True(t, a.Active)
}

func TestHeartbeat_RefreshesLiveness(t *testing.T) {
	reg, sqlDB := newRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, "agent-a", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = sqlDB.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = 'agent-a'`,
		time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)

	a, err := reg.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, a.Active)

	require.NoError(t, reg.Heartbeat(ctx, "agent-a"))
	a, err = reg.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, a.Active)
}

func TestUnregister_ReleasesLocks(t *testing.T) {
	reg, sqlDB := newRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, "agent-a", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = sqlDB.Exec(`INSERT INTO locks (name, owner, acquired_at, expires_at) VALUES ('l', 'agent-a', 0, ?)`,
		time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	gone, err := reg.Unregister(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, gone)

	var n int
	require.NoError(t, sqlDB.QueryRow(`SELECT count(*) FROM locks WHERE owner = 'agent-a'`).Scan(&n))
	assert.Zero(t, n, "unregister releases the agent's locks")

	gone, err = reg.Unregister(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, gone)
}

func TestList_ActiveOnly(t *testing.T) {
	reg, sqlDB := newRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, "agent-a", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = reg.Register(ctx, "agent-b", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = sqlDB.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = 'agent-b'`,
		time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)

	all, err := reg.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := reg.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-a", active[0].ID)
}

func TestQuota_Locks(t *testing.T) {
	reg, sqlDB := newRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, "agent-a", agents.RegisterOpts{MaxLocks: 1})
	require.NoError(t, err)

	require.NoError(t, reg.CanAcquireLock(ctx, "agent-a"))

	_, err = sqlDB.Exec(`INSERT INTO locks (name, owner, acquired_at, expires_at) VALUES ('l', 'agent-a', 0, ?)`,
		time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	err = reg.CanAcquireLock(ctx, "agent-a")
	require.Error(t, err)
	de := apierr.From(err)
	assert.Equal(t, apierr.QuotaExceeded, de.Code)
	assert.Equal(t, 1, de.Detail["current"])
}

func TestQuota_OnlyBindsDeclaredAgents(t *testing.T) {
	reg, _ := newRegistry(t, time.Minute)
	ctx := context.Background()

	assert.NoError(t, reg.CanClaimService(ctx, ""))
	assert.NoError(t, reg.CanClaimService(ctx, "never-registered"))
}

func TestHeartbeatBefore(t *testing.T) {
	reg, sqlDB := newRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, "agent-old", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = reg.Register(ctx, "agent-fresh", agents.RegisterOpts{})
	require.NoError(t, err)
	_, err = sqlDB.Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = 'agent-old'`,
		time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)

	stale, err := reg.HeartbeatBefore(ctx, time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "agent-old", stale[0].ID)
}
