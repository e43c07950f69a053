package locks_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/db"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/locks"
	"github.com/portdaddy/portdaddy/internal/metrics"
)

func newManager(t *testing.T) (*locks.Manager, *sql.DB) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return locks.New(sqlDB, time.Minute, nil, activity.New(sqlDB), events.Discard{}), sqlDB
}

func TestAcquire_Fresh(t *testing.T) {
	m, _ := newManager(t)

	l, err := m.Acquire(context.Background(), "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "A", l.Owner)
	assert.Greater(t, l.ExpiresAt, l.AcquiredAt)
}

func TestAcquire_HeldByOther(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Minute})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "B", TTL: time.Minute})
	require.Error(t, err)
	de := apierr.From(err)
	assert.Equal(t, apierr.LockHeld, de.Code)
	assert.Equal(t, 409, de.Status)
	assert.Equal(t, "A", de.Detail["holder"])
}

func TestAcquire_SameOwnerRefreshes(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Minute})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	l2, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, l1.AcquiredAt, l2.AcquiredAt, "re-acquire keeps acquired_at")
	assert.GreaterOrEqual(t, l2.ExpiresAt, l1.ExpiresAt, "re-acquire refreshes TTL")
}

func TestAcquire_ExpiredIsFree(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	l, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "B", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "B", l.Owner)
}

func TestRelease_Fencing(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Minute})
	require.NoError(t, err)

	_, err = m.Release(ctx, "migrate", "B", false)
	require.Error(t, err)
	de := apierr.From(err)
	assert.Equal(t, apierr.LockForbidden, de.Code)
	assert.Equal(t, 403, de.Status)

	released, err := m.Release(ctx, "migrate", "B", true)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = m.Release(ctx, "migrate", "A", false)
	require.NoError(t, err)
	assert.False(t, released, "second release is a no-op")
}

func TestExtend(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Minute})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	l2, err := m.Extend(ctx, "migrate", "A", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, l2.ExpiresAt, l1.ExpiresAt)
	assert.Equal(t, l1.AcquiredAt, l2.AcquiredAt)

	_, err = m.Extend(ctx, "migrate", "B", time.Minute)
	require.Error(t, err)
	assert.Equal(t, apierr.LockForbidden, apierr.From(err).Code)
}

func TestExtend_ExpiredActsAsAcquire(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	l, err := m.Extend(ctx, "migrate", "B", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "B", l.Owner)
}

func TestGet_ExpiredNotHeld(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "migrate", locks.AcquireOpts{Owner: "A", TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, held, err := m.Get(ctx, "migrate")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSweep(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "a", locks.AcquireOpts{Owner: "A", TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "b", locks.AcquireOpts{Owner: "A", TTL: time.Minute})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	held, err := m.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "b", held[0].Name)
}

func TestHeldLocksGaugeBalances(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	base := testutil.ToFloat64(metrics.HeldLocks)

	_, err := m.Acquire(ctx, "deploy", locks.AcquireOpts{Owner: "A", TTL: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.HeldLocks))

	time.Sleep(5 * time.Millisecond)

	// Taking over an expired lock reuses its row: still one held lock,
	// and one eventual release brings the gauge back to where it began.
	_, err = m.Acquire(ctx, "deploy", locks.AcquireOpts{Owner: "B", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.HeldLocks))

	released, err := m.Release(ctx, "deploy", "B", false)
	require.NoError(t, err)
	require.True(t, released)
	assert.Equal(t, base, testutil.ToFloat64(metrics.HeldLocks))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, locks.ValidateName("build:db.main_1-x"))
	assert.Error(t, locks.ValidateName(""))
	assert.Error(t, locks.ValidateName("bad name"))
	assert.Error(t, locks.ValidateName("bad/name"))
}
