package webhooks_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/db"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/webhooks"
	"github.com/portdaddy/portdaddy/internal/util/testutil"
)

func newDispatcher(t *testing.T) (*webhooks.Dispatcher, *sql.DB) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	d := webhooks.New(sqlDB, 3, 5*time.Millisecond)
	t.Cleanup(d.Close)
	return d, sqlDB
}

func TestValidateURL(t *testing.T) {
	ok := []string{
		"https://hooks.example.com/x",
		"http://203.0.113.7:8080/hook",
	}
	for _, u := range ok {
		assert.NoError(t, webhooks.ValidateURL(u), u)
	}

	blocked := []string{
		"http://127.0.0.1/hook",
		"http://localhost:9000/hook",
		"http://10.0.0.5/hook",
		"http://192.168.1.1/hook",
		"http://172.16.0.1/hook",
		"http://100.64.0.1/hook",       // CGN
		"http://169.254.169.254/hook",  // cloud metadata
		"http://[::1]/hook",            // v6 loopback
		"http://[::ffff:10.0.0.5]/",    // v4-mapped private
		"http://224.0.0.1/hook",        // multicast
		"http://printer.local/hook",
		"http://db.internal/hook",
		"http://foo.localhost/hook",
		"ftp://example.com/hook",
	}
	for _, u := range blocked {
		assert.Error(t, webhooks.ValidateURL(u), u)
	}

	err := webhooks.ValidateURL("http://127.0.0.1/hook")
	assert.Equal(t, apierr.SSRFBlocked, apierr.From(err).Code)
}

func TestRegister_Validation(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Register(ctx, "https://hooks.example.com/x", nil, webhooks.RegisterOpts{})
	require.Error(t, err)

	_, err = d.Register(ctx, "https://hooks.example.com/x", []string{"no.such.event"}, webhooks.RegisterOpts{})
	require.Error(t, err)

	sub, err := d.Register(ctx, "https://hooks.example.com/x",
		[]string{string(events.ServiceClaim)}, webhooks.RegisterOpts{Secret: "s3cret"})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)
}

func TestEmit_DeliversSigned(t *testing.T) {
	var gotBody atomic.Value
	var gotSig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody.Store(b)
		gotSig.Store(r.Header.Get(webhooks.SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Register would refuse the loopback test server URL, so the
	// subscription row is inserted directly.
	d2, raw := newDispatcher(t)
	insertSub(t, raw, "wh-test", srv.URL, "s3cret", `["service.claim"]`, "")

	d2.Emit(events.ServiceClaim, map[string]interface{}{"port": 3100}, "acme:api")

	testutil.RequireEventually(t, func() bool { return gotBody.Load() != nil }, "delivery arrives")
	body := gotBody.Load().([]byte)
	assert.Contains(t, string(body), `"service.claim"`)
	assert.Contains(t, string(body), `"acme:api"`)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig.Load())

	// Delivery row lands as success.
	testutil.RequireEventually(t, func() bool {
		dels, err := d2.Deliveries(context.Background(), "wh-test", 10)
		require.NoError(t, err)
		return len(dels) == 1 && dels[0].Status == "success"
	}, "delivery recorded")
}

func TestEmit_FilterPattern(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, raw := newDispatcher(t)
	insertSub(t, raw, "wh-filter", srv.URL, "", `["service.claim"]`, "acme:*")

	d.Emit(events.ServiceClaim, nil, "other:api") // filtered out
	d.Emit(events.LockAcquire, nil, "acme:api")   // not subscribed
	d.Emit(events.ServiceClaim, nil, "acme:api")  // delivered

	testutil.RequireEventually(t, func() bool { return hits.Load() == 1 }, "one delivery")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDeliver_RetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, raw := newDispatcher(t) // maxAttempts=3
	insertSub(t, raw, "wh-flaky", srv.URL, "", `["service.claim"]`, "")

	d.Emit(events.ServiceClaim, nil, "acme")

	testutil.RequireEventually(t, func() bool {
		dels, err := d.Deliveries(context.Background(), "wh-flaky", 10)
		require.NoError(t, err)
		return len(dels) == 1 && dels[0].Status == "failed"
	}, "delivery fails after retries")
	assert.EqualValues(t, 3, hits.Load())

	sub, err := d.Get(context.Background(), "wh-flaky")
	require.NoError(t, err)
	assert.EqualValues(t, 1, sub.FailureCount)
}

func TestRedrive_PendingDeliveries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, raw := newDispatcher(t)
	insertSub(t, raw, "wh-re", srv.URL, "", `["service.claim"]`, "")
	_, err := raw.Exec(
		`INSERT INTO webhook_deliveries (id, webhook_id, event, payload, status, created_at, updated_at)
		 VALUES ('whd-1', 'wh-re', 'service.claim', '{"event":"service.claim"}', 'pending', 0, 0)`)
	require.NoError(t, err)

	n, err := d.Redrive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	testutil.RequireEventually(t, func() bool { return hits.Load() == 1 }, "pending delivery re-driven")
}

func TestDeleteAndSetActive(t *testing.T) {
	d, raw := newDispatcher(t)
	ctx := context.Background()
	insertSub(t, raw, "wh-x", "https://hooks.example.com/x", "", `["daemon.start"]`, "")

	require.NoError(t, d.SetActive(ctx, "wh-x", false))
	sub, err := d.Get(ctx, "wh-x")
	require.NoError(t, err)
	assert.False(t, sub.Active)

	require.NoError(t, d.Delete(ctx, "wh-x"))
	_, err = d.Get(ctx, "wh-x")
	require.Error(t, err)
	require.Error(t, d.Delete(ctx, "wh-x"))
}

func insertSub(t *testing.T, sqlDB *sql.DB, id, url, secret, eventsJSON, filter string) {
	t.Helper()
	var sec, fil interface{}
	if secret != "" {
		sec = secret
	}
	if filter != "" {
		fil = filter
	}
	_, err := sqlDB.Exec(
		`INSERT INTO webhooks (id, url, secret, events, filter_pattern, active, created_at) VALUES (?, ?, ?, ?, ?, 1, 0)`,
		id, url, sec, eventsJSON, fil)
	require.NoError(t, err)
}
