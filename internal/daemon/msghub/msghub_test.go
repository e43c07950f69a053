package msghub_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/db"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/msghub"
)

func newHub(t *testing.T, limits msghub.Limits) (*msghub.Hub, *sql.DB) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return msghub.New(sqlDB, limits, events.Discard{}), sqlDB
}

func TestPublishGet_Ordered(t *testing.T) {
	h, _ := newHub(t, msghub.DefaultLimits())
	ctx := context.Background()

	id1, err := h.Publish(ctx, "build", json.RawMessage(`{"n":1}`), "a1", 0)
	require.NoError(t, err)
	id2, err := h.Publish(ctx, "build", json.RawMessage(`{"n":2}`), "a1", 0)
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	msgs, err := h.Get(ctx, "build", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, id2, msgs[1].ID)

	// Resume past the first message.
	msgs, err = h.Get(ctx, "build", id1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id2, msgs[0].ID)
}

func TestPublish_Validation(t *testing.T) {
	h, _ := newHub(t, msghub.DefaultLimits())
	ctx := context.Background()

	_, err := h.Publish(ctx, "bad channel", json.RawMessage(`{}`), "", 0)
	require.Error(t, err)
	assert.Equal(t, apierr.ChannelInvalid, apierr.From(err).Code)

	_, err = h.Publish(ctx, "ok", nil, "", 0)
	require.Error(t, err)
	assert.Equal(t, apierr.ValidationError, apierr.From(err).Code)
}

func TestPublish_PayloadTooLarge(t *testing.T) {
	limits := msghub.DefaultLimits()
	limits.PayloadMaxBytes = 64
	h, _ := newHub(t, limits)

	big := json.RawMessage(`"` + strings.Repeat("x", 128) + `"`)
	_, err := h.Publish(context.Background(), "build", big, "", 0)
	require.Error(t, err)
	de := apierr.From(err)
	assert.Equal(t, apierr.PayloadTooLarge, de.Code)
	assert.Equal(t, 413, de.Status)
}

func TestSubscribe_ReceivesPublished(t *testing.T) {
	h, _ := newHub(t, msghub.DefaultLimits())

	sub, err := h.Subscribe("build")
	require.NoError(t, err)
	defer sub.Close()

	id, err := h.Publish(context.Background(), "build", json.RawMessage(`{"n":1}`), "a1", 0)
	require.NoError(t, err)

	select {
	case msg := <-sub.C:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, "build", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestSubscribe_ChannelCap(t *testing.T) {
	limits := msghub.DefaultLimits()
	limits.SubscribersPerChannel = 2
	h, _ := newHub(t, limits)

	s1, err := h.Subscribe("build")
	require.NoError(t, err)
	defer s1.Close()
	s2, err := h.Subscribe("build")
	require.NoError(t, err)

	_, err = h.Subscribe("build")
	require.Error(t, err)
	de := apierr.From(err)
	assert.Equal(t, apierr.ConnectionLimit, de.Code)
	assert.Equal(t, 503, de.Status)

	// Closing one frees the slot.
	s2.Close()
	s3, err := h.Subscribe("build")
	require.NoError(t, err)
	s3.Close()
}

func TestSubscribe_BackloggedDropped(t *testing.T) {
	h, _ := newHub(t, msghub.DefaultLimits())
	ctx := context.Background()

	sub, err := h.Subscribe("flood")
	require.NoError(t, err)

	// Never drain; the buffer fills and the hub disconnects us.
	for i := 0; i < 100; i++ {
		_, err := h.Publish(ctx, "flood", json.RawMessage(`{}`), "", 0)
		require.NoError(t, err)
	}

	assert.Zero(t, h.SubscriberCount("flood"))
	// Drain: the buffered backlog ends in a closed channel.
	delivered := 0
	for range sub.C {
		delivered++
	}
	assert.Less(t, delivered, 100, "slow subscriber must not see every message")
}

func TestPoll_ImmediateAndWakeup(t *testing.T) {
	limits := msghub.DefaultLimits()
	limits.PollGranularity = 10 * time.Millisecond
	h, _ := newHub(t, limits)
	ctx := context.Background()

	id, err := h.Publish(ctx, "build", json.RawMessage(`{"n":1}`), "", 0)
	require.NoError(t, err)

	// Backlog satisfies the poll without waiting.
	msg, err := h.Poll(ctx, "build", 0, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)

	// Publish mid-wait wakes the poller.
	done := make(chan *msghub.Message, 1)
	go func() {
		m, _ := h.Poll(ctx, "build", id, 5*time.Second)
		done <- m
	}()
	time.Sleep(50 * time.Millisecond)
	id2, err := h.Publish(ctx, "build", json.RawMessage(`{"n":2}`), "", 0)
	require.NoError(t, err)

	select {
	case m := <-done:
		require.NotNil(t, m)
		assert.Equal(t, id2, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("poller never woke")
	}
}

func TestPoll_Timeout(t *testing.T) {
	limits := msghub.DefaultLimits()
	limits.PollGranularity = 5 * time.Millisecond
	h, _ := newHub(t, limits)

	msg, err := h.Poll(context.Background(), "quiet", 0, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestChannels(t *testing.T) {
	h, _ := newHub(t, msghub.DefaultLimits())
	ctx := context.Background()

	_, err := h.Publish(ctx, "a", json.RawMessage(`{}`), "", 0)
	require.NoError(t, err)
	_, err = h.Publish(ctx, "b", json.RawMessage(`{}`), "", 0)
	require.NoError(t, err)
	last, err := h.Publish(ctx, "b", json.RawMessage(`{}`), "", 0)
	require.NoError(t, err)

	infos, err := h.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Channel)
	assert.EqualValues(t, 1, infos[0].Count)
	assert.Equal(t, "b", infos[1].Channel)
	assert.EqualValues(t, 2, infos[1].Count)
	assert.Equal(t, last, infos[1].LastID)
}

func TestSweep_Expired(t *testing.T) {
	h, _ := newHub(t, msghub.DefaultLimits())
	ctx := context.Background()

	_, err := h.Publish(ctx, "build", json.RawMessage(`{}`), "", time.Millisecond)
	require.NoError(t, err)
	_, err = h.Publish(ctx, "build", json.RawMessage(`{}`), "", time.Hour)
	require.NoError(t, err)
	_, err = h.Publish(ctx, "build", json.RawMessage(`{}`), "", 0) // no expiry
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := h.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	msgs, err := h.Get(ctx, "build", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
