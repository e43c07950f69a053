package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/portdaddy/portdaddy/internal/daemon/ratelimit"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	l := ratelimit.New(5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")

	// Other keys have their own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestAllow_Disabled(t *testing.T) {
	l := ratelimit.New(0)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow(ratelimit.LocalKey))
	}
}

func TestPrune(t *testing.T) {
	l := ratelimit.New(10)
	l.Allow("a")
	l.Allow("b")

	assert.Zero(t, l.Prune(time.Minute), "fresh buckets survive")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, l.Prune(time.Millisecond))
}
