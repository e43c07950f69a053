package ports_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
	"github.com/portdaddy/portdaddy/internal/daemon/ports"
)

type fakeOccupancy map[int]bool

func (f fakeOccupancy) Occupied(context.Context) map[int]bool { return f }

func id(t *testing.T, s string) identity.Identity {
	t.Helper()
	parsed, err := identity.Parse(s)
	require.NoError(t, err)
	return parsed
}

func TestPick_Preferred(t *testing.T) {
	a := ports.New(3100, 3110, nil, nil)

	p, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme"), Preferred: 3105}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3105, p)
}

func TestPick_PreferredOutOfRange(t *testing.T) {
	a := ports.New(3100, 3110, nil, nil)

	_, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme"), Preferred: 3099}, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.PortOutOfRange, apierr.From(err).Code)
}

func TestPick_PreferredReserved(t *testing.T) {
	a := ports.New(3100, 3110, []int{3105}, nil)

	_, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme"), Preferred: 3105}, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.PortReserved, apierr.From(err).Code)
}

func TestPick_PreferredTakenFallsBackToScan(t *testing.T) {
	a := ports.New(3100, 3110, nil, nil)

	p, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme"), Preferred: 3105}, map[int]bool{3105: true})
	require.NoError(t, err)
	assert.NotEqual(t, 3105, p)
	assert.GreaterOrEqual(t, p, 3100)
	assert.LessOrEqual(t, p, 3110)
}

func TestPick_Deterministic(t *testing.T) {
	a := ports.New(3100, 3200, nil, nil)

	p1, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme:api:main")}, nil)
	require.NoError(t, err)
	p2, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme:api:main")}, nil)
	require.NoError(t, err)
	assert.Equal(t, p1, p2, "same identity should seed the same scan")
}

func TestPick_SkipsOccupiedAndWraps(t *testing.T) {
	a := ports.New(3100, 3102, nil, fakeOccupancy{3100: true, 3101: true})

	p, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3102, p)
}

func TestPick_Exhausted(t *testing.T) {
	a := ports.New(3100, 3101, []int{3100}, nil)

	_, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme")}, map[int]bool{3101: true})
	require.Error(t, err)
	assert.Equal(t, apierr.PortExhausted, apierr.From(err).Code)
}

func TestPick_CallerRange(t *testing.T) {
	a := ports.New(3100, 9999, nil, nil)

	p, err := a.Pick(context.Background(), ports.Request{ID: id(t, "acme"), RangeLo: 4000, RangeHi: 4001}, map[int]bool{4000: true})
	require.NoError(t, err)
	assert.Equal(t, 4001, p)
}
