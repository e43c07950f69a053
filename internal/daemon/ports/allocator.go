// Package ports chooses free TCP ports for service leases under the
// configured allocation policy.
package ports

import (
	"context"
	"hash/fnv"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
)

// Occupancy reports ports the OS currently has bound, independent of
// the registry's own leases.
type Occupancy interface {
	Occupied(ctx context.Context) map[int]bool
}

// Allocator picks ports within a configured range, skipping reserved,
// leased and OS-occupied ports.
type Allocator struct {
	rangeStart int
	rangeEnd   int
	reserved   map[int]bool
	occupancy  Occupancy
}

// New creates an Allocator. occupancy may be nil to skip OS probing
// (used in tests).
func New(rangeStart, rangeEnd int, reserved []int, occupancy Occupancy) *Allocator {
	res := make(map[int]bool, len(reserved))
	for _, p := range reserved {
		res[p] = true
	}
	return &Allocator{
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		reserved:   res,
		occupancy:  occupancy,
	}
}

// Request carries the inputs to an allocation.
type Request struct {
	ID        identity.Identity
	Preferred int // 0 means no preference
	RangeLo   int // 0 means allocator default
	RangeHi   int
}

// Pick returns a free port for the request. leased holds the ports
// already claimed in the registry. The caller commits the result
// inside a transaction; the unique port index settles races, and a
// loser re-picks.
func (a *Allocator) Pick(ctx context.Context, req Request, leased map[int]bool) (int, error) {
	lo, hi := a.rangeStart, a.rangeEnd
	if req.RangeLo != 0 {
		lo = req.RangeLo
	}
	if req.RangeHi != 0 {
		hi = req.RangeHi
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return 0, apierr.BadRequest(apierr.PortOutOfRange, "invalid port range [%d, %d]", lo, hi)
	}

	var occupied map[int]bool
	if a.occupancy != nil {
		occupied = a.occupancy.Occupied(ctx)
	}

	if req.Preferred != 0 {
		p := req.Preferred
		if p < lo || p > hi {
			return 0, apierr.BadRequest(apierr.PortOutOfRange, "port %d outside range [%d, %d]", p, lo, hi)
		}
		if a.reserved[p] {
			return 0, apierr.BadRequest(apierr.PortReserved, "port %d is reserved", p)
		}
		if !leased[p] && !occupied[p] {
			return p, nil
		}
		// Preferred port taken: fall through to the scan.
	}

	// Deterministic seed: the same identity tends to land on the same
	// port across daemon restarts.
	span := hi - lo + 1
	seed := lo + int(seedHash(req.ID.String())%uint32(span))
	for i := 0; i < span; i++ {
		p := seed + i
		if p > hi {
			p = lo + (p - hi - 1)
		}
		if a.reserved[p] || leased[p] || occupied[p] {
			continue
		}
		return p, nil
	}

	return 0, apierr.New(apierr.PortExhausted, http.StatusConflict,
		"no free port in range [%d, %d]", lo, hi)
}

// InRange reports whether p falls inside the allocator's default range.
func (a *Allocator) InRange(p int) bool {
	return p >= a.rangeStart && p <= a.rangeEnd
}

// Reserved reports whether p is configured as never-allocatable.
func (a *Allocator) Reserved(p int) bool {
	return a.reserved[p]
}

func seedHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
