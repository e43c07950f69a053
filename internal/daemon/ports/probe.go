package ports

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// probeTTL bounds how long an occupancy snapshot is reused. Claims are
// bursty (one per service at `up` time), so a short cache keeps the
// inventory cheap without going stale.
const probeTTL = 2 * time.Second

// OSProbe inventories listening TCP ports via the platform's
// connection table. Misdetection is tolerated by the allocator: a
// lease on a port that later turns out busy stands, with a warning.
type OSProbe struct {
	mu       sync.Mutex
	fetched  time.Time
	snapshot map[int]bool
}

// NewOSProbe creates an OSProbe.
func NewOSProbe() *OSProbe {
	return &OSProbe{}
}

// Occupied returns the set of TCP ports in LISTEN state. The result
// is cached for probeTTL.
func (p *OSProbe) Occupied(ctx context.Context) map[int]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snapshot != nil && time.Since(p.fetched) < probeTTL {
		return p.snapshot
	}

	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		slog.Warn("port occupancy probe failed", "error", err)
		return p.snapshot // stale beats nothing
	}

	snap := make(map[int]bool, len(conns))
	for _, c := range conns {
		if c.Status == "LISTEN" {
			snap[int(c.Laddr.Port)] = true
		}
	}
	p.snapshot = snap
	p.fetched = time.Now()
	return snap
}
