// Package sweeper runs the daemon's periodic reclamation pass:
// expired leases, dead pids, expired locks and messages, stale agents,
// and activity-log trimming.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/agents"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/locks"
	"github.com/portdaddy/portdaddy/internal/daemon/msghub"
	"github.com/portdaddy/portdaddy/internal/daemon/ratelimit"
	"github.com/portdaddy/portdaddy/internal/daemon/registry"
	"github.com/portdaddy/portdaddy/internal/daemon/resurrection"
	"github.com/portdaddy/portdaddy/internal/daemon/sessions"
	"github.com/portdaddy/portdaddy/internal/metrics"
)

// Options tunes the sweep cadence and thresholds.
type Options struct {
	Interval          time.Duration // default 10s
	StaleAfter        time.Duration // heartbeat age before an agent is stale
	DeadAfter         time.Duration // heartbeat age before a stale agent is dead
	ActivityMax       int
	ActivityRetention time.Duration
	LimiterIdle       time.Duration // default 10m
}

// Sweeper owns the background pass. Each step runs in its own
// transaction so one failure never blocks the rest.
type Sweeper struct {
	opts     Options
	registry *registry.Registry
	locks    *locks.Manager
	hub      *msghub.Hub
	agents   *agents.Registry
	sessions *sessions.Store
	queue    *resurrection.Queue
	act      *activity.Log
	limiter  *ratelimit.Limiter
	emit     events.Emitter
	log      *slog.Logger
}

// New wires a Sweeper. limiter may be nil.
func New(opts Options, reg *registry.Registry, lm *locks.Manager, hub *msghub.Hub,
	ag *agents.Registry, sess *sessions.Store, queue *resurrection.Queue,
	act *activity.Log, limiter *ratelimit.Limiter, emit events.Emitter) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.LimiterIdle <= 0 {
		opts.LimiterIdle = 10 * time.Minute
	}
	return &Sweeper{
		opts: opts, registry: reg, locks: lm, hub: hub, agents: ag,
		sessions: sess, queue: queue, act: act, limiter: limiter, emit: emit,
		log: slog.With("component", "sweeper"),
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.SweepsTotal.Inc()

	// Expired leases and leases owned by dead pids, plus those pids'
	// locks.
	if freed, err := s.registry.Cleanup(ctx); err != nil {
		s.log.Error("sweep leases", "error", err)
	} else if len(freed) > 0 {
		metrics.SweptRowsTotal.WithLabelValues("leases").Add(float64(len(freed)))
		s.log.Info("reclaimed ports", "ports", freed)
	}

	if n, err := s.locks.Sweep(ctx); err != nil {
		s.log.Error("sweep locks", "error", err)
	} else if n > 0 {
		metrics.SweptRowsTotal.WithLabelValues("locks").Add(float64(n))
	}

	if n, err := s.hub.Sweep(ctx); err != nil {
		s.log.Error("sweep messages", "error", err)
	} else if n > 0 {
		metrics.SweptRowsTotal.WithLabelValues("messages").Add(float64(n))
	}

	s.sweepAgents(ctx)

	if n, err := s.act.Trim(ctx, s.opts.ActivityMax, s.opts.ActivityRetention); err != nil {
		s.log.Error("trim activity", "error", err)
	} else if n > 0 {
		metrics.SweptRowsTotal.WithLabelValues("activity").Add(float64(n))
	}

	if s.limiter != nil {
		s.limiter.Prune(s.opts.LimiterIdle)
	}
}

// sweepAgents moves quiet agents into the resurrection queue and
// promotes long-quiet entries to dead. A newly stale agent loses its
// locks immediately; its leases fall to the dead-pid check above once
// the process is really gone.
func (s *Sweeper) sweepAgents(ctx context.Context) {
	if s.opts.StaleAfter <= 0 {
		return
	}
	now := time.Now()

	stale, err := s.agents.HeartbeatBefore(ctx, now.Add(-s.opts.StaleAfter).UnixMilli())
	if err != nil {
		s.log.Error("find stale agents", "error", err)
		return
	}
	for _, a := range stale {
		purpose, sessionID, err := s.sessions.ActivePurpose(ctx, a.ID)
		if err != nil {
			s.log.Error("snapshot agent session", "agent", a.ID, "error", err)
		}
		added, err := s.queue.Enqueue(ctx, a.ID, resurrection.EnqueueOpts{
			Project:       a.Identity.Project,
			Stack:         a.Identity.Stack,
			Context:       a.Identity.Context,
			LastPurpose:   purpose,
			LastSessionID: sessionID,
		})
		if err != nil {
			s.log.Error("enqueue stale agent", "agent", a.ID, "error", err)
			continue
		}
		if !added {
			continue
		}
		if n, err := s.locks.ReleaseOwned(ctx, a.ID); err != nil {
			s.log.Error("release stale agent locks", "agent", a.ID, "error", err)
		} else if n > 0 {
			s.log.Info("released stale agent locks", "agent", a.ID, "locks", n)
		}
		s.emit.Emit(events.AgentStale, map[string]interface{}{
			"agentId": a.ID, "lastHeartbeat": a.LastHeartbeat,
		}, a.ID)
		metrics.SweptRowsTotal.WithLabelValues("agents").Inc()
	}

	if s.opts.DeadAfter <= 0 {
		return
	}
	dead, err := s.agents.HeartbeatBefore(ctx, now.Add(-s.opts.DeadAfter).UnixMilli())
	if err != nil {
		s.log.Error("find dead agents", "error", err)
		return
	}
	for _, a := range dead {
		if _, err := s.queue.MarkDead(ctx, a.ID); err != nil {
			s.log.Error("mark agent dead", "agent", a.ID, "error", err)
		}
	}
}
