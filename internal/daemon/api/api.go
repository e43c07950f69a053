// Package api is the daemon's HTTP surface: one router serving both
// the unix socket and the loopback TCP listener.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/agents"
	"github.com/portdaddy/portdaddy/internal/daemon/health"
	"github.com/portdaddy/portdaddy/internal/daemon/locks"
	"github.com/portdaddy/portdaddy/internal/daemon/msghub"
	"github.com/portdaddy/portdaddy/internal/daemon/ratelimit"
	"github.com/portdaddy/portdaddy/internal/daemon/registry"
	"github.com/portdaddy/portdaddy/internal/daemon/resurrection"
	"github.com/portdaddy/portdaddy/internal/daemon/sessions"
	"github.com/portdaddy/portdaddy/internal/daemon/webhooks"
	"github.com/portdaddy/portdaddy/internal/logging"
)

// Options tunes the transport-level limits.
type Options struct {
	Version         string
	CodeHash        string
	PayloadMaxBytes int64         // request body cap, default 10 MiB
	SSEPerIP        int           // concurrent SSE streams per client, default 10
	LongPollPerIP   int           // concurrent long-polls per client, default 30
	SSETimeout      time.Duration // max SSE stream lifetime, default 5m
	HeartbeatEvery  time.Duration // SSE heartbeat cadence, default 30s
}

func (o *Options) fill() {
	if o.PayloadMaxBytes <= 0 {
		o.PayloadMaxBytes = 10 << 20
	}
	if o.SSEPerIP <= 0 {
		o.SSEPerIP = 10
	}
	if o.LongPollPerIP <= 0 {
		o.LongPollPerIP = 30
	}
	if o.SSETimeout <= 0 {
		o.SSETimeout = 5 * time.Minute
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 30 * time.Second
	}
}

// Deps are the domain components the handlers dispatch to.
type Deps struct {
	Registry     *registry.Registry
	Locks        *locks.Manager
	Hub          *msghub.Hub
	Agents       *agents.Registry
	Sessions     *sessions.Store
	Activity     *activity.Log
	Webhooks     *webhooks.Dispatcher
	Resurrection *resurrection.Queue
	Health       *health.Checker
	Limiter      *ratelimit.Limiter
}

// Server holds the handler state.
type Server struct {
	opts      Options
	deps      Deps
	startedAt time.Time

	budgets budgetTable
}

// budgetTable counts concurrent SSE streams and long-polls per client
// key.
type budgetTable struct {
	mu       sync.Mutex
	sse      map[string]int
	longpoll map[string]int
}

// New creates a Server.
func New(opts Options, deps Deps) *Server {
	opts.fill()
	return &Server{
		opts:      opts,
		deps:      deps,
		startedAt: time.Now(),
		budgets:   budgetTable{sse: make(map[string]int), longpoll: make(map[string]int)},
	}
}

// Handler builds the routed handler with the middleware chain:
// logging, metrics, rate limit, body cap.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Services / port leases.
	mux.HandleFunc("POST /claim", s.handleClaim)
	mux.HandleFunc("DELETE /release", s.handleRelease)
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /services/{id}", s.handleServiceGet)
	mux.HandleFunc("PUT /services/{id}/endpoints/{env}", s.handleSetEndpoint)
	mux.HandleFunc("GET /check/{id}", s.handleCheck)
	mux.HandleFunc("GET /wait/{id}", s.handleWait)
	mux.HandleFunc("POST /wait", s.handleWaitAll)
	mux.HandleFunc("POST /ports/cleanup", s.handlePortsCleanup)
	mux.HandleFunc("GET /ports/active", s.handlePortsActive)

	// Locks.
	mux.HandleFunc("POST /locks/{name}", s.handleLockAcquire)
	mux.HandleFunc("DELETE /locks/{name}", s.handleLockRelease)
	mux.HandleFunc("PUT /locks/{name}", s.handleLockExtend)
	mux.HandleFunc("GET /locks/{name}", s.handleLockGet)
	mux.HandleFunc("GET /locks", s.handleLockList)

	// Messaging.
	mux.HandleFunc("POST /msg/{channel}", s.handlePublish)
	mux.HandleFunc("GET /msg/{channel}", s.handleMessages)
	mux.HandleFunc("GET /msg/{channel}/poll", s.handlePoll)
	mux.HandleFunc("GET /msg/{channel}/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /msg", s.handleChannels)

	// Agents.
	mux.HandleFunc("POST /agents", s.handleAgentRegister)
	mux.HandleFunc("POST /agents/{id}/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("DELETE /agents/{id}", s.handleAgentUnregister)
	mux.HandleFunc("GET /agents", s.handleAgentList)
	mux.HandleFunc("GET /agents/{id}", s.handleAgentGet)

	// Sessions, notes, file claims.
	mux.HandleFunc("POST /sessions", s.handleSessionStart)
	mux.HandleFunc("PUT /sessions/{id}", s.handleSessionEnd)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleSessionRemove)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /sessions", s.handleSessionList)
	mux.HandleFunc("POST /sessions/{id}/notes", s.handleSessionNote)
	mux.HandleFunc("POST /sessions/{id}/files", s.handleClaimFiles)
	mux.HandleFunc("DELETE /sessions/{id}/files", s.handleReleaseFiles)
	mux.HandleFunc("POST /notes", s.handleQuickNote)
	mux.HandleFunc("POST /files/conflicts", s.handleFileConflicts)

	// Webhooks.
	mux.HandleFunc("POST /webhooks", s.handleWebhookRegister)
	mux.HandleFunc("GET /webhooks", s.handleWebhookList)
	mux.HandleFunc("GET /webhooks/{id}", s.handleWebhookGet)
	mux.HandleFunc("PUT /webhooks/{id}", s.handleWebhookUpdate)
	mux.HandleFunc("DELETE /webhooks/{id}", s.handleWebhookDelete)
	mux.HandleFunc("POST /webhooks/{id}/test", s.handleWebhookTest)

	// Resurrection.
	mux.HandleFunc("GET /resurrection/pending", s.handleResurrectionPending)
	mux.HandleFunc("GET /resurrection", s.handleResurrectionList)
	mux.HandleFunc("POST /resurrection/claim/{id}", s.handleResurrectionClaim)
	mux.HandleFunc("POST /resurrection/complete/{id}", s.handleResurrectionComplete)
	mux.HandleFunc("POST /resurrection/abandon/{id}", s.handleResurrectionAbandon)
	mux.HandleFunc("DELETE /resurrection/{id}", s.handleResurrectionDismiss)

	// Introspection.
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("GET /activity/summary", s.handleActivitySummary)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = s.bodyCapMiddleware(h)
	h = s.rateLimitMiddleware(h)
	h = metricsMiddleware(h)
	h = logging.HTTPMiddleware(h)
	return h
}
