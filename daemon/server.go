// Package daemon provides a reusable Port Daddy server that can be
// embedded in other binaries (e.g. test harnesses or an all-in-one
// dev tool).
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
	"github.com/portdaddy/portdaddy/internal/daemon/agents"
	"github.com/portdaddy/portdaddy/internal/daemon/api"
	"github.com/portdaddy/portdaddy/internal/daemon/config"
	"github.com/portdaddy/portdaddy/internal/daemon/db"
	"github.com/portdaddy/portdaddy/internal/daemon/events"
	"github.com/portdaddy/portdaddy/internal/daemon/health"
	"github.com/portdaddy/portdaddy/internal/daemon/locks"
	"github.com/portdaddy/portdaddy/internal/daemon/msghub"
	"github.com/portdaddy/portdaddy/internal/daemon/ports"
	"github.com/portdaddy/portdaddy/internal/daemon/ratelimit"
	"github.com/portdaddy/portdaddy/internal/daemon/registry"
	"github.com/portdaddy/portdaddy/internal/daemon/resurrection"
	"github.com/portdaddy/portdaddy/internal/daemon/sessions"
	"github.com/portdaddy/portdaddy/internal/daemon/sweeper"
	"github.com/portdaddy/portdaddy/internal/daemon/webhooks"
)

// ServerConfig holds configuration for a daemon server.
type ServerConfig struct {
	ConfigPath string // optional config file ("" uses env/defaults)
	Addr       string // TCP listen address override ("" keeps config)
	DataDir    string // data directory override ("" keeps config)
	Version    string
	CodeHash   string
}

// Server is a reusable daemon instance.
type Server struct {
	cfg      *config.Config
	server   *http.Server
	sqlDB    *sql.DB
	activity *activity.Log
	webhooks *webhooks.Dispatcher
	sweeper  *sweeper.Sweeper
	version  string
}

// NewServer creates a daemon server. It loads configuration, opens the
// database, runs migrations, reclaims partial state and wires every
// component. Call Serve() to start listening.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg, err := config.Load(sc.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if sc.Addr != "" {
		cfg.Addr = sc.Addr
	}
	if sc.DataDir != "" {
		cfg.DataDir = sc.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := db.Reclaim(context.Background(), sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reclaim: %w", err)
	}

	act := activity.New(sqlDB)
	disp := webhooks.New(sqlDB, cfg.Webhooks.MaxAttempts, cfg.WebhookBackoffBase())

	ag := agents.New(sqlDB, cfg.AgentLive(), act, disp)
	alloc := ports.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, cfg.Ports.Reserved, ports.NewOSProbe())
	reg := registry.New(sqlDB, alloc, ag, act, disp)
	lm := locks.New(sqlDB, cfg.LockDefaultTTL(), ag, act, disp)

	limits := msghub.DefaultLimits()
	limits.SubscribersPerChannel = cfg.Messaging.SubscribersPerChannelMax
	limits.PollGranularity = cfg.PollInterval()
	hub := msghub.New(sqlDB, limits, disp)

	sess := sessions.New(sqlDB, act)
	queue := resurrection.New(sqlDB, hub, sess, act)
	limiter := ratelimit.New(cfg.RateLimit.PerIPPerMinute)

	sw := sweeper.New(sweeper.Options{
		Interval:          cfg.SweepInterval(),
		StaleAfter:        cfg.AgentStale(),
		DeadAfter:         cfg.AgentDead(),
		ActivityMax:       cfg.Activity.MaxEntries,
		ActivityRetention: cfg.ActivityRetention(),
	}, reg, lm, hub, ag, sess, queue, act, limiter, disp)

	apiSrv := api.New(api.Options{
		Version:         sc.Version,
		CodeHash:        sc.CodeHash,
		PayloadMaxBytes: cfg.Payload.MaxBytes,
		SSEPerIP:        cfg.Messaging.SSEConcurrentPerIPMax,
		LongPollPerIP:   cfg.Messaging.LongpollConcurrentPerIP,
		SSETimeout:      cfg.SSETimeout(),
	}, api.Deps{
		Registry:     reg,
		Locks:        lm,
		Hub:          hub,
		Agents:       ag,
		Sessions:     sess,
		Activity:     act,
		Webhooks:     disp,
		Resurrection: queue,
		Health:       health.New(cfg.Health.Path),
		Limiter:      limiter,
	})

	// Deliveries interrupted by the previous shutdown go back on the
	// wire before any new traffic arrives.
	if n, err := disp.Redrive(context.Background()); err != nil {
		slog.Warn("webhook redrive failed", "error", err)
	} else if n > 0 {
		slog.Info("redriving webhook deliveries", "count", n)
	}

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Handler:           apiSrv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		sqlDB:    sqlDB,
		activity: act,
		webhooks: disp,
		sweeper:  sw,
		version:  sc.Version,
	}, nil
}

// Config returns the resolved configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// SocketPath returns the Unix domain socket path for this server.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath()
}

// Serve starts the daemon on the Unix socket and the loopback TCP
// listener. It blocks until ctx is cancelled, then performs graceful
// shutdown.
func (s *Server) Serve(ctx context.Context) error {
	// Single-instance guard. A second daemon on the same data dir
	// would race the registry.
	fl := flock.New(s.cfg.LockPath())
	locked, err := fl.TryLock()
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		_ = s.sqlDB.Close()
		return fmt.Errorf("another daemon is already running (lock %s)", s.cfg.LockPath())
	}
	defer func() { _ = fl.Unlock() }()

	sockPath := s.cfg.SocketPath()
	if err := removeStaleSocket(sockPath); err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("remove stale socket: %w", err)
	}

	var tcpLn net.Listener
	if s.cfg.Addr != "" {
		tcpLn, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			_ = s.sqlDB.Close()
			return fmt.Errorf("listen tcp: %w", err)
		}
	}

	unixLn, err := net.Listen("unix", sockPath)
	if err != nil {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		_ = unixLn.Close()
		_ = s.sqlDB.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.activity.Record(ctx, "daemon_start", activity.RecordOpts{Details: s.version})
	s.webhooks.Emit(events.DaemonStart, map[string]interface{}{
		"version": s.version,
		"pid":     os.Getpid(),
	}, "")

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go s.sweeper.Run(sweepCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("daemon shutting down...")

		stopSweeper()
		s.activity.Record(context.Background(), "daemon_stop", activity.RecordOpts{Details: s.version})
		s.webhooks.Emit(events.DaemonStop, map[string]interface{}{"pid": os.Getpid()}, "")

		// Drain in-flight requests; SSE streams end with their clients.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	listenerCount := 1 // unix listener always present
	if tcpLn != nil {
		listenerCount = 2
	}
	errCh := make(chan error, listenerCount)

	if tcpLn != nil {
		go func() { errCh <- s.server.Serve(tcpLn) }()
	}
	go func() { errCh <- s.server.Serve(unixLn) }()

	if tcpLn != nil {
		slog.Info("daemon listening", "addr", s.cfg.Addr, "socket", sockPath)
	} else {
		slog.Info("daemon listening", "socket", sockPath)
	}

	if err := <-errCh; err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	for i := 1; i < listenerCount; i++ {
		<-errCh
	}
	<-shutdownDone

	// In-flight webhook deliveries are allowed to record their state;
	// unfinished ones stay pending and are redriven on next start.
	s.webhooks.Close()

	_ = os.Remove(sockPath)

	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

// removeStaleSocket removes a leftover socket file from a previous
// crash.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() == fs.ModeSocket {
		return os.Remove(path)
	}
	return fmt.Errorf("%s exists but is not a socket", path)
}
