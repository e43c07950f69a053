// Package config loads the daemon's runtime configuration from
// defaults, an optional JSON config file, and PORT_DADDY_* environment
// overrides, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the daemon's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`     // TCP listen address (loopback)
	DataDir string `koanf:"data_dir"` // DB, socket and lock file directory

	Ports struct {
		RangeStart int   `koanf:"range_start"`
		RangeEnd   int   `koanf:"range_end"`
		Reserved   []int `koanf:"reserved"`
	} `koanf:"ports"`

	Messaging struct {
		SubscribersPerChannelMax int   `koanf:"subscribers_per_channel_max"`
		SSEConcurrentPerIPMax    int   `koanf:"sse_concurrent_per_ip_max"`
		LongpollConcurrentPerIP  int   `koanf:"longpoll_concurrent_per_ip_max"`
		SSETimeoutMS             int64 `koanf:"sse_timeout_ms"`
		PollIntervalMS           int64 `koanf:"poll_interval_ms"`
	} `koanf:"messaging"`

	Sweeper struct {
		IntervalMS int64 `koanf:"interval_ms"`
	} `koanf:"sweeper"`

	Agents struct {
		LiveMS  int64 `koanf:"live_ms"`
		StaleMS int64 `koanf:"stale_ms"`
		DeadMS  int64 `koanf:"dead_ms"`
	} `koanf:"agents"`

	Activity struct {
		MaxEntries  int   `koanf:"max_entries"`
		RetentionMS int64 `koanf:"retention_ms"`
	} `koanf:"activity"`

	Locks struct {
		DefaultTTLMS int64 `koanf:"default_ttl_ms"`
	} `koanf:"locks"`

	Webhooks struct {
		MaxAttempts   int   `koanf:"max_attempts"`
		BackoffBaseMS int64 `koanf:"backoff_base_ms"`
	} `koanf:"webhooks"`

	RateLimit struct {
		PerIPPerMinute int `koanf:"per_ip_per_minute"`
	} `koanf:"rate_limit"`

	Payload struct {
		MaxBytes int64 `koanf:"max_bytes"`
	} `koanf:"payload"`

	Health struct {
		Path string `koanf:"path"`
	} `koanf:"health"`
}

// defaults mirrors the documented configuration defaults.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":     "127.0.0.1:9876",
		"data_dir": defaultDataDir(),

		"ports.range_start": 3100,
		"ports.range_end":   9999,
		"ports.reserved":    []int{},

		"messaging.subscribers_per_channel_max":    100,
		"messaging.sse_concurrent_per_ip_max":      10,
		"messaging.longpoll_concurrent_per_ip_max": 30,
		"messaging.sse_timeout_ms":                 300_000,
		"messaging.poll_interval_ms":               1_000,

		"sweeper.interval_ms": 10_000,

		"agents.live_ms":  60_000,
		"agents.stale_ms": 300_000,
		"agents.dead_ms":  900_000,

		"activity.max_entries":  10_000,
		"activity.retention_ms": int64(7 * 24 * time.Hour / time.Millisecond),

		"locks.default_ttl_ms": 300_000,

		"webhooks.max_attempts":    5,
		"webhooks.backoff_base_ms": 1_000,

		"rate_limit.per_ip_per_minute": 100,

		"payload.max_bytes": int64(10 << 20),

		"health.path": "/health",
	}
}

// Load builds the configuration from defaults, the given config file
// (optional; "" tries $PORT_DADDY_CONFIG then <datadir>/config.json),
// and PORT_DADDY_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("PORT_DADDY_CONFIG")
	}
	if path == "" {
		candidate := filepath.Join(k.String("data_dir"), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// PORT_DADDY_PORTS_RANGE_START=4000 -> ports.range_start.
	// Single-underscore keys (PORT_DADDY_DB etc.) are handled below.
	err := k.Load(env.Provider("PORT_DADDY_", ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, "PORT_DADDY_"))
		switch key {
		case "db", "sock", "url", "config":
			return "" // dedicated overrides, not config keys
		}
		return strings.Replace(key, "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("PORT_DADDY_URL"); url != "" {
		c.Addr = strings.TrimPrefix(url, "http://")
	}

	return &c, nil
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Ports.RangeStart < 1 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		return fmt.Errorf("invalid port range [%d, %d]", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "portdaddy")
	}
	return filepath.Join(home, ".config", "portdaddy")
}

// DBPath returns the path to the SQLite registry database.
func (c *Config) DBPath() string {
	if p := os.Getenv("PORT_DADDY_DB"); p != "" {
		return p
	}
	return filepath.Join(c.DataDir, "port-registry.db")
}

// SocketPath returns the path to the Unix domain socket.
func (c *Config) SocketPath() string {
	if p := os.Getenv("PORT_DADDY_SOCK"); p != "" {
		return p
	}
	return "/tmp/port-daddy.sock"
}

// LockPath returns the path of the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "daemon.lock")
}

// Duration accessors. The wire configuration carries milliseconds.

func (c *Config) SSETimeout() time.Duration    { return time.Duration(c.Messaging.SSETimeoutMS) * time.Millisecond }
func (c *Config) PollInterval() time.Duration  { return time.Duration(c.Messaging.PollIntervalMS) * time.Millisecond }
func (c *Config) SweepInterval() time.Duration { return time.Duration(c.Sweeper.IntervalMS) * time.Millisecond }
func (c *Config) AgentLive() time.Duration     { return time.Duration(c.Agents.LiveMS) * time.Millisecond }
func (c *Config) AgentStale() time.Duration    { return time.Duration(c.Agents.StaleMS) * time.Millisecond }
func (c *Config) AgentDead() time.Duration     { return time.Duration(c.Agents.DeadMS) * time.Millisecond }
func (c *Config) LockDefaultTTL() time.Duration {
	return time.Duration(c.Locks.DefaultTTLMS) * time.Millisecond
}
func (c *Config) WebhookBackoffBase() time.Duration {
	return time.Duration(c.Webhooks.BackoffBaseMS) * time.Millisecond
}
func (c *Config) ActivityRetention() time.Duration {
	return time.Duration(c.Activity.RetentionMS) * time.Millisecond
}
