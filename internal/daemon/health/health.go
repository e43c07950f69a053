// Package health probes loopback services over HTTP.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
)

const (
	probeTimeout = 2 * time.Second
	pollInterval = 250 * time.Millisecond

	// MaxWait bounds a single readiness wait.
	MaxWait = 5 * time.Minute
	// MaxBatch bounds a WaitForAll fan-out.
	MaxBatch = 20
)

// Checker issues readiness probes against 127.0.0.1 ports.
type Checker struct {
	client *http.Client
	path   string
}

// New creates a Checker probing the given path (e.g. "/health").
func New(path string) *Checker {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return &Checker{
		client: &http.Client{Timeout: probeTimeout},
		path:   path,
	}
}

// Result is one probe outcome.
type Result struct {
	Port      int   `json:"port"`
	Healthy   bool  `json:"healthy"`
	Status    int   `json:"status,omitempty"`
	LatencyMS int64 `json:"latencyMs"`
}

// Check probes the port once. Any 2xx response is healthy; connection
// refusal and non-2xx both read as unhealthy, not as errors.
func (c *Checker) Check(ctx context.Context, port int) Result {
	start := time.Now()
	res := Result{Port: port}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, c.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.LatencyMS = time.Since(start).Milliseconds()
		return res
	}
	resp, err := c.client.Do(req)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	return res
}

// WaitFor polls the port until it answers healthy or the timeout
// elapses, in which case it returns TIMEOUT. A zero timeout probes
// exactly once. When alive is non-nil it is consulted between probes;
// a non-nil error ends the wait immediately with that error, so a
// caller can stop waiting on a target that no longer exists.
func (c *Checker) WaitFor(ctx context.Context, port int, timeout time.Duration, alive func(context.Context) error) (Result, error) {
	if timeout < 0 || timeout > MaxWait {
		timeout = MaxWait
	}
	deadline := time.Now().Add(timeout)

	for {
		res := c.Check(ctx, port)
		if res.Healthy {
			return res, nil
		}
		if !time.Now().Before(deadline) {
			return res, apierr.New(apierr.Timeout, http.StatusRequestTimeout,
				"port %d not healthy after %s", port, timeout).
				WithDetail("port", port)
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(pollInterval):
		}
		if alive != nil {
			if err := alive(ctx); err != nil {
				return res, err
			}
		}
	}
}

// WaitForAll waits for every port concurrently. It fails fast on the
// first timeout and reports per-port results for the ones that made it.
// alive, when non-nil, is consulted per port the same way WaitFor does.
func (c *Checker) WaitForAll(ctx context.Context, ports []int, timeout time.Duration, alive func(context.Context, int) error) ([]Result, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	if len(ports) > MaxBatch {
		return nil, apierr.BadRequest(apierr.ValidationError, "at most %d ports per wait", MaxBatch)
	}

	results := make([]Result, len(ports))
	g, gctx := errgroup.WithContext(ctx)
	for i, port := range ports {
		g.Go(func() error {
			var check func(context.Context) error
			if alive != nil {
				check = func(ctx context.Context) error { return alive(ctx, port) }
			}
			res, err := c.WaitFor(gctx, port, timeout, check)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
