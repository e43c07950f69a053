package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/health"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
	"github.com/portdaddy/portdaddy/internal/daemon/registry"
)

type claimRequest struct {
	ID       string          `json:"id"`
	Port     int             `json:"port,omitempty"`
	Range    []int           `json:"range,omitempty"`
	Expires  int64           `json:"expires,omitempty"` // TTL in ms
	Pair     string          `json:"pair,omitempty"`
	Cmd      string          `json:"cmd,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
	AgentID  string          `json:"agentId,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := identity.Parse(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	pid, err := headerPID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := registry.ClaimOpts{
		Port:     req.Port,
		PID:      pid,
		AgentID:  req.AgentID,
		Cmd:      req.Cmd,
		Cwd:      req.Cwd,
		Pair:     req.Pair,
		TTL:      msDuration(req.Expires),
		Metadata: req.Metadata,
	}
	if len(req.Range) == 2 {
		opts.RangeLo, opts.RangeHi = req.Range[0], req.Range[1]
	}

	svc, existing, err := s.deps.Registry.Claim(r.Context(), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"id":       svc.ID,
		"port":     svc.Port,
		"existing": existing,
	})
}

type releaseRequest struct {
	ID      string `json:"id,omitempty"`
	Expired bool   `json:"expired,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" && !req.Expired {
		writeError(w, apierr.BadRequest(apierr.ValidationError, "id or expired is required"))
		return
	}

	n, ports, err := s.deps.Registry.Release(r.Context(), req.ID, req.Expired)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "no matching services"
	if n > 0 {
		msg = "released"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"released":      n,
		"releasedPorts": ports,
		"message":       msg,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	f := registry.FindFilter{
		Pattern: r.URL.Query().Get("pattern"),
		Status:  r.URL.Query().Get("status"),
		Port:    queryInt(r, "port", 0),
		Expired: queryBool(r, "expired"),
	}
	svcs, err := s.deps.Registry.Find(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(svcs),
		"services": svcs,
	})
}

func (s *Server) handleServiceGet(w http.ResponseWriter, r *http.Request) {
	svc, err := s.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if svc == nil {
		writeError(w, apierr.NotFound(apierr.ServiceNotFound, "no service %q", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "service": svc})
}

func (s *Server) handleSetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, apierr.BadRequest(apierr.ValidationError, "url is required"))
		return
	}
	if err := s.deps.Registry.SetEndpoint(r.Context(), r.PathValue("id"), r.PathValue("env"), req.URL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if svc == nil {
		writeError(w, apierr.NotFound(apierr.ServiceNotFound, "no service %q", id))
		return
	}
	res := s.deps.Health.Check(r.Context(), svc.Port)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":    res.Healthy,
		"status":     res.Status,
		"latency_ms": res.LatencyMS,
		"port":       res.Port,
	})
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if svc == nil {
		writeError(w, apierr.NotFound(apierr.ServiceNotFound, "no service %q", id))
		return
	}

	// timeout=0 means probe once and answer now; an absent parameter
	// means wait up to the cap.
	timeout := health.MaxWait
	if r.URL.Query().Get("timeout") != "" {
		timeout = msDuration(queryInt64(r, "timeout", 0))
	}
	if _, err := s.deps.Health.WaitFor(r.Context(), svc.Port, timeout, s.leaseAlive(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "service": svc})
}

// leaseAlive reports whether the lease still exists, so a wait ends as
// soon as the service is released instead of running out the clock.
func (s *Server) leaseAlive(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		svc, err := s.deps.Registry.Get(ctx, id)
		if err != nil {
			return err
		}
		if svc == nil {
			return apierr.NotFound(apierr.ServiceNotFound, "no service %q", id)
		}
		return nil
	}
}

type waitAllRequest struct {
	IDs      []string `json:"ids,omitempty"`
	Services []string `json:"services,omitempty"`
	Timeout  *int64   `json:"timeout,omitempty"`
}

func (s *Server) handleWaitAll(w http.ResponseWriter, r *http.Request) {
	var req waitAllRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = req.Services
	}
	if len(ids) == 0 {
		writeError(w, apierr.BadRequest(apierr.ValidationError, "ids are required"))
		return
	}

	var ports []int
	var found []*registry.Service
	idByPort := make(map[int]string, len(ids))
	for _, id := range ids {
		svc, err := s.deps.Registry.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if svc == nil {
			continue
		}
		ports = append(ports, svc.Port)
		found = append(found, svc)
		idByPort[svc.Port] = id
	}

	timeout := health.MaxWait
	if req.Timeout != nil {
		timeout = msDuration(*req.Timeout)
	}
	alive := func(ctx context.Context, port int) error {
		return s.leaseAlive(idByPort[port])(ctx)
	}
	results, waitErr := s.deps.Health.WaitForAll(r.Context(), ports, timeout, alive)
	resolved := 0
	for _, res := range results {
		if res.Healthy {
			resolved++
		}
	}
	if waitErr != nil && apierr.From(waitErr).Code == apierr.ValidationError {
		writeError(w, waitErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resolved":  resolved,
		"requested": len(ids),
		"services":  found,
		"timedOut":  waitErr != nil,
	})
}

func (s *Server) handlePortsCleanup(w http.ResponseWriter, r *http.Request) {
	freed, err := s.deps.Registry.Cleanup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if freed == nil {
		freed = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"freed": freed, "count": len(freed)})
}

func (s *Server) handlePortsActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Registry.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(active), "ports": active})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":   s.opts.Version,
		"codeHash":  s.opts.CodeHash,
		"startedAt": s.startedAt.UnixMilli(),
		"pid":       os.Getpid(),
		"uptime":    time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Registry.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.opts.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"active_ports":   len(active),
		"pid":            os.Getpid(),
	})
}
