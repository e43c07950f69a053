package api

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/daemon/locks"
)

type lockRequest struct {
	Owner    string          `json:"owner,omitempty"`
	TTL      int64           `json:"ttl,omitempty"` // ms
	Force    bool            `json:"force,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pid, err := headerPID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	lock, err := s.deps.Locks.Acquire(r.Context(), r.PathValue("name"), locks.AcquireOpts{
		Owner:    req.Owner,
		PID:      pid,
		TTL:      msDuration(req.TTL),
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"owner":      lock.Owner,
		"acquiredAt": lock.AcquiredAt,
		"expiresAt":  lock.ExpiresAt,
	})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	released, err := s.deps.Locks.Release(r.Context(), r.PathValue("name"), req.Owner, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "released": released})
}

func (s *Server) handleLockExtend(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lock, err := s.deps.Locks.Extend(r.Context(), r.PathValue("name"), req.Owner, msDuration(req.TTL))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "expiresAt": lock.ExpiresAt})
}

func (s *Server) handleLockGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lock, held, err := s.deps.Locks.Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{"name": name, "held": held}
	if held {
		body["owner"] = lock.Owner
		body["expiresAt"] = lock.ExpiresAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLockList(w http.ResponseWriter, r *http.Request) {
	held, err := s.deps.Locks.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(held), "locks": held})
}
