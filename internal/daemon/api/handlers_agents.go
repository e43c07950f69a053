package api

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/daemon/agents"
	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/identity"
)

type agentRegisterRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Type        string          `json:"type,omitempty"`
	Identity    string          `json:"identity,omitempty"`
	MaxServices int             `json:"maxServices,omitempty"`
	MaxLocks    int             `json:"maxLocks,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pid, err := headerPID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var ident identity.Identity
	if req.Identity != "" {
		ident, err = identity.Parse(req.Identity)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	first, err := s.deps.Agents.Register(r.Context(), req.ID, agents.RegisterOpts{
		Name:        req.Name,
		PID:         pid,
		Type:        req.Type,
		Identity:    ident,
		MaxServices: req.MaxServices,
		MaxLocks:    req.MaxLocks,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "registered": first})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleAgentUnregister(w http.ResponseWriter, r *http.Request) {
	gone, err := s.deps.Agents.Unregister(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "unregistered": gone})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Agents.List(r.Context(), queryBool(r, "active"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(list), "agents": list})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		writeError(w, apierr.NotFound(apierr.ValidationError, "no agent %q", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "agent": a})
}
