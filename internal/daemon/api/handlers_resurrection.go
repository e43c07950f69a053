package api

import (
	"net/http"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/resurrection"
)

func resurrectionFilter(r *http.Request) resurrection.Filter {
	return resurrection.Filter{
		Project: r.URL.Query().Get("project"),
		Stack:   r.URL.Query().Get("stack"),
		Status:  r.URL.Query().Get("status"),
	}
}

func (s *Server) handleResurrectionPending(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Resurrection.Pending(r.Context(), resurrectionFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(entries), "agents": entries})
}

func (s *Server) handleResurrectionList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Resurrection.List(r.Context(), resurrectionFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(entries), "agents": entries})
}

func (s *Server) handleResurrectionClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClaimedBy string `json:"claimedBy"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClaimedBy == "" {
		writeError(w, apierr.BadRequest(apierr.ValidationError, "claimedBy is required"))
		return
	}
	entry, err := s.deps.Resurrection.Claim(r.Context(), r.PathValue("id"), req.ClaimedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "agent": entry})
}

func (s *Server) handleResurrectionComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewAgentID string `json:"newAgentId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NewAgentID == "" {
		writeError(w, apierr.BadRequest(apierr.ValidationError, "newAgentId is required"))
		return
	}
	reassigned, err := s.deps.Resurrection.Complete(r.Context(), r.PathValue("id"), req.NewAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"reassignedSessions": reassigned,
	})
}

func (s *Server) handleResurrectionAbandon(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Resurrection.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": entry.Status})
}

func (s *Server) handleResurrectionDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Resurrection.Dismiss(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
