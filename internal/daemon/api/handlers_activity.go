package api

import (
	"net/http"

	"github.com/portdaddy/portdaddy/internal/daemon/activity"
)

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Activity.Recent(r.Context(), activity.Filter{
		Type:    r.URL.Query().Get("type"),
		AgentID: r.URL.Query().Get("agent"),
		Since:   queryInt64(r, "since", 0),
		Until:   queryInt64(r, "until", 0),
		Limit:   queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(entries), "activity": entries})
}

func (s *Server) handleActivitySummary(w http.ResponseWriter, r *http.Request) {
	byType, err := s.deps.Activity.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Activity.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"byType": byType,
		"stats":  stats,
	})
}
