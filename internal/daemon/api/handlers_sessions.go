package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/sessions"
)

type sessionStartRequest struct {
	Purpose  string          `json:"purpose"`
	AgentID  string          `json:"agentId,omitempty"`
	Files    []string        `json:"files,omitempty"`
	Force    bool            `json:"force,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.deps.Sessions.Start(r.Context(), req.Purpose, sessions.StartOpts{
		AgentID:  req.AgentID,
		Files:    req.Files,
		Force:    req.Force,
		CWD:      req.Cwd,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      sess.ID,
		"session": sess,
	})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status,omitempty"`
		Note   string `json:"note,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	released, err := s.deps.Sessions.End(r.Context(), r.PathValue("id"), req.Status, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	status := req.Status
	if status == "" {
		status = "completed"
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"status":        status,
		"releasedFiles": released,
	})
}

func (s *Server) handleSessionRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, notes, files, err := s.deps.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": sess,
		"notes":   notes,
		"files":   files,
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sessions.List(r.Context(), sessions.ListFilter{
		AgentID:    r.URL.Query().Get("agentId"),
		Status:     r.URL.Query().Get("status"),
		WorktreeID: r.URL.Query().Get("worktreeId"),
		Limit:      queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(list), "sessions": list})
}

func (s *Server) handleSessionNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	noteID, err := s.deps.Sessions.AddNote(r.Context(), r.PathValue("id"), req.Content, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "noteId": noteID})
}

func (s *Server) handleClaimFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
		Force bool     `json:"force,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claimed, err := s.deps.Sessions.ClaimFiles(r.Context(), r.PathValue("id"), req.Files, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"claimed":   claimed,
		"conflicts": []interface{}{},
	})
}

func (s *Server) handleReleaseFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	files := req.Files
	if len(files) == 0 {
		if paths := r.URL.Query().Get("paths"); paths != "" {
			files = strings.Split(paths, ",")
		}
	}
	released, err := s.deps.Sessions.ReleaseFiles(r.Context(), r.PathValue("id"), files)
	if err != nil {
		writeError(w, err)
		return
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "released": released})
}

func (s *Server) handleQuickNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		AgentID string `json:"agentId,omitempty"`
		Type    string `json:"type,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Sessions.QuickNote(r.Context(), req.Content, req.AgentID, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{
		"success":   true,
		"noteId":    res.NoteID,
		"sessionId": res.SessionID,
	}
	if res.SessionCreated {
		body["sessionCreated"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleFileConflicts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Files) == 0 {
		writeError(w, apierr.BadRequest(apierr.ValidationError, "files are required"))
		return
	}
	conflicts, err := s.deps.Sessions.FileConflicts(r.Context(), req.Files)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []sessions.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(conflicts), "conflicts": conflicts})
}
