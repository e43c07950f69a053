package api

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
	"github.com/portdaddy/portdaddy/internal/daemon/webhooks"
)

type webhookRegisterRequest struct {
	URL           string          `json:"url"`
	Events        []string        `json:"events"`
	Secret        string          `json:"secret,omitempty"`
	FilterPattern string          `json:"filterPattern,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var req webhookRegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.deps.Webhooks.Register(r.Context(), req.URL, req.Events, webhooks.RegisterOpts{
		Secret:        req.Secret,
		FilterPattern: req.FilterPattern,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      sub.ID,
		"webhook": sub,
	})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Webhooks.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(list), "webhooks": list})
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Webhooks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	deliveries, err := s.deps.Webhooks.Deliveries(r.Context(), sub.ID, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"webhook":    sub,
		"deliveries": deliveries,
	})
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Active == nil {
		writeError(w, apierr.BadRequest(apierr.ValidationError, "active is required"))
		return
	}
	if err := s.deps.Webhooks.SetActive(r.Context(), r.PathValue("id"), *req.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "active": *req.Active})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Webhooks.Test(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": status >= 200 && status < 300,
		"status":  status,
	})
}
