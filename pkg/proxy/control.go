package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.eng.Store().Ping(r.Context()); err != nil {
		s.logger.Error("store health check failed", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"version":         s.cfg.Version,
		"cache_namespace": s.cache.Namespace(),
		"online":          s.eng.Trigger().Online(),
		"clients":         s.eng.Hub().Clients(),
		"queued":          s.eng.QueueStatus(r.Context()),
		"reconciliations": s.eng.Trigger().Runs(),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"count": s.eng.QueueStatus(r.Context())})
}

func (s *Server) handleQueueItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.eng.Queue().List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", "failed to read queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// handleDrain schedules a drain. The credential comes from the JSON body
// or the request's bearer token and is never stored.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Credential == "" {
		req.Credential = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if err := s.eng.RequestDrain(r.Context(), req.Credential); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "drain_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"scheduled": true})
}

func (s *Server) handlePrimeTemplates(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.PrimeTemplates(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"templates": n})
}

func (s *Server) handleCacheGenerated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   string `json:"prompt"`
		Response string `json:"response"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" || req.Response == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "prompt and response are required")
		return
	}
	if err := s.eng.CacheGeneratedResponse(r.Context(), req.Prompt, req.Response); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.ClearOnLogout(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
