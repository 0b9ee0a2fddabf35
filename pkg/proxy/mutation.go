package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/resolver"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

// queuedResponse is returned for writes accepted for later replay.
type queuedResponse struct {
	Queued  bool   `json:"queued"`
	Offline bool   `json:"offline"`
	ID      string `json:"id"`
	Count   int64  `json:"count"`
}

func mutationOf(r *http.Request, body []byte) models.MutationRequest {
	return models.MutationRequest{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	}
}

func writeQueued(w http.ResponseWriter, m models.QueuedMutation, count int64) {
	w.Header().Set("X-Offline-Source", string(models.ProvenanceQueued))
	writeJSON(w, http.StatusAccepted, queuedResponse{Queued: true, Offline: true, ID: m.ID, Count: count})
}

// serveMutation forwards a write and queues it when the service is unreachable.
func (s *Server) serveMutation(w http.ResponseWriter, r *http.Request, body []byte) {
	res, ok, err := s.fetch(r, body)
	if ok {
		if err != nil {
			return
		}
		writeLive(w, res)
		return
	}

	m, count, err := s.eng.Queue().Enqueue(r.Context(), mutationOf(r, body))
	if err != nil {
		s.logger.Error("failed to queue mutation", "path", r.URL.Path, "error", err)
		writeOffline(w, "The request could not be sent or saved.")
		return
	}
	s.logger.Info("mutation queued", "id", m.ID, "method", m.Method, "path", m.Path, "count", count)
	writeQueued(w, m, count)
}

// serveChat relays the live chat stream and captures its answer, or
// resolves the prompt offline when the service is unreachable.
func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, body []byte) {
	resp, err := s.client.DoStream(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if upstream.IsConnectivityFailure(err, status) {
		if resp != nil {
			resp.Body.Close()
		}
		s.resolveOffline(w, r, body)
		return
	}
	if err != nil {
		s.logger.Debug("chat request abandoned", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		upstream.CopyResponseHeader(w.Header(), resp.Header)
		w.Header().Set("X-Offline-Source", string(models.ProvenanceLive))
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	relayed, err := resolver.RelayStream(w, resp)
	if err != nil {
		s.logger.Warn("chat stream interrupted", "error", err)
		return
	}
	if relayed.Done && !relayed.Failed {
		prompt := resolver.ExtractPrompt(body)
		if err := s.eng.Resolver().Capture(r.Context(), prompt, relayed.Text); err != nil {
			s.logger.Warn("failed to capture chat answer", "error", err)
		}
	}
}

func (s *Server) resolveOffline(w http.ResponseWriter, r *http.Request, body []byte) {
	rv := s.eng.Resolver()
	res, err := rv.Resolve(r.Context(), mutationOf(r, body))
	if err != nil {
		s.logger.Error("offline chat resolution failed", "error", err)
		writeOffline(w, "The message could not be sent or saved.")
		return
	}

	if res.Provenance == models.ProvenanceQueued {
		writeQueued(w, *res.Queued, res.Count)
		return
	}
	if err := resolver.WriteStream(w, res, rv.ChunkSize()); err != nil {
		s.logger.Debug("offline stream write failed", "error", err)
	}
}
