package proxy

import (
	"context"
	"net/http"

	"github.com/pario-ai/offlinekit/pkg/fingerprint"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/router"
	"github.com/pario-ai/offlinekit/pkg/snapshot"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

const offlineMessage = "You are offline and this content is not available yet."

// builtinFallbackPage is served for navigations when nothing is cached,
// not even the configured fallback page.
const builtinFallbackPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page has not been saved for offline use. It will load again once the connection returns.</p>
</body>
</html>
`

func (s *Server) serveCacheFirst(w http.ResponseWriter, r *http.Request) {
	fp := s.fingerprint(r)
	if cached, ok := s.cache.Get(r.Context(), fp); ok {
		writeCached(w, cached, models.ProvenanceCache)
		return
	}

	res, ok, err := s.fetch(r, nil)
	if !ok {
		writeOffline(w, offlineMessage)
		return
	}
	if err != nil {
		return
	}
	s.remember(r.Context(), r, fp, res)
	writeLive(w, res)
}

func (s *Server) serveNetworkFirst(w http.ResponseWriter, r *http.Request, body []byte) {
	fp := s.fingerprint(r)
	res, ok, err := s.fetch(r, body)
	if ok {
		if err != nil {
			return
		}
		s.remember(r.Context(), r, fp, res)
		writeLive(w, res)
		return
	}

	if r.Method == http.MethodGet {
		if cached, hit := s.cache.Get(r.Context(), fp); hit {
			writeCached(w, cached, models.ProvenanceCache)
			return
		}
	}
	writeOffline(w, offlineMessage)
}

func (s *Server) serveStaleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	fp := s.fingerprint(r)
	if cached, ok := s.cache.Get(r.Context(), fp); ok {
		writeCached(w, cached, models.ProvenanceCache)
		s.revalidate(r, fp)
		return
	}

	res, ok, err := s.fetch(r, nil)
	if ok {
		if err != nil {
			return
		}
		s.remember(r.Context(), r, fp, res)
		writeLive(w, res)
		return
	}
	s.serveFallbackPage(w, r)
}

// revalidate refreshes a cached entry in the background. At most one
// refresh per fingerprint runs at a time.
func (s *Server) revalidate(r *http.Request, fp string) {
	if _, running := s.revalidating.LoadOrStore(fp, struct{}{}); running {
		return
	}

	// The request is finished by the time the refresh runs.
	bg := r.Clone(context.WithoutCancel(r.Context()))
	bg.Header = upstream.ForwardHeader(r.Header)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.revalidating.Delete(fp)

		res, ok, err := s.fetch(bg, nil)
		if !ok || err != nil {
			return
		}
		s.remember(bg.Context(), bg, fp, res)
	}()
}

func (s *Server) serveFallbackPage(w http.ResponseWriter, r *http.Request) {
	if page := s.cfg.Proxy.FallbackPage; page != "" {
		fp := fingerprint.Request(http.MethodGet, s.client.URL(page))
		if cached, ok := s.cache.Get(r.Context(), fp); ok {
			writeCached(w, cached, models.ProvenanceFallback)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Offline-Source", string(models.ProvenanceFallback))
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(builtinFallbackPage))
}

// serveStoreBacked returns the live list and snapshots it, or rebuilds
// the list from the last snapshot when offline.
func (s *Server) serveStoreBacked(w http.ResponseWriter, r *http.Request, d router.Decision) {
	res, ok, err := s.fetch(r, nil)
	if ok {
		if err != nil {
			return
		}
		if res.StatusCode/100 == 2 {
			s.snapshotList(r.Context(), d, res.Body)
		}
		writeLive(w, res)
		return
	}

	ctx := r.Context()
	st := s.eng.Store()
	var out []byte
	switch d.Snapshot {
	case router.SnapshotMessages:
		convID := d.Params["id"]
		msgs, err := st.ListMessages(ctx, convID)
		if err != nil {
			s.logger.Error("message snapshot unreadable", "conversation", convID, "error", err)
		}
		out = snapshot.RenderMessages(convID, msgs)
	default:
		convs, err := st.ListConversations(ctx, 0)
		if err != nil {
			s.logger.Error("conversation snapshot unreadable", "error", err)
		}
		out = snapshot.RenderConversations(convs)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Offline-Source", string(models.ProvenanceSnapshot))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) snapshotList(ctx context.Context, d router.Decision, body []byte) {
	snaps := s.cfg.Snapshots
	switch d.Snapshot {
	case router.SnapshotMessages:
		convID := d.Params["id"]
		msgs, err := snapshot.ParseMessages(body, convID)
		if err != nil {
			s.logger.Warn("message list not snapshotted", "conversation", convID, "error", err)
			return
		}
		if err := s.eng.Store().ReplaceMessages(ctx, convID, msgs, snaps.MaxMessagesPerConversation); err != nil {
			s.logger.Error("message snapshot write failed", "conversation", convID, "error", err)
		}
	default:
		convs, err := snapshot.ParseConversations(body)
		if err != nil {
			s.logger.Warn("conversation list not snapshotted", "error", err)
			return
		}
		if err := s.eng.Store().ReplaceConversations(ctx, convs, snaps.MaxConversations); err != nil {
			s.logger.Error("conversation snapshot write failed", "error", err)
		}
	}
}
