package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	cachepkg "github.com/pario-ai/offlinekit/pkg/cache/sqlite"
	"github.com/pario-ai/offlinekit/pkg/config"
	"github.com/pario-ai/offlinekit/pkg/engine"
	"github.com/pario-ai/offlinekit/pkg/fingerprint"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/router"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

// maxRequestBody bounds request bodies read for replay and queueing.
const maxRequestBody = 10 << 20

// Server is the offline interception proxy.
type Server struct {
	eng    *engine.Engine
	cfg    *config.Config
	cache  *cachepkg.Cache
	client *upstream.Client
	router *router.Router
	logger *slog.Logger
	mux    chi.Router

	revalidating sync.Map
	wg           sync.WaitGroup
}

// New creates a proxy Server over a running engine.
func New(eng *engine.Engine) *Server {
	s := &Server{
		eng:    eng,
		cfg:    eng.Config(),
		cache:  eng.Cache(),
		client: eng.Client(),
		router: eng.Router(),
		logger: eng.Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/_offline", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/queue", s.handleQueueStatus)
		r.Get("/queue/items", s.handleQueueItems)
		r.Post("/drain", s.handleDrain)
		r.Post("/templates/prime", s.handlePrimeTemplates)
		r.Post("/generated", s.handleCacheGenerated)
		r.Post("/logout", s.handleLogout)
		r.Get("/channel", eng.Hub().ServeHTTP)
	})
	r.HandleFunc("/*", s.handleIntercept)

	s.mux = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("offlinekit proxy listening", "addr", s.cfg.Listen, "upstream", s.cfg.Upstream.URL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.Wait()
		return err
	case err := <-errCh:
		return err
	}
}

// Wait blocks until background revalidations finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

// handleIntercept classifies a request and dispatches it to its strategy.
func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	d := s.router.Classify(r.Method, r.URL.Path, r.Header.Get("Accept"))

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "failed to read request body")
			return
		}
		r.Body.Close()
	}

	s.logger.Debug("intercept", "method", r.Method, "path", r.URL.Path, "strategy", d.Strategy, "rule", d.Rule)

	switch d.Strategy {
	case router.CacheFirst:
		s.serveCacheFirst(w, r)
	case router.StaleWhileRevalidate:
		s.serveStaleWhileRevalidate(w, r)
	case router.StoreBacked:
		s.serveStoreBacked(w, r, d)
	case router.Mutation:
		if r.URL.Path == s.cfg.Proxy.ChatPath && r.Method == http.MethodPost {
			s.serveChat(w, r, body)
			return
		}
		s.serveMutation(w, r, body)
	default:
		s.serveNetworkFirst(w, r, body)
	}
}

func (s *Server) fingerprint(r *http.Request) string {
	return fingerprint.Request(r.Method, s.client.URL(r.URL.RequestURI()))
}

// fetch forwards r upstream. ok is false when the service could not be
// reached; a non-nil err with ok true means the caller went away.
func (s *Server) fetch(r *http.Request, body []byte) (res *upstream.Result, ok bool, err error) {
	res, err = s.client.Do(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	status := 0
	if res != nil {
		status = res.StatusCode
	}
	if upstream.IsConnectivityFailure(err, status) {
		if err != nil {
			s.logger.Debug("upstream unreachable", "path", r.URL.Path, "error", err)
		} else {
			s.logger.Debug("upstream gateway failure", "path", r.URL.Path, "status", status)
		}
		return res, false, err
	}
	return res, true, err
}

func (s *Server) remember(ctx context.Context, r *http.Request, fp string, res *upstream.Result) {
	if r.Method != http.MethodGet || res.StatusCode/100 != 2 {
		return
	}
	err := s.cache.Put(ctx, &models.CachedResponse{
		Fingerprint: fp,
		Method:      r.Method,
		URL:         r.URL.RequestURI(),
		StatusCode:  res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        res.Body,
	})
	if err != nil {
		s.logger.Warn("cache write failed", "path", r.URL.Path, "error", err)
	}
}

func writeLive(w http.ResponseWriter, res *upstream.Result) {
	upstream.CopyResponseHeader(w.Header(), res.Header)
	w.Header().Set("X-Offline-Source", string(models.ProvenanceLive))
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

// writeCached replays a cached response byte for byte.
func writeCached(w http.ResponseWriter, c *models.CachedResponse, source models.Provenance) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	w.Header().Set("X-Offline-Source", string(source))
	w.WriteHeader(c.StatusCode)
	w.Write(c.Body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q,"code":%d}}`, message, typ, code)
}

// writeOffline is the structured payload for requests with nothing to serve.
func writeOffline(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Offline-Source", string(models.ProvenanceFallback))
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"offline","code":%d},"offline":true}`, message, http.StatusServiceUnavailable)
}
