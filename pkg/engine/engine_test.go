package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/offlinekit/pkg/clock"
	"github.com/pario-ai/offlinekit/pkg/config"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/templates"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) find(kind models.EventKind) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "engine.db")
	cfg.Upstream.URL = upstreamURL
	cfg.Upstream.Timeout = 2 * time.Second
	cfg.Trigger.PeriodicInterval = 0
	cfg.Trigger.ProbeInterval = 0
	cfg.DeadLetter.RetentionDays = 0
	cfg.Queue.CredentialTimeout = 50 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e, err := New(cfg, Options{
		Clock:    clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Notifier: rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Start(context.Background()))
	return e, rec
}

func TestStartSeedsDefaultTemplates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	e, _ := newEngine(t, testConfig(t, srv.URL))

	n, err := e.Store().CountTemplates(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, len(templates.Defaults()), n)
}

func TestQueuedMutationDrainsOnExplicitRequest(t *testing.T) {
	var gotAuth string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"n1"}`))
	}))
	defer srv.Close()
	e, rec := newEngine(t, testConfig(t, srv.URL))
	ctx := context.Background()

	_, count, err := e.Queue().Enqueue(ctx, models.MutationRequest{
		Method: http.MethodPost,
		Path:   "/api/notes",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, e.RequestDrain(ctx, "tok"))

	sent := rec.find(models.EventItemSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "/api/notes", sent[0].Path)
	assert.Equal(t, http.StatusCreated, sent[0].Status)
	assert.EqualValues(t, 0, e.QueueStatus(ctx))

	updates := rec.find(models.EventQueueUpdated)
	require.NotEmpty(t, updates)
	assert.EqualValues(t, 0, updates[len(updates)-1].Count)

	mu.Lock()
	assert.Equal(t, "Bearer tok", gotAuth)
	mu.Unlock()
}

func TestClearOnLogoutKeepsTemplates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	e, _ := newEngine(t, testConfig(t, srv.URL))
	ctx := context.Background()
	st := e.Store()

	_, _, err := e.Queue().Enqueue(ctx, models.MutationRequest{Method: "POST", Path: "/api/notes"})
	require.NoError(t, err)
	require.NoError(t, e.CacheGeneratedResponse(ctx, "hello there", "hi!"))
	require.NoError(t, st.ReplaceConversations(ctx, []models.ConversationSnapshot{{ID: "c1", Title: "One"}}, 10))
	require.NoError(t, e.Cache().Put(ctx, &models.CachedResponse{
		Fingerprint: "fp", Method: "GET", URL: "/api/profile", StatusCode: 200, Body: []byte("{}"),
	}))

	require.NoError(t, e.ClearOnLogout(ctx))

	assert.EqualValues(t, 0, e.QueueStatus(ctx))
	gen, err := st.CountGenerated(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)
	convs, err := st.ListConversations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, convs)
	_, hit := e.Cache().Get(ctx, "fp")
	assert.False(t, hit)

	tpl, err := st.CountTemplates(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(templates.Defaults()), tpl)
}

func TestPrimeTemplatesFromServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/offline/templates" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"templates":[{"category":"status-report","body":"Status: on track.","triggers":["status report"]}]}`))
	}))
	defer srv.Close()
	e, _ := newEngine(t, testConfig(t, srv.URL))
	ctx := context.Background()

	n, err := e.PrimeTemplates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := e.Store().ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "status-report", recs[0].Category)
}

func TestPrimeTemplatesOfflineKeepsStoredSet(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	e, _ := newEngine(t, testConfig(t, srv.URL))
	srv.Close()

	n, err := e.PrimeTemplates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(templates.Defaults()), n)
}

func TestRefreshSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/conversations":
			w.Write([]byte(`{"conversations":[
				{"id":"c1","title":"Older","updatedAt":"2026-02-01T00:00:00Z"},
				{"id":"c2","title":"Newer","updatedAt":"2026-02-02T00:00:00Z"}]}`))
		case "/api/conversations/c1/messages", "/api/conversations/c2/messages":
			w.Write([]byte(`{"messages":[{"id":"m1","role":"user","content":"hi"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	cfg.Snapshots.RefreshConversations = 1
	e, _ := newEngine(t, cfg)
	ctx := context.Background()

	require.NoError(t, e.RefreshSnapshots(ctx))

	convs, err := e.Store().ListConversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)

	newer, err := e.Store().ListMessages(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, newer, 1)
	older, err := e.Store().ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, older, "only the most recent conversation is refreshed")
}

func TestStartAfterVersionChangeAnnouncesUpdate(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	old, err := New(cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, old.Cache().Put(ctx, &models.CachedResponse{
		Fingerprint: "fp", Method: "GET", URL: "/app.js", StatusCode: 200, Body: []byte("v1"),
	}))
	require.NoError(t, old.Close())

	cfg.Version = "v2"
	_, rec := newEngine(t, cfg)
	updates := rec.find(models.EventUpdateAvailable)
	require.Len(t, updates, 1)
	assert.Equal(t, "v2", updates[0].Version)
}

func TestMessagesPath(t *testing.T) {
	assert.Equal(t, "/api/conversations/c1/messages", MessagesPath("/api/conversations/", "c1"))
}

func TestRouterFollowsConversationsPath(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	cfg.Proxy.ConversationsPath = "/v2/chats"
	e, _ := newEngine(t, cfg)

	d := e.Router().Classify(http.MethodGet, MessagesPath(cfg.Proxy.ConversationsPath, "c1"), "")
	assert.Equal(t, "messages", d.Rule)
	assert.Equal(t, "c1", d.Params["id"])
}

func TestAllowedOriginsReachHub(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	cfg.Proxy.AllowedOrigins = []string{"https://app.example.com"}
	e, _ := newEngine(t, cfg)

	status := func(origin string) int {
		req := httptest.NewRequest(http.MethodGet, "http://localhost:8787/_offline/channel", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		e.Hub().ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusForbidden, status("https://evil.example"))
	// Not a websocket handshake, so the upgrade fails, but past the origin check.
	assert.NotEqual(t, http.StatusForbidden, status("https://app.example.com"))
}
