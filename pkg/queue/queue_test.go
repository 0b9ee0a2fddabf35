package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/offlinekit/pkg/clock"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/store"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

type fakeReplayer struct {
	mu     sync.Mutex
	status map[string]int
	err    map[string]error
	calls  []string
	creds  []string
}

func (f *fakeReplayer) Replay(_ context.Context, m models.QueuedMutation, credential string) (*upstream.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, m.Path)
	f.creds = append(f.creds, credential)
	if err := f.err[m.Path]; err != nil {
		return nil, err
	}
	code, ok := f.status[m.Path]
	if !ok {
		code = http.StatusOK
	}
	return &upstream.Result{StatusCode: code, Body: []byte(`{"path":"` + m.Path + `"}`)}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last(kind models.EventKind) (models.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return models.Event{}, false
}

type staticCreds struct {
	cred  string
	calls int
}

func (s *staticCreds) RequestCredential(context.Context) (string, error) {
	s.calls++
	if s.cred == "" {
		return "", ErrNoCredential
	}
	return s.cred, nil
}

type memDeadLetters struct {
	recs []models.DeadLetter
	err  error
}

func (m *memDeadLetters) Record(_ context.Context, d models.DeadLetter) error {
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, d)
	return nil
}

type harness struct {
	q     *Queue
	st    *store.Store
	rp    *fakeReplayer
	ev    *recorder
	creds *staticCreds
	dead  *memDeadLetters
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		st:    st,
		rp:    &fakeReplayer{status: map[string]int{}, err: map[string]error{}},
		ev:    &recorder{},
		creds: &staticCreds{},
		dead:  &memDeadLetters{},
	}
	h.q = New(st, h.rp, Options{
		Credentials: h.creds,
		Notifier:    h.ev,
		DeadLetters: h.dead,
		Clock:       clk,
	})
	return h
}

func (h *harness) enqueue(t *testing.T, path string) models.QueuedMutation {
	t.Helper()
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Authorization", "Bearer secret-token")
	hdr.Set("Cookie", "session=abc")
	m, _, err := h.q.Enqueue(context.Background(), models.MutationRequest{
		Method: http.MethodPost,
		Path:   path,
		Header: hdr,
		Body:   []byte(`{"v":1}`),
	})
	require.NoError(t, err)
	return m
}

func paths(list []models.QueuedMutation) []string {
	var out []string
	for _, m := range list {
		out = append(out, m.Path)
	}
	return out
}

func TestEnqueueStripsCredentials(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "/api/notes")

	list, err := h.q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	hdr := http.Header(list[0].Header)
	assert.Empty(t, hdr.Get("Authorization"))
	assert.Empty(t, hdr.Get("Cookie"))
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))

	ev, ok := h.ev.last(models.EventQueueUpdated)
	require.True(t, ok)
	assert.EqualValues(t, 1, ev.Count)
}

func TestCredentialNeverReachesDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	q := New(st, &fakeReplayer{}, Options{})

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer very-secret-token")
	_, _, err = q.Enqueue(context.Background(), models.MutationRequest{Method: "POST", Path: "/api/x", Header: hdr})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	raw, err := readFileBytes(dbPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret-token")
}

func TestDrainSuccessRemovesEntry(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t, "/api/notes")

	res, err := h.q.DrainOnce(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, []string{"fresh"}, h.rp.creds)
	assert.Zero(t, h.creds.calls, "explicit credential must not trigger a request")

	ev, ok := h.ev.last(models.EventItemSent)
	require.True(t, ok)
	assert.Equal(t, m.ID, ev.ItemID)
	assert.Equal(t, "/api/notes", ev.Path)
	assert.Equal(t, http.StatusOK, ev.Status)
}

func TestDrainFIFOLeavesFailingEntry(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "/api/a")
	h.enqueue(t, "/api/b")
	h.rp.err["/api/b"] = errors.New("connection refused")

	res, err := h.q.DrainOnce(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/a", "/api/b"}, h.rp.calls)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)

	list, err := h.q.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/b"}, paths(list))
	assert.Equal(t, 1, list[0].Attempts)
	assert.Equal(t, "connection refused", list[0].LastError)
}

func TestFailedEntryKeepsPositionBeforeNewEntries(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "/api/a")
	h.rp.status["/api/a"] = http.StatusInternalServerError

	_, err := h.q.DrainOnce(context.Background(), "tok")
	require.NoError(t, err)
	h.enqueue(t, "/api/c")

	list, err := h.q.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/a", "/api/c"}, paths(list))
}

func TestNoHeadOfLineBlocking(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "/api/a")
	h.enqueue(t, "/api/b")
	h.enqueue(t, "/api/c")
	h.rp.status["/api/a"] = http.StatusServiceUnavailable

	res, err := h.q.DrainOnce(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Sent)
	assert.EqualValues(t, 1, res.Remaining)
}

func TestDrainRequestsCredentialOncePerPass(t *testing.T) {
	h := newHarness(t)
	h.creds.cred = "from-foreground"
	h.enqueue(t, "/api/a")
	h.enqueue(t, "/api/b")

	_, err := h.q.DrainOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.creds.calls)
	assert.Equal(t, []string{"from-foreground", "from-foreground"}, h.rp.creds)
}

func TestDrainWithoutCredentialSurfacesAuthError(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t, "/api/a")
	h.rp.status["/api/a"] = http.StatusUnauthorized

	res, err := h.q.DrainOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{""}, h.rp.creds)
	assert.EqualValues(t, 1, res.Remaining, "auth failures are never dropped")

	ev, ok := h.ev.last(models.EventAuthError)
	require.True(t, ok)
	assert.Equal(t, m.ID, ev.ItemID)
	assert.Equal(t, http.StatusUnauthorized, ev.Status)
}

func TestDefinitiveRejectionMovesToDeadLetter(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t, "/api/a")
	h.rp.status["/api/a"] = http.StatusUnprocessableEntity

	res, err := h.q.DrainOnce(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Remaining)

	require.Len(t, h.dead.recs, 1)
	assert.Equal(t, m.ID, h.dead.recs[0].Mutation.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, h.dead.recs[0].StatusCode)
	assert.Contains(t, h.ev.kinds(), models.EventItemRejected)
}

func TestRejectionKeptWhenDeadLetterFails(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "/api/a")
	h.rp.status["/api/a"] = http.StatusBadRequest
	h.dead.err = errors.New("disk full")

	res, err := h.q.DrainOnce(context.Background(), "tok")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Remaining)
}

func TestRetryableStatuses(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503} {
		assert.Equal(t, outcomeRetry, classify(nil, code), "status %d", code)
	}
	assert.Equal(t, outcomeSent, classify(nil, 204))
	assert.Equal(t, outcomeAuth, classify(nil, 403))
	assert.Equal(t, outcomeRejected, classify(nil, 404))
	assert.Equal(t, outcomeRetry, classify(errors.New("x"), 0))
}

func TestClearNotifiesZero(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "/api/a")
	require.NoError(t, h.q.Clear(context.Background()))
	assert.Zero(t, h.q.Count(context.Background()))
	ev, ok := h.ev.last(models.EventQueueUpdated)
	require.True(t, ok)
	assert.Zero(t, ev.Count)
}

// logoutCreds clears the queue while the drain waits for a credential,
// then answers with a token that belongs to the next signed-in user.
type logoutCreds struct {
	q *Queue
}

func (l *logoutCreds) RequestCredential(ctx context.Context) (string, error) {
	if err := l.q.Clear(ctx); err != nil {
		return "", err
	}
	return "new-identity-token", nil
}

func TestClearDuringDrainStopsReplay(t *testing.T) {
	h := newHarness(t)
	h.q.SetCredentialSource(&logoutCreds{q: h.q})
	h.enqueue(t, "/api/a")
	h.enqueue(t, "/api/b")

	res, err := h.q.DrainOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, h.rp.calls, "cleared entries must not be replayed")
	assert.Zero(t, res.Sent)
	assert.Zero(t, res.Remaining)
	assert.NotContains(t, h.ev.kinds(), models.EventItemSent)
}

func TestDrainAfterClearReplaysNewEntries(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "/api/old")
	require.NoError(t, h.q.Clear(context.Background()))
	h.enqueue(t, "/api/new")

	res, err := h.q.DrainOnce(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/new"}, h.rp.calls)
	assert.Equal(t, 1, res.Sent)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("a", maxEventBody-1) + "é"
	got := truncate([]byte(body))
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, maxEventBody-1)

	assert.Equal(t, "short", truncate([]byte("short")))
}

func TestHTTPReplayerInjectsBearer(t *testing.T) {
	var gotAuth, gotReplay string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReplay = r.Header.Get("X-Offline-Replay")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := upstream.New(srv.URL, time.Second)
	require.NoError(t, err)
	res, err := HTTPReplayer{Client: c}.Replay(context.Background(), models.QueuedMutation{
		ID: "abc", Method: "PUT", Path: "/api/notes/1", Body: []byte("x"),
	}, "tok123")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, "abc", gotReplay)
	assert.Equal(t, "x", string(gotBody))
}

// readFileBytes returns the database file plus any WAL sidecar.
func readFileBytes(dbPath string) ([]byte, error) {
	var out []byte
	for _, p := range []string{dbPath, dbPath + "-wal"} {
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}
