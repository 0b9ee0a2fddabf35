package resolver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/offlinekit/pkg/clock"
	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/queue"
	"github.com/pario-ai/offlinekit/pkg/store"
	"github.com/pario-ai/offlinekit/pkg/templates"
)

type events struct{ got []models.Event }

func (e *events) Notify(ev models.Event) { e.got = append(e.got, ev) }

type fixture struct {
	r   *Resolver
	st  *store.Store
	q   *queue.Queue
	clk *clock.FakeClock
	ev  *events
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "resolver.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.ReplaceTemplates(context.Background(), templates.Defaults()))

	q := queue.New(st, nil, queue.Options{Clock: clk})
	r := New(st, q, Config{MaxGenerated: 10, GeneratedTTL: time.Hour, ChunkSize: 8, OfflinePrefix: "[offline] "}, nil)
	ev := &events{}
	r.SetNotifier(ev)
	return &fixture{r: r, st: st, q: q, clk: clk, ev: ev}
}

func chatRequest(prompt string) models.MutationRequest {
	return models.MutationRequest{
		Method: http.MethodPost,
		Path:   "/api/chat",
		Body:   []byte(`{"conversationId":"c1","message":"` + prompt + `"}`),
	}
}

func TestGeneratedHitWinsOverTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prompt := "Draft an internal memo to the finance director"
	require.NoError(t, f.r.Capture(ctx, prompt, "Saved answer"))

	res, err := f.r.Resolve(ctx, chatRequest("  draft an INTERNAL memo to the finance   director "))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceGenerated, res.Provenance)
	assert.Equal(t, "Saved answer", res.Text)
	assert.Zero(t, f.q.Count(ctx))
}

func TestMemoPromptServesTemplateWithoutQueueing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.r.Resolve(ctx, chatRequest("draft an internal memo to the finance director"))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceTemplate, res.Provenance)
	assert.Equal(t, "memo-internal", res.Category)
	assert.True(t, strings.HasPrefix(res.Text, "[offline] "))
	assert.True(t, res.Provenance.Offline())
	assert.Zero(t, f.q.Count(ctx), "template answers must not queue")

	require.Len(t, f.ev.got, 1)
	assert.Equal(t, models.EventOfflineTemplateServed, f.ev.got[0].Kind)
	assert.Equal(t, "memo-internal", f.ev.got[0].Category)
}

func TestNovelPromptIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := chatRequest("summarize this quarter's unique financial forecast nobody has asked before")
	res, err := f.r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceQueued, res.Provenance)
	require.NotNil(t, res.Queued)
	assert.EqualValues(t, 1, res.Count)

	list, err := f.q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, string(req.Body), string(list[0].Body), "user content must be kept verbatim")
}

func TestExpiredGeneratedFallsThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.r.Capture(ctx, "hello there", "cached hi"))

	f.clk.Advance(2 * time.Hour)
	res, err := f.r.Resolve(ctx, chatRequest("hello there"))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceTemplate, res.Provenance)
	assert.Equal(t, "greeting", res.Category)
}

func TestLookupNoMatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Lookup(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestTemplateStreamGolden(t *testing.T) {
	rec := httptest.NewRecorder()
	err := WriteStream(rec, Resolution{
		Provenance: models.ProvenanceTemplate,
		Text:       "[offline] Hello from the offline template.",
		Category:   "greeting",
	}, 8)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "template", rec.Header().Get("X-Offline-Source"))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "template_stream", rec.Body.Bytes())
}

func TestGeneratedStreamGolden(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteStream(rec, Resolution{Provenance: models.ProvenanceGenerated, Text: "Saved answer"}, 8))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "generated_stream", rec.Body.Bytes())
}

func TestChunksAreRuneSafe(t *testing.T) {
	assert.Equal(t, []string{"héé", "llo"}, Chunks("hééllo", 3))
	assert.Empty(t, Chunks("", 4))
}

func TestRelayStreamAccumulatesTokens(t *testing.T) {
	live := "data: {\"type\":\"token\",\"content\":\"Hel\"}\n\n" +
		"data: {\"type\":\"sources\",\"items\":[]}\n\n" +
		"data: {\"type\":\"token\",\"content\":\"lo\"}\n\n" +
		"data: {\"type\":\"done\"}\n\n"
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(live)),
	}
	rec := httptest.NewRecorder()

	got, err := RelayStream(rec, resp)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Text)
	assert.True(t, got.Done)
	assert.False(t, got.Failed)
	assert.Equal(t, live, rec.Body.String(), "live stream must pass through unchanged")
	assert.Equal(t, "live", rec.Header().Get("X-Offline-Source"))
}

func TestExtractPrompt(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"conversationId":"c1","message":" hi "}`, "hi"},
		{`{"message":{"role":"user","content":"nested"}}`, "nested"},
		{`{"prompt":"plain"}`, "plain"},
		{`{"messages":[{"role":"user","content":"first"},{"role":"assistant","content":"x"},{"role":"user","content":"last"}]}`, "last"},
		{`not json`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractPrompt([]byte(tt.body)), tt.body)
	}
}
