package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoForwardsRequest(t *testing.T) {
	var gotPath, gotAuth, gotConn string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		gotConn = r.Header.Get("Keep-Alive")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/", time.Second)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer tok")
	h.Set("Keep-Alive", "timeout=5")
	res, err := c.Do(context.Background(), http.MethodPost, "/api/notes?x=1", h, []byte(`{"a":1}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(res.Body))
	assert.Equal(t, "/api/notes?x=1", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Empty(t, gotConn, "hop-by-hop headers must not be forwarded")
	assert.Equal(t, `{"a":1}`, string(gotBody))
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("localhost:3000", time.Second)
	assert.Error(t, err)
}

func TestUnreachableIsConnectivityFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, time.Second)
	require.NoError(t, err)
	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	assert.True(t, IsConnectivityFailure(err, 0))
	assert.False(t, c.Probe(context.Background(), "/api/health"))
}

func TestIsConnectivityFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   bool
	}{
		{"ok", nil, 200, false},
		{"client error", nil, 404, false},
		{"server error", nil, 500, false},
		{"bad gateway", nil, 502, true},
		{"unavailable", nil, 503, true},
		{"gateway timeout", nil, 504, true},
		{"deadline", context.DeadlineExceeded, 0, true},
		{"canceled", context.Canceled, 0, false},
		{"other error", errors.New("boom"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivityFailure(tt.err, tt.status))
		})
	}
}

func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)
	assert.True(t, c.Probe(context.Background(), "/api/health"))

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, c.Probe(context.Background(), "/api/health"))
}

func TestDoStreamTimesOutWithoutHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, 50*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.DoStream(context.Background(), http.MethodPost, "/api/chat", nil, []byte(`{}`))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrHeaderTimeout)
	assert.True(t, IsConnectivityFailure(err, 0))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoStreamBodyOutlivesHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("data: done\n\n"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, 50*time.Millisecond)
	require.NoError(t, err)

	resp, err := c.DoStream(context.Background(), http.MethodGet, "/stream", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: done\n\n", string(body))
}
