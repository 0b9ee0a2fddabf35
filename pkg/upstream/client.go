// Package upstream talks to the real service behind the proxy.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrHeaderTimeout is returned when the upstream accepts a request but
// sends no response headers within the client timeout.
var ErrHeaderTimeout = fmt.Errorf("upstream sent no response headers: %w", context.DeadlineExceeded)

// Client sends requests to the upstream base URL.
type Client struct {
	base    *url.URL
	timeout time.Duration
	http    *http.Client
}

// Result holds a fully read upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// New creates a Client for baseURL. timeout bounds non-streaming calls.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host required", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Client{base: u, timeout: timeout, http: &http.Client{}}, nil
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// URL resolves a request path (with optional query) against the base URL.
func (c *Client) URL(pathAndQuery string) string {
	if !strings.HasPrefix(pathAndQuery, "/") {
		pathAndQuery = "/" + pathAndQuery
	}
	return c.base.String() + pathAndQuery
}

// Do sends a request and reads the whole response body.
func (c *Client) Do(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.DoStream(ctx, method, pathAndQuery, header, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// DoStream sends a request and returns the raw response. The caller
// owns resp.Body and must close it. The client timeout bounds the wait
// for response headers only; once they arrive, ctx alone bounds the body.
func (c *Client) DoStream(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (*http.Response, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, method, c.URL(pathAndQuery), rd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vals := range ForwardHeader(header) {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, cancel)
	}

	resp, err := c.http.Do(req)
	// Stop reports false once the timer has fired and cancelled reqCtx.
	if timer != nil && !timer.Stop() && ctx.Err() == nil {
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%s %s: %w", method, pathAndQuery, ErrHeaderTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Probe reports whether the upstream answers at path. Any response that
// is not a gateway error counts as reachable.
func (c *Client) Probe(ctx context.Context, path string) bool {
	res, err := c.Do(ctx, http.MethodHead, path, nil, nil)
	if err != nil {
		return false
	}
	return !IsConnectivityFailure(nil, res.StatusCode)
}

// IsConnectivityFailure classifies an upstream outcome as "could not
// reach the service": a transport error, a timeout or a gateway status
// produced by an intermediary.
func IsConnectivityFailure(err error, statusCode int) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The caller went away; the network may be fine.
			return false
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return true
		}
		return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
	}
	switch statusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// ForwardHeader copies h without hop-by-hop headers. Accept-Encoding is
// dropped so the transport negotiates and decodes compression itself.
func ForwardHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		out[k] = append([]string(nil), vals...)
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

// CopyResponseHeader copies upstream response headers to w without
// hop-by-hop headers.
func CopyResponseHeader(dst, src http.Header) {
	for k, vals := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Trailer", "Upgrade", "Content-Length":
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
