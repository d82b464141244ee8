package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http2"

	"github.com/nghyane/codex-mux/internal/account"
	"github.com/nghyane/codex-mux/internal/config"
)

// maxErrorBodySize bounds how much of an error response is read back.
const maxErrorBodySize = 1 << 20

// StatusError is a non-2xx upstream response observed before any stream
// content was produced.
type StatusError struct {
	Code       int
	Body       []byte
	RetryAfter string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// StatusCode implements the statusCoder interface used by classification.
func (e *StatusError) StatusCode() int { return e.Code }

// Client opens streaming connections to the responses upstream.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
}

// NewClient builds a client from the upstream config.
func NewClient(cfg config.UpstreamConfig) (*Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		// Decompression is handled explicitly so both gzip and brotli
		// work with the Accept-Encoding header we set ourselves.
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("upstream: configure http2: %w", err)
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Transport: transport,
			// No overall timeout: streams are long-lived. Connection
			// establishment and idle gaps are bounded separately.
		},
		idleTimeout: cfg.IdleTimeout,
	}, nil
}

// Stream is one open upstream event stream.
type Stream struct {
	body   io.ReadCloser
	reader *SSEReader
	cancel context.CancelFunc
}

// Next returns the next event, io.EOF when the upstream closed cleanly.
func (s *Stream) Next() (Event, error) { return s.reader.Next() }

// Close aborts the stream and releases the connection.
func (s *Stream) Close() {
	s.cancel()
	_ = s.body.Close()
}

// Open starts a streaming request on behalf of acct. A non-2xx status or
// transport failure is returned as an error; the caller classifies it.
func (c *Client) Open(ctx context.Context, acct *account.Account, payload []byte) (*Stream, error) {
	token, err := acct.Token()
	if err != nil {
		return nil, fmt.Errorf("upstream: credential for %s: %w", acct.ID, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
		cancel()
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       body,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	body, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}

	return &Stream{
		body:   body,
		reader: NewSSEReader(newIdleTimeoutReader(body, c.idleTimeout, cancel)),
		cancel: cancel,
	}, nil
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("upstream: gzip reader: %w", err)
		}
		return &wrappedBody{Reader: gz, closer: resp.Body}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error { return w.closer.Close() }

// idleTimeoutReader cancels the stream when no bytes arrive for the idle
// window, turning a silently stalled upstream into a read error.
type idleTimeoutReader struct {
	r      io.Reader
	timer  *time.Timer
	window time.Duration
}

func newIdleTimeoutReader(r io.Reader, window time.Duration, cancel context.CancelFunc) io.Reader {
	if window <= 0 {
		return r
	}
	return &idleTimeoutReader{
		r:      r,
		window: window,
		timer:  time.AfterFunc(window, cancel),
	}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.window)
	}
	if err != nil {
		r.timer.Stop()
	}
	return n, err
}
