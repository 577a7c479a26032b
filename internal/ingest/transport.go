package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/strangelab/nodeagent/internal/version"
)

// ErrOffline is reported when a send is skipped because the station has no
// usable link.
var ErrOffline = errors.New("ingest: offline")

// Transport delivers one request body to the collector.
type Transport interface {
	Send(ctx context.Context, body []byte) error
	// Target describes the destination for status output.
	Target() string
}

// StatusError is a completed HTTP exchange outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return strconv.Itoa(e.Code) }

// ErrorString renders err the way ingest.err events and /health report it:
// the bare status code for HTTP rejections, "timeout" for deadline
// expiries, the error text otherwise.
func ErrorString(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errPublishTimeout) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return err.Error()
}

// HTTPTransport POSTs JSON bodies to a fixed URL.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport validates rawURL and returns a transport whose requests
// are bounded by timeout.
func NewHTTPTransport(rawURL string, timeout time.Duration) (*HTTPTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse ingest url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ingest url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ingest url %q: missing host", rawURL)
	}
	return &HTTPTransport{
		url:    rawURL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (t *HTTPTransport) Target() string { return t.url }

// Send posts body. Any status in [200,300) is success.
func (t *HTTPTransport) Send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nodeagent/"+version.Short())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post ingest: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
