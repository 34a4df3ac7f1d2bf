package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrStatus is matched by every non-2xx response error.
var ErrStatus = errors.New("backend: unexpected status")

// StatusError carries the status of a non-2xx backend response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s returned %d", e.Method, e.Path, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

const maxBodyBytes = 1 << 20

var absoluteURL = regexp.MustCompile(`(?i)^https?://`)

// Client talks to the booking backend: voice credentials, call metadata,
// participant bridging and auth.
type Client struct {
	base string
	hc   *http.Client
	log  *slog.Logger
}

func New(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		hc:   &http.Client{Timeout: timeout},
		log:  log.With("component", "backend"),
	}
}

// NewWithHTTPClient is used by tests to point at an httptest server.
func NewWithHTTPClient(baseURL string, hc *http.Client, log *slog.Logger) *Client {
	c := New(baseURL, 0, log)
	if hc != nil {
		c.hc = hc
	}
	return c
}

// ResolveURL joins raw onto the base URL. Absolute URLs pass through, an
// "api/" path is not doubled onto an "/api" base, and a raw value that
// already starts with the base is kept. Empty query values are skipped.
func (c *Client) ResolveURL(raw string, query url.Values) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("backend: empty path")
	}

	var u string
	switch {
	case absoluteURL.MatchString(raw), c.base == "":
		u = raw
	case strings.HasPrefix(raw, c.base):
		u = raw
	default:
		p := strings.TrimLeft(raw, "/")
		if strings.HasSuffix(c.base, "/api") && strings.HasPrefix(p, "api/") {
			p = strings.TrimLeft(strings.TrimPrefix(p, "api/"), "/")
		}
		u = c.base + "/" + p
	}

	q := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	if enc := q.Encode(); enc != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + enc
	}
	return u, nil
}

// Request describes one backend call. Bearer is optional.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Bearer string
	Body   any
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Body       []byte
}

// DecodeJSON unmarshals the body into out.
func (r *Response) DecodeJSON(out any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return errors.New("backend: empty body")
	}
	return json.Unmarshal(r.Body, out)
}

// Do performs the request. Non-2xx responses return a *StatusError.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	u, err := c.ResolveURL(r.Path, r.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("backend: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}

	start := time.Now()
	res, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn("backend request failed", "method", method, "path", r.Path, "error", err)
		return nil, fmt.Errorf("backend: %s %s: %w", method, r.Path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("backend: read body: %w", err)
	}

	c.log.Debug("backend request",
		"method", method,
		"path", r.Path,
		"status", res.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: r.Path, StatusCode: res.StatusCode}
	}
	return &Response{StatusCode: res.StatusCode, Body: data}, nil
}
