package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Common errors. A *StatusError unwraps to one of these.
var (
	ErrNotFound    = errors.New("http: resource not found")
	ErrRateLimited = errors.New("http: rate limited")
	ErrServerError = errors.New("http: server error")
	ErrClientError = errors.New("http: client error")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code   int
	Status string
	err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s", e.err, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.err
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// ConnectTimeout bounds dialing and the TLS handshake.
	// Default: 30s
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers. Body reads are
	// bounded by the request context.
	// Default: 300s
	ReadTimeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		ConnectTimeout:      30 * time.Second,
		ReadTimeout:         300 * time.Second,
		UserAgent:           "gather/1.0",
	}
}

// Response is an open payload stream.
type Response struct {
	Body         io.ReadCloser
	Size         int64
	ETag         string
	LastModified time.Time
}

// Client is an HTTP client for streaming large payloads. It performs a
// single request per call; retrying is left to the caller.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // payloads are gzip files, keep raw bytes
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Open performs a GET request and returns the open body with its metadata.
// The caller must close Body.
func (c *Client) Open(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, err
	}

	out := &Response{
		Body: resp.Body,
		Size: resp.ContentLength,
		ETag: cleanETag(resp.Header.Get("ETag")),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			out.LastModified = t
		}
	}
	return out, nil
}

// Get performs a simple GET request.
func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// checkStatus returns a *StatusError for non-success responses.
func checkStatus(resp *http.Response) error {
	code := resp.StatusCode
	var sentinel error
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		sentinel = ErrNotFound
	case code == http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case code >= 500:
		sentinel = ErrServerError
	default:
		sentinel = ErrClientError
	}
	return &StatusError{Code: code, Status: resp.Status, err: sentinel}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}
