// Package netutil provides the HTTP fetch primitives used by the blocklist
// refresh pipeline.
package netutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code. This is a non-network failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("downloader: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError indicates request setup failed before any transport
// attempt was made (for example, malformed URL).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("downloader: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// Validators carries the cached HTTP validators for conditional requests.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchResult is a completed download. NotModified is set when the server
// answered 304 to a conditional request; Body is nil in that case.
type FetchResult struct {
	Body        []byte
	NotModified bool
	Validators  Validators
}

// Downloader fetches remote list bodies with conditional-GET support.
type Downloader interface {
	Fetch(ctx context.Context, url string, prev Validators) (*FetchResult, error)
}

// maxBodySize caps list downloads. Lists beyond this are rejected rather
// than truncated.
const maxBodySize = 256 << 20

// DirectDownloader downloads via a standard HTTP client.
type DirectDownloader struct {
	Client      *http.Client
	TimeoutFn   func() time.Duration
	UserAgentFn func() string
}

// NewDirectDownloader creates a downloader that pulls timeout/user-agent
// from callbacks on each request.
func NewDirectDownloader(timeoutFn func() time.Duration, userAgentFn func() string) *DirectDownloader {
	if timeoutFn == nil {
		panic("netutil: NewDirectDownloader requires non-nil timeoutFn")
	}
	if userAgentFn == nil {
		panic("netutil: NewDirectDownloader requires non-nil userAgentFn")
	}
	return &DirectDownloader{
		Client:      &http.Client{},
		TimeoutFn:   timeoutFn,
		UserAgentFn: userAgentFn,
	}
}

// Fetch downloads the URL. When prev carries validators they are sent as
// If-None-Match / If-Modified-Since, and a 304 answer yields NotModified.
func (d *DirectDownloader) Fetch(ctx context.Context, url string, prev Validators) (*FetchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := d.TimeoutFn()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	if ua := d.UserAgentFn(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return &FetchResult{NotModified: true, Validators: prev}, nil
	case http.StatusOK:
	default:
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("downloader: body from %s exceeds %d bytes", url, maxBodySize)
	}

	return &FetchResult{
		Body: body,
		Validators: Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}, nil
}
