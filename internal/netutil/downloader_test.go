package netutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestDownloader(timeout time.Duration) *DirectDownloader {
	return NewDirectDownloader(
		func() time.Duration { return timeout },
		func() string { return "powerblockade-test" },
	)
}

func TestDirectDownloader_FetchBodyAndValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 24 Aug 2026 10:00:00 GMT")
		_, _ = w.Write([]byte("example.com\n"))
	}))
	defer srv.Close()

	res, err := newTestDownloader(time.Second).Fetch(context.Background(), srv.URL, Validators{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.NotModified {
		t.Fatal("unexpected NotModified on first fetch")
	}
	if string(res.Body) != "example.com\n" {
		t.Errorf("body = %q", res.Body)
	}
	if res.Validators.ETag != `"v1"` || res.Validators.LastModified == "" {
		t.Errorf("validators = %+v", res.Validators)
	}
}

func TestDirectDownloader_ConditionalGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("example.com\n"))
	}))
	defer srv.Close()

	d := newTestDownloader(time.Second)
	first, err := d.Fetch(context.Background(), srv.URL, Validators{})
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	second, err := d.Fetch(context.Background(), srv.URL, first.Validators)
	if err != nil {
		t.Fatalf("conditional fetch: %v", err)
	}
	if !second.NotModified {
		t.Fatal("expected NotModified")
	}
	if second.Body != nil {
		t.Errorf("304 should carry no body, got %q", second.Body)
	}
	if second.Validators != first.Validators {
		t.Errorf("validators not preserved: %+v", second.Validators)
	}
}

func TestDirectDownloader_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestDownloader(time.Second).Fetch(context.Background(), srv.URL, Validators{})
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", statusErr.StatusCode)
	}
}

func TestDirectDownloader_FallbackTimeoutWithoutContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := newTestDownloader(20 * time.Millisecond).Fetch(context.Background(), srv.URL, Validators{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDirectDownloader_ContextDeadlineOverridesFallbackTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := newTestDownloader(20*time.Millisecond).Fetch(ctx, srv.URL, Validators{})
	if err != nil {
		t.Fatalf("fetch should succeed with caller deadline, got %v", err)
	}
	if string(res.Body) != "ok" {
		t.Fatalf("body = %q", res.Body)
	}
}
