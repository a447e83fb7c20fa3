package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const samplePage = `# HELP pdns_recursor_cache_hits Number of entries served from the cache
# TYPE pdns_recursor_cache_hits counter
pdns_recursor_cache_hits 12345
# TYPE pdns_recursor_cache_misses counter
pdns_recursor_cache_misses 678
# TYPE pdns_recursor_cache_entries gauge
pdns_recursor_cache_entries 9001
# TYPE pdns_recursor_concurrent_queries gauge
pdns_recursor_concurrent_queries 3
# TYPE pdns_recursor_servfail_answers counter
pdns_recursor_servfail_answers 17
# TYPE pdns_recursor_questions counter
pdns_recursor_questions 13040
# TYPE pdns_recursor_uptime counter
pdns_recursor_uptime 86400
# TYPE pdns_recursor_x_our_latency counter
pdns_recursor_x_our_latency 42
`

func TestScrapeMapsRecursorCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	m, err := NewScraper(srv.URL).Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if m.CacheHits != 12345 || m.CacheMisses != 678 || m.CacheEntries != 9001 {
		t.Errorf("cache counters = %d/%d/%d", m.CacheHits, m.CacheMisses, m.CacheEntries)
	}
	if m.ConcurrentQueries != 3 || m.ServfailAnswers != 17 {
		t.Errorf("gauge/servfail = %d/%d", m.ConcurrentQueries, m.ServfailAnswers)
	}
	if m.Questions != 13040 || m.UptimeSeconds != 86400 {
		t.Errorf("questions/uptime = %d/%d", m.Questions, m.UptimeSeconds)
	}
	// Families the model does not track stay untouched; absent ones are zero.
	if m.NXDomainAnswers != 0 || m.AllOutqueries != 0 {
		t.Errorf("absent metrics not zero: %d/%d", m.NXDomainAnswers, m.AllOutqueries)
	}
	if m.TS.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestScrapeRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := NewScraper(srv.URL).Scrape(context.Background()); err == nil {
		t.Fatal("expected error on 401 page")
	}
}

func TestFlushCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/servers/localhost/cache/flush" {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("domain"); got != "." {
			t.Errorf("flush domain = %q, want .", got)
		}
		if got := r.Header.Get("X-API-Key"); got != "sekrit" {
			t.Errorf("api key header = %q", got)
		}
		w.Write([]byte(`{"count": 9, "result": "Flushed cache."}`))
	}))
	defer srv.Close()

	body, err := FlushCache(context.Background(), nil, srv.URL, "sekrit", ".")
	if err != nil {
		t.Fatalf("FlushCache: %v", err)
	}
	if body == "" {
		t.Error("empty response body")
	}
}

func TestFlushCacheRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := FlushCache(context.Background(), nil, srv.URL, "", "."); err == nil {
		t.Fatal("expected error on 401")
	}
}
