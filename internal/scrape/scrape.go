// Package scrape talks to a local PowerDNS recursor's HTTP API: it pulls
// resolver counters from the Prometheus exposition page into NodeMetrics
// rows, and flushes the cache.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	prommodel "github.com/prometheus/common/model"

	"github.com/powerblockade/powerblockade/internal/model"
)

// DefaultTimeout bounds one scrape round trip.
const DefaultTimeout = 10 * time.Second

// Scraper fetches and parses pdns_recursor_* metrics.
type Scraper struct {
	URL     string // e.g. http://127.0.0.1:8082/metrics
	Client  *http.Client
	Timeout time.Duration
}

// NewScraper builds a scraper for the given exposition URL.
func NewScraper(url string) *Scraper {
	return &Scraper{URL: url, Timeout: DefaultTimeout}
}

// Scrape fetches the page and maps the recursor counters onto a NodeMetrics
// snapshot stamped with the current time. Metrics absent from the page stay
// zero.
func (s *Scraper) Scrape(ctx context.Context) (*model.NodeMetrics, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("scrape: build request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: status %d", s.URL, resp.StatusCode)
	}

	// The parser needs an explicit validation scheme; the zero value refuses
	// to parse. Legacy matches the recursor's underscore-only metric names.
	parser := expfmt.NewTextParser(prommodel.LegacyValidation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: parse exposition: %w", s.URL, err)
	}
	return FromFamilies(families, time.Now()), nil
}

// FlushCache wipes the recursor's cache for a domain subtree ("." for
// everything) through the PowerDNS API. The caller bounds the round trip via
// ctx. Returns the recursor's response body.
func FlushCache(ctx context.Context, client *http.Client, baseURL, apiKey, domain string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(baseURL, "/") +
		"/api/v1/servers/localhost/cache/flush?domain=" + url.QueryEscape(domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return "", fmt.Errorf("scrape: build flush request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrape: flush cache: %w", err)
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scrape: flush cache: status %d: %s", resp.StatusCode, strings.TrimSpace(string(blob)))
	}
	return strings.TrimSpace(string(blob)), nil
}

// FromFamilies maps parsed metric families onto a NodeMetrics snapshot.
func FromFamilies(families map[string]*dto.MetricFamily, ts time.Time) *model.NodeMetrics {
	m := &model.NodeMetrics{TS: ts}
	for name, dst := range map[string]*int64{
		"pdns_recursor_cache_hits":         &m.CacheHits,
		"pdns_recursor_cache_misses":       &m.CacheMisses,
		"pdns_recursor_cache_entries":      &m.CacheEntries,
		"pdns_recursor_packetcache_hits":   &m.PacketcacheHits,
		"pdns_recursor_packetcache_misses": &m.PacketcacheMisses,
		"pdns_recursor_answers0_1":         &m.Answers01,
		"pdns_recursor_answers1_10":        &m.Answers110,
		"pdns_recursor_answers10_100":      &m.Answers10100,
		"pdns_recursor_answers100_1000":    &m.Answers1001000,
		"pdns_recursor_answers_slow":       &m.AnswersSlow,
		"pdns_recursor_concurrent_queries": &m.ConcurrentQueries,
		"pdns_recursor_outgoing_timeouts":  &m.OutgoingTimeouts,
		"pdns_recursor_servfail_answers":   &m.ServfailAnswers,
		"pdns_recursor_nxdomain_answers":   &m.NXDomainAnswers,
		"pdns_recursor_questions":          &m.Questions,
		"pdns_recursor_all_outqueries":     &m.AllOutqueries,
		"pdns_recursor_uptime":             &m.UptimeSeconds,
	} {
		*dst = familyValue(families, name)
	}
	return m
}

// familyValue returns the first sample of a family as int64. Counters and
// gauges both occur on the recursor page.
func familyValue(families map[string]*dto.MetricFamily, name string) int64 {
	mf, ok := families[name]
	if !ok || len(mf.GetMetric()) == 0 {
		return 0
	}
	sample := mf.GetMetric()[0]
	switch {
	case sample.GetCounter() != nil:
		return int64(sample.GetCounter().GetValue())
	case sample.GetGauge() != nil:
		return int64(sample.GetGauge().GetValue())
	case sample.GetUntyped() != nil:
		return int64(sample.GetUntyped().GetValue())
	}
	return 0
}
