// Package promexport exposes control-plane state on the Prometheus text
// endpoint: fleet-wide query aggregates over the last day plus the latest
// resolver counters per node.
package promexport

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

const namespace = "powerblockade"

// Collector derives metrics from the store on every scrape. It holds no
// mutable state; all values are read fresh.
type Collector struct {
	Store  *store.Store
	Window time.Duration // aggregate window, default 24h

	queriesTotal   *prometheus.Desc
	queriesBlocked *prometheus.Desc
	cacheHitsTotal *prometheus.Desc
	blockedRate    *prometheus.Desc
	cacheHitRate   *prometheus.Desc
	qps            *prometheus.Desc

	nodeCounters map[string]*prometheus.Desc
	nodeUp       *prometheus.Desc
}

// NewCollector builds a collector with 24h aggregate descriptors and one
// descriptor per tracked resolver counter.
func NewCollector(s *store.Store) *Collector {
	c := &Collector{
		Store:  s,
		Window: 24 * time.Hour,
		queriesTotal: prometheus.NewDesc(namespace+"_queries_total_24h",
			"DNS queries observed across all nodes in the last 24 hours", nil, nil),
		queriesBlocked: prometheus.NewDesc(namespace+"_queries_blocked_24h",
			"Blocked DNS queries in the last 24 hours", nil, nil),
		cacheHitsTotal: prometheus.NewDesc(namespace+"_cache_hits_24h",
			"Queries answered under the cache-hit latency threshold in the last 24 hours", nil, nil),
		blockedRate: prometheus.NewDesc(namespace+"_blocked_rate_24h",
			"Fraction of queries blocked in the last 24 hours", nil, nil),
		cacheHitRate: prometheus.NewDesc(namespace+"_cache_hit_rate_24h",
			"Fraction of queries answered from cache in the last 24 hours", nil, nil),
		qps: prometheus.NewDesc(namespace+"_queries_per_second_24h",
			"Mean query rate over the last 24 hours", nil, nil),
		nodeUp: prometheus.NewDesc(namespace+"_node_up",
			"1 if the node's status is active", []string{"node"}, nil),
		nodeCounters: make(map[string]*prometheus.Desc),
	}
	for _, name := range []string{
		"node_cache_hits", "node_cache_misses", "node_cache_entries",
		"node_packetcache_hits", "node_packetcache_misses",
		"node_concurrent_queries", "node_outgoing_timeouts",
		"node_servfail_answers", "node_nxdomain_answers",
		"node_questions", "node_all_outqueries", "node_uptime_seconds",
	} {
		c.nodeCounters[name] = prometheus.NewDesc(namespace+"_"+name,
			"Latest resolver counter reported by the node", []string{"node"}, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queriesTotal
	ch <- c.queriesBlocked
	ch <- c.cacheHitsTotal
	ch <- c.blockedRate
	ch <- c.cacheHitRate
	ch <- c.qps
	ch <- c.nodeUp
	for _, d := range c.nodeCounters {
		ch <- d
	}
}

// Collect implements prometheus.Collector. Store errors are logged, never
// propagated: a broken scrape must not panic the registry.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	window := c.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().Add(-window)

	totals, err := c.Store.EventTotalsSince(since)
	if err != nil {
		log.Printf("[promexport] event totals: %v", err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.queriesTotal, prometheus.GaugeValue, float64(totals.Total))
		ch <- prometheus.MustNewConstMetric(c.queriesBlocked, prometheus.GaugeValue, float64(totals.Blocked))
		ch <- prometheus.MustNewConstMetric(c.cacheHitsTotal, prometheus.GaugeValue, float64(totals.CacheHits))
		blockedRate, cacheRate := 0.0, 0.0
		if totals.Total > 0 {
			blockedRate = float64(totals.Blocked) / float64(totals.Total)
			cacheRate = float64(totals.CacheHits) / float64(totals.Total)
		}
		ch <- prometheus.MustNewConstMetric(c.blockedRate, prometheus.GaugeValue, blockedRate)
		ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, cacheRate)
		ch <- prometheus.MustNewConstMetric(c.qps, prometheus.GaugeValue, float64(totals.Total)/window.Seconds())
	}

	nodes, err := c.Store.ListNodes()
	if err != nil {
		log.Printf("[promexport] list nodes: %v", err)
		return
	}
	snapshots, err := c.Store.LatestNodeMetrics()
	if err != nil {
		log.Printf("[promexport] latest node metrics: %v", err)
		return
	}
	latest := make(map[int64]*model.NodeMetrics, len(snapshots))
	for _, m := range snapshots {
		latest[m.NodeID] = m
	}
	for _, node := range nodes {
		up := 0.0
		if node.Status == model.NodeStatusActive {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.nodeUp, prometheus.GaugeValue, up, node.Name)

		m, ok := latest[node.ID]
		if !ok {
			continue
		}
		for name, value := range map[string]int64{
			"node_cache_hits":         m.CacheHits,
			"node_cache_misses":       m.CacheMisses,
			"node_cache_entries":      m.CacheEntries,
			"node_packetcache_hits":   m.PacketcacheHits,
			"node_packetcache_misses": m.PacketcacheMisses,
			"node_concurrent_queries": m.ConcurrentQueries,
			"node_outgoing_timeouts":  m.OutgoingTimeouts,
			"node_servfail_answers":   m.ServfailAnswers,
			"node_nxdomain_answers":   m.NXDomainAnswers,
			"node_questions":          m.Questions,
			"node_all_outqueries":     m.AllOutqueries,
			"node_uptime_seconds":     m.UptimeSeconds,
		} {
			ch <- prometheus.MustNewConstMetric(c.nodeCounters[name], prometheus.GaugeValue, float64(value), node.Name)
		}
	}
}

// Handler returns an HTTP handler serving the exposition page from a private
// registry holding only this collector.
func Handler(s *store.Store) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(s))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
