package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/powerblockade/powerblockade/internal/api"
	"github.com/powerblockade/powerblockade/internal/buildinfo"
	"github.com/powerblockade/powerblockade/internal/policy"
	"github.com/powerblockade/powerblockade/internal/scrape"
)

// agentConfig is the secondary's environment-driven configuration. The
// deployment package ships a pbsync.env with these keys filled in.
type agentConfig struct {
	PrimaryURL     string
	NodeName       string
	NodeKey        string
	SharedDir      string
	RecursorAPIURL string
	RecursorAPIKey string
}

// Agent talks the node-sync protocol against the primary and keeps the local
// recursor's files and cache in step.
type Agent struct {
	cfg     agentConfig
	client  *http.Client
	scraper *scrape.Scraper

	// appliedVersion is the config_version of the last bundle written to
	// disk. Heartbeat responses are diffed against it.
	appliedVersion string
}

func newAgent(cfg agentConfig) *Agent {
	return &Agent{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		scraper: scrape.NewScraper(cfg.RecursorAPIURL + "/metrics"),
	}
}

// do performs one authenticated JSON round trip. out may be nil.
func (a *Agent) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pbsync: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.PrimaryURL+path, reader)
	if err != nil {
		return fmt.Errorf("pbsync: build %s request: %w", path, err)
	}
	req.Header.Set(api.NodeKeyHeader, a.cfg.NodeKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("pbsync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pbsync: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(blob)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pbsync: decode %s response: %w", path, err)
	}
	return nil
}

type syncResponse struct {
	OK            bool   `json:"ok"`
	ConfigVersion string `json:"config_version"`
}

// Register announces the node and pulls the bundle when out of date.
func (a *Agent) Register(ctx context.Context) error {
	var resp syncResponse
	err := a.do(ctx, http.MethodPost, "/api/node-sync/register", map[string]any{
		"name":    a.cfg.NodeName,
		"version": buildinfo.Version,
	}, &resp)
	if err != nil {
		return err
	}
	return a.syncIfStale(ctx, resp.ConfigVersion)
}

// Heartbeat reports liveness and pulls the bundle when the primary's
// config_version moved past the applied one.
func (a *Agent) Heartbeat(ctx context.Context) error {
	var resp syncResponse
	if err := a.do(ctx, http.MethodPost, "/api/node-sync/heartbeat", map[string]any{}, &resp); err != nil {
		return err
	}
	return a.syncIfStale(ctx, resp.ConfigVersion)
}

func (a *Agent) syncIfStale(ctx context.Context, remote string) error {
	if remote == "" || remote == a.appliedVersion {
		return nil
	}
	return a.PullConfig(ctx)
}

type rpzFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Checksum string `json:"checksum"`
}

type forwardZone struct {
	Domain  string `json:"domain"`
	Servers string `json:"servers"`
}

type configResponse struct {
	ConfigVersion string        `json:"config_version"`
	RPZFiles      []rpzFile     `json:"rpz_files"`
	ForwardZones  []forwardZone `json:"forward_zones"`
}

// PullConfig fetches the bundle and writes it into the shared directory.
// Every file lands atomically; a checksum mismatch rejects the whole bundle
// before anything touches disk.
func (a *Agent) PullConfig(ctx context.Context) error {
	var resp configResponse
	if err := a.do(ctx, http.MethodGet, "/api/node-sync/config", nil, &resp); err != nil {
		return err
	}
	for _, f := range resp.RPZFiles {
		if got := policy.FileChecksum(f.Content); got != f.Checksum {
			return fmt.Errorf("pbsync: checksum mismatch for %s: got %s want %s", f.Filename, got, f.Checksum)
		}
		if f.Filename != filepath.Base(f.Filename) {
			return fmt.Errorf("pbsync: refusing rpz filename %q", f.Filename)
		}
	}

	rpzDir := filepath.Join(a.cfg.SharedDir, "rpz")
	if err := os.MkdirAll(rpzDir, 0o755); err != nil {
		return fmt.Errorf("pbsync: mkdir %s: %w", rpzDir, err)
	}
	for _, f := range resp.RPZFiles {
		path := filepath.Join(rpzDir, f.Filename)
		if err := renameio.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("pbsync: write %s: %w", path, err)
		}
	}

	var b strings.Builder
	b.WriteString("# generated by pbsync; do not edit\n")
	for _, z := range resp.ForwardZones {
		fmt.Fprintf(&b, "%s=%s\n", z.Domain, z.Servers)
	}
	fwdPath := filepath.Join(a.cfg.SharedDir, "forward-zones.conf")
	if err := renameio.WriteFile(fwdPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("pbsync: write %s: %w", fwdPath, err)
	}

	a.appliedVersion = resp.ConfigVersion
	log.Printf("[pbsync] applied config %s (%d rpz files, %d forward zones)",
		resp.ConfigVersion, len(resp.RPZFiles), len(resp.ForwardZones))
	return nil
}

type command struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Params  string `json:"params"`
}

// PollCommands fetches pending commands, executes each and reports the
// outcome. One failing command does not stop the rest.
func (a *Agent) PollCommands(ctx context.Context) error {
	var resp struct {
		Commands []command `json:"commands"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/node-sync/commands", nil, &resp); err != nil {
		return err
	}
	for _, c := range resp.Commands {
		result, err := a.execute(ctx, c)
		success := err == nil
		if err != nil {
			result = err.Error()
			log.Printf("[pbsync] command %s (%s) failed: %v", c.ID, c.Command, err)
		}
		post := a.do(ctx, http.MethodPost, "/api/node-sync/commands/result", map[string]any{
			"id":      c.ID,
			"success": success,
			"result":  result,
		}, nil)
		if post != nil {
			return post
		}
	}
	return nil
}

func (a *Agent) execute(ctx context.Context, c command) (string, error) {
	switch c.Command {
	case "clear_cache":
		domain := c.Params
		if domain == "" {
			domain = "."
		}
		return a.flushRecursorCache(ctx, domain)
	case "sync_config":
		return "config pulled", a.PullConfig(ctx)
	default:
		return "", fmt.Errorf("unknown command %q", c.Command)
	}
}

// flushRecursorCache wipes the local recursor's cache for a domain subtree
// through the PowerDNS API.
func (a *Agent) flushRecursorCache(ctx context.Context, domain string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return scrape.FlushCache(ctx, a.client, a.cfg.RecursorAPIURL, a.cfg.RecursorAPIKey, domain)
}

// PushMetrics scrapes the local recursor and posts the snapshot.
func (a *Agent) PushMetrics(ctx context.Context) error {
	m, err := a.scraper.Scrape(ctx)
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPost, "/api/node-sync/metrics", map[string]any{
		"cache_hits":         m.CacheHits,
		"cache_misses":       m.CacheMisses,
		"cache_entries":      m.CacheEntries,
		"packetcache_hits":   m.PacketcacheHits,
		"packetcache_misses": m.PacketcacheMisses,
		"answers_0_1":        m.Answers01,
		"answers_1_10":       m.Answers110,
		"answers_10_100":     m.Answers10100,
		"answers_100_1000":   m.Answers1001000,
		"answers_slow":       m.AnswersSlow,
		"concurrent_queries": m.ConcurrentQueries,
		"outgoing_timeouts":  m.OutgoingTimeouts,
		"servfail_answers":   m.ServfailAnswers,
		"nxdomain_answers":   m.NXDomainAnswers,
		"questions":          m.Questions,
		"all_outqueries":     m.AllOutqueries,
		"uptime_seconds":     m.UptimeSeconds,
	}, nil)
}
