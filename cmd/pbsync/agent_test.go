package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/powerblockade/powerblockade/internal/api"
	"github.com/powerblockade/powerblockade/internal/policy"
)

const testKey = "agent-test-key"

// primaryStub fakes the node-sync side of the primary.
type primaryStub struct {
	t *testing.T

	configVersion string
	rpzFiles      []rpzFile
	forwardZones  []forwardZone
	commands      []command

	configPulls atomic.Int64
	results     []map[string]any
}

func (p *primaryStub) handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(api.NodeKeyHeader) != testKey {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			p.t.Errorf("stub encode: %v", err)
		}
	}
	mux.HandleFunc("POST /api/node-sync/register", auth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "config_version": p.configVersion})
	}))
	mux.HandleFunc("POST /api/node-sync/heartbeat", auth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "config_version": p.configVersion})
	}))
	mux.HandleFunc("GET /api/node-sync/config", auth(func(w http.ResponseWriter, r *http.Request) {
		p.configPulls.Add(1)
		writeJSON(w, map[string]any{
			"ok":             true,
			"config_version": p.configVersion,
			"rpz_files":      p.rpzFiles,
			"forward_zones":  p.forwardZones,
		})
	}))
	mux.HandleFunc("GET /api/node-sync/commands", auth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"commands": p.commands})
	}))
	mux.HandleFunc("POST /api/node-sync/commands/result", auth(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			p.t.Errorf("stub decode result: %v", err)
		}
		p.results = append(p.results, body)
		writeJSON(w, map[string]any{"ok": true})
	}))
	return mux
}

func newTestAgent(t *testing.T, stub *primaryStub) (*Agent, string) {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	shared := t.TempDir()
	return newAgent(agentConfig{
		PrimaryURL: srv.URL,
		NodeName:   "edge-1",
		NodeKey:    testKey,
		SharedDir:  shared,
	}), shared
}

func TestPullConfigWritesVerifiedBundle(t *testing.T) {
	zone := "$TTL 60\n@ SOA . . 42 1 1 1 1\nbad.example CNAME .\n"
	stub := &primaryStub{
		t:             t,
		configVersion: "v42",
		rpzFiles: []rpzFile{
			{Filename: "blocklist-combined.rpz", Content: zone, Checksum: policy.FileChecksum(zone)},
		},
		forwardZones: []forwardZone{
			{Domain: "corp.internal", Servers: "10.0.0.1;10.0.0.2"},
		},
	}
	agent, shared := newTestAgent(t, stub)

	if err := agent.PullConfig(context.Background()); err != nil {
		t.Fatalf("PullConfig: %v", err)
	}
	if agent.appliedVersion != "v42" {
		t.Errorf("applied version = %q, want v42", agent.appliedVersion)
	}

	got, err := os.ReadFile(filepath.Join(shared, "rpz", "blocklist-combined.rpz"))
	if err != nil {
		t.Fatalf("read rpz: %v", err)
	}
	if string(got) != zone {
		t.Errorf("rpz content mismatch:\n%s", got)
	}

	fwd, err := os.ReadFile(filepath.Join(shared, "forward-zones.conf"))
	if err != nil {
		t.Fatalf("read forward-zones: %v", err)
	}
	if !strings.Contains(string(fwd), "corp.internal=10.0.0.1;10.0.0.2") {
		t.Errorf("forward-zones missing entry:\n%s", fwd)
	}
}

func TestPullConfigRejectsChecksumMismatch(t *testing.T) {
	stub := &primaryStub{
		t:             t,
		configVersion: "v1",
		rpzFiles: []rpzFile{
			{Filename: "blocklist-combined.rpz", Content: "real content", Checksum: "0123456789abcdef"},
		},
	}
	agent, shared := newTestAgent(t, stub)

	err := agent.PullConfig(context.Background())
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
	if agent.appliedVersion != "" {
		t.Errorf("applied version = %q after rejected bundle", agent.appliedVersion)
	}
	if _, serr := os.Stat(filepath.Join(shared, "rpz", "blocklist-combined.rpz")); !os.IsNotExist(serr) {
		t.Errorf("rejected bundle reached disk")
	}
}

func TestHeartbeatPullsOnlyOnVersionChange(t *testing.T) {
	stub := &primaryStub{t: t, configVersion: "v1"}
	agent, _ := newTestAgent(t, stub)

	for i := 0; i < 3; i++ {
		if err := agent.Heartbeat(context.Background()); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	if n := stub.configPulls.Load(); n != 1 {
		t.Errorf("config pulls = %d, want 1 (same version)", n)
	}

	stub.configVersion = "v2"
	if err := agent.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat after bump: %v", err)
	}
	if n := stub.configPulls.Load(); n != 2 {
		t.Errorf("config pulls = %d, want 2 after version bump", n)
	}
}

func TestPollCommandsFlushesRecursorCache(t *testing.T) {
	var flushed atomic.Int64
	recursor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || !strings.HasPrefix(r.URL.Path, "/api/v1/servers/localhost/cache/flush") {
			t.Errorf("unexpected recursor call: %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("domain"); got != "." {
			t.Errorf("flush domain = %q, want .", got)
		}
		if got := r.Header.Get("X-API-Key"); got != "recursor-secret" {
			t.Errorf("recursor api key = %q", got)
		}
		flushed.Add(1)
		w.Write([]byte(`{"count": 17, "result": "Flushed cache."}`))
	}))
	defer recursor.Close()

	stub := &primaryStub{
		t: t,
		commands: []command{
			{ID: "cmd-1", Command: "clear_cache"},
			{ID: "cmd-2", Command: "reboot_flux_capacitor"},
		},
	}
	agent, _ := newTestAgent(t, stub)
	agent.cfg.RecursorAPIURL = recursor.URL
	agent.cfg.RecursorAPIKey = "recursor-secret"

	if err := agent.PollCommands(context.Background()); err != nil {
		t.Fatalf("PollCommands: %v", err)
	}
	if flushed.Load() != 1 {
		t.Errorf("recursor flushed %d times, want 1", flushed.Load())
	}
	if len(stub.results) != 2 {
		t.Fatalf("results posted = %d, want 2", len(stub.results))
	}
	if stub.results[0]["id"] != "cmd-1" || stub.results[0]["success"] != true {
		t.Errorf("cmd-1 result = %v", stub.results[0])
	}
	if stub.results[1]["success"] != false {
		t.Errorf("unknown command reported success: %v", stub.results[1])
	}
}
