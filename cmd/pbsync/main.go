// Command pbsync is the secondary node's sync agent. It registers with the
// primary, heartbeats, pulls RPZ bundles on config changes, executes queued
// commands against the local recursor and pushes resolver metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/powerblockade/powerblockade/internal/buildinfo"
	"github.com/powerblockade/powerblockade/internal/scanloop"
)

func loadAgentConfig() (agentConfig, error) {
	cfg := agentConfig{
		PrimaryURL:     strings.TrimRight(os.Getenv("PB_PRIMARY_URL"), "/"),
		NodeName:       os.Getenv("PB_NODE_NAME"),
		NodeKey:        os.Getenv("PB_NODE_API_KEY"),
		SharedDir:      os.Getenv("PB_SHARED_DIR"),
		RecursorAPIURL: strings.TrimRight(os.Getenv("PB_RECURSOR_API_URL"), "/"),
		RecursorAPIKey: os.Getenv("PB_RECURSOR_API_KEY"),
	}
	if cfg.SharedDir == "" {
		cfg.SharedDir = "/var/lib/powerblockade"
	}
	if cfg.RecursorAPIURL == "" {
		cfg.RecursorAPIURL = "http://127.0.0.1:8082"
	}
	var missing []string
	if cfg.PrimaryURL == "" {
		missing = append(missing, "PB_PRIMARY_URL")
	}
	if cfg.NodeName == "" {
		missing = append(missing, "PB_NODE_NAME")
	}
	if cfg.NodeKey == "" {
		missing = append(missing, "PB_NODE_API_KEY")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func main() {
	log.Printf("[pbsync] %s (%s) starting", buildinfo.Version, buildinfo.GitCommit)

	cfg, err := loadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pbsync: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := newAgent(cfg)

	// Keep retrying registration; the primary may come up after us.
	for {
		if err := agent.Register(ctx); err == nil {
			log.Printf("[pbsync] registered as %s with %s", cfg.NodeName, cfg.PrimaryURL)
			break
		} else {
			log.Printf("[pbsync] register failed: %v (retrying)", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}

	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		jitter   time.Duration
		fn       func(context.Context) error
	}{
		{"heartbeat", 30 * time.Second, 10 * time.Second, agent.Heartbeat},
		{"commands", 10 * time.Second, 5 * time.Second, agent.PollCommands},
		{"metrics", 60 * time.Second, 15 * time.Second, agent.PushMetrics},
	}
	for _, l := range loops {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanloop.Run(ctx, l.interval, l.jitter, func(ctx context.Context) {
				if err := l.fn(ctx); err != nil && ctx.Err() == nil {
					log.Printf("[pbsync] %s: %v", l.name, err)
				}
			})
		}()
	}

	<-ctx.Done()
	log.Printf("[pbsync] shutting down")
	wg.Wait()
}
