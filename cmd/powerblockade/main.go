// Command powerblockade runs the primary control-plane node: the policy
// store, the RPZ compiler, the node-sync API and the maintenance jobs.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/powerblockade/powerblockade/internal/api"
	"github.com/powerblockade/powerblockade/internal/audit"
	"github.com/powerblockade/powerblockade/internal/blocking"
	"github.com/powerblockade/powerblockade/internal/buildinfo"
	"github.com/powerblockade/powerblockade/internal/config"
	"github.com/powerblockade/powerblockade/internal/ingest"
	"github.com/powerblockade/powerblockade/internal/netutil"
	"github.com/powerblockade/powerblockade/internal/nodepkg"
	"github.com/powerblockade/powerblockade/internal/policy"
	"github.com/powerblockade/powerblockade/internal/precache"
	"github.com/powerblockade/powerblockade/internal/ptr"
	"github.com/powerblockade/powerblockade/internal/retention"
	"github.com/powerblockade/powerblockade/internal/rollup"
	"github.com/powerblockade/powerblockade/internal/schedule"
	"github.com/powerblockade/powerblockade/internal/scheduler"
	"github.com/powerblockade/powerblockade/internal/scrape"
	"github.com/powerblockade/powerblockade/internal/store"
	"github.com/powerblockade/powerblockade/internal/worker"
)

const maxRequestBody = 10 << 20

func main() {
	log.Printf("[main] powerblockade %s (%s) starting", buildinfo.Version, buildinfo.GitCommit)

	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "powerblockade: %v\n", err)
		os.Exit(1)
	}

	s, err := store.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "powerblockade: open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	// The primary registers itself like any other node so its recursor's
	// counters land in the same tables.
	primaryKey := cfg.PrimaryNodeAPIKey
	if primaryKey == "" {
		sum := sha256.Sum256([]byte(cfg.AdminSecretKey))
		primaryKey = hex.EncodeToString(sum[:])[:64]
	}
	primary, err := s.EnsurePrimaryNode(primaryKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "powerblockade: ensure primary node: %v\n", err)
		os.Exit(1)
	}

	pool := worker.NewPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize)

	downloader := netutil.NewDirectDownloader(
		func() time.Duration { return cfg.BlocklistFetchTimeout },
		func() string { return "PowerBlockade/" + buildinfo.Version },
	)
	compiler := &policy.Compiler{Store: s, SharedDir: cfg.SharedDir, Downloader: downloader}

	blockCtl := &blocking.Controller{Store: s, SharedDir: cfg.SharedDir}

	// Compiles run on the pool so API handlers never wait on zone writes.
	// The local recursor's cache is flushed after each compile so newly
	// blocked or unblocked names take effect without waiting out TTLs.
	requestCompile := func() {
		pool.Submit(worker.Task{
			Name: "policy-compile",
			Run: func(ctx context.Context) {
				st, err := blockCtl.Current()
				if err != nil {
					log.Printf("[main] compile: read blocking state: %v", err)
					return
				}
				if _, err := compiler.Compile(st.Active); err != nil {
					log.Printf("[main] compile failed: %v", err)
					return
				}
				fctx, cancel := context.WithTimeout(ctx, cfg.CacheClearTimeout)
				defer cancel()
				if _, err := scrape.FlushCache(fctx, nil, cfg.RecursorAPIURL, cfg.RecursorAPIKey, "."); err != nil {
					log.Printf("[main] local cache flush: %v", err)
				}
			},
		})
	}
	blockCtl.RequestCompile = requestCompile

	resolver := ptr.NewResolver(s, pool, cfg.PTRTimeout)
	pipeline := &ingest.Pipeline{Store: s, OnNewClients: resolver.ScheduleClients}
	schedEngine := &schedule.Engine{Store: s, RequestCompile: requestCompile}
	rollupEngine := &rollup.Engine{Store: s}
	retentionEngine := &retention.Engine{Store: s}
	warmer := precache.NewWarmer(s, cfg.RecursorDNS, cfg.WarmTimeout)
	localScraper := scrape.NewScraper(cfg.RecursorAPIURL + "/metrics")
	auditSvc := &audit.Service{Store: s, RequestCompile: requestCompile}
	pkgBuilder := &nodepkg.Builder{Store: s, PrimaryURL: cfg.PrimaryURL}

	sched := scheduler.New()
	registerJobs(sched, jobDeps{
		compiler:  compiler,
		blocking:  blockCtl,
		schedule:  schedEngine,
		rollup:    rollupEngine,
		retention: retentionEngine,
		warmer:    warmer,
		scraper:   localScraper,
		resolver:  resolver,
		store:     s,
		primaryID: primary.ID,
	})
	sched.Start()

	// One compile on boot so a fresh install serves zone files immediately.
	requestCompile()

	adminToken := cfg.AdminToken
	if adminToken == "" {
		adminToken = cfg.AdminSecretKey
	}
	srv := api.NewServer(cfg.ListenAddress, cfg.Port, api.Deps{
		Store:          s,
		Blocking:       blockCtl,
		Ingest:         pipeline,
		Audit:          auditSvc,
		PkgBuilder:     pkgBuilder,
		Scheduler:      sched,
		SharedDir:      cfg.SharedDir,
		BackupDir:      cfg.BackupDir,
		AdminToken:     adminToken,
		Version:        buildinfo.Version,
		Commit:         buildinfo.GitCommit,
		RequestCompile: requestCompile,
		MaxBodyBytes:   maxRequestBody,
	})

	go func() {
		log.Printf("[main] listening on %s:%d", cfg.ListenAddress, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[main] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown: %v", err)
	}
	sched.Stop(10 * time.Second)
	pool.Stop()
	log.Printf("[main] bye")
}

type jobDeps struct {
	compiler  *policy.Compiler
	blocking  *blocking.Controller
	schedule  *schedule.Engine
	rollup    *rollup.Engine
	retention *retention.Engine
	warmer    *precache.Warmer
	scraper   *scrape.Scraper
	resolver  *ptr.Resolver
	store     *store.Store
	primaryID int64
}

// registerJobs fills the standard maintenance table. Registration errors are
// programming mistakes (duplicate names), so they are fatal.
func registerJobs(sched *scheduler.Scheduler, d jobDeps) {
	jobs := []scheduler.Job{
		{Name: scheduler.JobBlocklistRefresh, Spec: scheduler.SpecBlocklistRefresh, Run: func(ctx context.Context) error {
			changed, err := d.compiler.RefreshLists(ctx, false)
			if err != nil {
				return err
			}
			if changed {
				st, err := d.blocking.Current()
				if err != nil {
					return err
				}
				_, err = d.compiler.Compile(st.Active)
				return err
			}
			return nil
		}},
		{Name: scheduler.JobScheduleCheck, Spec: scheduler.SpecScheduleCheck, Run: func(ctx context.Context) error {
			_, err := d.schedule.Tick()
			return err
		}},
		{Name: scheduler.JobRollup, Spec: scheduler.SpecRollup, Run: func(ctx context.Context) error {
			return d.rollup.Tick()
		}},
		{Name: scheduler.JobRetention, Spec: scheduler.SpecRetention, Run: func(ctx context.Context) error {
			counts, err := d.retention.Run()
			if err != nil {
				return err
			}
			log.Printf("[main] retention: events=%d hourly=%d daily=%d metrics=%d",
				counts.Events, counts.HourlyRollups, counts.DailyRollups, counts.NodeMetrics)
			return nil
		}},
		{Name: scheduler.JobPrecache, Spec: scheduler.SpecPrecache, Run: func(ctx context.Context) error {
			return d.warmer.Run(ctx)
		}},
		{Name: scheduler.JobLocalMetrics, Spec: scheduler.SpecLocalMetrics, Run: func(ctx context.Context) error {
			m, err := d.scraper.Scrape(ctx)
			if err != nil {
				return err
			}
			m.NodeID = d.primaryID
			return d.store.InsertNodeMetrics(m)
		}},
		{Name: scheduler.JobBlockingResume, Spec: scheduler.SpecBlockingResume, Run: func(ctx context.Context) error {
			resumed, err := d.blocking.ResumeIfExpired()
			if err != nil {
				return err
			}
			if resumed {
				log.Printf("[main] blocking pause expired, resumed")
			}
			return nil
		}},
		{Name: scheduler.JobClientRDNS, Spec: scheduler.SpecClientRDNS, Run: func(ctx context.Context) error {
			clients, err := d.store.ClientsNeedingRDNS(time.Now().Add(-24*time.Hour), 200)
			if err != nil {
				return err
			}
			ids := make([]int64, 0, len(clients))
			for _, c := range clients {
				ids = append(ids, c.ID)
			}
			d.resolver.ScheduleClients(ids)
			return nil
		}},
	}
	for _, j := range jobs {
		if err := sched.Register(j); err != nil {
			log.Fatalf("[main] register job %s: %v", j.Name, err)
		}
	}
}
