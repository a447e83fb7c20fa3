// Package scheduler owns the background job table: a single cron coordinator
// dispatching the periodic maintenance jobs, with per-job overlap prevention
// and a bounded-grace shutdown.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one named periodic task. Run receives a context cancelled at
// shutdown; long jobs should honor it.
type Job struct {
	Name string
	// Spec is a cron expression with seconds field disabled ("*/15 * * * *")
	// or an @every duration.
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler coordinates the job table.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

type entry struct {
	job     Job
	running sync.Mutex // held while one instance runs; TryLock gates overlap
	lastRun time.Time
	lastErr error
}

// New creates an empty scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job before Start. Duplicate names are rejected.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: register %q after start", j.Name)
	}
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %q", j.Name)
	}
	e := &entry{job: j}
	s.jobs[j.Name] = e

	_, err := s.cron.AddFunc(j.Spec, func() { s.runEntry(e) })
	if err != nil {
		delete(s.jobs, j.Name)
		return fmt.Errorf("scheduler: job %q spec %q: %w", j.Name, j.Spec, err)
	}
	return nil
}

func (s *Scheduler) runEntry(e *entry) {
	if !e.running.TryLock() {
		log.Printf("[scheduler] job %q still running, skipped", e.job.Name)
		return
	}
	defer e.running.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	start := time.Now()
	err := e.job.Run(s.ctx)
	e.lastRun = start
	e.lastErr = err
	if err != nil && s.ctx.Err() == nil {
		log.Printf("[scheduler] job %q failed after %s: %v", e.job.Name, time.Since(start).Round(time.Millisecond), err)
	}
}

// Start begins dispatching.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
	log.Printf("[scheduler] started with %d jobs", len(s.jobs))
}

// RunNow triggers one job immediately, outside its cadence. Overlap with a
// scheduled run of the same job is still prevented.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.runEntry(e)
	return e.lastErr
}

// JobNames lists registered jobs, sorted.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop halts dispatching, cancels in-flight jobs and waits up to grace for
// them to drain.
func (s *Scheduler) Stop(grace time.Duration) {
	stopped := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[scheduler] stopped")
	case <-time.After(grace):
		log.Printf("[scheduler] stop grace of %s elapsed with jobs still in flight", grace)
	}
}
