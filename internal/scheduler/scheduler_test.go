package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterAndRunNow(t *testing.T) {
	s := New()
	var runs atomic.Int64
	err := s.Register(Job{
		Name: "touch",
		Spec: "@every 1h",
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.RunNow("touch"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d", runs.Load())
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("RunNow on unknown job should fail")
	}
}

func TestDuplicateAndBadSpecRejected(t *testing.T) {
	s := New()
	j := Job{Name: "a", Spec: "@every 1m", Run: func(ctx context.Context) error { return nil }}
	if err := s.Register(j); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(j); err == nil {
		t.Error("duplicate name should be rejected")
	}
	if err := s.Register(Job{Name: "b", Spec: "nonsense", Run: j.Run}); err == nil {
		t.Error("bad spec should be rejected")
	}
	if got := s.JobNames(); len(got) != 1 || got[0] != "a" {
		t.Errorf("JobNames = %v", got)
	}
}

func TestRunNowReturnsJobError(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	_ = s.Register(Job{Name: "fail", Spec: "@every 1h", Run: func(ctx context.Context) error { return boom }})
	if err := s.RunNow("fail"); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestStopCancelsInFlightJob(t *testing.T) {
	s := New()
	started := make(chan struct{})
	var sawCancel atomic.Bool
	_ = s.Register(Job{
		Name: "long",
		Spec: "@every 1h",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
			return ctx.Err()
		},
	})
	s.Start()
	go s.RunNow("long")
	<-started
	s.Stop(2 * time.Second)
	if !sawCancel.Load() {
		t.Error("in-flight job never saw cancellation")
	}
}

func TestOverlapPrevented(t *testing.T) {
	s := New()
	var concurrent, peak atomic.Int64
	release := make(chan struct{})
	_ = s.Register(Job{
		Name: "slow",
		Spec: "@every 1h",
		Run: func(ctx context.Context) error {
			n := concurrent.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			<-release
			concurrent.Add(-1)
			return nil
		},
	})

	for i := 0; i < 3; i++ {
		go s.RunNow("slow")
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	time.Sleep(50 * time.Millisecond)
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}
