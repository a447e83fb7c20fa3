// Package worker provides the bounded fire-and-forget pool used for
// background tasks spawned from request handlers.
package worker

import (
	"context"
	"log"
	"sync"
)

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Pool runs tasks on a fixed number of goroutines over a bounded queue.
// Submitting to a full queue drops the task with a log line; nothing blocks
// the submitter.
type Pool struct {
	queue  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewPool starts size workers over a queue of queueLen tasks.
func NewPool(size, queueLen int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueLen <= 0 {
		queueLen = size
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, queueLen),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		if p.ctx.Err() != nil {
			return
		}
		task.Run(p.ctx)
	}
}

// Submit enqueues a task. Returns false when the queue is full or the pool
// is stopped; the task is dropped in both cases.
func (p *Pool) Submit(t Task) bool {
	// The lock is held across the send so Stop cannot close the queue
	// between the closed check and the enqueue. The send never blocks.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	select {
	case p.queue <- t:
		return true
	default:
		p.dropped++
		log.Printf("[worker] queue full, dropped task %q (%d dropped total)", t.Name, p.dropped)
		return false
	}
}

// Dropped reports how many tasks were discarded on overflow.
func (p *Pool) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Stop cancels in-flight tasks, rejects further submissions and waits for
// the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	close(p.queue)
	p.wg.Wait()
}
