// Package workerpool runs background jobs on a fixed set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool.
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned when the job queue has no free slot.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Job is a unit of background work
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Pool executes submitted jobs on a bounded number of workers. Jobs already
// queued when Stop is called still run.
type Pool struct {
	name    string
	workers int
	queue   chan Job
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan Job, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.execute(id, job)
	}
}

func (p *Pool) execute(workerID int, job Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(job)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
	p.logger.Debug("Job completed",
		zap.String("pool", p.name),
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(start)))
}

func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(p.ctx)
}

// Submit queues job without blocking
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.rejected.Add(1)
		return ErrStopped
	}

	select {
	case p.queue <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop refuses new jobs, lets the workers drain the queue and waits for them.
// If ctx expires first the running jobs are cancelled and ctx's error returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Debug("Worker pool stopped", zap.String("pool", p.name))
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Worker pool stop timed out", zap.String("pool", p.name))
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the pool counters
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns the current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
