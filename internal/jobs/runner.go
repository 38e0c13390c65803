// Package jobs runs detached notification work off the request path.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/metrics"
)

type FailureLog interface {
	InsertFailureLog(ctx context.Context, scope, reference, detail string) error
}

type Job struct {
	Name      string
	Reference string
	Run       func(ctx context.Context) error
}

type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Failures  FailureLog
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Runner is a bounded worker pool. Jobs are accepted without blocking;
// when the queue is full the job is dropped and logged.
type Runner struct {
	queue    chan Job
	workers  int
	timeout  time.Duration
	failures FailureLog
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewRunner(opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		queue:    make(chan Job, opts.QueueSize),
		workers:  opts.Workers,
		timeout:  opts.Timeout,
		failures: opts.Failures,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Start launches the workers. Job contexts derive from ctx without its
// cancellation so queued work drains on shutdown.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	base := context.WithoutCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for job := range r.queue {
				r.run(base, job)
			}
		}()
	}
}

func (r *Runner) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("notification job rejected after shutdown", "job", job.Name, "reference", job.Reference)
		r.metrics.Job("dropped")
		return false
	}
	select {
	case r.queue <- job:
		return true
	default:
		r.logger.Warn("notification queue full, job dropped", "job", job.Name, "reference", job.Reference)
		r.metrics.Job("dropped")
		return false
	}
}

// Stop closes the queue and waits for accepted jobs to finish or for ctx
// to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(base context.Context, job Job) {
	ctx, cancel := context.WithTimeout(base, r.timeout)
	defer cancel()

	err := safeRun(ctx, job)
	if err == nil {
		r.metrics.Job("ok")
		return
	}
	r.metrics.Job("failed")
	r.logger.Error("notification job failed", "job", job.Name, "reference", job.Reference, "error", err)
	if r.failures == nil {
		return
	}
	logCtx, logCancel := context.WithTimeout(base, 5*time.Second)
	defer logCancel()
	if err := r.failures.InsertFailureLog(logCtx, job.Name, job.Reference, err.Error()); err != nil {
		r.logger.Warn("failure log write failed", "job", job.Name, "error", err)
	}
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return job.Run(ctx)
}
