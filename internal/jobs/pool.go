// Package jobs runs long operations, such as course indexing, off the
// request path on a fixed pool of workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/pkg/logger"
)

var (
	ErrQueueFull = goerr.New("job queue is full")
	ErrStopped   = goerr.New("job pool is stopped")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

const defaultRetention = time.Hour

// Func is the body of a job. Its result is exposed through Job.Result.
type Func func(ctx context.Context) (any, error)

type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     Status     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type task struct {
	id string
	fn Func
}

type Pool struct {
	workers   int
	queue     chan task
	retention time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped bool
}

type Option func(*Pool)

// WithRetention sets how long finished jobs stay visible to Get.
func WithRetention(d time.Duration) Option {
	return func(p *Pool) {
		p.retention = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

func NewPool(workers, queueSize int, opts ...Option) *Pool {
	p := &Pool{
		workers:   max(workers, 1),
		queue:     make(chan task, max(queueSize, 1)),
		retention: defaultRetention,
		now:       time.Now,
		jobs:      make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Jobs run under a context derived from ctx and
// are cancelled when ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	logger.Info("Starting job worker pool", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runLoop(ctx, i+1)
	}
}

// Stop refuses new jobs, cancels running ones and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logger.Info("Job worker pool stopped")
}

// Submit queues fn and returns the job id. It never blocks: a full queue
// yields ErrQueueFull.
func (p *Pool) Submit(kind string, fn Func) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return "", ErrStopped
	}
	p.pruneLocked()

	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: p.now(),
	}

	select {
	case p.queue <- task{id: job.ID, fn: fn}:
	default:
		metrics.JobsTotal.WithLabelValues(kind, "rejected").Inc()
		return "", goerr.Wrap(ErrQueueFull, "failed to submit job", goerr.V("kind", kind))
	}

	p.jobs[job.ID] = job
	metrics.JobsQueued.Inc()

	logger.Debug("Job queued", zap.String("job_id", job.ID), zap.String("kind", kind))
	return job.ID, nil
}

// Get returns a snapshot of the job.
func (p *Pool) Get(id string) (Job, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	job, ok := p.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (p *Pool) runLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Worker loop stopped", zap.Int("worker_id", workerID))
			return
		case t := <-p.queue:
			metrics.JobsQueued.Dec()
			p.run(ctx, workerID, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, t task) {
	kind := p.start(t.id)

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Job panic",
					zap.Int("worker_id", workerID),
					zap.String("job_id", t.id),
					zap.Any("panic", r),
				)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		result, err = t.fn(ctx)
	}()

	p.finish(t.id, result, err)

	if err != nil {
		metrics.JobsTotal.WithLabelValues(kind, string(StatusFailed)).Inc()
		logLevel := logger.Error
		if errors.Is(err, context.Canceled) {
			logLevel = logger.Warn
		}
		logLevel("Job failed",
			zap.Int("worker_id", workerID),
			zap.String("job_id", t.id),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return
	}

	metrics.JobsTotal.WithLabelValues(kind, string(StatusSucceeded)).Inc()
	logger.Info("Job finished",
		zap.Int("worker_id", workerID),
		zap.String("job_id", t.id),
		zap.String("kind", kind),
	)
}

func (p *Pool) start(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	job := p.jobs[id]
	now := p.now()
	job.Status = StatusRunning
	job.StartedAt = &now
	return job.Kind
}

func (p *Pool) finish(id string, result any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job := p.jobs[id]
	now := p.now()
	job.FinishedAt = &now
	job.Result = result
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		return
	}
	job.Status = StatusSucceeded
}

func (p *Pool) pruneLocked() {
	cutoff := p.now().Add(-p.retention)
	for id, job := range p.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(p.jobs, id)
		}
	}
}
