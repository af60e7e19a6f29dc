// Package dispatcher accepts archive jobs and manages worker fan-out over the
// job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/worker"
)

// ErrShutdown is the failure recorded for jobs still queued at shutdown.
var ErrShutdown = errors.New("dispatcher shut down before job started")

// Queue is the job queue the dispatcher feeds and drains.
type Queue interface {
	crawler.Queue
	Len() int
	Close()
}

// Runner runs queued jobs and records failures for jobs that never ran.
type Runner interface {
	worker.Runner
	Fail(ctx context.Context, item crawler.QueueItem, cause error) error
}

// Config bounds admission.
type Config struct {
	// MaxJobs caps jobs that are queued or running. The queue must hold at
	// least this many items.
	MaxJobs int
}

// Dispatcher creates jobs, queues them, and hands each one to its own
// goroutine. Submit never waits on other jobs.
type Dispatcher struct {
	queue  Queue
	jobs   crawler.JobStore
	runner Runner
	ids    crawler.IDGenerator
	clock  crawler.Clock
	worker *worker.Worker
	slots  chan struct{}
	closed atomic.Bool
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates a Dispatcher admitting at most cfg.MaxJobs outstanding jobs
// (at least one).
func New(
	queue Queue,
	jobs crawler.JobStore,
	runner Runner,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	d := &Dispatcher{
		queue:  queue,
		jobs:   jobs,
		runner: runner,
		ids:    ids,
		clock:  clock,
		slots:  make(chan struct{}, cfg.MaxJobs),
		logger: logger,
		tasks:  make(map[string]*Task),
	}
	d.worker = worker.New(queue, runner, d, logger.Named("worker"))
	return d
}

// Submit validates seed, stores a new processing job and queues it. The
// returned Task completes when the job reaches a terminal status. When
// MaxJobs jobs are outstanding it returns ErrQueueFull at once and writes
// no record.
func (d *Dispatcher) Submit(ctx context.Context, seed string) (*Task, error) {
	normalized, err := crawler.ValidateSeed(seed)
	if err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, crawler.ErrQueueClosed
	}
	select {
	case d.slots <- struct{}{}:
	default:
		return nil, fmt.Errorf("%w: %d jobs outstanding", crawler.ErrQueueFull, cap(d.slots))
	}
	jobID, err := d.ids.NewID()
	if err != nil {
		d.release()
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	now := d.clock.Now()
	job := crawler.Job{
		ID:        jobID,
		Status:    crawler.JobStatusProcessing,
		URL:       seed,
		Pages:     []crawler.Page{},
		CreatedAt: now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		d.release()
		return nil, fmt.Errorf("create job: %w", err)
	}

	task := newTask(jobID)
	d.mu.Lock()
	d.tasks[jobID] = task
	d.mu.Unlock()

	item := crawler.QueueItem{JobID: jobID, URL: normalized, Submitted: now.Unix()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		cause := fmt.Errorf("queue enqueue: %w", err)
		d.abandon(item, cause)
		return nil, cause
	}
	d.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("url", normalized),
		zap.Int("queued", d.queue.Len()),
	)
	return task, nil
}

func (d *Dispatcher) release() {
	<-d.slots
}

// Task returns the handle for a job submitted through this dispatcher.
func (d *Dispatcher) Task(jobID string) (*Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[jobID]
	return t, ok
}

// Wait blocks until the job finishes or ctx ends, returning the job's
// failure cause.
func (d *Dispatcher) Wait(ctx context.Context, jobID string) error {
	t, ok := d.Task(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return t.Wait(ctx)
}

// Cancel requests cancellation of a queued or running job.
func (d *Dispatcher) Cancel(jobID string) error {
	t, ok := d.Task(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	t.Cancel()
	return nil
}

// Run starts the worker and blocks until the context finishes. In-flight
// jobs see the cancellation; jobs still queued are marked failed.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.worker.Run(ctx)
	}()
	<-ctx.Done()
	d.closed.Store(true)
	<-done
	d.queue.Close()
	d.drain()
}

// drain fails every task that no worker finished.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	pending := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		select {
		case <-t.Done():
		default:
			pending = append(pending, t)
		}
	}
	d.mu.Unlock()

	for _, t := range pending {
		d.abandon(crawler.QueueItem{JobID: t.jobID}, ErrShutdown)
	}
	if len(pending) > 0 {
		d.logger.Warn("failed queued jobs at shutdown", zap.Int("jobs", len(pending)))
	}
}

func (d *Dispatcher) abandon(item crawler.QueueItem, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.runner.Fail(ctx, item, cause); err != nil {
		d.logger.Error("record abandoned job", zap.String("job_id", item.JobID), zap.Error(err))
	}
	d.Finish(item.JobID, cause)
}

// Start implements worker.Tracker. The job context ends when either the
// worker context or the task is canceled.
func (d *Dispatcher) Start(ctx context.Context, jobID string) (context.Context, context.CancelFunc) {
	t, ok := d.Task(jobID)
	if !ok {
		return context.WithCancel(ctx)
	}
	return t.bind(ctx)
}

// Finish implements worker.Tracker. It frees the job's admission slot.
func (d *Dispatcher) Finish(jobID string, err error) {
	if t, ok := d.Task(jobID); ok {
		t.finish(err, d.release)
	}
}
