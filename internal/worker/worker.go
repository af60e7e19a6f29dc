// Package worker implements the archive job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/metrics"
)

// Runner executes one job to a terminal status.
type Runner interface {
	Run(ctx context.Context, item crawler.QueueItem) error
}

// Tracker scopes a job's context and receives its outcome.
type Tracker interface {
	// Start returns the context the job runs under and a release func the
	// worker calls once the job returns.
	Start(ctx context.Context, jobID string) (context.Context, context.CancelFunc)
	Finish(jobID string, err error)
}

// Worker consumes queue items and runs each job on its own goroutine, so a
// slow job never holds up the ones behind it.
type Worker struct {
	queue   crawler.Queue
	runner  Runner
	tracker Tracker
	logger  *zap.Logger
}

// New constructs a Worker. A nil tracker runs jobs under the worker context.
func New(queue crawler.Queue, runner Runner, tracker Tracker, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		runner:  runner,
		tracker: tracker,
		logger:  logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes. It returns once every job it started has returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for ctx.Err() == nil {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processJob(ctx, item)
		}()
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	jobCtx, release := ctx, context.CancelFunc(func() {})
	if w.tracker != nil {
		jobCtx, release = w.tracker.Start(ctx, item.JobID)
	}
	defer release()

	err := w.runSafely(jobCtx, item)
	if err != nil {
		w.logger.Warn("job failed", zap.String("job_id", item.JobID), zap.Error(err))
	} else {
		w.logger.Info("job completed", zap.String("job_id", item.JobID))
	}
	if w.tracker != nil {
		w.tracker.Finish(item.JobID, err)
	}
}

// runSafely keeps a runner panic from taking the worker down.
func (w *Worker) runSafely(ctx context.Context, item crawler.QueueItem) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("job panicked", zap.String("job_id", item.JobID), zap.Any("panic", rec))
			err = fmt.Errorf("job %s panic: %v", item.JobID, rec)
		}
	}()
	return w.runner.Run(ctx, item)
}
