package dispatcher

import (
	"context"
	"fmt"
	"sync"
)

// Task is the handle for one submitted job.
type Task struct {
	jobID string
	done  chan struct{}
	err   error
	once  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newTask(jobID string) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		jobID:  jobID,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// JobID returns the id of the job this task tracks.
func (t *Task) JobID() string { return t.jobID }

// Done is closed once the job reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the failure cause once Done is closed; nil means completed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel asks the job to stop. A job canceled while queued fails as soon as
// a worker picks it up.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the job finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return fmt.Errorf("wait for job %s: %w", t.jobID, ctx.Err())
	}
}

// bind derives the job's run context from parent.
func (t *Task) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(t.ctx, func() { cancel(context.Canceled) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// finish completes the task once. onFinish runs before Done closes.
func (t *Task) finish(err error, onFinish func()) {
	t.once.Do(func() {
		if onFinish != nil {
			onFinish()
		}
		t.err = err
		close(t.done)
		t.cancel()
	})
}
