package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	queuememory "github.com/JakeFAU/site-archiver/internal/queue/memory"
	"github.com/JakeFAU/site-archiver/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

// storeRunner records terminal statuses in the job store the way the
// pipeline does.
type storeRunner struct {
	jobs  crawler.JobStore
	fail  map[string]error
	block bool

	mu   sync.Mutex
	runs []crawler.QueueItem
}

func (r *storeRunner) Run(ctx context.Context, item crawler.QueueItem) error {
	r.mu.Lock()
	r.runs = append(r.runs, item)
	r.mu.Unlock()

	var cause error
	if r.block {
		<-ctx.Done()
		cause = ctx.Err()
	} else {
		cause = r.fail[item.URL]
	}
	status := crawler.JobStatusCompleted
	if cause != nil {
		status = crawler.JobStatusFailed
	}
	_ = r.jobs.UpdateJob(context.WithoutCancel(ctx), item.JobID, func(j *crawler.Job) error {
		return j.Transition(status, fixedClock{}.Now())
	})
	return cause
}

func (r *storeRunner) Fail(ctx context.Context, item crawler.QueueItem, cause error) error {
	return r.jobs.UpdateJob(ctx, item.JobID, func(j *crawler.Job) error {
		j.Error = cause.Error()
		return j.Transition(crawler.JobStatusFailed, fixedClock{}.Now())
	})
}

func (r *storeRunner) items() []crawler.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.QueueItem(nil), r.runs...)
}

type fixture struct {
	queue  *queuememory.Queue
	jobs   *memory.JobStore
	runner *storeRunner
	d      *Dispatcher
}

func newFixture(maxJobs int) *fixture {
	f := &fixture{
		queue: queuememory.NewQueue(maxJobs),
		jobs:  memory.NewJobStore(),
	}
	f.runner = &storeRunner{jobs: f.jobs, fail: map[string]error{}}
	f.d = New(f.queue, f.jobs, f.runner, &seqIDs{}, fixedClock{}, Config{MaxJobs: maxJobs}, zap.NewNop())
	return f
}

func (f *fixture) start(t *testing.T) (cancel func(), stopped <-chan struct{}) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancelFn()
		<-done
	})
	return cancelFn, done
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitCreatesProcessingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(4)
	task, err := f.d.Submit(context.Background(), "HTTPS://Example.COM")
	require.NoError(t, err)
	require.Equal(t, "job-1", task.JobID())

	job, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusProcessing, job.Status)
	require.Equal(t, "HTTPS://Example.COM", job.URL)
	require.NotNil(t, job.Pages)
	require.Empty(t, job.Pages)
	require.Equal(t, fixedClock{}.Now(), job.CreatedAt)
	require.Equal(t, 1, f.queue.Len())
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	f := newFixture(4)
	for _, seed := range []string{"", "not a url", "ftp://example.com/", "/relative"} {
		_, err := f.d.Submit(context.Background(), seed)
		require.ErrorIs(t, err, crawler.ErrInvalidURL, seed)
	}
	require.Zero(t, f.queue.Len())
}

func TestTasksComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(8)
	f.runner.fail["https://bad.test/"] = errors.New("render failed")
	f.start(t)

	ok, err := f.d.Submit(context.Background(), "https://good.test")
	require.NoError(t, err)
	bad, err := f.d.Submit(context.Background(), "https://bad.test")
	require.NoError(t, err)

	require.NoError(t, ok.Wait(waitCtx(t)))
	require.EqualError(t, f.d.Wait(waitCtx(t), bad.JobID()), "render failed")
	require.EqualError(t, bad.Err(), "render failed")

	job, err := f.jobs.GetJob(context.Background(), ok.JobID())
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)

	var urls []string
	for _, item := range f.runner.items() {
		urls = append(urls, item.URL)
	}
	require.ElementsMatch(t, []string{"https://good.test/", "https://bad.test/"}, urls)
}

func TestCancelStopsRunningJob(t *testing.T) {
	t.Parallel()

	f := newFixture(4)
	f.runner.block = true
	f.start(t)

	task, err := f.d.Submit(context.Background(), "https://slow.test/")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.runner.items()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.d.Cancel(task.JobID()))
	require.ErrorIs(t, task.Wait(waitCtx(t)), context.Canceled)

	job, err := f.jobs.GetJob(context.Background(), task.JobID())
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(1)
	require.ErrorIs(t, f.d.Cancel("missing"), crawler.ErrJobNotFound)
	require.ErrorIs(t, f.d.Wait(context.Background(), "missing"), crawler.ErrJobNotFound)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(4)
	f.runner.block = true
	cancel, stopped := f.start(t)

	running, err := f.d.Submit(context.Background(), "https://one.test/")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.runner.items()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	require.ErrorIs(t, running.Err(), context.Canceled)

	job, err := f.jobs.GetJob(context.Background(), running.JobID())
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
}

func TestShutdownFailsQueuedJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(4)
	queued, err := f.d.Submit(context.Background(), "https://two.test/")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.d.Run(ctx)

	require.ErrorIs(t, queued.Err(), ErrShutdown)
	require.Empty(t, f.runner.items())

	job, err := f.jobs.GetJob(context.Background(), queued.JobID())
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, ErrShutdown.Error(), job.Error)

	_, err = f.d.Submit(context.Background(), "https://late.test/")
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	_, err = f.jobs.GetJob(context.Background(), "job-2")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestSubmitDoesNotWaitWhenFull(t *testing.T) {
	t.Parallel()

	f := newFixture(2)
	f.runner.block = true
	f.start(t)

	first, err := f.d.Submit(context.Background(), "https://one.test/")
	require.NoError(t, err)
	_, err = f.d.Submit(context.Background(), "https://two.test/")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	task, err := f.d.Submit(ctx, "https://three.test/")
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Nil(t, task)
	require.ErrorIs(t, err, crawler.ErrQueueFull)

	_, err = f.jobs.GetJob(context.Background(), "job-3")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	require.NoError(t, f.d.Cancel(first.JobID()))
	require.ErrorIs(t, first.Wait(waitCtx(t)), context.Canceled)

	third, err := f.d.Submit(context.Background(), "https://three.test/")
	require.NoError(t, err)
	require.Equal(t, "job-3", third.JobID())
}

func TestJobsRunIndependently(t *testing.T) {
	t.Parallel()

	f := newFixture(8)
	f.runner.block = true
	f.start(t)

	for _, seed := range []string{"https://a.test/", "https://b.test/", "https://c.test/"} {
		_, err := f.d.Submit(context.Background(), seed)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(f.runner.items()) == 3 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		job, err := f.jobs.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, crawler.JobStatusProcessing, job.Status)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	f := newFixture(1)
	task, err := f.d.Submit(context.Background(), "https://never.test/")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)
	require.NoError(t, task.Err())
}
