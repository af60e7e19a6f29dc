package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusProcessing, URL: "https://ex.test/"}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), crawler.ErrJobExists)

	err := store.UpdateJob(ctx, job.ID, func(j *crawler.Job) error {
		j.Pages = append(j.Pages, crawler.Page{URL: "https://ex.test/", Title: "Home"})
		j.TotalPages = 1
		return nil
	})
	require.NoError(t, err)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Pages, 1)
	got.Pages[0].Title = "modified"

	again, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "Home", again.Pages[0].Title)

	finished := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.UpdateJob(ctx, job.ID, func(j *crawler.Job) error {
		return j.Transition(crawler.JobStatusCompleted, finished)
	}))
	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.Equal(t, finished, *final.FinishedAt)
}

func TestJobStoreUpdateFailureLeavesRecordUntouched(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "j", Status: crawler.JobStatusProcessing}))

	boom := errors.New("boom")
	err := store.UpdateJob(ctx, "j", func(j *crawler.Job) error {
		j.TotalPages = 99
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Zero(t, got.TotalPages)
}

func TestJobStoreMissingJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	_, err := store.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJob(context.Background(), "nope", func(*crawler.Job) error { return nil }),
		crawler.ErrJobNotFound)
}

func TestJobStoreConcurrentUpdates(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "j", Status: crawler.JobStatusProcessing}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.UpdateJob(ctx, "j", func(j *crawler.Job) error {
				j.PDFsGenerated++
				return nil
			})
			_, _ = store.GetJob(ctx, "j")
		}()
	}
	wg.Wait()

	got, err := store.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, 50, got.PDFsGenerated)
}
