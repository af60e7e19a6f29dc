package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock, "", func() time.Time { return fixedNow })
	require.NoError(t, err)
	return store, mock
}

func jobPayload(t *testing.T, job crawler.Job) []byte {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return data
}

func TestNewJobStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, "", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobStoreWithPool(mock, "jobs; DROP TABLE x", nil)
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archive_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusProcessing, URL: "https://ex.test/", CreatedAt: fixedNow}

	mock.ExpectExec("INSERT INTO archive_jobs").
		WithArgs(job.ID, jobPayload(t, job), "processing", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO archive_jobs").
		WithArgs("job-1", pgxmock.AnyArg(), "processing", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.CreateJob(context.Background(), crawler.Job{ID: "job-1", Status: crawler.JobStatusProcessing})
	require.ErrorIs(t, err, crawler.ErrJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := crawler.Job{
		ID:         "job-1",
		Status:     crawler.JobStatusProcessing,
		URL:        "https://ex.test/",
		Pages:      []crawler.Page{{URL: "https://ex.test/", Title: "Home"}},
		TotalPages: 1,
		CreatedAt:  fixedNow,
	}
	mock.ExpectQuery("SELECT payload FROM archive_jobs").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"payload"}).AddRow(jobPayload(t, job)))

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT payload FROM archive_jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobCommits(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusProcessing, CreatedAt: fixedNow}
	next := job.Clone()
	require.NoError(t, next.Transition(crawler.JobStatusCompleted, fixedNow))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload FROM archive_jobs WHERE id = \\$1 FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"payload"}).AddRow(jobPayload(t, job)))
	mock.ExpectExec("UPDATE archive_jobs SET payload").
		WithArgs("job-1", jobPayload(t, next), "completed", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.UpdateJob(context.Background(), "job-1", func(j *crawler.Job) error {
		return j.Transition(crawler.JobStatusCompleted, fixedNow)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobRollsBackOnMutateError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusFailed}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload FROM archive_jobs").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"payload"}).AddRow(jobPayload(t, job)))
	mock.ExpectRollback()

	err := store.UpdateJob(context.Background(), "job-1", func(j *crawler.Job) error {
		return j.Transition(crawler.JobStatusCompleted, fixedNow)
	})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobMissingRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload FROM archive_jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.UpdateJob(context.Background(), "missing", func(*crawler.Job) error {
		return errors.New("should not run")
	})
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
