// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "archive_jobs"

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store relies on.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// JobStore keeps each job as a JSONB document keyed by id. Updates take a
// row lock so concurrent writers to the same job serialize.
type JobStore struct {
	pool  Pool
	table string
	now   func() time.Time
}

// NewJobStore connects to Postgres and ensures the jobs table exists.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jobstore.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &JobStore{pool: pool, table: table, now: time.Now}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool Pool, table string, now func() time.Time) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &JobStore{pool: pool, table: name, now: now}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, payload, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query, job.ID, payload, string(job.Status), job.CreatedAt, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	return nil
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, s.table)
	return scanJob(s.pool.QueryRow(ctx, query, jobID))
}

// UpdateJob reads the row FOR UPDATE, applies mutate and writes it back in
// one transaction.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, mutate func(*crawler.Job) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}

	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1 FOR UPDATE`, s.table)
	job, err := scanJob(tx.QueryRow(ctx, query, jobID))
	if err != nil {
		return rollback(ctx, tx, err)
	}
	if err := mutate(&job); err != nil {
		return rollback(ctx, tx, err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return rollback(ctx, tx, fmt.Errorf("marshal job: %w", err))
	}

	update := fmt.Sprintf(`UPDATE %s SET payload = $2, status = $3, updated_at = $4 WHERE id = $1`, s.table)
	if _, err := tx.Exec(ctx, update, jobID, payload, string(job.Status), s.now().UTC()); err != nil {
		return rollback(ctx, tx, fmt.Errorf("update job: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, crawler.ErrJobNotFound
		}
		return crawler.Job{}, fmt.Errorf("select job: %w", err)
	}
	var job crawler.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}
