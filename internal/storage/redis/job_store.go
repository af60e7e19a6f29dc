// Package redis stores job records as JSON documents in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

const defaultPrefix = "archiver:job:"

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Client is the subset of *goredis.Client the store uses.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Close() error
}

// JobStore keeps one JSON blob per job under prefix+id. Updates are
// serialized in-process; a job is only ever written by the process running it.
type JobStore struct {
	client Client
	prefix string
	ttl    time.Duration

	mu sync.Mutex
}

// NewJobStore connects to Redis at cfg.Addr.
func NewJobStore(cfg Config) (*JobStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("jobstore.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewJobStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewJobStoreWithClient wraps an existing client (primarily for testing).
func NewJobStoreWithClient(client Client, prefix string, ttl time.Duration) *JobStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &JobStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *JobStore) Close() error {
	return s.client.Close()
}

// CreateJob writes the job only if no record exists for its id.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.key(job.ID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	return nil
}

// GetJob reads the job record from Redis.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	val, err := s.client.Get(ctx, s.key(jobID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return crawler.Job{}, crawler.ErrJobNotFound
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}

	var job crawler.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// UpdateJob reads, mutates and rewrites the record.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, mutate func(*crawler.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := mutate(&job); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.key(jobID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set job: %w", err)
	}
	return nil
}

func (s *JobStore) key(jobID string) string {
	return s.prefix + jobID
}
