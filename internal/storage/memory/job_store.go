// Package memory provides in-process job and artifact stores.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
	}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob returns a copy of the job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateJob applies mutate to a copy and stores it only if mutate succeeds,
// so readers never observe a half-applied update.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, mutate func(*crawler.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	next := job.Clone()
	if err := mutate(&next); err != nil {
		return err
	}
	s.jobs[jobID] = next
	return nil
}
