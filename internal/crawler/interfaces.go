package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by stores and the HTTP surface.
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobExists          = errors.New("job already exists")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrInvalidURL         = errors.New("invalid url")
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrQueueClosed        = errors.New("queue closed")
	ErrQueueFull          = errors.New("queue full")
	ErrRendererDisabled   = errors.New("renderer disabled")
	ErrInvalidArtifactKey = errors.New("invalid artifact key")
)

// JobStore persists job records. It is the only state shared between
// the pipeline writing a job and the readers polling it.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJob applies mutate to the stored record atomically with respect
	// to other updates and reads of the same job.
	UpdateJob(ctx context.Context, jobID string, mutate func(*Job) error) error
}

// ArtifactStore holds generated PDFs and archives under slash-separated keys.
type ArtifactStore interface {
	Put(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Publisher pushes completion events to Pub/Sub, Kafka (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher performs one GET. Failures are reported in the result, not as errors.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// LinkExtractor parses fetched HTML into metadata and same-domain links.
type LinkExtractor interface {
	Extract(baseURL string, domain string, html string) (PageMeta, []string, error)
}

// Renderer turns a URL into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// Merger concatenates PDFs in the given order.
type Merger interface {
	Merge(ctx context.Context, w io.Writer, docs []io.ReadSeeker) error
}

// Archiver bundles named artifacts into a single archive.
type Archiver interface {
	Archive(ctx context.Context, w io.Writer, entries []ArchiveEntry) error
}

// Queue provides enqueue/dequeue semantics for archive jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// PageObserver is notified of each page as the crawl discovers it.
type PageObserver func(Page)
