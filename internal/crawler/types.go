// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"io"
	"time"
)

// JobStatus represents the lifecycle state of an archive job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the record clients poll while a site is archived.
type Job struct {
	ID            string     `json:"id"`
	Status        JobStatus  `json:"status"`
	URL           string     `json:"url"`
	Pages         []Page     `json:"pages"`
	TotalPages    int        `json:"total_pages"`
	PDFsGenerated int        `json:"pdfs_generated"`
	MergedPDFPath string     `json:"merged_pdf_path,omitempty"`
	ZipPath       string     `json:"zip_path,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Transition moves the job forward to a terminal status.
func (j *Job) Transition(to JobStatus, at time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	if !to.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	finished := at
	j.FinishedAt = &finished
	j.Status = to
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j Job) Clone() Job {
	cp := j
	if j.Pages != nil {
		cp.Pages = make([]Page, len(j.Pages))
		copy(cp.Pages, j.Pages)
	}
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		cp.FinishedAt = &finished
	}
	return cp
}

// Page is one successfully fetched same-domain document.
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	HasVideo bool   `json:"has_video"`
	PDFPath  string `json:"pdf_path,omitempty"`
}

// PageMeta is the lightweight metadata pulled from a page's markup.
type PageMeta struct {
	Title    string
	HasVideo bool
}

// FetchOutcome classifies the result of a single GET.
type FetchOutcome int

// Fetch outcomes.
const (
	FetchSucceeded FetchOutcome = iota
	FetchHTTPError
	FetchNetworkError
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchSucceeded:
		return "success"
	case FetchHTTPError:
		return "http_error"
	case FetchNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// FetchResult is returned by a Fetcher. Only FetchSucceeded carries HTML.
type FetchResult struct {
	URL        string
	Outcome    FetchOutcome
	StatusCode int
	HTML       string
	Err        error
	Duration   time.Duration
}

// ArchiveEntry names one artifact to be bundled and how to read it.
type ArchiveEntry struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// JobEvent is published whenever a job reaches a terminal status.
type JobEvent struct {
	JobID         string    `json:"job_id"`
	URL           string    `json:"url"`
	Status        JobStatus `json:"status"`
	TotalPages    int       `json:"total_pages"`
	PDFsGenerated int       `json:"pdfs_generated"`
	MergedPDFPath string    `json:"merged_pdf_path,omitempty"`
	ZipPath       string    `json:"zip_path,omitempty"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// NewJobEvent snapshots a finished job.
func NewJobEvent(job Job) JobEvent {
	evt := JobEvent{
		JobID:         job.ID,
		URL:           job.URL,
		Status:        job.Status,
		TotalPages:    job.TotalPages,
		PDFsGenerated: job.PDFsGenerated,
		MergedPDFPath: job.MergedPDFPath,
		ZipPath:       job.ZipPath,
		Error:         job.Error,
	}
	if job.FinishedAt != nil {
		evt.FinishedAt = *job.FinishedAt
	}
	return evt
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	URL       string
	Submitted int64
}

// EventKey partitions events by job.
func (e JobEvent) EventKey() string {
	return e.JobID
}
