package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/metrics"
	"github.com/JakeFAU/site-archiver/internal/storage"
)

// SiteCrawler discovers the pages of a site.
type SiteCrawler interface {
	Crawl(ctx context.Context, seed string, observe crawler.PageObserver) ([]crawler.Page, error)
}

// Deps are the collaborators a run needs. Publisher may be nil.
type Deps struct {
	Jobs      crawler.JobStore
	Crawler   SiteCrawler
	Renderer  crawler.Renderer
	Merger    crawler.Merger
	Archiver  crawler.Archiver
	Artifacts crawler.ArtifactStore
	Publisher crawler.Publisher
	Clock     crawler.Clock
}

// Config controls orchestration.
type Config struct {
	// Topic receives a JobEvent on every terminal transition. Empty disables publishing.
	Topic string
	// IsolateRenderFailures skips pages that fail to render instead of
	// failing the job.
	IsolateRenderFailures bool
}

// Orchestrator drives jobs through the pipeline.
type Orchestrator struct {
	deps   Deps
	policy Policy
	topic  string
	logger *zap.Logger
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := DefaultPolicy()
	if cfg.IsolateRenderFailures {
		policy = policy.WithRenderIsolation()
	}
	return &Orchestrator{
		deps:   deps,
		policy: policy,
		topic:  cfg.Topic,
		logger: logger,
	}
}

// Policy returns the failure policy in effect.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// run carries state between the stages of one job.
type run struct {
	jobID    string
	seed     string
	pages    []crawler.Page
	rendered []int
	logger   *zap.Logger
}

type stageFunc func(ctx context.Context, r *run) (skipped bool, err error)

// Run executes every stage for item and records the terminal status. The
// returned error is the cause of a failed job; nil means completed.
func (o *Orchestrator) Run(ctx context.Context, item crawler.QueueItem) error {
	r := &run{
		jobID:  item.JobID,
		seed:   item.URL,
		logger: o.logger.With(zap.String("job_id", item.JobID), zap.String("url", item.URL)),
	}
	r.logger.Info("pipeline started")

	stages := []struct {
		stage Stage
		fn    stageFunc
	}{
		{StageCrawl, o.crawl},
		{StageRender, o.render},
		{StageMerge, o.merge},
		{StageArchive, o.archive},
	}
	for _, s := range stages {
		res := o.runStage(ctx, r, s.stage, s.fn)
		if res.Err == nil {
			continue
		}
		if o.policy.Severity(s.stage) == BestEffort && ctx.Err() == nil {
			r.logger.Warn("stage failed, continuing",
				zap.String("stage", string(s.stage)),
				zap.Error(res.Err),
			)
			continue
		}
		return o.fail(ctx, r, res.Err)
	}
	return o.complete(ctx, r)
}

// runStage converts panics into a failed StageResult.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage Stage, fn stageFunc) (res StageResult) {
	res.Stage = stage
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res.Err = fmt.Errorf("%s stage panic: %v", stage, rec)
		}
		res.Duration = time.Since(start)
		metrics.ObserveStage(string(stage), res.Status(), res.Duration)
		r.logger.Debug("stage finished",
			zap.String("stage", string(stage)),
			zap.String("status", res.Status()),
			zap.Duration("duration", res.Duration),
		)
	}()
	res.Skipped, res.Err = fn(ctx, r)
	return res
}

func (o *Orchestrator) crawl(ctx context.Context, r *run) (bool, error) {
	observe := func(p crawler.Page) {
		metrics.ObservePage(p.URL)
		err := o.deps.Jobs.UpdateJob(ctx, r.jobID, func(j *crawler.Job) error {
			j.Pages = append(j.Pages, p)
			return nil
		})
		if err != nil {
			r.logger.Warn("record discovered page", zap.String("page", p.URL), zap.Error(err))
		}
	}

	pages, err := o.deps.Crawler.Crawl(ctx, r.seed, observe)
	if err != nil {
		return false, fmt.Errorf("crawl %s: %w", r.seed, err)
	}
	r.pages = pages

	err = o.deps.Jobs.UpdateJob(ctx, r.jobID, func(j *crawler.Job) error {
		j.Pages = append([]crawler.Page(nil), pages...)
		j.TotalPages = len(pages)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store crawl result: %w", err)
	}
	r.logger.Info("crawl finished", zap.Int("pages", len(pages)))
	return false, nil
}

// render prints pages one at a time, in discovery order.
func (o *Orchestrator) render(ctx context.Context, r *run) (bool, error) {
	isolate := o.policy.Severity(StageRender) == Isolated
	for i, p := range r.pages {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("render canceled: %w", err)
		}
		loc, err := o.renderPage(ctx, r.jobID, i, p.URL)
		if err != nil {
			metrics.ObserveRender("error")
			if isolate && ctx.Err() == nil {
				r.logger.Warn("page render failed, skipping",
					zap.Int("index", i),
					zap.String("page", p.URL),
					zap.Error(err),
				)
				continue
			}
			return false, fmt.Errorf("render page %d (%s): %w", i, p.URL, err)
		}
		metrics.ObserveRender("success")
		r.rendered = append(r.rendered, i)

		err = o.deps.Jobs.UpdateJob(ctx, r.jobID, func(j *crawler.Job) error {
			if i < len(j.Pages) {
				j.Pages[i].PDFPath = loc
			}
			j.PDFsGenerated++
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("record rendered page %d: %w", i, err)
		}
	}
	return len(r.pages) == 0, nil
}

func (o *Orchestrator) renderPage(ctx context.Context, jobID string, index int, url string) (string, error) {
	pdf, err := o.deps.Renderer.Render(ctx, url)
	if err != nil {
		return "", err
	}
	loc, err := o.deps.Artifacts.Put(ctx, storage.PageKey(jobID, index), "application/pdf", bytes.NewReader(pdf))
	if err != nil {
		return "", fmt.Errorf("store pdf: %w", err)
	}
	return loc, nil
}

func (o *Orchestrator) merge(ctx context.Context, r *run) (bool, error) {
	if len(r.rendered) == 0 {
		r.logger.Info("no rendered pages to merge")
		return true, nil
	}
	docs := make([]io.ReadSeeker, 0, len(r.rendered))
	for _, i := range r.rendered {
		data, err := o.readArtifact(ctx, storage.PageKey(r.jobID, i))
		if err != nil {
			return false, err
		}
		docs = append(docs, bytes.NewReader(data))
	}

	var buf bytes.Buffer
	if err := o.deps.Merger.Merge(ctx, &buf, docs); err != nil {
		return false, fmt.Errorf("merge %d pdfs: %w", len(docs), err)
	}
	loc, err := o.deps.Artifacts.Put(ctx, storage.MergedKey(r.jobID), "application/pdf", &buf)
	if err != nil {
		return false, fmt.Errorf("store merged pdf: %w", err)
	}
	err = o.deps.Jobs.UpdateJob(ctx, r.jobID, func(j *crawler.Job) error {
		j.MergedPDFPath = loc
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record merged pdf: %w", err)
	}
	r.logger.Info("merged pdf written", zap.String("path", loc), zap.Int("documents", len(docs)))
	return false, nil
}

// archive zips every artifact under the job's prefix. Entry names are
// relative to that prefix.
func (o *Orchestrator) archive(ctx context.Context, r *run) (bool, error) {
	prefix := storage.JobPrefix(r.jobID)
	keys, err := o.deps.Artifacts.List(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("list artifacts: %w", err)
	}
	entries := make([]crawler.ArchiveEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, crawler.ArchiveEntry{
			Name: strings.TrimPrefix(key, prefix),
			Open: func() (io.ReadCloser, error) {
				return o.deps.Artifacts.Open(ctx, key)
			},
		})
	}

	var buf bytes.Buffer
	if err := o.deps.Archiver.Archive(ctx, &buf, entries); err != nil {
		return false, fmt.Errorf("archive %d artifacts: %w", len(entries), err)
	}
	loc, err := o.deps.Artifacts.Put(ctx, storage.ArchiveKey(r.jobID), "application/zip", &buf)
	if err != nil {
		return false, fmt.Errorf("store archive: %w", err)
	}
	err = o.deps.Jobs.UpdateJob(ctx, r.jobID, func(j *crawler.Job) error {
		j.ZipPath = loc
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record archive: %w", err)
	}
	return false, nil
}

func (o *Orchestrator) readArtifact(ctx context.Context, key string) ([]byte, error) {
	rc, err := o.deps.Artifacts.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer rc.Close() //nolint:errcheck // read-only
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	if _, err := o.finish(ctx, r, crawler.JobStatusCompleted, nil); err != nil {
		return err
	}
	r.logger.Info("job completed")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) error {
	r.logger.Error("job failed", zap.Error(cause))
	if _, err := o.finish(ctx, r, crawler.JobStatusFailed, cause); err != nil {
		r.logger.Error("record job failure", zap.Error(err))
	}
	return cause
}

// Fail marks a job failed without running it, for jobs dropped before a
// worker picked them up.
func (o *Orchestrator) Fail(ctx context.Context, item crawler.QueueItem, cause error) error {
	r := &run{
		jobID:  item.JobID,
		seed:   item.URL,
		logger: o.logger.With(zap.String("job_id", item.JobID), zap.String("url", item.URL)),
	}
	_, err := o.finish(ctx, r, crawler.JobStatusFailed, cause)
	return err
}

// finish writes the terminal status and publishes the event. It runs on a
// context detached from cancellation so shutdown still records the outcome.
func (o *Orchestrator) finish(ctx context.Context, r *run, status crawler.JobStatus, cause error) (crawler.Job, error) {
	ctx = context.WithoutCancel(ctx)
	var final crawler.Job
	err := o.deps.Jobs.UpdateJob(ctx, r.jobID, func(j *crawler.Job) error {
		if cause != nil {
			j.Error = cause.Error()
		}
		if err := j.Transition(status, o.deps.Clock.Now()); err != nil {
			return err
		}
		final = j.Clone()
		return nil
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("record %s status: %w", status, err)
	}
	metrics.ObserveJob(string(status))
	o.publish(ctx, r, final)
	return final, nil
}

func (o *Orchestrator) publish(ctx context.Context, r *run, job crawler.Job) {
	if o.deps.Publisher == nil || o.topic == "" {
		return
	}
	id, err := o.deps.Publisher.Publish(ctx, o.topic, crawler.NewJobEvent(job))
	if err != nil {
		r.logger.Warn("publish job event", zap.Error(err))
		return
	}
	r.logger.Debug("job event published", zap.String("message_id", id))
}
