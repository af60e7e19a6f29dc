// Package pipeline runs an archive job through crawl, render, merge and
// archive, applying a per-stage failure policy.
package pipeline

import (
	"fmt"
	"time"
)

// Stage names a pipeline step.
type Stage string

// Pipeline stages in execution order.
const (
	StageCrawl   Stage = "crawl"
	StageRender  Stage = "render"
	StageMerge   Stage = "merge"
	StageArchive Stage = "archive"
)

// Severity decides what a stage failure does to the job.
type Severity int

const (
	// Fatal fails the job and skips later stages.
	Fatal Severity = iota
	// BestEffort logs the failure and moves on.
	BestEffort
	// Isolated contains failures to the item that caused them (a page for
	// render) and lets the stage continue.
	Isolated
)

func (s Severity) String() string {
	switch s {
	case Fatal:
		return "fatal"
	case BestEffort:
		return "best_effort"
	case Isolated:
		return "isolated"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Policy maps each stage to its failure severity.
type Policy map[Stage]Severity

// DefaultPolicy fails the job on crawl, render and archive errors and
// tolerates merge errors.
func DefaultPolicy() Policy {
	return Policy{
		StageCrawl:   Fatal,
		StageRender:  Fatal,
		StageMerge:   BestEffort,
		StageArchive: Fatal,
	}
}

// WithRenderIsolation returns a copy where one unrenderable page is skipped
// instead of failing the job.
func (p Policy) WithRenderIsolation() Policy {
	out := make(Policy, len(p))
	for k, v := range p {
		out[k] = v
	}
	out[StageRender] = Isolated
	return out
}

// Severity returns the configured severity, Fatal when unset.
func (p Policy) Severity(stage Stage) Severity {
	if s, ok := p[stage]; ok {
		return s
	}
	return Fatal
}

// StageResult reports how one stage ended.
type StageResult struct {
	Stage    Stage
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Status is the metrics label for the result.
func (r StageResult) Status() string {
	switch {
	case r.Err != nil:
		return "error"
	case r.Skipped:
		return "skipped"
	default:
		return "success"
	}
}
