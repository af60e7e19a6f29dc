// Package storage holds helpers shared by the artifact and job store backends.
package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// ValidateKey rejects empty, absolute, and parent-escaping artifact keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", crawler.ErrInvalidArtifactKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", crawler.ErrInvalidArtifactKey, key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", crawler.ErrInvalidArtifactKey, key)
	}
	return nil
}

// PageKey is the artifact key of the i-th rendered page of a job.
func PageKey(jobID string, index int) string {
	return fmt.Sprintf("%s/page_%d.pdf", jobID, index)
}

// MergedKey is the artifact key of a job's merged PDF.
func MergedKey(jobID string) string {
	return jobID + "/merged.pdf"
}

// ArchiveKey is the artifact key of a job's zip archive. It sits beside the
// job directory so the archive never includes itself.
func ArchiveKey(jobID string) string {
	return jobID + "_all.zip"
}

// JobPrefix lists every per-page and merged artifact of a job.
func JobPrefix(jobID string) string {
	return jobID + "/"
}
