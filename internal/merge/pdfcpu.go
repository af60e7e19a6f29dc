// Package merge concatenates rendered page PDFs with pdfcpu.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

// PDFCPU implements crawler.Merger.
type PDFCPU struct {
	conf *model.Configuration
}

// New returns a merger using relaxed validation, so slightly malformed
// browser output still merges.
func New() *PDFCPU {
	// pdfcpu otherwise writes a config dir under the user's home.
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFCPU{conf: conf}
}

// Merge writes docs to w in order, without divider pages.
func (m *PDFCPU) Merge(ctx context.Context, w io.Writer, docs []io.ReadSeeker) error {
	if len(docs) == 0 {
		return errors.New("merge: no documents")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("merge canceled: %w", err)
	}
	if err := api.MergeRaw(docs, w, false, m.conf); err != nil {
		return fmt.Errorf("merge pdfs: %w", err)
	}
	return nil
}
