package headless

import (
	"context"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Noop implements crawler.Renderer but always fails. It stands in where no
// Chrome binary is available.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render returns crawler.ErrRendererDisabled.
func (Noop) Render(_ context.Context, _ string) ([]byte, error) {
	return nil, crawler.ErrRendererDisabled
}
