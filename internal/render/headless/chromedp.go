// Package headless renders pages to PDF with headless Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Viewport used for layout before the page is measured.
const (
	ViewportWidth  = 1280
	ViewportHeight = 720

	// cssPixelsPerInch converts measured CSS pixels to PrintToPDF inches.
	cssPixelsPerInch = 96.0
)

// Config controls the behavior of the headless renderer.
type Config struct {
	// MaxParallel caps concurrent tabs across all jobs. Zero means unlimited.
	MaxParallel int
	UserAgent   string
	// Timeout bounds one render, navigation through print.
	Timeout time.Duration
	// Settle is the pause after body is ready, for late layout and fonts.
	Settle time.Duration
	// NoSandbox disables the Chrome sandbox (needed in most containers).
	NoSandbox bool
}

// Renderer implements crawler.Renderer with one shared browser and a new tab
// per render.
type Renderer struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	start       func(parent context.Context) (context.Context, context.CancelFunc, error)

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromedp creates a renderer. Chrome is started lazily on first render.
func NewChromedp(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		logger:      logger,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		start:       startBrowser,
	}, nil
}

func startBrowser(parent context.Context) (context.Context, context.CancelFunc, error) {
	browserCtx, cancel := chromedp.NewContext(parent)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("start browser: %w", err)
	}
	return browserCtx, cancel, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Close shuts down the browser and the allocator.
func (r *Renderer) Close() {
	r.mu.Lock()
	if r.browserCancel != nil {
		r.browserCancel()
		r.browserCancel = nil
		r.browserCtx = nil
	}
	r.mu.Unlock()
	r.allocCancel()
}

// Render loads url in a fresh tab and prints it as a single PDF page sized to
// the full document.
func (r *Renderer) Render(ctx context.Context, url string) ([]byte, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	browserCtx, err := r.browser()
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.Timeout)
	defer cancel()

	status := newDocumentStatus()
	chromedp.ListenTarget(tabCtx, status.captureEvent)

	var (
		dims []float64
		pdf  []byte
	)
	actions := []chromedp.Action{
		r.emulationAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Evaluate(measureScript, &dims),
		chromedp.ActionFunc(func(ctx context.Context) error {
			width, height := paperSize(dims)
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(width).
				WithPaperHeight(height).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPageRanges("1").
				Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			pdf = buf
			return nil
		}),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	r.logger.Debug("page rendered",
		zap.String("url", url),
		zap.Int("document_status", status.get()),
		zap.Int("bytes", len(pdf)),
	)
	return pdf, nil
}

const measureScript = `[
	Math.max(document.documentElement.scrollWidth, document.body ? document.body.scrollWidth : 0),
	Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0)
]`

// paperSize converts measured CSS pixel dimensions to inches, never smaller
// than the viewport.
func paperSize(dims []float64) (float64, float64) {
	width, height := float64(ViewportWidth), float64(ViewportHeight)
	if len(dims) == 2 {
		width = max(width, dims[0])
		height = max(height, dims[1])
	}
	return width / cssPixelsPerInch, height / cssPixelsPerInch
}

func (r *Renderer) emulationAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(ViewportWidth, ViewportHeight, 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// browser starts Chrome on first use and reuses it while it is alive. A
// browser whose context has ended (crash, killed process) is replaced, and a
// failed start is retried on the next call.
func (r *Renderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserCtx != nil {
		if r.browserCtx.Err() == nil {
			return r.browserCtx, nil
		}
		r.logger.Warn("browser exited, restarting", zap.Error(context.Cause(r.browserCtx)))
		r.browserCancel()
		r.browserCtx, r.browserCancel = nil, nil
	}
	browserCtx, cancel, err := r.start(r.allocCtx)
	if err != nil {
		return nil, err
	}
	r.browserCtx = browserCtx
	r.browserCancel = cancel
	return browserCtx, nil
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

// documentStatus records the HTTP status of the top-level document.
type documentStatus struct {
	mu     sync.RWMutex
	status int
}

func newDocumentStatus() *documentStatus {
	return &documentStatus{}
}

func (d *documentStatus) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.mu.Unlock()
}

func (d *documentStatus) get() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}
