package crawler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Defaults for the breadth-first crawl.
const (
	DefaultBatchSize   = 20
	DefaultMaxInFlight = 10
)

// SiteConfig bounds a single crawl.
type SiteConfig struct {
	// BatchSize is the number of frontier URLs taken per round.
	BatchSize int
	// MaxInFlight caps simultaneous fetches across the whole crawl.
	MaxInFlight int
	// MaxPages stops admitting new URLs once this many are known. Zero means unlimited.
	MaxPages int
}

// FetchObserver receives per-fetch outcomes (used for metrics).
type FetchObserver interface {
	FetchStarted()
	FetchFinished(url string, outcome FetchOutcome)
}

// SiteCrawler performs same-domain breadth-first discovery.
type SiteCrawler struct {
	fetcher   Fetcher
	extractor LinkExtractor
	cfg       SiteConfig
	observer  FetchObserver
	logger    *zap.Logger
}

// NewSiteCrawler builds a SiteCrawler. A nil observer disables fetch callbacks.
func NewSiteCrawler(
	fetcher Fetcher,
	extractor LinkExtractor,
	cfg SiteConfig,
	observer FetchObserver,
	logger *zap.Logger,
) *SiteCrawler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SiteCrawler{
		fetcher:   fetcher,
		extractor: extractor,
		cfg:       cfg,
		observer:  observer,
		logger:    logger,
	}
}

// crawlState is owned by a single Crawl call.
type crawlState struct {
	domain   string
	visited  map[string]struct{}
	frontier []string

	mu      sync.Mutex
	pages   []Page
	observe PageObserver
}

// Crawl discovers every page reachable from seed on the seed's host.
// Pages are returned in fetch completion order. observe, if set, is called
// once per page as it is appended.
func (c *SiteCrawler) Crawl(ctx context.Context, seed string, observe PageObserver) ([]Page, error) {
	seedURL, err := ValidateSeed(seed)
	if err != nil {
		return nil, err
	}
	state := &crawlState{
		domain:   HostOf(seedURL),
		visited:  map[string]struct{}{seedURL: {}},
		frontier: []string{seedURL},
		observe:  observe,
	}
	sem := semaphore.NewWeighted(int64(c.cfg.MaxInFlight))

	round := 0
	for len(state.frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return state.snapshot(), fmt.Errorf("crawl canceled: %w", err)
		}
		n := min(c.cfg.BatchSize, len(state.frontier))
		batch := state.frontier[:n]
		state.frontier = state.frontier[n:]

		discovered, err := c.runBatch(ctx, sem, state, batch)
		if err != nil {
			return state.snapshot(), err
		}
		added := state.admit(discovered, c.cfg.MaxPages)
		c.logger.Debug("crawl round finished",
			zap.Int("round", round),
			zap.Int("batch", n),
			zap.Int("new_urls", added),
			zap.Int("frontier", len(state.frontier)),
		)
		round++
	}
	return state.snapshot(), nil
}

// runBatch fetches every URL in batch concurrently and returns each URL's
// links in batch order.
func (c *SiteCrawler) runBatch(
	ctx context.Context,
	sem *semaphore.Weighted,
	state *crawlState,
	batch []string,
) ([][]string, error) {
	discovered := make([][]string, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range batch {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("acquire fetch slot: %w", err)
			}
			defer sem.Release(1)
			discovered[i] = c.visit(gctx, state, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("crawl batch: %w", err)
	}
	return discovered, nil
}

// visit fetches one URL and records it as a page. Failures yield no links.
func (c *SiteCrawler) visit(ctx context.Context, state *crawlState, target string) []string {
	if c.observer != nil {
		c.observer.FetchStarted()
	}
	res := c.fetcher.Fetch(ctx, target)
	if c.observer != nil {
		c.observer.FetchFinished(target, res.Outcome)
	}
	if res.Outcome != FetchSucceeded {
		c.logger.Debug("fetch skipped",
			zap.String("url", target),
			zap.Stringer("outcome", res.Outcome),
			zap.Int("status", res.StatusCode),
			zap.Error(res.Err),
		)
		return nil
	}

	meta, links, err := c.extractor.Extract(target, state.domain, res.HTML)
	if err != nil {
		c.logger.Warn("extract links failed", zap.String("url", target), zap.Error(err))
		return nil
	}
	state.addPage(Page{URL: target, Title: meta.Title, HasVideo: meta.HasVideo})
	return links
}

func (s *crawlState) addPage(p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, p)
	if s.observe != nil {
		s.observe(p)
	}
}

// admit merges a round's links into the frontier. It runs between rounds,
// so visited needs no locking.
func (s *crawlState) admit(discovered [][]string, maxPages int) int {
	added := 0
	for _, links := range discovered {
		for _, link := range links {
			if _, seen := s.visited[link]; seen {
				continue
			}
			if maxPages > 0 && len(s.visited) >= maxPages {
				return added
			}
			s.visited[link] = struct{}{}
			s.frontier = append(s.frontier, link)
			added++
		}
	}
	return added
}

func (s *crawlState) snapshot() []Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Page, len(s.pages))
	copy(out, s.pages)
	return out
}
