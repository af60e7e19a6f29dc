// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Browser-like defaults. Some sites serve different markup to non-browser clients.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
	DefaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9," +
		"image/avif,image/webp,image/apng,*/*;q=0.8"
	DefaultAcceptLanguage = "en-US,en;q=0.9"
	DefaultTimeout        = 10 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Accept == "" {
		c.Accept = DefaultAccept
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = DefaultAcceptLanguage
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The transport and timeout live on the shared base
// collector; each fetch works on a clone with its own callbacks.
func New(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Every outcome, including failures, is
// reported through the returned FetchResult.
func (f *Fetcher) Fetch(ctx context.Context, url string) crawler.FetchResult {
	var (
		result   = crawler.FetchResult{URL: url, Outcome: crawler.FetchNetworkError}
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &result, &fetchErr)

	finished, visitErr := f.runCollector(ctx, collector, url)
	if !finished {
		// The visit goroutine may still write to result; hand back a fresh one.
		return crawler.FetchResult{
			URL:      url,
			Outcome:  crawler.FetchNetworkError,
			Err:      fmt.Errorf("colly fetch canceled: %w", visitErr),
			Duration: time.Since(start),
		}
	}
	result.Duration = time.Since(start)
	if fetchErr == nil {
		fetchErr = visitErr
	}
	if fetchErr != nil && result.Outcome != crawler.FetchHTTPError {
		result.Outcome = crawler.FetchNetworkError
		result.HTML = ""
		result.Err = fmt.Errorf("colly visit failed: %w", fetchErr)
	}
	return result
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	result *crawler.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", f.cfg.Accept)
		r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		if r.StatusCode != http.StatusOK {
			result.Outcome = crawler.FetchHTTPError
			result.Err = errors.New(http.StatusText(r.StatusCode))
			return
		}
		result.Outcome = crawler.FetchSucceeded
		result.HTML = string(r.Body)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

// runCollector reports whether the visit finished before ctx ended.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-done:
		return true, err
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
