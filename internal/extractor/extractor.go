// Package extractor pulls titles, video markers and same-domain links out of
// fetched HTML using goquery.
package extractor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// VideoProviders are the iframe src substrings that mark embedded video.
var VideoProviders = []string{
	"youtube",
	"vimeo",
	"dailymotion",
	"facebook",
	"instagram",
	"twitter",
	"tiktok",
}

// Extractor implements crawler.LinkExtractor.
type Extractor struct {
	providers []string
}

// New returns an Extractor using the default video provider list.
func New() *Extractor {
	return &Extractor{providers: VideoProviders}
}

// Extract parses html fetched from baseURL. Returned links are normalized,
// restricted to http(s) URLs on domain, and listed once each in document order.
func (e *Extractor) Extract(baseURL string, domain string, html string) (crawler.PageMeta, []string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return crawler.PageMeta{}, nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.PageMeta{}, nil, fmt.Errorf("parse html: %w", err)
	}

	meta := crawler.PageMeta{
		Title:    e.title(doc, baseURL),
		HasVideo: e.hasVideo(doc),
	}
	return meta, e.links(doc, base, domain), nil
}

// title trims surrounding whitespace; a title that is blank after trimming
// counts as missing.
func (e *Extractor) title(doc *goquery.Document, fallback string) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return fallback
	}
	return title
}

func (e *Extractor) hasVideo(doc *goquery.Document) bool {
	if doc.Find("video").Length() > 0 {
		return true
	}
	found := false
	doc.Find("iframe[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src := strings.ToLower(sel.AttrOr("src", ""))
		for _, provider := range e.providers {
			if strings.Contains(src, provider) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func (e *Extractor) links(doc *goquery.Document, base *url.URL, domain string) []string {
	domain = strings.ToLower(domain)
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved, err := crawler.ResolveURL(base, href)
		if err != nil {
			return
		}
		u, err := url.Parse(resolved)
		if err != nil || !crawler.IsHTTP(u) || u.Host != domain {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	})
	return out
}
