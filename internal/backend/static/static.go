// Package static implements the cheapest scraper tier using gocolly: plain
// HTTP fetches with no JavaScript execution. It also handles URL discovery
// for a domain.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/draftforge/webintel/internal/backend/extract"
	"github.com/draftforge/webintel/internal/faults"
	"github.com/draftforge/webintel/internal/intel"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxDiscovery int
}

// Backend implements intel.Backend over a Colly collector.
type Backend struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds the static backend.
func New(cfg Config) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxDiscovery <= 0 {
		cfg.MaxDiscovery = 50
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Backend{cfg: cfg, baseCollector: c}
}

// ID returns the backend identifier.
func (b *Backend) ID() intel.BackendID { return intel.BackendStatic }

// Capability orders this tier below headless and managed.
func (b *Backend) Capability() int { return 0 }

// DiscoverURLs fetches the domain root and returns same-host links in
// discovery order, deduplicated, root first.
func (b *Backend) DiscoverURLs(ctx context.Context, domain string) ([]string, error) {
	root := normalizeDomain(domain)
	rootURL, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("parse domain: %w", err)
	}

	page, err := b.fetch(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", domain, err)
	}

	seen := map[string]bool{root: true}
	urls := []string{root}
	for _, link := range page.Links {
		if len(urls) >= b.cfg.MaxDiscovery {
			break
		}
		parsed, err := url.Parse(link)
		if err != nil || parsed.Host != rootURL.Host {
			continue
		}
		parsed.Fragment = ""
		link = parsed.String()
		if !seen[link] {
			seen[link] = true
			urls = append(urls, link)
		}
	}
	return urls, nil
}

// Scrape fetches each URL in order. Per-URL failures are recorded on the
// result, never returned as an error for the batch.
func (b *Backend) Scrape(ctx context.Context, urls []string) ([]intel.PageResult, error) {
	results := make([]intel.PageResult, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		page, err := b.fetch(ctx, u)
		if err != nil {
			failed := intel.PageResult{
				URL:       u,
				BackendID: intel.BackendStatic,
				Success:   false,
				Error:     err.Error(),
			}
			var httpErr *faults.HTTPError
			if errors.As(err, &httpErr) {
				failed.StatusCode = httpErr.StatusCode
			}
			results = append(results, failed)
			continue
		}
		results = append(results, page)
	}
	return results, nil
}

// Fetch retrieves a single URL; the orchestrator uses it for per-URL retry.
func (b *Backend) Fetch(ctx context.Context, pageURL string) (intel.PageResult, error) {
	return b.fetch(ctx, pageURL)
}

func (b *Backend) fetch(ctx context.Context, pageURL string) (intel.PageResult, error) {
	collector := b.baseCollector.Clone()
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.SetRequestTimeout(b.cfg.Timeout)

	var (
		result   intel.PageResult
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		result = extract.FromHTML(r.Request.URL.String(), string(r.Body))
		result.StatusCode = r.StatusCode
		result.BackendID = intel.BackendStatic
		result.DurationMs = time.Since(start).Milliseconds()
		result.Success = true
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = &faults.HTTPError{StatusCode: r.StatusCode, URL: pageURL}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return intel.PageResult{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return intel.PageResult{}, fetchErr
		}
		if err != nil {
			return intel.PageResult{}, fmt.Errorf("static fetch: %w", err)
		}
		return result, nil
	}
}

func normalizeDomain(domain string) string {
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "https://" + domain
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
