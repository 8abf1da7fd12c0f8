// Package headless implements the mid-tier scraper backend: full JavaScript
// rendering through chromedp and headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/draftforge/webintel/internal/backend/extract"
	"github.com/draftforge/webintel/internal/faults"
	"github.com/draftforge/webintel/internal/intel"
)

// Config controls the headless backend.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

// Backend implements intel.Backend using chromedp.
type Backend struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless backend backed by a shared Chrome exec allocator.
func New(cfg Config) (*Backend, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Backend{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (b *Backend) Close() {
	b.allocCancel()
}

// ID returns the backend identifier.
func (b *Backend) ID() intel.BackendID { return intel.BackendHeadless }

// Capability orders this tier above static, below managed.
func (b *Backend) Capability() int { return 1 }

// DiscoverURLs renders the domain root and returns the links found in the
// hydrated DOM. Rarely used for discovery; the static tier is cheaper.
func (b *Backend) DiscoverURLs(ctx context.Context, domain string) ([]string, error) {
	page, err := b.Fetch(ctx, "https://"+domain)
	if err != nil {
		return nil, fmt.Errorf("headless discover %s: %w", domain, err)
	}
	return page.Links, nil
}

// Scrape renders each URL. Per-URL failures land on the result.
func (b *Backend) Scrape(ctx context.Context, urls []string) ([]intel.PageResult, error) {
	results := make([]intel.PageResult, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		page, err := b.Fetch(ctx, u)
		if err != nil {
			failed := intel.PageResult{
				URL:       u,
				BackendID: intel.BackendHeadless,
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

// Fetch navigates with a headless browser and extracts from the rendered DOM.
func (b *Backend) Fetch(ctx context.Context, pageURL string) (intel.PageResult, error) {
	if err := b.acquire(ctx); err != nil {
		return intel.PageResult{}, err
	}
	defer b.release()

	taskCtx, taskCancel := chromedp.NewContext(b.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, b.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		b.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return intel.PageResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	status := meta.status(pageURL)
	if status >= 400 {
		return intel.PageResult{}, &faults.HTTPError{StatusCode: status, URL: pageURL}
	}
	if finalURL == "" {
		finalURL = pageURL
	}

	result := extract.FromHTML(finalURL, html)
	result.StatusCode = status
	result.BackendID = intel.BackendHeadless
	result.DurationMs = time.Since(start).Milliseconds()
	result.Success = true
	return result, nil
}

func (b *Backend) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Backend) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type responseMeta struct {
	mu         sync.RWMutex
	statusCode int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.statusCode = int(event.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) status(_ string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.statusCode == 0 {
		return 200
	}
	return m.statusCode
}
