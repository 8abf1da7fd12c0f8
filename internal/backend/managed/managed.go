// Package managed implements the top scraper tier: a hosted scraping API that
// performs rendering and schema extraction server-side. It is the most
// capable and the most expensive backend.
package managed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/draftforge/webintel/internal/faults"
	"github.com/draftforge/webintel/internal/intel"
)

// Config holds the hosted API connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Backend implements intel.Backend against the hosted scraping API.
type Backend struct {
	cfg    Config
	client *http.Client
}

// New builds the managed backend.
func New(cfg Config) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("managed backend base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// ID returns the backend identifier.
func (b *Backend) ID() intel.BackendID { return intel.BackendManaged }

// Capability orders this tier above headless.
func (b *Backend) Capability() int { return 2 }

type discoverRequest struct {
	Domain string `json:"domain"`
}

type discoverResponse struct {
	URLs []string `json:"urls"`
}

type scrapeRequest struct {
	URLs          []string `json:"urls"`
	ExtractSchema bool     `json:"extract_schema"`
}

type scrapePage struct {
	URL      string             `json:"url"`
	Content  string             `json:"content"`
	HTML     string             `json:"html"`
	Images   []intel.ImageRef   `json:"images"`
	Links    []string           `json:"links"`
	Products []intel.Product    `json:"products"`
	Contact  *intel.ContactInfo `json:"contact"`
	Success  bool               `json:"success"`
	Error    string             `json:"error"`
}

type scrapeResponse struct {
	Pages []scrapePage `json:"pages"`
}

// DiscoverURLs asks the hosted API to map the domain.
func (b *Backend) DiscoverURLs(ctx context.Context, domain string) ([]string, error) {
	var resp discoverResponse
	if err := b.post(ctx, "/v1/discover", discoverRequest{Domain: domain}, &resp); err != nil {
		return nil, fmt.Errorf("managed discover %s: %w", domain, err)
	}
	return resp.URLs, nil
}

// Scrape submits the batch and converts the API response into page results.
func (b *Backend) Scrape(ctx context.Context, urls []string) ([]intel.PageResult, error) {
	start := time.Now()
	var resp scrapeResponse
	if err := b.post(ctx, "/v1/scrape", scrapeRequest{URLs: urls, ExtractSchema: true}, &resp); err != nil {
		return nil, fmt.Errorf("managed scrape: %w", err)
	}
	durationMs := time.Since(start).Milliseconds()

	results := make([]intel.PageResult, 0, len(resp.Pages))
	for _, page := range resp.Pages {
		results = append(results, intel.PageResult{
			URL:        page.URL,
			Content:    page.Content,
			HTML:       page.HTML,
			Images:     page.Images,
			Links:      page.Links,
			Products:   page.Products,
			Contact:    page.Contact,
			BackendID:  intel.BackendManaged,
			DurationMs: durationMs,
			Success:    page.Success,
			Error:      page.Error,
		})
	}
	return results, nil
}

func (b *Backend) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("call api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &faults.HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
