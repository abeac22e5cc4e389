// Package webadapter implements the optional web search/scrape fallback
// (§4.7, SPEC_FULL §3): a provider-ordered search step followed by
// readability-based text extraction, used only when local retrieval is thin.
package webadapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// Provider identifies which search backend produced a result set.
type Provider string

const (
	ProviderBrave    Provider = "brave"
	ProviderSerpAPI  Provider = "serpapi"
	ProviderFallback Provider = "fallback"
)

// SearchResult is one search hit before scraping.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ScrapeResult is the extracted text of a single page.
type ScrapeResult struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Domain string `json:"domain"`
	Error  string `json:"error,omitempty"`
}

// SearchProvider abstracts a single web search backend.
type SearchProvider interface {
	Name() Provider
	Search(ctx context.Context, query string, n int) ([]SearchResult, error)
}

// Adapter tries providers in order (§6: brave, serpapi, fallback) and
// scrapes the resulting URLs with go-shiori/go-readability.
type Adapter struct {
	providers  []SearchProvider
	httpClient *http.Client
	maxBytes   int64
	timeout    time.Duration
}

// NewAdapter creates an Adapter trying providers in the given order. A
// fallback SearchProvider (e.g. NoopProvider) should always be last so a
// missing API key degrades to zero results rather than an error.
func NewAdapter(providers []SearchProvider, scrapeTimeout time.Duration) *Adapter {
	if scrapeTimeout <= 0 {
		scrapeTimeout = 10 * time.Second
	}
	return &Adapter{
		providers: providers,
		httpClient: &http.Client{
			Timeout: scrapeTimeout,
		},
		maxBytes: 4 * 1024 * 1024,
		timeout:  scrapeTimeout,
	}
}

// Search dials providers in configured order, returning the first
// non-empty result set (§6 dial order).
func (a *Adapter) Search(ctx context.Context, query string, n int) ([]SearchResult, Provider, error) {
	var lastErr error
	for _, p := range a.providers {
		results, err := p.Search(ctx, query, n)
		if err != nil {
			slog.Warn("[WEB-ADAPTER] provider search failed, trying next", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		if len(results) > 0 {
			return results, p.Name(), nil
		}
	}
	if lastErr != nil {
		return nil, "", fmt.Errorf("webadapter.Search: all providers failed: %w", lastErr)
	}
	return nil, ProviderFallback, nil
}

// Scrape fetches a URL and extracts its main article text via readability,
// falling back to raw body text for non-HTML or unparseable pages.
func (a *Adapter) Scrape(ctx context.Context, rawURL string) ScrapeResult {
	result := ScrapeResult{URL: rawURL}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		result.Error = "invalid or unsupported url"
		return result
	}
	result.Domain = u.Host

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; memory-service-fetch/1.0)")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes))
	if err != nil {
		result.Error = err.Error()
		return result
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), u)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		result.Text = strings.TrimSpace(string(body))
		slog.Warn("[WEB-ADAPTER] readability extraction failed, using raw body", "url", rawURL, "error", err)
		return result
	}

	result.Title = strings.TrimSpace(article.Title)
	result.Text = strings.TrimSpace(article.TextContent)
	return result
}

// SearchAndScrape runs Search then Scrape on each resulting URL, returning
// at most n scraped pages (§4.7 web fallback).
func (a *Adapter) SearchAndScrape(ctx context.Context, query string, n int) ([]ScrapeResult, error) {
	hits, provider, err := a.Search(ctx, query, n)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	slog.Info("[WEB-ADAPTER] search succeeded", "provider", provider, "results", len(hits))

	scraped := make([]ScrapeResult, 0, len(hits))
	for _, h := range hits {
		s := a.Scrape(ctx, h.URL)
		if s.Error != "" {
			slog.Warn("[WEB-ADAPTER] scrape failed, skipping result", "url", h.URL, "error", s.Error)
			continue
		}
		if s.Title == "" {
			s.Title = h.Title
		}
		scraped = append(scraped, s)
	}
	return scraped, nil
}

// NoopProvider returns no results and no error — the final provider in the
// dial order, used when no search API key is configured (tests, local dev).
type NoopProvider struct{}

func (NoopProvider) Name() Provider { return ProviderFallback }

func (NoopProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	return nil, nil
}
