package webadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// BraveProvider queries the Brave Search API.
type BraveProvider struct {
	apiKey string
	client *http.Client
}

// NewBraveProvider creates a BraveProvider. apiKey is the X-Subscription-Token.
func NewBraveProvider(apiKey string, client *http.Client) *BraveProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &BraveProvider{apiKey: apiKey, client: client}
}

func (p *BraveProvider) Name() Provider { return ProviderBrave }

func (p *BraveProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	if p.apiKey == "" {
		return nil, nil
	}

	endpoint := "https://api.search.brave.com/res/v1/web/search?q=" + url.QueryEscape(query) + fmt.Sprintf("&count=%d", n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("webadapter.BraveProvider: %w", err)
	}
	req.Header.Set("X-Subscription-Token", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webadapter.BraveProvider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webadapter.BraveProvider: status %d", resp.StatusCode)
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("webadapter.BraveProvider: decode: %w", err)
	}

	out := make([]SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

// SerpAPIProvider queries SerpAPI's Google search endpoint.
type SerpAPIProvider struct {
	apiKey string
	client *http.Client
}

// NewSerpAPIProvider creates a SerpAPIProvider.
func NewSerpAPIProvider(apiKey string, client *http.Client) *SerpAPIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &SerpAPIProvider{apiKey: apiKey, client: client}
}

func (p *SerpAPIProvider) Name() Provider { return ProviderSerpAPI }

func (p *SerpAPIProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	if p.apiKey == "" {
		return nil, nil
	}

	endpoint := fmt.Sprintf("https://serpapi.com/search.json?engine=google&q=%s&num=%d&api_key=%s",
		url.QueryEscape(query), n, url.QueryEscape(p.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("webadapter.SerpAPIProvider: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webadapter.SerpAPIProvider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webadapter.SerpAPIProvider: status %d", resp.StatusCode)
	}

	var parsed struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("webadapter.SerpAPIProvider: decode: %w", err)
	}

	out := make([]SearchResult, 0, len(parsed.OrganicResults))
	for _, r := range parsed.OrganicResults {
		out = append(out, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}
