package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/webadapter"
)

// webFallbackSimilarity is the synthetic similarity assigned to web results
// merged into a hierarchical result set — deliberately below a typical dense
// hit so local memory is preferred whenever it's available at all (§4.7: web
// search only supplements thin local retrieval, never competes with it).
const webFallbackSimilarity = 0.45

// WebScrapeSearcher abstracts the search+scrape pipeline webadapter.Adapter
// implements, narrowed to what WebRetrieverService needs.
type WebScrapeSearcher interface {
	SearchAndScrape(ctx context.Context, query string, n int) ([]webadapter.ScrapeResult, error)
}

// WebRetrieverService implements the Orchestrator's WebSearcher by wrapping
// a WebScrapeSearcher and shaping its output as HierarchicalHits so it can
// merge directly into local retrieval results (§4.7).
type WebRetrieverService struct {
	searcher WebScrapeSearcher
	n        int
}

// NewWebRetrieverService creates a WebRetrieverService fetching up to n
// results per query (§6 WEB_SEARCH_RESULTS, default 5).
func NewWebRetrieverService(searcher WebScrapeSearcher, n int) *WebRetrieverService {
	if n <= 0 {
		n = 5
	}
	return &WebRetrieverService{searcher: searcher, n: n}
}

var _ WebSearcher = (*WebRetrieverService)(nil)

// Search runs the web fallback and adapts its results into HierarchicalHits.
func (s *WebRetrieverService) Search(ctx context.Context, query string) ([]HierarchicalHit, error) {
	pages, err := s.searcher.SearchAndScrape(ctx, query, s.n)
	if err != nil {
		return nil, fmt.Errorf("service.WebRetrieverService.Search: %w", err)
	}

	now := time.Now().UTC()
	hits := make([]HierarchicalHit, 0, len(pages))
	for _, p := range pages {
		text := p.Text
		if len(text) > 4000 {
			text = text[:4000]
		}
		hits = append(hits, HierarchicalHit{
			MemoryID:    p.URL,
			MemoryType:  model.MemorySemantic,
			ContentType: model.ContentWeb,
			ChunkText:   text,
			Similarity:  webFallbackSimilarity,
			CreatedAt:   now,
		})
	}

	slog.Info("[WEB-RETRIEVER] web fallback produced hits", "query", query, "hits", len(hits))
	return hits, nil
}
