package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

const (
	maxSubQueries        = 4
	hierarchicalTopK     = 5
	mergedResultLimit    = 10
	temporalRecencyWeight = 0.4
)

// QueryEmbedder abstracts turning a sub-query string into a query-space
// embedding vector, reusing EmbedderService.Embed under an EmbedOpts for
// query (vs. document) task type.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string, opts EmbedOpts) ([]float32, error)
}

// HierarchicalRetriever abstracts the Memory Manager's hierarchical search.
type HierarchicalRetriever interface {
	HierarchicalRetrieve(ctx context.Context, userID string, queryVec []float32, topK int, includeSummaries bool) ([]HierarchicalHit, error)
}

// AccessLogger abstracts best-effort retrieval-access logging.
type AccessLogger interface {
	LogRetrieval(ctx context.Context, memoryID string) error
}

// PreferencesProvider abstracts reading a user's boost/suppress preferences.
type PreferencesProvider interface {
	GetPreferences(ctx context.Context, userID string) (*model.UserPreference, error)
}

// WebSearcher abstracts the optional web fallback (component, §4.7).
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]HierarchicalHit, error)
}

// AnswerGenerator abstracts the LM call used to synthesize a final answer.
type AnswerGenerator interface {
	GenerateContentAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error)
}

// StreamingGenerator abstracts token-by-token answer synthesis.
type StreamingGenerator interface {
	GenerateContentStream(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error)
}

// RAGResult is the outcome of OrchestratorService.Answer (§4.5 answer_query).
type RAGResult struct {
	Answer     string            `json:"answer"`
	Citations  []Citation        `json:"citations"`
	Analysis   QueryAnalysis     `json:"analysis"`
	SubQueries []string          `json:"subQueries"`
	Hits       []HierarchicalHit `json:"hits"`
	UsedWeb    bool              `json:"usedWeb"`
}

// OrchestratorService implements the RAG Orchestrator (component H): query
// analysis → decomposition → per-sub-query hierarchical retrieval → temporal
// boost → dedup/merge → optional web fallback → preference re-ranking →
// context assembly → answer synthesis → citation extraction.
type OrchestratorService struct {
	analyzer    *QueryAnalyzerService
	embedder    QueryEmbedder
	retriever   HierarchicalRetriever
	reranker    *RerankerService
	preferences PreferencesProvider
	contextBuilder *ContextBuilderService
	llm         AnswerGenerator
	streamLLM   StreamingGenerator
	web         WebSearcher
	access      AccessLogger
}

// NewOrchestratorService creates an OrchestratorService. web and preferences
// may be nil to disable web fallback / preference re-ranking respectively.
func NewOrchestratorService(
	analyzer *QueryAnalyzerService,
	embedder QueryEmbedder,
	retriever HierarchicalRetriever,
	reranker *RerankerService,
	preferences PreferencesProvider,
	contextBuilder *ContextBuilderService,
	llm AnswerGenerator,
	streamLLM StreamingGenerator,
	web WebSearcher,
	access AccessLogger,
) *OrchestratorService {
	return &OrchestratorService{
		analyzer:       analyzer,
		embedder:       embedder,
		retriever:      retriever,
		reranker:       reranker,
		preferences:    preferences,
		contextBuilder: contextBuilder,
		llm:            llm,
		streamLLM:      streamLLM,
		web:            web,
		access:         access,
	}
}

// Answer runs the full RAG pipeline for a single user turn (§4.5).
func (o *OrchestratorService) Answer(ctx context.Context, userID, query string, history []ChatMessage) (*RAGResult, error) {
	analysis := o.analyzer.Analyze(query)
	slog.Info("[ORCHESTRATOR] query analyzed", "has_temporal", analysis.HasTemporal, "requires_multi_hop", analysis.RequiresMultiHop, "question_type", analysis.QuestionType)

	subQueries := []string{query}
	if analysis.RequiresMultiHop {
		decomposed, err := o.analyzer.Decompose(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("service.Answer: decompose: %w", err)
		}
		subQueries = decomposed
	}
	if len(subQueries) > maxSubQueries {
		subQueries = subQueries[:maxSubQueries]
	}

	hits, err := o.retrieveAll(ctx, userID, subQueries, analysis)
	if err != nil {
		return nil, fmt.Errorf("service.Answer: retrieve: %w", err)
	}

	hits = dedupByMemoryID(hits)
	sortHitsDescending(hits)
	if len(hits) > mergedResultLimit {
		hits = hits[:mergedResultLimit]
	}

	usedWeb := false
	if o.web != nil && ShouldSearchWeb(query, len(hits)) {
		webHits, err := o.web.Search(ctx, query)
		if err != nil {
			slog.Warn("[ORCHESTRATOR] web fallback failed, continuing with local results only", "error", err)
		} else if len(webHits) > 0 {
			hits = append(hits, webHits...)
			sortHitsDescending(hits)
			if len(hits) > mergedResultLimit {
				hits = hits[:mergedResultLimit]
			}
			usedWeb = true
		}
	}

	if o.preferences != nil {
		prefs, err := o.preferences.GetPreferences(ctx, userID)
		if err != nil {
			slog.Warn("[ORCHESTRATOR] preference lookup failed, skipping rerank", "error", err)
		} else if prefs != nil {
			hits = o.reranker.Rerank(hits, *prefs)
		}
	}

	context := o.contextBuilder.BuildContext(hits)
	systemPrompt := SystemPromptFor(analysis, len(subQueries) > 1)
	messages := o.contextBuilder.BuildPrompt(query, context, history, systemPrompt)

	answer, err := o.llm.GenerateContentAt(ctx, messages[0].Content, flattenUserTurn(messages), 0.7)
	if err != nil {
		return nil, fmt.Errorf("service.Answer: generate: %w", err)
	}

	citations := ExtractCitations(answer, hits)

	if o.access != nil {
		n := len(hits)
		if n > 5 {
			n = 5
		}
		for _, h := range hits[:n] {
			if h.ContentType == model.ContentWeb {
				continue // web hits aren't backed by a Memory row to log access against
			}
			if err := o.access.LogRetrieval(ctx, h.MemoryID); err != nil {
				slog.Warn("[ORCHESTRATOR] access log failed", "memory_id", h.MemoryID, "error", err)
			}
		}
	}

	return &RAGResult{
		Answer:     answer,
		Citations:  citations,
		Analysis:   analysis,
		SubQueries: subQueries,
		Hits:       hits,
		UsedWeb:    usedWeb,
	}, nil
}

// AnswerStream runs the same analysis, decomposition, retrieval, temporal
// boost and dedup/merge steps as Answer, then streams the final generation
// token-by-token, returning the retrieval context up front so the caller
// (the SSE handler) can emit an early "retrieving" event. It does no web
// fallback, no preference re-ranking, no citation extraction and no access
// logging.
func (o *OrchestratorService) AnswerStream(ctx context.Context, userID, query string, history []ChatMessage) (*RAGResult, <-chan string, <-chan error, error) {
	analysis := o.analyzer.Analyze(query)

	subQueries := []string{query}
	if analysis.RequiresMultiHop {
		decomposed, err := o.analyzer.Decompose(ctx, query)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("service.AnswerStream: decompose: %w", err)
		}
		subQueries = decomposed
	}
	if len(subQueries) > maxSubQueries {
		subQueries = subQueries[:maxSubQueries]
	}

	hits, err := o.retrieveAll(ctx, userID, subQueries, analysis)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("service.AnswerStream: retrieve: %w", err)
	}
	hits = dedupByMemoryID(hits)
	sortHitsDescending(hits)
	if len(hits) > mergedResultLimit {
		hits = hits[:mergedResultLimit]
	}

	context := o.contextBuilder.BuildContext(hits)
	systemPrompt := SystemPromptFor(analysis, len(subQueries) > 1)
	messages := o.contextBuilder.BuildPrompt(query, context, history, systemPrompt)

	textCh, errCh := o.streamLLM.GenerateContentStream(ctx, messages[0].Content, flattenUserTurn(messages))

	result := &RAGResult{Analysis: analysis, SubQueries: subQueries, Hits: hits}
	return result, textCh, errCh, nil
}

// retrieveAll fans sub-queries out to hierarchical retrieval concurrently
// (each is independent), applying the temporal boost per-subquery when the
// original query had a temporal marker (§4.5).
func (o *OrchestratorService) retrieveAll(ctx context.Context, userID string, subQueries []string, analysis QueryAnalysis) ([]HierarchicalHit, error) {
	results := make([][]HierarchicalHit, len(subQueries))

	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range subQueries {
		i, sq := i, sq
		g.Go(func() error {
			vec, err := o.embedder.Embed(gctx, sq, DefaultEmbedOpts())
			if err != nil {
				return fmt.Errorf("embed sub-query %q: %w", sq, err)
			}
			hits, err := o.retriever.HierarchicalRetrieve(gctx, userID, vec, hierarchicalTopK, true)
			if err != nil {
				return fmt.Errorf("retrieve sub-query %q: %w", sq, err)
			}
			if analysis.HasTemporal {
				hits = applyTemporalBoost(hits, temporalRecencyWeight, true)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []HierarchicalHit
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// applyTemporalBoost re-weights similarity toward recency (§4.5
// TemporalRetriever.apply_temporal_boost): a 30-day exponential decay,
// boosted further for temporal queries when the hit is under a week old.
func applyTemporalBoost(hits []HierarchicalHit, recencyWeight float64, temporalQuery bool) []HierarchicalHit {
	now := time.Now().UTC()
	out := make([]HierarchicalHit, len(hits))

	for i, h := range hits {
		ageDays := now.Sub(h.CreatedAt).Hours() / 24
		recencyScore := expDecay(ageDays, 30.0)
		if temporalQuery && ageDays < 7 {
			recencyScore *= 1.5
		}

		boosted := (1-recencyWeight)*h.Similarity + recencyWeight*recencyScore
		h.Similarity = boosted
		out[i] = h
	}

	sortHitsDescending(out)
	return out
}

func expDecay(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 0
	}
	return math.Exp(-ageDays / halfLifeDays)
}

func dedupByMemoryID(hits []HierarchicalHit) []HierarchicalHit {
	seen := make(map[string]bool, len(hits))
	out := make([]HierarchicalHit, 0, len(hits))
	for _, h := range hits {
		if seen[h.MemoryID] {
			continue
		}
		seen[h.MemoryID] = true
		out = append(out, h)
	}
	return out
}

func sortHitsDescending(hits []HierarchicalHit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
}

// flattenUserTurn joins every non-system message into the user-prompt half
// of the GenAIAdapter's two-argument (system, user) call shape; the adapter
// doesn't yet support a full multi-turn message array, matching the
// teacher's existing GenAIAdapter surface.
func flattenUserTurn(messages []ChatMessage) string {
	var b []byte
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			continue
		}
		b = append(b, []byte(string(m.Role)+": "+m.Content+"\n\n")...)
	}
	return string(b)
}
