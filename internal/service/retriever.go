package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// FusionMethod selects how dense and lexical rankings are combined (§4.3).
type FusionMethod string

const (
	FusionWeighted FusionMethod = "weighted"
	FusionRRF      FusionMethod = "rrf"
)

const (
	// defaultAlpha weights the dense score in weighted fusion.
	defaultAlpha = 0.7
	// rrfK is the reciprocal-rank-fusion constant.
	rrfK = 60
)

// ChunkCandidate is a dense-search hit prior to fusion.
type ChunkCandidate struct {
	ChunkID     string
	MemoryID    string
	ChunkText   string
	ContentType model.ContentType
	Meta        json.RawMessage
	CreatedAt   time.Time
	Similarity  float64
}

// FusedResult is a chunk ranked by the combined dense+lexical score (§4.3).
type FusedResult struct {
	ChunkID     string            `json:"chunkId"`
	MemoryID    string            `json:"memoryId"`
	ChunkText   string            `json:"chunkText"`
	ContentType model.ContentType `json:"contentType"`
	Meta        json.RawMessage   `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Similarity  float64           `json:"similarity"`
	FusedScore  float64           `json:"fusedScore"`
}

// VectorSearcher abstracts cosine-distance kNN over a user's chunks.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, userID string, queryVec []float32, limit int, contentType *model.ContentType) ([]ChunkCandidate, error)
}

// RetrieverService implements Hybrid Search (component C): dense kNN fused
// with an ephemeral BM25 pass over the dense candidate set.
type RetrieverService struct {
	searcher VectorSearcher
}

// NewRetrieverService creates a RetrieverService.
func NewRetrieverService(searcher VectorSearcher) *RetrieverService {
	return &RetrieverService{searcher: searcher}
}

// Search runs the two-stage dense+lexical pipeline and returns the top topK
// fused results.
func (s *RetrieverService) Search(ctx context.Context, userID, query string, queryVec []float32, topK int, contentType *model.ContentType, fusion FusionMethod) ([]FusedResult, error) {
	if topK <= 0 {
		topK = 10
	}
	stageLimit := 2 * topK

	dense, err := s.searcher.SimilaritySearch(ctx, userID, queryVec, stageLimit, contentType)
	if err != nil {
		return nil, fmt.Errorf("service.Search: dense: %w", err)
	}
	slog.Info("[DEBUG-RETRIEVER] dense stage complete", "user_id", userID, "candidates", len(dense))

	if len(dense) == 0 {
		return nil, nil
	}

	lexical := s.lexicalStage(dense, query, stageLimit)
	slog.Info("[DEBUG-RETRIEVER] lexical stage complete", "user_id", userID, "candidates", len(lexical))

	var fused []FusedResult
	switch fusion {
	case FusionRRF:
		fused = fuseRRF(dense, lexical)
	default:
		fused = fuseWeighted(dense, lexical, defaultAlpha)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].FusedScore != fused[j].FusedScore {
			return fused[i].FusedScore > fused[j].FusedScore
		}
		if fused[i].Similarity != fused[j].Similarity {
			return fused[i].Similarity > fused[j].Similarity
		}
		return fused[i].MemoryID < fused[j].MemoryID
	})

	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

// lexicalStage re-fits an ephemeral BM25 index on the dense candidate set and
// searches it (§4.2: "Fit is re-done per query from the dense-stage candidate set").
// If the raw query tokenizes to 2 or fewer surviving terms (after stopword/
// length filtering), synonym-rewritten variants are appended to the search
// text — a short query like "find my car" otherwise starves BM25 of terms to
// score against.
func (s *RetrieverService) lexicalStage(dense []ChunkCandidate, query string, limit int) []LexicalHit {
	docs := make([]LexicalDoc, len(dense))
	for i, c := range dense {
		docs[i] = LexicalDoc{ID: c.ChunkID, Text: c.ChunkText}
	}
	ranker := NewBM25Ranker()
	ranker.Fit(docs)

	searchQuery := query
	if keywords := ExtractKeywords(query); len(keywords) <= 2 {
		if variants := Rewrite(query); len(variants) > 0 {
			searchQuery = query + " " + strings.Join(variants, " ")
		}
	}
	return ranker.Search(searchQuery, limit)
}

// fuseWeighted min-max normalizes dense similarity and lexical score to
// [0,1] over the union of ids, then combines alpha*dense + (1-alpha)*lexical.
func fuseWeighted(dense []ChunkCandidate, lexical []LexicalHit, alpha float64) []FusedResult {
	byID := make(map[string]ChunkCandidate, len(dense))
	denseScore := make(map[string]float64, len(dense))
	for _, c := range dense {
		byID[c.ChunkID] = c
		denseScore[c.ChunkID] = c.Similarity
	}
	lexicalScore := make(map[string]float64, len(lexical))
	for _, h := range lexical {
		lexicalScore[h.ID] = h.Score
	}

	normDense := minMaxNormalize(denseScore)
	normLexical := minMaxNormalize(lexicalScore)

	out := make([]FusedResult, 0, len(byID))
	for id, c := range byID {
		final := alpha*normDense[id] + (1-alpha)*normLexical[id]
		out = append(out, toFusedResult(c, final))
	}
	return out
}

// fuseRRF combines dense and lexical rankings: score(id) = sum(1/(k+rank))
// over each list the id appears in, rank 0-indexed (§4.3).
func fuseRRF(dense []ChunkCandidate, lexical []LexicalHit) []FusedResult {
	byID := make(map[string]ChunkCandidate, len(dense))
	scores := make(map[string]float64, len(dense))

	for rank, c := range dense {
		byID[c.ChunkID] = c
		scores[c.ChunkID] += 1.0 / float64(rrfK+rank)
	}
	for rank, h := range lexical {
		scores[h.ID] += 1.0 / float64(rrfK+rank)
	}

	out := make([]FusedResult, 0, len(byID))
	for id, c := range byID {
		out = append(out, toFusedResult(c, scores[id]))
	}
	return out
}

func toFusedResult(c ChunkCandidate, fusedScore float64) FusedResult {
	return FusedResult{
		ChunkID:     c.ChunkID,
		MemoryID:    c.MemoryID,
		ChunkText:   c.ChunkText,
		ContentType: c.ContentType,
		Meta:        c.Meta,
		CreatedAt:   c.CreatedAt,
		Similarity:  c.Similarity,
		FusedScore:  fusedScore,
	}
}

// minMaxNormalize rescales values to [0,1]. A single-valued or empty input
// maps every entry to 1.0 so it doesn't zero out an otherwise-relevant side
// of the fusion.
func minMaxNormalize(values map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	if len(values) == 0 {
		return out
	}
	min, max := minMax(values)
	if max == min {
		for id := range values {
			out[id] = 1.0
		}
		return out
	}
	for id, v := range values {
		out[id] = (v - min) / (max - min)
	}
	return out
}

func minMax(values map[string]float64) (min, max float64) {
	first := true
	for _, v := range values {
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
