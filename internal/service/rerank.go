package service

import (
	"sort"
	"strings"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

const (
	boostMultiplier    = 1.3
	suppressMultiplier = 0.7
)

// RerankerService applies a user's boost/suppress topic preferences to a
// hierarchical retrieval result set (component I, §4.9).
type RerankerService struct{}

// NewRerankerService creates a RerankerService.
func NewRerankerService() *RerankerService {
	return &RerankerService{}
}

// Rerank multiplies each hit's similarity by boostMultiplier if its text
// matches a boost topic, then by suppressMultiplier if it matches a suppress
// topic (both may apply), and re-sorts by the adjusted score. A hit with no
// topic match is left in place relative to its original score. Returns the
// input unchanged if the user has no preferences configured.
func (s *RerankerService) Rerank(hits []HierarchicalHit, prefs model.UserPreference) []HierarchicalHit {
	if len(prefs.BoostTopics) == 0 && len(prefs.SuppressTopics) == 0 {
		return hits
	}

	boost := lowerAll(prefs.BoostTopics)
	suppress := lowerAll(prefs.SuppressTopics)

	type scored struct {
		hit   HierarchicalHit
		score float64
	}
	adjusted := make([]scored, len(hits))

	for i, h := range hits {
		score := h.Similarity
		content := strings.ToLower(h.ChunkText)
		if len(h.Meta) > 0 {
			content += " " + strings.ToLower(string(h.Meta))
		}

		if matchesAny(content, boost) {
			score *= boostMultiplier
		}
		if matchesAny(content, suppress) {
			score *= suppressMultiplier
		}

		adjusted[i] = scored{hit: h, score: score}
	}

	sort.SliceStable(adjusted, func(i, j int) bool { return adjusted[i].score > adjusted[j].score })

	out := make([]HierarchicalHit, len(adjusted))
	for i, a := range adjusted {
		a.hit.Similarity = a.score
		out[i] = a.hit
	}
	return out
}

// ApplyPreferencesToQuery appends a user's boost topics to a query string,
// nudging dense retrieval toward preferred subject matter (§4.9).
func ApplyPreferencesToQuery(query string, boostTopics []string) string {
	if len(boostTopics) == 0 {
		return query
	}
	return query + " " + strings.Join(boostTopics, " ")
}

func lowerAll(xs []string) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = strings.ToLower(x)
	}
	return out
}

func matchesAny(content string, topics []string) bool {
	for _, t := range topics {
		if t != "" && strings.Contains(content, t) {
			return true
		}
	}
	return false
}
