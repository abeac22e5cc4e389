package service

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// lexicalTokenRe matches each character that is neither a word character nor
// whitespace, used to strip punctuation before tokenizing (§4.2).
var lexicalTokenRe = regexp.MustCompile(`[^\w\s]`)

// LexicalDoc is a single document fed to the Lexical Ranker.
type LexicalDoc struct {
	ID   string
	Text string
}

// LexicalHit is a scored search result; Score is always > 0.
type LexicalHit struct {
	ID    string
	Score float64
}

// BM25Ranker implements the Lexical Ranker (component B): an ephemeral,
// in-process BM25Okapi index rebuilt from scratch on every call. It holds no
// persistent state across Fit calls — callers re-fit on each query's
// dense-stage candidate set.
type BM25Ranker struct {
	k1, b float64

	docIDs    []string
	docTokens [][]string
	docLens   []int
	avgDocLen float64

	// df[term] = number of documents containing term, over the fitted corpus.
	df map[string]int
	n  int
}

// NewBM25Ranker creates a BM25Ranker with the standard Okapi BM25 constants
// (k1=1.5, b=0.75).
func NewBM25Ranker() *BM25Ranker {
	return &BM25Ranker{k1: 1.5, b: 0.75}
}

// Tokenize lowercases, strips non-word characters, and drops tokens of
// length <= 2 (§4.2).
func Tokenize(text string) []string {
	lowered := strings.ToLower(text)
	stripped := lexicalTokenRe.ReplaceAllString(lowered, " ")
	fields := strings.Fields(stripped)
	tokens := make([]string, 0, len(fields))
	for _, t := range fields {
		if len(t) > 2 {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Fit rebuilds the index over docs, discarding any prior state.
func (r *BM25Ranker) Fit(docs []LexicalDoc) {
	r.docIDs = r.docIDs[:0]
	r.docTokens = r.docTokens[:0]
	r.docLens = r.docLens[:0]
	r.df = make(map[string]int)

	var totalLen int
	for _, d := range docs {
		if d.Text == "" {
			continue
		}
		tokens := Tokenize(d.Text)
		r.docIDs = append(r.docIDs, d.ID)
		r.docTokens = append(r.docTokens, tokens)
		r.docLens = append(r.docLens, len(tokens))
		totalLen += len(tokens)

		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				r.df[t]++
				seen[t] = true
			}
		}
	}

	r.n = len(r.docIDs)
	if r.n > 0 {
		r.avgDocLen = float64(totalLen) / float64(r.n)
	} else {
		r.avgDocLen = 0
	}
}

// Search scores the query against the fitted corpus, returning up to topK
// hits with score > 0, sorted descending by score.
func (r *BM25Ranker) Search(query string, topK int) []LexicalHit {
	if r.n == 0 {
		return nil
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	scores := make([]float64, r.n)
	for i, tokens := range r.docTokens {
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		docLen := float64(r.docLens[i])
		var score float64
		for _, qt := range queryTokens {
			f, ok := tf[qt]
			if !ok {
				continue
			}
			df := r.df[qt]
			idf := math.Log(1 + (float64(r.n)-float64(df)+0.5)/(float64(df)+0.5))
			numerator := float64(f) * (r.k1 + 1)
			denominator := float64(f) + r.k1*(1-r.b+r.b*docLen/r.avgDocLen)
			score += idf * numerator / denominator
		}
		scores[i] = score
	}

	hits := make([]LexicalHit, 0, r.n)
	for i, s := range scores {
		if s > 0 {
			hits = append(hits, LexicalHit{ID: r.docIDs[i], Score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
