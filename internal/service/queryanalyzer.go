package service

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// QueryAnalysis captures the characteristics of a query used to steer
// retrieval strategy (§4.5): its intent, whether it references time, whether
// it needs multi-hop decomposition, its question type, and whether it asks
// for a comparison.
type QueryAnalysis struct {
	Intent           string `json:"intent"`
	HasTemporal      bool   `json:"hasTemporal"`
	IsComparison     bool   `json:"isComparison"`
	IsComplex        bool   `json:"isComplex"`
	RequiresMultiHop bool   `json:"requiresMultiHop"`
	QuestionType     string `json:"questionType"`
	Tokens           int    `json:"tokens"`
}

// intentPatterns classifies a query into one of factual, search, or
// conversational by first-match regex (§4.5, query_processor.py
// classify_intent). Order matters: factual is checked before search before
// conversational, same as the source's dict iteration order.
var intentPatterns = []struct {
	intent   string
	patterns []*regexp.Regexp
}{
	{"factual", []*regexp.Regexp{
		regexp.MustCompile(`^(what|when|where|who|which|how many|how much)`),
		regexp.MustCompile(`(definition|meaning|explain|describe)`),
		regexp.MustCompile(`(is|are|was|were|does|did|can|will)`),
	}},
	{"search", []*regexp.Regexp{
		regexp.MustCompile(`(find|search|look for|show me)`),
		regexp.MustCompile(`(about|regarding|related to)`),
		regexp.MustCompile(`(tell me|give me information)`),
	}},
	{"conversational", []*regexp.Regexp{
		regexp.MustCompile(`(hi|hello|hey|thanks|thank you)`),
		regexp.MustCompile(`(how are you|what can you do)`),
		regexp.MustCompile(`(help|assist)`),
	}},
}

// classifyIntent returns the first intent whose pattern list matches, or
// "factual" when nothing matches.
func classifyIntent(lower string) string {
	for _, ip := range intentPatterns {
		for _, re := range ip.patterns {
			if re.MatchString(lower) {
				return ip.intent
			}
		}
	}
	return "factual"
}

func currentYearToken() string {
	return strconv.Itoa(time.Now().Year())
}

var analyzerTemporalMarkers = []string{
	"yesterday", "today", "last week", "on monday", "this morning", "last night",
}

var multiHopIndicators = []string{
	"and then", "after that", "compare", "difference between",
	"relationship", "connection", "how does", "why did",
	"explain the process", "step by step",
}

var comparisonMarkers = []string{"compare", "difference", "versus", "vs", "better", "worse"}

var questionTypeByLeadWord = []struct {
	word string
	kind string
}{
	{"what", "factual"},
	{"who", "entity"},
	{"where", "location"},
	{"when", "temporal"},
	{"why", "causal"},
	{"how", "procedural"},
	{"which", "choice"},
}

var subQueryNumberPrefix = regexp.MustCompile(`^\d+[.)]\s*`)
var subQueryBulletPrefix = regexp.MustCompile(`^[-•]\s*`)

// QueryDecomposer abstracts the LLM call used to split a complex query into
// independently-answerable sub-queries.
type QueryDecomposer interface {
	GenerateContentAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error)
}

// QueryAnalyzerService implements the Query Analyzer (component F, §4.5):
// query characterization, LLM-backed decomposition, and the lexical helpers
// (keyword extraction, web-search gating) the RAG Orchestrator needs.
type QueryAnalyzerService struct {
	llm QueryDecomposer
}

// NewQueryAnalyzerService creates a QueryAnalyzerService.
func NewQueryAnalyzerService(llm QueryDecomposer) *QueryAnalyzerService {
	return &QueryAnalyzerService{llm: llm}
}

// Analyze characterizes a query (§4.5, analyze_query). Detection is keyword
// based, matching the source analyzer rather than a learned classifier.
func (s *QueryAnalyzerService) Analyze(query string) QueryAnalysis {
	lower := strings.ToLower(query)

	hasTemporal := containsAny(lower, analyzerTemporalMarkers) || strings.Contains(lower, currentYearToken())
	isComplex := containsAny(lower, multiHopIndicators)
	isComparison := containsAny(lower, comparisonMarkers)

	questionType := "unknown"
	for _, qt := range questionTypeByLeadWord {
		if strings.HasPrefix(lower, qt.word) {
			questionType = qt.kind
			break
		}
	}

	return QueryAnalysis{
		Intent:           classifyIntent(lower),
		HasTemporal:      hasTemporal,
		IsComparison:     isComparison,
		IsComplex:        isComplex,
		RequiresMultiHop: isComplex || isComparison,
		QuestionType:     questionType,
		Tokens:           len(strings.Fields(query)),
	}
}

// Decompose breaks a complex query into 2-4 sub-queries via the LLM (§4.5).
// Returns []string{query} unverbatim when the query doesn't require
// multi-hop handling, or if decomposition fails or yields nothing usable —
// the caller always has at least one query to retrieve against.
func (s *QueryAnalyzerService) Decompose(ctx context.Context, query string) ([]string, error) {
	analysis := s.Analyze(query)
	if !analysis.RequiresMultiHop {
		return []string{query}, nil
	}

	const systemPrompt = `You are a query decomposition expert. Break down complex questions into 2-4 simpler sub-questions.
Each sub-question should be answerable independently.
Output only the sub-questions, one per line, numbered.`

	response, err := s.llm.GenerateContentAt(ctx, systemPrompt, "Decompose this question:\n"+query, 0.3)
	if err != nil {
		slog.Error("[QUERY-ANALYZER] decomposition failed, falling back to original query", "error", err)
		return []string{query}, nil
	}

	var subQueries []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = subQueryNumberPrefix.ReplaceAllString(line, "")
		line = subQueryBulletPrefix.ReplaceAllString(line, "")
		if len(line) >= 10 {
			subQueries = append(subQueries, line)
		}
	}

	if len(subQueries) == 0 {
		return []string{query}, nil
	}

	if len(subQueries) > 4 {
		subQueries = subQueries[:4]
	}

	slog.Info("[QUERY-ANALYZER] decomposed query", "sub_query_count", len(subQueries))
	return subQueries, nil
}

// ShouldSearchWeb decides whether a query warrants falling back to web
// search (§4.5 "Web trigger"): never for conversational-style small talk
// (gated on the intent classifier, not an ad hoc keyword check), always when
// local retrieval is thin, and otherwise only when the query carries a
// recency keyword the local corpus can't be expected to satisfy.
func ShouldSearchWeb(query string, localResultsCount int) bool {
	lower := strings.ToLower(query)
	if classifyIntent(lower) == "conversational" {
		return false
	}
	if localResultsCount < 2 {
		return true
	}

	recencyKeywords := []string{
		"latest", "recent", "current", "today", "now", "news", "update", "breaking",
	}
	for _, kw := range recencyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return strings.Contains(lower, currentYearToken())
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "should": true,
	"can": true, "could": true, "may": true, "might": true, "must": true, "shall": true,
	"to": true, "of": true, "in": true, "for": true, "on": true, "at": true, "by": true,
	"with": true, "from": true, "about": true, "as": true, "into": true, "through": true,
	"during": true, "before": true, "after": true, "above": true, "below": true,
	"between": true, "under": true, "i": true, "me": true, "my": true, "you": true,
	"your": true, "it": true, "its": true, "what": true, "which": true,
}

var querySynonyms = []struct{ from, to string }{
	{"find", "search"},
	{"look for", "find"},
	{"information", "details"},
	{"explain", "describe"},
	{"how to", "instructions for"},
	{"document", "file"},
	{"image", "picture"},
	{"audio", "recording"},
}

// Rewrite expands a query into up to 2 synonym variants, substituting one
// domain-specific term at a time so a lexical miss on the original wording
// has a second chance against near-synonymous phrasing (§query_processor.py
// _generate_synonyms). Used opportunistically, not on every query.
func Rewrite(query string) []string {
	lower := strings.ToLower(query)
	var variants []string
	for _, syn := range querySynonyms {
		if strings.Contains(lower, syn.from) {
			variant := strings.Replace(lower, syn.from, syn.to, 1)
			if variant != lower {
				variants = append(variants, variant)
			}
		}
		if len(variants) >= 2 {
			break
		}
	}
	return variants
}

// ExtractKeywords tokenizes a query and drops stop words and very short
// tokens, for use as the fallback search terms when lexical re-ranking wants
// a bag-of-words rather than the full query string.
func ExtractKeywords(query string) []string {
	words := Tokenize(query)
	keywords := words[:0:0]
	for _, w := range words {
		if len(w) > 2 && !stopWords[w] {
			keywords = append(keywords, w)
		}
	}
	return keywords
}

// SystemPromptFor builds the generation system prompt, tailored to the
// query's analysis (§4.5 _create_system_prompt): multi-hop queries get a
// step-by-step instruction, temporal queries get a recency note, comparisons
// get a compare/contrast note, and citations are always required.
func SystemPromptFor(analysis QueryAnalysis, isMultiHop bool) string {
	var b strings.Builder
	b.WriteString("You are a helpful AI assistant with access to the user's personal memory.\n")
	b.WriteString("Answer questions based on the provided context.")

	if isMultiHop {
		b.WriteString("\nThis is a complex question that may require synthesizing information from multiple sources.\nBreak down your reasoning step by step.")
	}
	if analysis.HasTemporal {
		b.WriteString("\nPay special attention to temporal information and recency of sources.")
	}
	if analysis.IsComparison {
		b.WriteString("\nStructure your answer to clearly compare and contrast the relevant items.")
	}

	b.WriteString("\n\nAlways cite your sources using [Source N] notation.\nIf the context doesn't contain relevant information, say so clearly.")
	return b.String()
}
