package service

import (
	"context"
	"strconv"
	"testing"
	"time"
)

// mockQueryDecomposer implements QueryDecomposer for testing.
type mockQueryDecomposer struct {
	response string
	err      error
}

func (m *mockQueryDecomposer) GenerateContentAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func TestAnalyze_IntentFactual(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	got := svc.Analyze("What is the capital of France?")
	if got.Intent != "factual" {
		t.Errorf("Intent = %q, want factual", got.Intent)
	}
}

func TestAnalyze_IntentSearch(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	got := svc.Analyze("find my vacation photos")
	if got.Intent != "search" {
		t.Errorf("Intent = %q, want search", got.Intent)
	}
}

func TestAnalyze_IntentConversational(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	got := svc.Analyze("hey there, thanks for the help")
	if got.Intent != "conversational" {
		t.Errorf("Intent = %q, want conversational", got.Intent)
	}
}

func TestAnalyze_IntentDefaultsToFactual(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	got := svc.Analyze("zzz qqq mmm xxx")
	if got.Intent != "factual" {
		t.Errorf("Intent = %q, want factual (default when nothing matches)", got.Intent)
	}
}

func TestAnalyze_HasTemporal(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	got := svc.Analyze("what did I do yesterday")
	if !got.HasTemporal {
		t.Error("HasTemporal = false, want true")
	}
}

func TestAnalyze_HasTemporal_CurrentYear(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	year := strconv.Itoa(time.Now().Year())
	got := svc.Analyze("what happened in " + year)
	if !got.HasTemporal {
		t.Error("HasTemporal = false, want true for a query containing the current year")
	}
}

func TestAnalyze_IsComparison(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	got := svc.Analyze("compare the two proposals")
	if !got.IsComparison {
		t.Error("IsComparison = false, want true")
	}
	if !got.RequiresMultiHop {
		t.Error("RequiresMultiHop = false, want true (comparison implies multi-hop)")
	}
}

func TestAnalyze_IsComplex(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	got := svc.Analyze("explain the process step by step")
	if !got.IsComplex {
		t.Error("IsComplex = false, want true")
	}
}

func TestAnalyze_QuestionTypeByLeadWord(t *testing.T) {
	svc := NewQueryAnalyzerService(&mockQueryDecomposer{})
	cases := map[string]string{
		"what is this":      "factual",
		"who made this":     "entity",
		"where did I go":    "location",
		"when was this":     "temporal",
		"why did this fail": "causal",
		"how do I do this":  "procedural",
		"which one is it":   "choice",
	}
	for q, want := range cases {
		if got := svc.Analyze(q).QuestionType; got != want {
			t.Errorf("Analyze(%q).QuestionType = %q, want %q", q, got, want)
		}
	}
}

func TestDecompose_SkipsLLMWhenNotMultiHop(t *testing.T) {
	decomposer := &mockQueryDecomposer{}
	svc := NewQueryAnalyzerService(decomposer)

	got, err := svc.Decompose(context.Background(), "what is the sky")
	if err != nil {
		t.Fatalf("Decompose() error: %v", err)
	}
	if len(got) != 1 || got[0] != "what is the sky" {
		t.Errorf("Decompose() = %v, want [original query] unchanged", got)
	}
}

func TestDecompose_ParsesNumberedSubQueries(t *testing.T) {
	decomposer := &mockQueryDecomposer{response: "1. What is X?\n2. What is Y?\n3. How do X and Y relate?"}
	svc := NewQueryAnalyzerService(decomposer)

	got, err := svc.Decompose(context.Background(), "compare X and Y")
	if err != nil {
		t.Fatalf("Decompose() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(subqueries) = %d, want 3", len(got))
	}
	if got[0] != "What is X?" {
		t.Errorf("subquery[0] = %q, want numbering stripped", got[0])
	}
}

func TestDecompose_FallsBackOnLLMError(t *testing.T) {
	decomposer := &mockQueryDecomposer{err: context.DeadlineExceeded}
	svc := NewQueryAnalyzerService(decomposer)

	got, err := svc.Decompose(context.Background(), "compare X and Y")
	if err != nil {
		t.Fatalf("Decompose() should not surface LLM errors: %v", err)
	}
	if len(got) != 1 || got[0] != "compare X and Y" {
		t.Errorf("Decompose() = %v, want original query on failure", got)
	}
}

func TestDecompose_FallsBackWhenNoLinesSurvive(t *testing.T) {
	decomposer := &mockQueryDecomposer{response: "x\ny\nz"} // all under 10 chars
	svc := NewQueryAnalyzerService(decomposer)

	got, err := svc.Decompose(context.Background(), "compare X and Y")
	if err != nil {
		t.Fatalf("Decompose() error: %v", err)
	}
	if len(got) != 1 || got[0] != "compare X and Y" {
		t.Errorf("Decompose() = %v, want original query fallback", got)
	}
}

func TestDecompose_CapsAtFourSubQueries(t *testing.T) {
	decomposer := &mockQueryDecomposer{response: "1. question one here\n2. question two here\n3. question three here\n4. question four here\n5. question five here"}
	svc := NewQueryAnalyzerService(decomposer)

	got, err := svc.Decompose(context.Background(), "compare many things")
	if err != nil {
		t.Fatalf("Decompose() error: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("len(subqueries) = %d, want 4 (capped)", len(got))
	}
}

func TestShouldSearchWeb_ConversationalNeverSearches(t *testing.T) {
	if ShouldSearchWeb("hey thanks for your help", 0) {
		t.Error("conversational query should never trigger web search, even with zero local hits")
	}
}

func TestShouldSearchWeb_ThinLocalResultsTriggersSearch(t *testing.T) {
	if !ShouldSearchWeb("what is the tallest mountain", 0) {
		t.Error("expected web search when local results are thin")
	}
}

func TestShouldSearchWeb_RecencyKeywordTriggersSearch(t *testing.T) {
	if !ShouldSearchWeb("what is the latest news on this", 5) {
		t.Error("expected web search to trigger on recency keyword even with enough local hits")
	}
}

func TestShouldSearchWeb_CurrentYearTriggersSearch(t *testing.T) {
	year := strconv.Itoa(time.Now().Year())
	if !ShouldSearchWeb("what happened in "+year, 5) {
		t.Error("expected web search to trigger on the current year even with enough local hits")
	}
}

func TestShouldSearchWeb_NoTriggerWithEnoughStaleResults(t *testing.T) {
	if ShouldSearchWeb("what is the capital of France", 5) {
		t.Error("should not trigger web search for a stable fact with ample local hits")
	}
}

func TestExtractKeywords_DropsStopWordsAndShortTokens(t *testing.T) {
	got := ExtractKeywords("what is the meaning of life")
	for _, kw := range got {
		if stopWords[kw] {
			t.Errorf("ExtractKeywords() leaked stop word %q", kw)
		}
	}
	found := false
	for _, kw := range got {
		if kw == "meaning" {
			found = true
		}
	}
	if !found {
		t.Errorf("ExtractKeywords() = %v, want it to include 'meaning'", got)
	}
}

func TestRewrite_SubstitutesSynonyms(t *testing.T) {
	variants := Rewrite("find my document")
	if len(variants) == 0 {
		t.Fatal("expected at least one synonym variant")
	}
	for _, v := range variants {
		if v == "find my document" {
			t.Errorf("variant should differ from the original query, got %q", v)
		}
	}
}

func TestRewrite_CapsAtTwoVariants(t *testing.T) {
	variants := Rewrite("find the document, look for the image, explain the audio")
	if len(variants) > 2 {
		t.Errorf("len(variants) = %d, want at most 2", len(variants))
	}
}

func TestSystemPromptFor_AddsMultiHopAndTemporalAndComparisonNotes(t *testing.T) {
	analysis := QueryAnalysis{HasTemporal: true, IsComparison: true}
	prompt := SystemPromptFor(analysis, true)

	if !containsAny(prompt, []string{"step by step"}) {
		t.Error("expected multi-hop instruction in system prompt")
	}
	if !containsAny(prompt, []string{"recency"}) {
		t.Error("expected temporal instruction in system prompt")
	}
	if !containsAny(prompt, []string{"compare and contrast"}) {
		t.Error("expected comparison instruction in system prompt")
	}
}

func TestSystemPromptFor_Default(t *testing.T) {
	prompt := SystemPromptFor(QueryAnalysis{}, false)
	if !containsAny(prompt, []string{"[Source N]"}) {
		t.Error("expected citation instruction even on the minimal prompt")
	}
}
