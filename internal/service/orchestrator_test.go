package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// mockQueryEmbedder implements QueryEmbedder for testing.
type mockQueryEmbedder struct {
	err error
}

func (m *mockQueryEmbedder) Embed(ctx context.Context, text string, opts EmbedOpts) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{0.1, 0.2}, nil
}

// mockHierarchicalRetriever implements HierarchicalRetriever for testing.
type mockHierarchicalRetriever struct {
	hits []HierarchicalHit
	err  error
}

func (m *mockHierarchicalRetriever) HierarchicalRetrieve(ctx context.Context, userID string, queryVec []float32, topK int, includeSummaries bool) ([]HierarchicalHit, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

// mockAccessLoggerOrch implements AccessLogger for testing.
type mockAccessLoggerOrch struct {
	logged []string
	err    error
}

func (m *mockAccessLoggerOrch) LogRetrieval(ctx context.Context, memoryID string) error {
	if m.err != nil {
		return m.err
	}
	m.logged = append(m.logged, memoryID)
	return nil
}

// mockPreferencesProvider implements PreferencesProvider for testing.
type mockPreferencesProvider struct {
	prefs *model.UserPreference
	err   error
}

func (m *mockPreferencesProvider) GetPreferences(ctx context.Context, userID string) (*model.UserPreference, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.prefs, nil
}

// mockWebSearcher implements WebSearcher for testing.
type mockWebSearcher struct {
	hits []HierarchicalHit
	err  error
}

func (m *mockWebSearcher) Search(ctx context.Context, query string) ([]HierarchicalHit, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

// mockAnswerGenerator implements AnswerGenerator for testing.
type mockAnswerGenerator struct {
	answer string
	err    error
}

func (m *mockAnswerGenerator) GenerateContentAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.answer, nil
}

// mockStreamingGenerator implements StreamingGenerator for testing.
type mockStreamingGenerator struct {
	chunks []string
}

func (m *mockStreamingGenerator) GenerateContentStream(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error) {
	textCh := make(chan string, len(m.chunks))
	errCh := make(chan error, 1)
	for _, c := range m.chunks {
		textCh <- c
	}
	close(textCh)
	close(errCh)
	return textCh, errCh
}

func newTestOrchestrator(retriever HierarchicalRetriever, web WebSearcher, prefs PreferencesProvider, access AccessLogger, llm AnswerGenerator, stream StreamingGenerator) *OrchestratorService {
	analyzer := NewQueryAnalyzerService(&mockQueryDecomposer{})
	return NewOrchestratorService(
		analyzer,
		&mockQueryEmbedder{},
		retriever,
		NewRerankerService(),
		prefs,
		NewContextBuilderService(0),
		llm,
		stream,
		web,
		access,
	)
}

func TestAnswer_HappyPathReturnsAnswerAndCitations(t *testing.T) {
	hits := []HierarchicalHit{
		{MemoryID: "m1", ChunkText: "paris is the capital of france", Similarity: 0.9, CreatedAt: time.Now()},
	}
	retriever := &mockHierarchicalRetriever{hits: hits}
	llm := &mockAnswerGenerator{answer: "Paris is the capital [Source 1]."}

	o := newTestOrchestrator(retriever, nil, nil, nil, llm, nil)

	got, err := o.Answer(context.Background(), "user-1", "what is the capital of france", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got.Answer != "Paris is the capital [Source 1]." {
		t.Errorf("Answer = %q", got.Answer)
	}
	if len(got.Citations) != 1 || got.Citations[0].MemoryID != "m1" {
		t.Errorf("Citations = %+v, want one citation for m1", got.Citations)
	}
	if got.UsedWeb {
		t.Error("UsedWeb = true, want false (no web searcher configured)")
	}
}

func TestAnswer_DecomposeErrorFallsBackToOriginalQuery(t *testing.T) {
	analyzer := NewQueryAnalyzerService(&mockQueryDecomposer{err: context.DeadlineExceeded})
	o := NewOrchestratorService(
		analyzer,
		&mockQueryEmbedder{},
		&mockHierarchicalRetriever{},
		NewRerankerService(),
		nil,
		NewContextBuilderService(0),
		&mockAnswerGenerator{},
		nil,
		nil,
		nil,
	)

	got, err := o.Answer(context.Background(), "user-1", "compare X and Y", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v, want decomposition failure to fall back to the original query", err)
	}
	if len(got.SubQueries) != 1 || got.SubQueries[0] != "compare X and Y" {
		t.Errorf("SubQueries = %v, want [\"compare X and Y\"]", got.SubQueries)
	}
}

func TestAnswer_RetrieveErrorPropagates(t *testing.T) {
	retriever := &mockHierarchicalRetriever{err: context.DeadlineExceeded}
	o := newTestOrchestrator(retriever, nil, nil, nil, &mockAnswerGenerator{}, nil)

	_, err := o.Answer(context.Background(), "user-1", "what is this", nil)
	if err == nil {
		t.Fatal("expected error when hierarchical retrieval fails")
	}
}

func TestAnswer_GenerateErrorPropagates(t *testing.T) {
	retriever := &mockHierarchicalRetriever{hits: []HierarchicalHit{{MemoryID: "m1", ChunkText: "x", CreatedAt: time.Now()}}}
	o := newTestOrchestrator(retriever, nil, nil, nil, &mockAnswerGenerator{err: context.DeadlineExceeded}, nil)

	_, err := o.Answer(context.Background(), "user-1", "what is this", nil)
	if err == nil {
		t.Fatal("expected error when answer generation fails")
	}
}

func TestAnswer_DedupsByMemoryIDAcrossSubQueries(t *testing.T) {
	now := time.Now()
	hits := []HierarchicalHit{
		{MemoryID: "m1", ChunkText: "shared", Similarity: 0.9, CreatedAt: now},
		{MemoryID: "m1", ChunkText: "shared", Similarity: 0.5, CreatedAt: now},
	}
	retriever := &mockHierarchicalRetriever{hits: hits}
	o := newTestOrchestrator(retriever, nil, nil, nil, &mockAnswerGenerator{answer: "ok"}, nil)

	got, err := o.Answer(context.Background(), "user-1", "what is this", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if len(got.Hits) != 1 {
		t.Errorf("len(Hits) = %d, want 1 after dedup", len(got.Hits))
	}
}

func TestAnswer_MergedResultLimitTruncatesTo10(t *testing.T) {
	now := time.Now()
	hits := make([]HierarchicalHit, 15)
	for i := range hits {
		hits[i] = HierarchicalHit{MemoryID: string(rune('a' + i)), ChunkText: "x", Similarity: float64(i), CreatedAt: now}
	}
	retriever := &mockHierarchicalRetriever{hits: hits}
	o := newTestOrchestrator(retriever, nil, nil, nil, &mockAnswerGenerator{answer: "ok"}, nil)

	got, err := o.Answer(context.Background(), "user-1", "what is this", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if len(got.Hits) != mergedResultLimit {
		t.Errorf("len(Hits) = %d, want %d", len(got.Hits), mergedResultLimit)
	}
}

func TestAnswer_WebFallbackTriggeredOnThinLocalResults(t *testing.T) {
	retriever := &mockHierarchicalRetriever{}
	web := &mockWebSearcher{hits: []HierarchicalHit{{MemoryID: "web-1", ContentType: model.ContentWeb, ChunkText: "web result", CreatedAt: time.Now()}}}
	o := newTestOrchestrator(retriever, web, nil, nil, &mockAnswerGenerator{answer: "ok"}, nil)

	got, err := o.Answer(context.Background(), "user-1", "what is the tallest mountain", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if !got.UsedWeb {
		t.Error("UsedWeb = false, want true when local results are thin")
	}
	if len(got.Hits) != 1 || got.Hits[0].MemoryID != "web-1" {
		t.Errorf("Hits = %+v, want the web result merged in", got.Hits)
	}
}

func TestAnswer_WebFallbackErrorContinuesWithLocalResults(t *testing.T) {
	now := time.Now()
	retriever := &mockHierarchicalRetriever{hits: []HierarchicalHit{{MemoryID: "m1", ChunkText: "local", CreatedAt: now}}}
	web := &mockWebSearcher{err: context.DeadlineExceeded}
	o := newTestOrchestrator(retriever, web, nil, nil, &mockAnswerGenerator{answer: "ok"}, nil)

	got, err := o.Answer(context.Background(), "user-1", "what is the tallest mountain", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got.UsedWeb {
		t.Error("UsedWeb = true, want false when web search errors")
	}
	if len(got.Hits) != 1 || got.Hits[0].MemoryID != "m1" {
		t.Errorf("Hits = %+v, want local result preserved after web error", got.Hits)
	}
}

func TestAnswer_ConversationalQueryNeverUsesWeb(t *testing.T) {
	retriever := &mockHierarchicalRetriever{}
	web := &mockWebSearcher{hits: []HierarchicalHit{{MemoryID: "web-1", CreatedAt: time.Now()}}}
	o := newTestOrchestrator(retriever, web, nil, nil, &mockAnswerGenerator{answer: "ok"}, nil)

	got, err := o.Answer(context.Background(), "user-1", "hey thanks for your help", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got.UsedWeb {
		t.Error("UsedWeb = true, want false for a conversational query")
	}
}

func TestAnswer_PreferenceRerankReordersHits(t *testing.T) {
	now := time.Now()
	hits := []HierarchicalHit{
		{MemoryID: "plain", ChunkText: "unrelated content", Similarity: 0.6, CreatedAt: now},
		{MemoryID: "boosted", ChunkText: "notes about golang programming", Similarity: 0.5, CreatedAt: now},
	}
	retriever := &mockHierarchicalRetriever{hits: hits}
	prefs := &mockPreferencesProvider{prefs: &model.UserPreference{BoostTopics: []string{"golang"}}}
	o := newTestOrchestrator(retriever, nil, prefs, nil, &mockAnswerGenerator{answer: "ok"}, nil)

	got, err := o.Answer(context.Background(), "user-1", "what is this", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got.Hits[0].MemoryID != "boosted" {
		t.Errorf("Hits[0] = %s, want 'boosted' after preference rerank", got.Hits[0].MemoryID)
	}
}

func TestAnswer_PreferenceLookupErrorSkipsRerank(t *testing.T) {
	now := time.Now()
	hits := []HierarchicalHit{{MemoryID: "m1", ChunkText: "x", Similarity: 0.5, CreatedAt: now}}
	retriever := &mockHierarchicalRetriever{hits: hits}
	prefs := &mockPreferencesProvider{err: context.DeadlineExceeded}
	o := newTestOrchestrator(retriever, nil, prefs, nil, &mockAnswerGenerator{answer: "ok"}, nil)

	got, err := o.Answer(context.Background(), "user-1", "what is this", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v, want preference lookup failure handled gracefully", err)
	}
	if len(got.Hits) != 1 {
		t.Errorf("len(Hits) = %d, want 1", len(got.Hits))
	}
}

func TestAnswer_AccessLoggerSkipsWebHits(t *testing.T) {
	now := time.Now()
	retriever := &mockHierarchicalRetriever{hits: []HierarchicalHit{{MemoryID: "m1", ChunkText: "local", CreatedAt: now}}}
	web := &mockWebSearcher{hits: []HierarchicalHit{{MemoryID: "web-1", ContentType: model.ContentWeb, ChunkText: "web", CreatedAt: now, Similarity: 10}}}
	access := &mockAccessLoggerOrch{}
	o := newTestOrchestrator(retriever, web, nil, access, &mockAnswerGenerator{answer: "ok"}, nil)

	_, err := o.Answer(context.Background(), "user-1", "what is the tallest mountain", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	for _, id := range access.logged {
		if id == "web-1" {
			t.Error("access logger should skip web hits, which have no backing Memory row")
		}
	}
}

func TestAnswer_AccessLoggerCapsAtFive(t *testing.T) {
	now := time.Now()
	hits := make([]HierarchicalHit, 8)
	for i := range hits {
		hits[i] = HierarchicalHit{MemoryID: string(rune('a' + i)), ChunkText: "x", Similarity: float64(8 - i), CreatedAt: now}
	}
	retriever := &mockHierarchicalRetriever{hits: hits}
	access := &mockAccessLoggerOrch{}
	o := newTestOrchestrator(retriever, nil, nil, access, &mockAnswerGenerator{answer: "ok"}, nil)

	_, err := o.Answer(context.Background(), "user-1", "what is this", nil)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if len(access.logged) != 5 {
		t.Errorf("len(logged) = %d, want 5 (capped)", len(access.logged))
	}
}

func TestAnswerStream_ReturnsAnalysisAndStreamChannels(t *testing.T) {
	now := time.Now()
	retriever := &mockHierarchicalRetriever{hits: []HierarchicalHit{{MemoryID: "m1", ChunkText: "x", CreatedAt: now}}}
	stream := &mockStreamingGenerator{chunks: []string{"hel", "lo"}}
	o := newTestOrchestrator(retriever, nil, nil, nil, nil, stream)

	result, textCh, errCh, err := o.AnswerStream(context.Background(), "user-1", "what is this", nil)
	if err != nil {
		t.Fatalf("AnswerStream() error: %v", err)
	}
	if result.Analysis.Intent != "factual" {
		t.Errorf("Analysis.Intent = %q, want factual", result.Analysis.Intent)
	}

	var got string
	for chunk := range textCh {
		got += chunk
	}
	if got != "hello" {
		t.Errorf("streamed text = %q, want %q", got, "hello")
	}
	if err := <-errCh; err != nil {
		t.Errorf("unexpected stream error: %v", err)
	}
}

func TestAnswerStream_DecomposeErrorFallsBackToOriginalQuery(t *testing.T) {
	analyzer := NewQueryAnalyzerService(&mockQueryDecomposer{err: context.DeadlineExceeded})
	o := NewOrchestratorService(
		analyzer,
		&mockQueryEmbedder{},
		&mockHierarchicalRetriever{},
		NewRerankerService(),
		nil,
		NewContextBuilderService(0),
		nil,
		&mockStreamingGenerator{},
		nil,
		nil,
	)

	got, _, _, err := o.AnswerStream(context.Background(), "user-1", "compare X and Y", nil)
	if err != nil {
		t.Fatalf("AnswerStream() error: %v, want decomposition failure to fall back to the original query", err)
	}
	if len(got.SubQueries) != 1 || got.SubQueries[0] != "compare X and Y" {
		t.Errorf("SubQueries = %v, want [\"compare X and Y\"]", got.SubQueries)
	}
}

func TestApplyTemporalBoost_RecentHitsScoreHigherForTemporalQuery(t *testing.T) {
	now := time.Now()
	hits := []HierarchicalHit{
		{MemoryID: "old", Similarity: 0.9, CreatedAt: now.AddDate(0, 0, -60)},
		{MemoryID: "recent", Similarity: 0.5, CreatedAt: now.AddDate(0, 0, -1)},
	}

	got := applyTemporalBoost(hits, 0.4, true)
	if got[0].MemoryID != "recent" {
		t.Errorf("top hit = %s, want 'recent' boosted above a 60-day-old higher-similarity hit", got[0].MemoryID)
	}
}

func TestExpDecay_ZeroAgeIsOne(t *testing.T) {
	if got := expDecay(0, 30); got != 1.0 {
		t.Errorf("expDecay(0, 30) = %f, want 1.0", got)
	}
}

func TestExpDecay_ZeroHalfLifeIsZero(t *testing.T) {
	if got := expDecay(5, 0); got != 0 {
		t.Errorf("expDecay(5, 0) = %f, want 0", got)
	}
}

func TestDedupByMemoryID_KeepsFirstOccurrence(t *testing.T) {
	hits := []HierarchicalHit{
		{MemoryID: "a", ChunkText: "first"},
		{MemoryID: "a", ChunkText: "second"},
		{MemoryID: "b", ChunkText: "third"},
	}
	got := dedupByMemoryID(hits)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ChunkText != "first" {
		t.Errorf("got[0].ChunkText = %q, want 'first' occurrence kept", got[0].ChunkText)
	}
}

func TestSortHitsDescending_OrdersBySimilarity(t *testing.T) {
	hits := []HierarchicalHit{
		{MemoryID: "low", Similarity: 0.1},
		{MemoryID: "high", Similarity: 0.9},
		{MemoryID: "mid", Similarity: 0.5},
	}
	sortHitsDescending(hits)
	if hits[0].MemoryID != "high" || hits[1].MemoryID != "mid" || hits[2].MemoryID != "low" {
		t.Errorf("order = %v, want high, mid, low", hits)
	}
}

func TestFlattenUserTurn_SkipsSystemMessages(t *testing.T) {
	messages := []ChatMessage{
		{Role: model.RoleSystem, Content: "system instructions"},
		{Role: model.RoleUser, Content: "hello"},
	}
	got := flattenUserTurn(messages)
	if got == "" {
		t.Fatal("expected non-empty flattened turn")
	}
	if strings.Contains(got, "system instructions") {
		t.Error("flattenUserTurn should not include system-role messages")
	}
}
