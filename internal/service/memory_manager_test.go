package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// mockMemoryStore implements MemoryManagerMemoryStore for testing.
type mockMemoryStore struct {
	byID               map[string]*model.Memory
	accessCounts       map[string]int
	consolidationBatch []model.Memory
	forgettingBatch    []model.Memory
	referencedIDs      map[string]bool
	deleted            []string
	setTypeCalls       map[string]model.MemoryType
}

func newMockMemoryStore() *mockMemoryStore {
	return &mockMemoryStore{
		byID:          make(map[string]*model.Memory),
		accessCounts:  make(map[string]int),
		referencedIDs: make(map[string]bool),
		setTypeCalls:  make(map[string]model.MemoryType),
	}
}

func (m *mockMemoryStore) GetByID(ctx context.Context, id string) (*model.Memory, error) {
	return m.byID[id], nil
}
func (m *mockMemoryStore) SetMemoryType(ctx context.Context, id string, mt model.MemoryType) error {
	m.setTypeCalls[id] = mt
	return nil
}
func (m *mockMemoryStore) SetImportance(ctx context.Context, id string, importance int) error {
	return nil
}
func (m *mockMemoryStore) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}
func (m *mockMemoryStore) EpisodicForConsolidation(ctx context.Context, userID string, olderThan time.Time, limit int) ([]model.Memory, error) {
	return m.consolidationBatch, nil
}
func (m *mockMemoryStore) OlderThanForForgetting(ctx context.Context, olderThan time.Time) ([]model.Memory, error) {
	return m.forgettingBatch, nil
}
func (m *mockMemoryStore) ReferencedSummaryMemoryIDs(ctx context.Context) (map[string]bool, error) {
	return m.referencedIDs, nil
}
func (m *mockMemoryStore) AccessCount(ctx context.Context, memoryID string) (int, error) {
	return m.accessCounts[memoryID], nil
}
func (m *mockMemoryStore) RecentEpisodicCandidates(ctx context.Context, userID string, queryVec []float32, since time.Time, limit int) ([]ChunkCandidate, error) {
	return nil, nil
}

// mockChunkStoreMM implements MemoryManagerChunkStore for testing.
type mockChunkStoreMM struct {
	firstEmbeddings map[string][]float32
	allEmbeddings   map[string][][]float32
}

func (m *mockChunkStoreMM) FirstChunkEmbedding(ctx context.Context, memoryID string) ([]float32, error) {
	vec, ok := m.firstEmbeddings[memoryID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return vec, nil
}
func (m *mockChunkStoreMM) AllEmbeddings(ctx context.Context, memoryID string) ([][]float32, error) {
	return m.allEmbeddings[memoryID], nil
}

// mockAccessStore implements MemoryManagerAccessStore for testing.
type mockAccessStore struct {
	lastAccessed map[string]*time.Time
}

func (m *mockAccessStore) LastAccessedAt(ctx context.Context, memoryID string) (*time.Time, error) {
	return m.lastAccessed[memoryID], nil
}

// mockSummaryStore implements MemoryManagerSummaryStore for testing.
type mockSummaryStore struct {
	created []*model.MemorySummary
	err     error
}

func (m *mockSummaryStore) Create(ctx context.Context, s *model.MemorySummary) error {
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, s)
	return nil
}
func (m *mockSummaryStore) DenseSearch(ctx context.Context, userID string, queryVec []float32, limit int) ([]model.MemorySummary, []float64, error) {
	return nil, nil, nil
}
func (m *mockSummaryStore) DeleteOrphaned(ctx context.Context) (int, error) { return 0, nil }

// mockSummaryGenerator implements SummaryGenerator for testing.
type mockSummaryGenerator struct {
	text string
	err  error
}

func (m *mockSummaryGenerator) GenerateContentAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.text, nil
}

// mockTextEmbedder implements TextEmbedder for testing.
type mockTextEmbedder struct {
	vec []float32
	err error
}

func (m *mockTextEmbedder) Embed(ctx context.Context, text string, opts EmbedOpts) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.vec, nil
}

// mockLineageProjector implements LineageProjector for testing.
type mockLineageProjector struct {
	called bool
	err    error
}

func (m *mockLineageProjector) ProjectConsolidation(ctx context.Context, userID, summaryID string, sourceMemoryIDs []string) error {
	m.called = true
	return m.err
}

func newTestMemoryManager() (*MemoryManagerService, *mockMemoryStore, *mockChunkStoreMM, *mockSummaryStore, *mockSummaryGenerator) {
	memStore := newMockMemoryStore()
	chunkStore := &mockChunkStoreMM{firstEmbeddings: map[string][]float32{}, allEmbeddings: map[string][][]float32{}}
	summaryStore := &mockSummaryStore{}
	gen := &mockSummaryGenerator{text: "a concise summary"}
	embedder := &mockTextEmbedder{vec: []float32{0.1, 0.2, 0.3}}

	svc := NewMemoryManagerService(memStore, chunkStore, &mockAccessStore{}, summaryStore, gen, embedder, nil, DefaultMemoryManagerConfig())
	return svc, memStore, chunkStore, summaryStore, gen
}

func TestClassify_ExplicitMetaOverride(t *testing.T) {
	svc, _, _, _, _ := newTestMemoryManager()
	mem := &model.Memory{Content: "whatever", Meta: json.RawMessage(`{"memory_type":"procedural"}`)}

	got, err := svc.Classify(context.Background(), mem)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if got != model.MemoryProcedural {
		t.Errorf("Classify() = %v, want procedural (explicit override)", got)
	}
}

func TestClassify_TemporalAndPersonalIsEpisodic(t *testing.T) {
	svc, _, _, _, _ := newTestMemoryManager()
	mem := &model.Memory{Content: "I went to the store yesterday and bought milk"}

	got, err := svc.Classify(context.Background(), mem)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if got != model.MemoryEpisodic {
		t.Errorf("Classify() = %v, want episodic", got)
	}
}

func TestClassify_LongImpersonalIsSemantic(t *testing.T) {
	svc, _, _, _, _ := newTestMemoryManager()
	words := make([]string, 501)
	for i := range words {
		words[i] = "word"
	}
	mem := &model.Memory{Content: joinWords(words), ContentType: model.ContentText}

	got, err := svc.Classify(context.Background(), mem)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if got != model.MemorySemantic {
		t.Errorf("Classify() = %v, want semantic for long impersonal content", got)
	}
}

func TestClassify_PDFIsSemantic(t *testing.T) {
	svc, _, _, _, _ := newTestMemoryManager()
	mem := &model.Memory{Content: "short pdf blurb", ContentType: model.ContentPDF}

	got, err := svc.Classify(context.Background(), mem)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if got != model.MemorySemantic {
		t.Errorf("Classify() = %v, want semantic for PDF content", got)
	}
}

func joinWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

func TestScoreImportance_Range(t *testing.T) {
	svc, memStore, _, _, _ := newTestMemoryManager()
	mem := &model.Memory{ID: "m1", ContentType: model.ContentText, CreatedAt: time.Now().UTC()}
	memStore.byID["m1"] = mem
	memStore.accessCounts["m1"] = 5

	got, err := svc.ScoreImportance(context.Background(), mem)
	if err != nil {
		t.Fatalf("ScoreImportance() error: %v", err)
	}
	if got < 0 || got > 100 {
		t.Errorf("ScoreImportance() = %d, want within [0,100]", got)
	}
}

func TestScoreImportance_RecentMemoryScoresHigherThanOld(t *testing.T) {
	svc, _, _, _, _ := newTestMemoryManager()
	recent := &model.Memory{ID: "recent", ContentType: model.ContentText, CreatedAt: time.Now().UTC()}
	old := &model.Memory{ID: "old", ContentType: model.ContentText, CreatedAt: time.Now().UTC().Add(-365 * 24 * time.Hour)}

	recentScore, err := svc.ScoreImportance(context.Background(), recent)
	if err != nil {
		t.Fatalf("ScoreImportance() error: %v", err)
	}
	oldScore, err := svc.ScoreImportance(context.Background(), old)
	if err != nil {
		t.Fatalf("ScoreImportance() error: %v", err)
	}
	if recentScore <= oldScore {
		t.Errorf("recent score %d should exceed old score %d", recentScore, oldScore)
	}
}

func TestConsolidate_NoCandidates(t *testing.T) {
	svc, _, _, _, _ := newTestMemoryManager()

	consolidated, created, err := svc.Consolidate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Consolidate() error: %v", err)
	}
	if consolidated != 0 || created != 0 {
		t.Errorf("Consolidate() = (%d, %d), want (0, 0)", consolidated, created)
	}
}

func TestConsolidate_ClustersAndSummarizes(t *testing.T) {
	svc, memStore, chunkStore, summaryStore, _ := newTestMemoryManager()

	now := time.Now().UTC()
	m1 := model.Memory{ID: "m1", CreatedAt: now.Add(-40 * 24 * time.Hour), Content: "meeting notes about project alpha", Importance: 50}
	m2 := model.Memory{ID: "m2", CreatedAt: now.Add(-39 * 24 * time.Hour), Content: "more notes about project alpha", Importance: 60}
	m3 := model.Memory{ID: "m3", CreatedAt: now.Add(-38 * 24 * time.Hour), Content: "unrelated note about groceries", Importance: 30}

	memStore.consolidationBatch = []model.Memory{m1, m2, m3}
	chunkStore.firstEmbeddings["m1"] = []float32{1, 0, 0}
	chunkStore.firstEmbeddings["m2"] = []float32{0.99, 0.01, 0} // near-identical to m1
	chunkStore.firstEmbeddings["m3"] = []float32{0, 1, 0}       // orthogonal

	consolidated, created, err := svc.Consolidate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Consolidate() error: %v", err)
	}
	if consolidated != 3 {
		t.Errorf("consolidated = %d, want 3", consolidated)
	}
	if created != 2 {
		t.Errorf("summariesCreated = %d, want 2 (m1+m2 cluster, m3 alone)", created)
	}
	if len(summaryStore.created) != 2 {
		t.Fatalf("len(summaryStore.created) = %d, want 2", len(summaryStore.created))
	}
}

func TestConsolidate_SkipsFailedSummaryWithoutAbortingBatch(t *testing.T) {
	svc, memStore, chunkStore, summaryStore, _ := newTestMemoryManager()

	now := time.Now().UTC()
	m1 := model.Memory{ID: "m1", CreatedAt: now.Add(-40 * 24 * time.Hour), Content: "a"}
	m2 := model.Memory{ID: "m2", CreatedAt: now.Add(-39 * 24 * time.Hour), Content: "b"}
	memStore.consolidationBatch = []model.Memory{m1, m2}
	chunkStore.firstEmbeddings["m1"] = []float32{1, 0}
	chunkStore.firstEmbeddings["m2"] = []float32{0, 1}
	summaryStore.err = context.DeadlineExceeded

	consolidated, created, err := svc.Consolidate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Consolidate() should not return error when individual summaries fail: %v", err)
	}
	if created != 0 || consolidated != 0 {
		t.Errorf("Consolidate() = (%d, %d), want (0, 0) since every summary failed to persist", consolidated, created)
	}
}

func TestConsolidate_ProjectsLineageWhenConfigured(t *testing.T) {
	memStore := newMockMemoryStore()
	chunkStore := &mockChunkStoreMM{firstEmbeddings: map[string][]float32{}, allEmbeddings: map[string][][]float32{}}
	summaryStore := &mockSummaryStore{}
	gen := &mockSummaryGenerator{text: "summary"}
	embedder := &mockTextEmbedder{vec: []float32{0.1}}
	lineage := &mockLineageProjector{}

	svc := NewMemoryManagerService(memStore, chunkStore, &mockAccessStore{}, summaryStore, gen, embedder, lineage, DefaultMemoryManagerConfig())

	now := time.Now().UTC()
	memStore.consolidationBatch = []model.Memory{{ID: "m1", CreatedAt: now, Content: "a"}}
	chunkStore.firstEmbeddings["m1"] = []float32{1, 0}

	if _, _, err := svc.Consolidate(context.Background(), "user-1"); err != nil {
		t.Fatalf("Consolidate() error: %v", err)
	}
	if !lineage.called {
		t.Error("expected lineage projector to be invoked after a successful summary")
	}
}

func TestCreateSummary_FallsBackWhenLLMFails(t *testing.T) {
	memStore := newMockMemoryStore()
	chunkStore := &mockChunkStoreMM{}
	summaryStore := &mockSummaryStore{}
	gen := &mockSummaryGenerator{err: context.DeadlineExceeded}
	embedder := &mockTextEmbedder{vec: []float32{0.1}}

	svc := NewMemoryManagerService(memStore, chunkStore, &mockAccessStore{}, summaryStore, gen, embedder, nil, DefaultMemoryManagerConfig())

	group := []model.Memory{{ID: "m1", CreatedAt: time.Now().UTC(), Content: "x"}}
	if err := svc.createSummary(context.Background(), "user-1", group); err != nil {
		t.Fatalf("createSummary() should fall back rather than error: %v", err)
	}
	if len(summaryStore.created) != 1 {
		t.Fatalf("expected a fallback summary to be persisted")
	}
}

func TestHierarchicalRetrieve_SortsBySimilarityAndTruncates(t *testing.T) {
	summaryStore := &mockSummaryStore{}

	// RecentEpisodicCandidates is stubbed to return nil in mockMemoryStore, so
	// exercise the sort/truncate path via a store override.
	memStore := &episodicStubStore{mockMemoryStore: newMockMemoryStore(), candidates: []ChunkCandidate{
		{MemoryID: "a", Similarity: 0.2},
		{MemoryID: "b", Similarity: 0.9},
		{MemoryID: "c", Similarity: 0.5},
	}}
	svc := NewMemoryManagerService(memStore, &mockChunkStoreMM{}, &mockAccessStore{}, summaryStore, nil, nil, nil, DefaultMemoryManagerConfig())

	hits, err := svc.HierarchicalRetrieve(context.Background(), "user-1", []float32{0.1}, 2, false)
	if err != nil {
		t.Fatalf("HierarchicalRetrieve() error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2 (topK truncation)", len(hits))
	}
	if hits[0].MemoryID != "b" || hits[1].MemoryID != "c" {
		t.Errorf("hits = %+v, want sorted descending by similarity (b, c)", hits)
	}
}

// episodicStubStore overrides RecentEpisodicCandidates to return fixed data.
type episodicStubStore struct {
	*mockMemoryStore
	candidates []ChunkCandidate
}

func (s *episodicStubStore) RecentEpisodicCandidates(ctx context.Context, userID string, queryVec []float32, since time.Time, limit int) ([]ChunkCandidate, error) {
	return s.candidates, nil
}

func TestForget_SkipsReferencedMemories(t *testing.T) {
	svc, memStore, _, _, _ := newTestMemoryManager()

	old := model.Memory{ID: "old", ContentType: model.ContentText, CreatedAt: time.Now().UTC().Add(-365 * 24 * time.Hour)}
	memStore.forgettingBatch = []model.Memory{old}
	memStore.referencedIDs["old"] = true

	forgotten, err := svc.Forget(context.Background(), 0.99)
	if err != nil {
		t.Fatalf("Forget() error: %v", err)
	}
	if forgotten != 0 {
		t.Errorf("forgotten = %d, want 0 (memory is referenced by a summary)", forgotten)
	}
	if len(memStore.deleted) != 0 {
		t.Errorf("expected no deletions, got %v", memStore.deleted)
	}
}

func TestForget_DeletesBelowThreshold(t *testing.T) {
	svc, memStore, _, _, _ := newTestMemoryManager()

	old := model.Memory{ID: "old", ContentType: model.ContentText, CreatedAt: time.Now().UTC().Add(-365 * 24 * time.Hour)}
	memStore.forgettingBatch = []model.Memory{old}

	forgotten, err := svc.Forget(context.Background(), 0.99)
	if err != nil {
		t.Fatalf("Forget() error: %v", err)
	}
	if forgotten != 1 {
		t.Errorf("forgotten = %d, want 1", forgotten)
	}
	if len(memStore.deleted) != 1 || memStore.deleted[0] != "old" {
		t.Errorf("deleted = %v, want [old]", memStore.deleted)
	}
}

func TestCosineSimilarity_IdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	got := cosineSimilarity(v, v)
	if got < 0.999 || got > 1.0001 {
		t.Errorf("cosineSimilarity(v, v) = %f, want ~1.0", got)
	}
}

func TestCosineSimilarity_OrthogonalVectorsIsZero(t *testing.T) {
	got := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if got < -0.0001 || got > 0.0001 {
		t.Errorf("cosineSimilarity(orthogonal) = %f, want ~0", got)
	}
}
