package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// Content-type weights used by importance scoring (§4.4.2).
var contentTypeWeight = map[model.ContentType]float64{
	model.ContentText:  1.0,
	model.ContentPDF:   1.2,
	model.ContentImage: 0.9,
	model.ContentAudio: 1.1,
	model.ContentWeb:   0.7,
}

var temporalMarkers = []string{
	"yesterday", "today", "last week", "on monday", "this morning", "last night",
}

var personalMarkers = []string{"i ", "my ", "me ", "we ", "our "}

// MemoryManagerMemoryStore abstracts the Memory reads/mutations the manager needs.
type MemoryManagerMemoryStore interface {
	GetByID(ctx context.Context, id string) (*model.Memory, error)
	SetMemoryType(ctx context.Context, id string, mt model.MemoryType) error
	SetImportance(ctx context.Context, id string, importance int) error
	Delete(ctx context.Context, id string) error
	EpisodicForConsolidation(ctx context.Context, userID string, olderThan time.Time, limit int) ([]model.Memory, error)
	OlderThanForForgetting(ctx context.Context, olderThan time.Time) ([]model.Memory, error)
	ReferencedSummaryMemoryIDs(ctx context.Context) (map[string]bool, error)
	AccessCount(ctx context.Context, memoryID string) (int, error)
	RecentEpisodicCandidates(ctx context.Context, userID string, queryVec []float32, since time.Time, limit int) ([]ChunkCandidate, error)
}

// MemoryManagerChunkStore abstracts the chunk-embedding reads the manager needs.
type MemoryManagerChunkStore interface {
	FirstChunkEmbedding(ctx context.Context, memoryID string) ([]float32, error)
	AllEmbeddings(ctx context.Context, memoryID string) ([][]float32, error)
}

// MemoryManagerAccessStore abstracts access-log reads the manager needs.
type MemoryManagerAccessStore interface {
	LastAccessedAt(ctx context.Context, memoryID string) (*time.Time, error)
}

// MemoryManagerSummaryStore abstracts MemorySummary persistence.
type MemoryManagerSummaryStore interface {
	Create(ctx context.Context, s *model.MemorySummary) error
	DenseSearch(ctx context.Context, userID string, queryVec []float32, limit int) ([]model.MemorySummary, []float64, error)
	DeleteOrphaned(ctx context.Context) (int, error)
}

// SummaryGenerator abstracts the LM call used to produce consolidated summaries.
type SummaryGenerator interface {
	GenerateContentAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error)
}

// TextEmbedder abstracts embedding a single piece of text (the summary body).
type TextEmbedder interface {
	Embed(ctx context.Context, text string, opts EmbedOpts) ([]float32, error)
}

// LineageProjector abstracts recording consolidation lineage in the graph
// store (internal/graph). Optional: a nil projector just skips the write.
type LineageProjector interface {
	ProjectConsolidation(ctx context.Context, userID, summaryID string, sourceMemoryIDs []string) error
}

// Tunable thresholds for the Memory Manager (component E, §4.4).
type MemoryManagerConfig struct {
	EpisodicWindow         time.Duration // §4.4.4: recent episodic window, default 7 days
	ConsolidationAge       time.Duration // §4.4.3/§4.4.5: default 30 days
	ConsolidationBatchSize int           // §4.4.3: default 50
	ClusterSimilarity      float64       // §4.4.3: default 0.70
	ForgetThreshold        float64       // §4.4.5: default 0.10
}

// DefaultMemoryManagerConfig returns the spec's default thresholds.
func DefaultMemoryManagerConfig() MemoryManagerConfig {
	return MemoryManagerConfig{
		EpisodicWindow:         7 * 24 * time.Hour,
		ConsolidationAge:       30 * 24 * time.Hour,
		ConsolidationBatchSize: 50,
		ClusterSimilarity:      0.70,
		ForgetThreshold:        0.10,
	}
}

// MemoryManagerService implements the Memory Manager (component E):
// classification, importance scoring, consolidation, hierarchical retrieval,
// and forgetting.
type MemoryManagerService struct {
	memories  MemoryManagerMemoryStore
	chunks    MemoryManagerChunkStore
	access    MemoryManagerAccessStore
	summaries MemoryManagerSummaryStore
	llm       SummaryGenerator
	embedder  TextEmbedder
	lineage   LineageProjector
	cfg       MemoryManagerConfig
}

// NewMemoryManagerService creates a MemoryManagerService. lineage may be nil
// to disable graph-lineage projection entirely.
func NewMemoryManagerService(
	memories MemoryManagerMemoryStore,
	chunks MemoryManagerChunkStore,
	access MemoryManagerAccessStore,
	summaries MemoryManagerSummaryStore,
	llm SummaryGenerator,
	embedder TextEmbedder,
	lineage LineageProjector,
	cfg MemoryManagerConfig,
) *MemoryManagerService {
	return &MemoryManagerService{
		memories:  memories,
		chunks:    chunks,
		access:    access,
		summaries: summaries,
		llm:       llm,
		embedder:  embedder,
		lineage:   lineage,
		cfg:       cfg,
	}
}

// Compile-time check: MemoryManagerService implements pipeline.go's Classifier.
var _ Classifier = (*MemoryManagerService)(nil)

// Classify decides memory_type for a new or unclassified Memory (§4.4.1).
func (s *MemoryManagerService) Classify(ctx context.Context, mem *model.Memory) (model.MemoryType, error) {
	if explicit := explicitMemoryType(mem.Meta); explicit != "" {
		return explicit, nil
	}

	content := strings.ToLower(mem.Content)
	words := strings.Fields(mem.Content)
	wordCount := len(words)

	hasTemporal := containsAny(content, temporalMarkers) || strings.Contains(content, strconv.Itoa(time.Now().Year()))
	hasPersonal := containsAny(content, personalMarkers)
	isShort := wordCount < 100

	switch {
	case hasTemporal && hasPersonal:
		return model.MemoryEpisodic, nil
	case isShort && hasPersonal:
		return model.MemoryEpisodic, nil
	case mem.ContentType == model.ContentPDF || wordCount > 500:
		return model.MemorySemantic, nil
	default:
		return model.MemoryEpisodic, nil
	}
}

// explicitMemoryType reads an explicit meta.memory_type override, if present.
func explicitMemoryType(meta []byte) model.MemoryType {
	if len(meta) == 0 {
		return ""
	}
	var parsed struct {
		MemoryType string `json:"memory_type"`
	}
	if err := json.Unmarshal(meta, &parsed); err != nil {
		return ""
	}
	return model.MemoryType(parsed.MemoryType)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ScoreImportance computes and persists-ready 0..100 importance (§4.4.2).
func (s *MemoryManagerService) ScoreImportance(ctx context.Context, mem *model.Memory) (int, error) {
	importance, err := s.computeImportance(ctx, mem)
	if err != nil {
		return 0, err
	}
	return int(math.Round(importance * 100)), nil
}

// computeImportance implements the §4.4.2 weighted formula in [0,1].
func (s *MemoryManagerService) computeImportance(ctx context.Context, mem *model.Memory) (float64, error) {
	now := time.Now().UTC()

	accessCount, err := s.memories.AccessCount(ctx, mem.ID)
	if err != nil {
		slog.Warn("[MEMORY-MANAGER] access count lookup failed, assuming 0", "memory_id", mem.ID, "error", err)
		accessCount = 0
	}

	var lastAccessed *time.Time
	if s.access != nil {
		lastAccessed, err = s.access.LastAccessedAt(ctx, mem.ID)
		if err != nil {
			slog.Warn("[MEMORY-MANAGER] last-accessed lookup failed", "memory_id", mem.ID, "error", err)
		}
	}

	variance := 0.0
	if s.chunks != nil {
		vectors, err := s.chunks.AllEmbeddings(ctx, mem.ID)
		if err != nil {
			slog.Warn("[MEMORY-MANAGER] embedding fetch failed for richness term", "memory_id", mem.ID, "error", err)
		} else if len(vectors) > 1 {
			variance = EmbeddingVariance(vectors)
		}
	}

	ageDays := now.Sub(mem.CreatedAt).Hours() / 24
	recency := math.Exp(-ageDays / 30.0)

	frequency := math.Log1p(float64(accessCount)) / 10.0

	accessRecency := 0.0
	if lastAccessed != nil {
		daysSinceAccess := now.Sub(*lastAccessed).Hours() / 24
		accessRecency = math.Exp(-daysSinceAccess / 7.0)
	}

	typeWeight, ok := contentTypeWeight[mem.ContentType]
	if !ok {
		typeWeight = 1.0
	}

	richness := math.Min(variance, 1.0)

	importance := 0.35*recency + 0.25*frequency + 0.20*accessRecency + 0.15*typeWeight + 0.05*richness
	return importance, nil
}

// Consolidate clusters old unconsolidated episodic memories and summarizes
// each group via the LM (§4.4.3). Per §7 propagation policy, a failed
// summary is logged and skipped — it must not abort the batch.
func (s *MemoryManagerService) Consolidate(ctx context.Context, userID string) (consolidated, summariesCreated int, err error) {
	cutoff := time.Now().UTC().Add(-s.cfg.ConsolidationAge)

	candidates, err := s.memories.EpisodicForConsolidation(ctx, userID, cutoff, s.cfg.ConsolidationBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("service.Consolidate: %w", err)
	}
	if len(candidates) == 0 {
		slog.Info("[MEMORY-MANAGER] no memories to consolidate", "user_id", userID)
		return 0, 0, nil
	}

	groups, err := s.clusterMemories(ctx, candidates)
	if err != nil {
		return 0, 0, fmt.Errorf("service.Consolidate: cluster: %w", err)
	}

	for _, group := range groups {
		if err := s.createSummary(ctx, userID, group); err != nil {
			slog.Error("[MEMORY-MANAGER] summary creation failed for group, skipping", "user_id", userID, "group_size", len(group), "error", err)
			continue
		}
		summariesCreated++
		consolidated += len(group)
	}

	slog.Info("[MEMORY-MANAGER] consolidation complete", "user_id", userID, "consolidated", consolidated, "summaries_created", summariesCreated)
	return consolidated, summariesCreated, nil
}

// clusterMemories implements the greedy single-pass cosine clustering of
// §4.4.3: iterate in creation order, seed a group with the first unused
// memory, absorb every later unused memory with similarity >= threshold.
func (s *MemoryManagerService) clusterMemories(ctx context.Context, memories []model.Memory) ([][]model.Memory, error) {
	type withVec struct {
		mem model.Memory
		vec []float32
	}

	withVecs := make([]withVec, 0, len(memories))
	var isolated []model.Memory
	for _, m := range memories {
		vec, err := s.chunks.FirstChunkEmbedding(ctx, m.ID)
		if err != nil {
			slog.Warn("[MEMORY-MANAGER] no representative embedding, isolating memory", "memory_id", m.ID, "error", err)
			isolated = append(isolated, m)
			continue
		}
		withVecs = append(withVecs, withVec{mem: m, vec: vec})
	}

	if len(withVecs) == 0 {
		groups := make([][]model.Memory, len(memories))
		for i, m := range memories {
			groups[i] = []model.Memory{m}
		}
		return groups, nil
	}

	used := make([]bool, len(withVecs))
	var groups [][]model.Memory

	for i := range withVecs {
		if used[i] {
			continue
		}
		group := []model.Memory{withVecs[i].mem}
		used[i] = true

		for j := i + 1; j < len(withVecs); j++ {
			if used[j] {
				continue
			}
			if cosineSimilarity(withVecs[i].vec, withVecs[j].vec) >= s.cfg.ClusterSimilarity {
				group = append(group, withVecs[j].mem)
				used[j] = true
			}
		}
		groups = append(groups, group)
	}
	for _, m := range isolated {
		groups = append(groups, []model.Memory{m})
	}

	slog.Info("[MEMORY-MANAGER] clustered memories", "input", len(memories), "groups", len(groups))
	return groups, nil
}

// createSummary builds the summary prompt, generates + embeds the summary
// text, and inserts a MemorySummary row for one cluster.
func (s *MemoryManagerService) createSummary(ctx context.Context, userID string, group []model.Memory) error {
	if len(group) == 0 {
		return fmt.Errorf("service.createSummary: empty group")
	}

	var sb strings.Builder
	for _, m := range group {
		fmt.Fprintf(&sb, "[%s] %s\n\n", m.CreatedAt.Format("2006-01-02"), m.Content)
	}
	combined := sb.String()
	if len(combined) > 4000 {
		combined = combined[:4000]
	}

	const systemPrompt = "Create a concise summary of the following related memories, capturing key facts and themes."
	summaryText, err := s.llm.GenerateContentAt(ctx, systemPrompt, combined, 0.3)
	if err != nil {
		slog.Error("[MEMORY-MANAGER] summary generation failed, using fallback text", "error", err)
		summaryText = fmt.Sprintf("Summary of %d related memories about various topics", len(group))
	}

	embedding, err := s.embedder.Embed(ctx, summaryText, DefaultEmbedOpts())
	if err != nil {
		return fmt.Errorf("service.createSummary: embed: %w", err)
	}

	minCreated, maxCreated := group[0].CreatedAt, group[0].CreatedAt
	sourceIDs := make([]string, len(group))
	var importanceSum float64
	for i, m := range group {
		sourceIDs[i] = m.ID
		if m.CreatedAt.Before(minCreated) {
			minCreated = m.CreatedAt
		}
		if m.CreatedAt.After(maxCreated) {
			maxCreated = m.CreatedAt
		}
		importanceSum += float64(m.Importance) / 100.0
	}

	summary := &model.MemorySummary{
		ID:              uuid.New().String(),
		UserID:          userID,
		Text:            summaryText,
		Embedding:       embedding,
		SourceMemoryIDs: sourceIDs,
		MemoryCount:     len(group),
		DateRangeStart:  minCreated,
		DateRangeEnd:    maxCreated,
		Importance:      int(math.Round((importanceSum / float64(len(group))) * 100)),
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.summaries.Create(ctx, summary); err != nil {
		return fmt.Errorf("service.createSummary: persist: %w", err)
	}

	if s.lineage != nil {
		if err := s.lineage.ProjectConsolidation(ctx, userID, summary.ID, sourceIDs); err != nil {
			slog.Warn("[MEMORY-MANAGER] lineage projection failed, summary already persisted", "summary_id", summary.ID, "error", err)
		}
	}
	return nil
}

// HierarchicalHit is one row of a hierarchical retrieval result (§4.4.4).
type HierarchicalHit struct {
	MemoryID    string            `json:"memoryId"`
	MemoryType  model.MemoryType  `json:"memoryType"`
	ContentType model.ContentType `json:"contentType,omitempty"`
	ChunkText   string            `json:"chunkText"`
	Meta        json.RawMessage   `json:"meta,omitempty"`
	Similarity  float64           `json:"similarity"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// HierarchicalRetrieve implements §4.4.4: dense kNN over recent episodic
// chunks plus (optionally) dense kNN over summaries, merged and truncated.
func (s *MemoryManagerService) HierarchicalRetrieve(ctx context.Context, userID string, queryVec []float32, topK int, includeSummaries bool) ([]HierarchicalHit, error) {
	half := topK / 2
	since := time.Now().UTC().Add(-s.cfg.EpisodicWindow)

	episodic, err := s.memories.RecentEpisodicCandidates(ctx, userID, queryVec, since, half)
	if err != nil {
		return nil, fmt.Errorf("service.HierarchicalRetrieve: episodic: %w", err)
	}

	var hits []HierarchicalHit
	for _, c := range episodic {
		hits = append(hits, HierarchicalHit{
			MemoryID:    c.MemoryID,
			MemoryType:  model.MemoryEpisodic,
			ContentType: c.ContentType,
			ChunkText:   c.ChunkText,
			Meta:        c.Meta,
			Similarity:  c.Similarity,
			CreatedAt:   c.CreatedAt,
		})
	}

	if includeSummaries {
		summaries, sims, err := s.summaries.DenseSearch(ctx, userID, queryVec, half)
		if err != nil {
			return nil, fmt.Errorf("service.HierarchicalRetrieve: summaries: %w", err)
		}
		for i, sm := range summaries {
			hits = append(hits, HierarchicalHit{
				MemoryID:   sm.ID,
				MemoryType: model.MemorySemantic,
				ChunkText:  sm.Text,
				Similarity: sims[i],
				CreatedAt:  sm.CreatedAt,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Forget sweeps memories older than the consolidation age, recomputes
// importance, and deletes those below threshold — except memories currently
// referenced by an active summary (§9 open question (b): the original
// implementation deleted these unconditionally, silently orphaning summary
// citations).
func (s *MemoryManagerService) Forget(ctx context.Context, threshold float64) (forgotten int, err error) {
	if threshold <= 0 {
		threshold = s.cfg.ForgetThreshold
	}
	cutoff := time.Now().UTC().Add(-s.cfg.ConsolidationAge)

	candidates, err := s.memories.OlderThanForForgetting(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("service.Forget: %w", err)
	}

	referenced, err := s.memories.ReferencedSummaryMemoryIDs(ctx)
	if err != nil {
		slog.Warn("[MEMORY-MANAGER] failed to load summary-referenced ids, skipping forgetting sweep to avoid breaking summaries", "error", err)
		return 0, fmt.Errorf("service.Forget: referenced ids: %w", err)
	}

	for _, m := range candidates {
		if referenced[m.ID] {
			continue
		}

		importance, err := s.computeImportance(ctx, &m)
		if err != nil {
			slog.Warn("[MEMORY-MANAGER] importance recompute failed during forgetting, skipping", "memory_id", m.ID, "error", err)
			continue
		}

		if importance < threshold {
			if err := s.memories.Delete(ctx, m.ID); err != nil {
				slog.Error("[MEMORY-MANAGER] failed to delete forgotten memory", "memory_id", m.ID, "error", err)
				continue
			}
			forgotten++
			slog.Info("[MEMORY-MANAGER] forgot low-importance memory", "memory_id", m.ID, "importance", importance)
		}
	}

	slog.Info("[MEMORY-MANAGER] forgetting sweep complete", "forgotten", forgotten, "candidates", len(candidates))
	return forgotten, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors, matching the teacher's small-epsilon-guarded denominator style.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA)*math.Sqrt(normB) + 1e-8
	return dot / denom
}
