package service

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// EmbedOpts configures a single Embed/EmbedBatch call (§4.1).
type EmbedOpts struct {
	UseCache    bool
	Deduplicate bool
	TargetDim   int // defaults to model.EmbeddingDim if zero
}

// DefaultEmbedOpts returns the spec defaults: cache on, dedup on, D=512.
func DefaultEmbedOpts() EmbedOpts {
	return EmbedOpts{UseCache: true, Deduplicate: true, TargetDim: model.EmbeddingDim}
}

// EmbeddingClient abstracts the underlying embedding model for testability.
type EmbeddingClient interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingCache abstracts the LRU cache backing the Embedding Service.
type EmbeddingCache interface {
	Get(key string) ([]float32, bool)
	Set(key string, vec []float32)
}

// ChunkStore abstracts bulk insertion of chunks with vectors.
type ChunkStore interface {
	BulkInsert(ctx context.Context, memoryID string, chunks []Chunk, vectors [][]float32) error
}

// EmbedderService implements the Embedding Service (component A): cached,
// deduplicated, adaptive-batch embedding with quality metrics.
type EmbedderService struct {
	client     EmbeddingClient
	cache      EmbeddingCache
	chunkStore ChunkStore
	modelTag   string
}

// NewEmbedderService creates an EmbedderService.
func NewEmbedderService(client EmbeddingClient, cache EmbeddingCache, chunkStore ChunkStore, modelTag string) *EmbedderService {
	return &EmbedderService{client: client, cache: cache, chunkStore: chunkStore, modelTag: modelTag}
}

// QualityReport summarizes the quality of a batch of embeddings (§4.1).
type QualityReport struct {
	Norm        float64
	Mean        float64
	StdDev      float64
	NonZeroFrac float64
	Valid       bool
}

// Embed generates a single embedding for text, honoring cache/dedup opts.
func (s *EmbedderService) Embed(ctx context.Context, text string, opts EmbedOpts) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text}, opts)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for a slice of texts: dedup → adaptive
// batching → cache lookup → model call → dimension normalization → scatter.
func (s *EmbedderService) EmbedBatch(ctx context.Context, texts []string, opts EmbedOpts) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("service.EmbedBatch: no texts provided")
	}
	if opts.TargetDim == 0 {
		opts.TargetDim = model.EmbeddingDim
	}

	// Deduplication: normalize, hash, group, embed uniques, scatter back.
	unique := texts
	var groups map[string][]int
	var order []string
	if opts.Deduplicate {
		unique, groups, order = deduplicateTexts(texts)
	}

	resultsByHash := make(map[string][]float32, len(unique))

	toEmbed := make([]string, 0, len(unique))
	toEmbedHash := make([]string, 0, len(unique))
	for _, t := range unique {
		h := textHash(t)
		if opts.UseCache && s.cache != nil {
			key := s.cacheKey(t)
			if vec, ok := s.cache.Get(key); ok {
				resultsByHash[h] = vec
				continue
			}
		}
		toEmbed = append(toEmbed, t)
		toEmbedHash = append(toEmbedHash, h)
	}

	if len(toEmbed) > 0 {
		vecs, err := s.embedWithAdaptiveBatching(ctx, toEmbed)
		if err != nil {
			return nil, fmt.Errorf("service.EmbedBatch: %w", err)
		}
		for i, vec := range vecs {
			normalized := normalizeVector(vec, opts.TargetDim)
			resultsByHash[toEmbedHash[i]] = normalized
			if opts.UseCache && s.cache != nil {
				s.cache.Set(s.cacheKey(toEmbed[i]), normalized)
			}
		}
	}

	// Scatter back preserving original order.
	out := make([][]float32, len(texts))
	if opts.Deduplicate {
		for _, h := range order {
			vec := resultsByHash[h]
			for _, idx := range groups[h] {
				out[idx] = vec
			}
		}
	} else {
		for i, t := range texts {
			out[i] = resultsByHash[textHash(t)]
		}
	}

	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("service.EmbedBatch: missing result for text %d", i)
		}
	}

	return out, nil
}

// embedWithAdaptiveBatching chooses a batch size from avg_len and splits the
// underlying model calls accordingly (§4.1 batch policy).
func (s *EmbedderService) embedWithAdaptiveBatching(ctx context.Context, texts []string) ([][]float32, error) {
	batchSize := optimizeBatchSize(texts)

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		vecs, err := s.client.EmbedTexts(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("batch %d-%d: got %d vectors for %d texts", i, end, len(vecs), len(batch))
		}
		all = append(all, vecs...)
	}
	return all, nil
}

// optimizeBatchSize implements the spec's exact batch-size thresholds:
// avg_len>2000 chars → 8, >1000 → 16, else → 32.
func optimizeBatchSize(texts []string) int {
	if len(texts) == 0 {
		return 32
	}
	var total int
	for _, t := range texts {
		total += len(t)
	}
	avg := float64(total) / float64(len(texts))

	switch {
	case avg > 2000:
		return 8
	case avg > 1000:
		return 16
	default:
		return 32
	}
}

// deduplicateTexts normalizes (lowercase, collapse whitespace) and hashes
// (MD5) each text, grouping duplicate indices together. Returns the first-seen
// original text of each group in first-seen order, a hash→original-indices map, and the
// ordered list of hashes (for deterministic scatter-back).
func deduplicateTexts(texts []string) (unique []string, groups map[string][]int, order []string) {
	groups = make(map[string][]int)
	seen := make(map[string]string) // hash -> representative original text
	for i, t := range texts {
		h := textHash(t)
		if _, ok := groups[h]; !ok {
			order = append(order, h)
			seen[h] = t
		}
		groups[h] = append(groups[h], i)
	}
	unique = make([]string, 0, len(order))
	for _, h := range order {
		unique = append(unique, seen[h])
	}
	return unique, groups, order
}

// textHash normalizes (lowercase, collapse whitespace) then MD5-hashes text.
// MD5 is used deliberately here — this is deduplication, not a security
// boundary.
func textHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := md5.Sum([]byte(normalized))
	return fmt.Sprintf("%x", sum)
}

// cacheKey is sha256(text) ⊕ model_tag, matching §4.1's cache key definition.
func (s *EmbedderService) cacheKey(text string) string {
	return EmbeddingCacheKey(text, s.modelTag)
}

// EmbeddingCacheKey derives the LRU cache key sha256(text) ⊕ model_tag (§4.1).
// XOR-folds the model tag's hash into the text hash so the same text under a
// different embedding model never collides.
func EmbeddingCacheKey(text, modelTag string) string {
	th := sha256.Sum256([]byte(text))
	mh := sha256.Sum256([]byte(modelTag))
	out := make([]byte, len(th))
	for i := range th {
		out[i] = th[i] ^ mh[i]
	}
	return fmt.Sprintf("%x", out)
}

// normalizeVector right-pads with zeros to dim if shorter, and flags but does
// not reject vectors with NaN or zero norm (§4.1: "logged but still returned").
func normalizeVector(vec []float32, dim int) []float32 {
	report := AnalyzeQuality(vec)
	if !report.Valid {
		slog.Warn("[EMBED] vector quality flagged invalid", "norm", report.Norm, "non_zero_frac", report.NonZeroFrac)
	}
	if len(vec) < dim {
		return model.PadToDim(vec, dim)
	}
	return vec
}

// AnalyzeQuality computes basic quality metrics for an embedding vector,
// matching the original service's EmbeddingQualityAnalyzer fields.
func AnalyzeQuality(vec []float32) QualityReport {
	if len(vec) == 0 {
		return QualityReport{Valid: false}
	}

	var sum, sumSq float64
	nonZero := 0
	hasNaN := false
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) {
			hasNaN = true
			continue
		}
		sum += f
		sumSq += f * f
		if v != 0 {
			nonZero++
		}
	}
	n := float64(len(vec))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	norm := math.Sqrt(sumSq)

	valid := !hasNaN && norm > 0
	return QualityReport{
		Norm:        norm,
		Mean:        mean,
		StdDev:      math.Sqrt(variance),
		NonZeroFrac: float64(nonZero) / n,
		Valid:       valid,
	}
}

// EmbedAndStore generates embeddings for chunks of a single memory and
// persists them via ChunkStore. Implements the Embedder interface used by
// PipelineService (J).
func (s *EmbedderService) EmbedAndStore(ctx context.Context, memoryID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := s.EmbedBatch(ctx, texts, DefaultEmbedOpts())
	if err != nil {
		return fmt.Errorf("service.EmbedAndStore: %w", err)
	}

	if err := s.chunkStore.BulkInsert(ctx, memoryID, chunks, vectors); err != nil {
		return fmt.Errorf("service.EmbedAndStore: store: %w", err)
	}

	return nil
}

// EmbeddingVariance computes the variance of a memory's chunk embeddings,
// used as the "richness" term in importance scoring (§4.4.2).
func EmbeddingVariance(vectors [][]float32) float64 {
	if len(vectors) == 0 {
		return 0
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0
	}

	// Mean vector, then mean of per-dimension variances.
	mean := make([]float64, dim)
	for _, v := range vectors {
		for i, f := range v {
			mean[i] += float64(f)
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}

	var totalVar float64
	for _, v := range vectors {
		for i, f := range v {
			d := float64(f) - mean[i]
			totalVar += d * d
		}
	}
	return totalVar / float64(len(vectors)*dim)
}
