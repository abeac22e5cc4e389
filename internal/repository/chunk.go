package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// ChunkRepo implements service.ChunkStore and service.VectorSearcher against
// the chunks table (component D).
type ChunkRepo struct {
	pool *pgxpool.Pool
}

// NewChunkRepo creates a ChunkRepo.
func NewChunkRepo(pool *pgxpool.Pool) *ChunkRepo {
	return &ChunkRepo{pool: pool}
}

// Compile-time checks.
var (
	_ service.ChunkStore     = (*ChunkRepo)(nil)
	_ service.VectorSearcher = (*ChunkRepo)(nil)
)

// BulkInsert stores chunks with their embedding vectors for a single memory
// using pgx batching. Vectors shorter than model.EmbeddingDim are assumed
// already zero-padded by the caller (§3 invariant 1).
func (r *ChunkRepo) BulkInsert(ctx context.Context, memoryID string, chunks []service.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("repository.BulkInsert: chunk count (%d) != vector count (%d)", len(chunks), len(vectors))
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()

	for i, c := range chunks {
		id := uuid.New().String()
		embedding := pgvector.NewVector(vectors[i])

		batch.Queue(`
			INSERT INTO chunks (id, memory_id, chunk_index, text, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, memoryID, c.Index, c.Content, embedding, now,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(chunks); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository.BulkInsert: chunk %d: %w", i, err)
		}
	}

	slog.Info("[DEBUG-REPO] chunks bulk inserted", "memory_id", memoryID, "count", len(chunks))
	return nil
}

// SimilaritySearch finds the top-limit chunks most similar to queryVec using
// cosine distance, scoped to the user and optionally to a content type
// (§4.3 stage 1).
func (r *ChunkRepo) SimilaritySearch(ctx context.Context, userID string, queryVec []float32, limit int, contentType *model.ContentType) ([]service.ChunkCandidate, error) {
	embedding := pgvector.NewVector(queryVec)

	query := `
		SELECT
			c.id, c.memory_id, c.text, m.content_type, m.meta, c.created_at,
			1 - (c.embedding <=> $1::vector) AS similarity
		FROM chunks c
		JOIN memories m ON c.memory_id = m.id
		WHERE m.user_id = $2`

	args := []any{embedding, userID}
	if contentType != nil {
		query += fmt.Sprintf(" AND m.content_type = $%d", len(args)+1)
		args = append(args, *contentType)
	}

	query += fmt.Sprintf(" ORDER BY c.embedding <=> $1::vector LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		slog.Error("[DEBUG-REPO] similarity search query failed", "error", err)
		return nil, fmt.Errorf("repository.SimilaritySearch: %w", err)
	}
	defer rows.Close()

	results, err := scanChunkCandidates(rows)
	if err != nil {
		return nil, fmt.Errorf("repository.SimilaritySearch: %w", err)
	}

	slog.Info("[DEBUG-REPO] similarity search complete", "user_id", userID, "results_count", len(results), "limit", limit)
	return results, nil
}

// DeleteByMemoryID removes all chunks for a memory. Deletion also happens
// implicitly via ON DELETE CASCADE; this is exposed for callers needing to
// re-chunk a memory in place without a full delete.
func (r *ChunkRepo) DeleteByMemoryID(ctx context.Context, memoryID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chunks WHERE memory_id = $1`, memoryID)
	if err != nil {
		return fmt.Errorf("repository.DeleteByMemoryID: %w", err)
	}
	return nil
}

// CountByMemoryID returns the number of chunks for a memory.
func (r *ChunkRepo) CountByMemoryID(ctx context.Context, memoryID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE memory_id = $1`, memoryID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository.CountByMemoryID: %w", err)
	}
	return count, nil
}

// FirstChunkEmbedding fetches the first chunk's embedding for a memory, used
// as its "representative embedding" for consolidation clustering (§4.4.3).
func (r *ChunkRepo) FirstChunkEmbedding(ctx context.Context, memoryID string) ([]float32, error) {
	var vec pgvector.Vector
	err := r.pool.QueryRow(ctx, `
		SELECT embedding FROM chunks
		WHERE memory_id = $1
		ORDER BY chunk_index ASC
		LIMIT 1`, memoryID).Scan(&vec)
	if err != nil {
		return nil, fmt.Errorf("repository.FirstChunkEmbedding: %w", err)
	}
	return vec.Slice(), nil
}

// AllEmbeddings returns every chunk embedding for a memory, used by the
// importance scorer's embedding-variance ("richness") term (§4.4.2).
func (r *ChunkRepo) AllEmbeddings(ctx context.Context, memoryID string) ([][]float32, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT embedding FROM chunks WHERE memory_id = $1 ORDER BY chunk_index ASC`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("repository.AllEmbeddings: %w", err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("repository.AllEmbeddings: scan: %w", err)
		}
		vectors = append(vectors, vec.Slice())
	}
	return vectors, nil
}
