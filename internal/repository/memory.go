package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/apperr"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// MemoryRepo implements service.MemoryRepository and the Memory Manager's
// read/mutate paths over the memories table (component D).
type MemoryRepo struct {
	pool *pgxpool.Pool
}

// NewMemoryRepo creates a MemoryRepo.
func NewMemoryRepo(pool *pgxpool.Pool) *MemoryRepo {
	return &MemoryRepo{pool: pool}
}

// Compile-time check.
var _ service.MemoryRepository = (*MemoryRepo)(nil)

// Create inserts a Memory row. chunk persistence is the caller's
// responsibility (the Ingestion Coordinator calls ChunkStore.BulkInsert
// separately) — invariant 2 (contiguous chunk_index) is enforced by the
// chunker, not here.
func (r *MemoryRepo) Create(ctx context.Context, mem *model.Memory) error {
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO memories (id, user_id, content_type, content, meta, blob_ref, created_at, memory_type, importance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		mem.ID, mem.UserID, mem.ContentType, mem.Content, mem.Meta, mem.BlobRef, mem.CreatedAt, mem.MemoryType, mem.Importance,
	)
	if err != nil {
		return fmt.Errorf("repository.Create: %w", err)
	}
	return nil
}

// GetByID fetches a single Memory.
func (r *MemoryRepo) GetByID(ctx context.Context, id string) (*model.Memory, error) {
	var mem model.Memory
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, content_type, content, meta, blob_ref, created_at, last_accessed, memory_type, importance
		FROM memories WHERE id = $1`, id).Scan(
		&mem.ID, &mem.UserID, &mem.ContentType, &mem.Content, &mem.Meta, &mem.BlobRef,
		&mem.CreatedAt, &mem.LastAccessed, &mem.MemoryType, &mem.Importance,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFound{Resource: "memory", ID: id}
		}
		return nil, fmt.Errorf("repository.GetByID: %w", err)
	}
	return &mem, nil
}

// SetMemoryType reclassifies a Memory (§3 lifecycle: mutated by reclassification).
func (r *MemoryRepo) SetMemoryType(ctx context.Context, id string, mt model.MemoryType) error {
	_, err := r.pool.Exec(ctx, `UPDATE memories SET memory_type = $2 WHERE id = $1`, id, mt)
	if err != nil {
		return fmt.Errorf("repository.SetMemoryType: %w", err)
	}
	return nil
}

// SetImportance persists a recomputed importance score (0..100).
func (r *MemoryRepo) SetImportance(ctx context.Context, id string, importance int) error {
	_, err := r.pool.Exec(ctx, `UPDATE memories SET importance = $2 WHERE id = $1`, id, importance)
	if err != nil {
		return fmt.Errorf("repository.SetImportance: %w", err)
	}
	return nil
}

// TouchAccess updates last_accessed, enforcing last_accessed >= created_at
// (§3 invariant 5) by clamping to the greater of now and created_at — in
// practice now is always later, but the clamp keeps the invariant explicit.
func (r *MemoryRepo) TouchAccess(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE memories SET last_accessed = GREATEST($2, created_at) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("repository.TouchAccess: %w", err)
	}
	return nil
}

// Delete removes a Memory; chunks and access rows cascade (§3 invariant 3).
func (r *MemoryRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository.Delete: %w", err)
	}
	return nil
}

// EpisodicForConsolidation selects up to limit episodic memories older than
// olderThan that are not referenced by any existing summary (§4.4.3),
// ordered by created_at for deterministic greedy clustering.
//
// The teacher-era query this replaces compared an array column to a scalar
// with `= ANY(array_col)` reversed (scalar = ANY(array) vs. array containment)
// and silently matched nothing; this uses a proper NOT EXISTS/array-containment
// check against memory_summaries.source_memory_ids (§9 open question (a)).
func (r *MemoryRepo) EpisodicForConsolidation(ctx context.Context, userID string, olderThan time.Time, limit int) ([]model.Memory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.id, m.user_id, m.content_type, m.content, m.meta, m.blob_ref,
		       m.created_at, m.last_accessed, m.memory_type, m.importance
		FROM memories m
		WHERE m.user_id = $1
		  AND m.memory_type = 'episodic'
		  AND m.created_at < $2
		  AND NOT EXISTS (
		      SELECT 1 FROM memory_summaries s
		      WHERE m.id = ANY(s.source_memory_ids)
		  )
		ORDER BY m.created_at ASC
		LIMIT $3`, userID, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("repository.EpisodicForConsolidation: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var mem model.Memory
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.ContentType, &mem.Content, &mem.Meta, &mem.BlobRef,
			&mem.CreatedAt, &mem.LastAccessed, &mem.MemoryType, &mem.Importance); err != nil {
			return nil, fmt.Errorf("repository.EpisodicForConsolidation: scan: %w", err)
		}
		out = append(out, mem)
	}
	return out, nil
}

// OlderThanForForgetting selects memories older than olderThan (§4.4.5
// forgetting sweep candidate set). Importance is recomputed by the caller;
// this query only bounds by age. Memories referenced by an active summary
// are excluded by the caller via ReferencedSummaryMemoryIDs (§9 open
// question (b)) before applying the importance cutoff.
func (r *MemoryRepo) OlderThanForForgetting(ctx context.Context, olderThan time.Time) ([]model.Memory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, content_type, content, meta, blob_ref, created_at, last_accessed, memory_type, importance
		FROM memories WHERE created_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("repository.OlderThanForForgetting: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var mem model.Memory
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.ContentType, &mem.Content, &mem.Meta, &mem.BlobRef,
			&mem.CreatedAt, &mem.LastAccessed, &mem.MemoryType, &mem.Importance); err != nil {
			return nil, fmt.Errorf("repository.OlderThanForForgetting: scan: %w", err)
		}
		out = append(out, mem)
	}
	return out, nil
}

// ReferencedSummaryMemoryIDs returns the set of memory ids referenced by any
// MemorySummary.source_memory_ids, used to exempt summarized memories from
// the forgetting sweep (§9 open question (b): the original deletes these
// without checking, which silently breaks summaries that reference them).
func (r *MemoryRepo) ReferencedSummaryMemoryIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT unnest(source_memory_ids) FROM memory_summaries`)
	if err != nil {
		return nil, fmt.Errorf("repository.ReferencedSummaryMemoryIDs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository.ReferencedSummaryMemoryIDs: scan: %w", err)
		}
		out[id] = true
	}
	return out, nil
}

// AccessCount returns the number of MemoryAccess rows for a memory, used by
// importance scoring's frequency term (§4.4.2).
func (r *MemoryRepo) AccessCount(ctx context.Context, memoryID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM memory_access WHERE memory_id = $1`, memoryID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository.AccessCount: %w", err)
	}
	return count, nil
}

// StatsByUser computes a service.CorpusStats for one user in a single
// grouped query, feeding the corpus-health maintenance summary.
func (r *MemoryRepo) StatsByUser(ctx context.Context, userID string) (service.CorpusStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT memory_type, count(*), avg(importance)
		FROM memories WHERE user_id = $1
		GROUP BY memory_type`, userID)
	if err != nil {
		return service.CorpusStats{}, fmt.Errorf("repository.StatsByUser: %w", err)
	}
	defer rows.Close()

	stats := service.CorpusStats{CountByType: make(map[model.MemoryType]int)}
	var weightedImportance float64
	for rows.Next() {
		var mt model.MemoryType
		var count int
		var avgImportance float64
		if err := rows.Scan(&mt, &count, &avgImportance); err != nil {
			return service.CorpusStats{}, fmt.Errorf("repository.StatsByUser: scan: %w", err)
		}
		stats.CountByType[mt] = count
		stats.Total += count
		weightedImportance += avgImportance * float64(count)
	}
	if stats.Total > 0 {
		stats.AverageImportance = weightedImportance / float64(stats.Total)
	}
	return stats, nil
}

// RecentEpisodicCandidates runs §4.4.4 step 1: dense kNN over chunks of
// episodic memories created within the last window, limited to limit rows.
func (r *MemoryRepo) RecentEpisodicCandidates(ctx context.Context, userID string, queryVec []float32, since time.Time, limit int) ([]service.ChunkCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.memory_id, c.text, m.content_type, m.meta, c.created_at,
		       1 - (c.embedding <=> $1::vector) AS similarity
		FROM chunks c
		JOIN memories m ON c.memory_id = m.id
		WHERE m.user_id = $2 AND m.memory_type = 'episodic' AND m.created_at >= $3
		ORDER BY c.embedding <=> $1::vector
		LIMIT $4`, pgVec(queryVec), userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("repository.RecentEpisodicCandidates: %w", err)
	}
	defer rows.Close()
	return scanChunkCandidates(rows)
}
