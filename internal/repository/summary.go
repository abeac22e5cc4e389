package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// SummaryRepo persists MemorySummary rows produced by consolidation
// (component D, §4.4.3).
type SummaryRepo struct {
	pool *pgxpool.Pool
}

// NewSummaryRepo creates a SummaryRepo.
func NewSummaryRepo(pool *pgxpool.Pool) *SummaryRepo {
	return &SummaryRepo{pool: pool}
}

// Create inserts a MemorySummary. Per §3 invariant 4, each source memory id
// must appear in at most one summary's source_memory_ids at a time — callers
// enforce this by only offering EpisodicForConsolidation's
// not-already-summarized candidate set to the clusterer.
func (r *SummaryRepo) Create(ctx context.Context, s *model.MemorySummary) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO memory_summaries
			(id, user_id, text, embedding, source_memory_ids, memory_count, date_range_start, date_range_end, importance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.UserID, s.Text, pgvector.NewVector(s.Embedding), s.SourceMemoryIDs,
		s.MemoryCount, s.DateRangeStart, s.DateRangeEnd, s.Importance, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository.Create: summary: %w", err)
	}
	return nil
}

// DenseSearch runs §4.4.4 step 2: dense kNN over a user's MemorySummary rows.
func (r *SummaryRepo) DenseSearch(ctx context.Context, userID string, queryVec []float32, limit int) ([]model.MemorySummary, []float64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, text, source_memory_ids, memory_count, date_range_start, date_range_end, importance, created_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM memory_summaries
		WHERE user_id = $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3`, pgVec(queryVec), userID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("repository.DenseSearch: summary: %w", err)
	}
	defer rows.Close()

	var summaries []model.MemorySummary
	var sims []float64
	for rows.Next() {
		var s model.MemorySummary
		var sim float64
		if err := rows.Scan(&s.ID, &s.UserID, &s.Text, &s.SourceMemoryIDs, &s.MemoryCount,
			&s.DateRangeStart, &s.DateRangeEnd, &s.Importance, &s.CreatedAt, &sim); err != nil {
			return nil, nil, fmt.Errorf("repository.DenseSearch: summary: scan: %w", err)
		}
		summaries = append(summaries, s)
		sims = append(sims, sim)
	}
	return summaries, sims, nil
}

// DeleteOrphaned removes summaries whose every source memory has been
// deleted (§3 lifecycle: "destroyed when their sources are all deleted").
func (r *SummaryRepo) DeleteOrphaned(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM memory_summaries s
		WHERE NOT EXISTS (
			SELECT 1 FROM memories m
			WHERE m.id = ANY(s.source_memory_ids)
		)`)
	if err != nil {
		return 0, fmt.Errorf("repository.DeleteOrphaned: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
