package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// AccessRepo implements append-only MemoryAccess logging (component D,
// §4.4.6 access logging).
type AccessRepo struct {
	pool *pgxpool.Pool
}

// NewAccessRepo creates an AccessRepo.
func NewAccessRepo(pool *pgxpool.Pool) *AccessRepo {
	return &AccessRepo{pool: pool}
}

// LogRetrieval appends a MemoryAccess row with kind=retrieval and touches
// the memory's last_accessed. Per §4.4.6 this is best-effort: callers must
// swallow the error and only log it, never propagate it onto the query path.
func (r *AccessRepo) LogRetrieval(ctx context.Context, memoryID string) error {
	return r.log(ctx, memoryID, model.AccessRetrieval)
}

// LogView appends a MemoryAccess row with kind=view.
func (r *AccessRepo) LogView(ctx context.Context, memoryID string) error {
	return r.log(ctx, memoryID, model.AccessView)
}

// LogEdit appends a MemoryAccess row with kind=edit.
func (r *AccessRepo) LogEdit(ctx context.Context, memoryID string) error {
	return r.log(ctx, memoryID, model.AccessEdit)
}

func (r *AccessRepo) log(ctx context.Context, memoryID string, kind model.AccessKind) error {
	now := time.Now().UTC()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.log: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO memory_access (id, memory_id, kind, accessed_at) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), memoryID, kind, now,
	); err != nil {
		return fmt.Errorf("repository.log: insert access: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE memories SET last_accessed = $2 WHERE id = $1`, memoryID, now,
	); err != nil {
		return fmt.Errorf("repository.log: touch last_accessed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository.log: commit: %w", err)
	}

	slog.Debug("[DEBUG-ACCESS] logged", "memory_id", memoryID, "kind", kind)
	return nil
}

// Count returns the number of access events for a memory (importance
// scoring's frequency term, §4.4.2). Duplicates MemoryRepo.AccessCount's SQL
// intentionally — this repo owns writes, MemoryRepo owns the read used
// inline during scoring, avoiding a cross-repo call for one COUNT(*).
func (r *AccessRepo) Count(ctx context.Context, memoryID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM memory_access WHERE memory_id = $1`, memoryID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository.Count: %w", err)
	}
	return count, nil
}

// LastAccessedAt returns the most recent access time for a memory, if any.
func (r *AccessRepo) LastAccessedAt(ctx context.Context, memoryID string) (*time.Time, error) {
	var t time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT accessed_at FROM memory_access WHERE memory_id = $1 ORDER BY accessed_at DESC LIMIT 1`, memoryID).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.LastAccessedAt: %w", err)
	}
	return &t, nil
}
