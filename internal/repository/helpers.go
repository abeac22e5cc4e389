package repository

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// pgVec wraps a float32 vector for a pgvector query parameter.
func pgVec(v []float32) pgvector.Vector {
	return pgvector.NewVector(v)
}

// scanChunkCandidates scans rows shaped
// (chunk_id, memory_id, text, content_type, meta, created_at, similarity)
// into ChunkCandidates. Shared by every dense-kNN query in this package so
// the column order only needs to match in one place.
func scanChunkCandidates(rows pgx.Rows) ([]service.ChunkCandidate, error) {
	var results []service.ChunkCandidate
	for rows.Next() {
		var cr service.ChunkCandidate
		var meta []byte
		if err := rows.Scan(&cr.ChunkID, &cr.MemoryID, &cr.ChunkText, &cr.ContentType, &meta, &cr.CreatedAt, &cr.Similarity); err != nil {
			return nil, fmt.Errorf("repository.scanChunkCandidates: %w", err)
		}
		if len(meta) > 0 {
			cr.Meta = json.RawMessage(meta)
		}
		results = append(results, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.scanChunkCandidates: %w", err)
	}
	return results, nil
}
