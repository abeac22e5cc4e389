package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// CorpusSnapshot summarizes a user's memory corpus for maintenance
// observability — counts by memory_type, average importance, and how much
// consolidation backlog remains (adapted from the teacher's periodic
// freshness-check pattern, repurposed from document staleness to memory
// composition).
type CorpusSnapshot struct {
	UserID               string                   `json:"userId"`
	TotalMemories        int                      `json:"totalMemories"`
	CountByType          map[model.MemoryType]int `json:"countByType"`
	AverageImportance    float64                  `json:"averageImportance"`
	ConsolidationBacklog int                      `json:"consolidationBacklog"`
	RunAt                time.Time                `json:"runAt"`
}

// CorpusLister abstracts the memory queries CorpusHealthService needs.
type CorpusLister interface {
	EpisodicForConsolidation(ctx context.Context, userID string, olderThan time.Time, limit int) ([]model.Memory, error)
	StatsByUser(ctx context.Context, userID string) (CorpusStats, error)
}

// CorpusStats is the per-user aggregate that repository.MemoryRepo.StatsByUser
// returns; it is declared here so that service does not import repository.
type CorpusStats struct {
	CountByType       map[model.MemoryType]int
	Total             int
	AverageImportance float64
}

// CorpusHealthService computes a CorpusSnapshot after each maintenance sweep.
type CorpusHealthService struct {
	memories CorpusLister
	cfg      MemoryManagerConfig
}

// NewCorpusHealthService creates a CorpusHealthService.
func NewCorpusHealthService(memories CorpusLister, cfg MemoryManagerConfig) *CorpusHealthService {
	return &CorpusHealthService{memories: memories, cfg: cfg}
}

// Snapshot logs and returns a coverage summary for a user's corpus,
// reusing the Memory Manager's own consolidation-candidate query to measure
// backlog size rather than duplicating its SQL, and a grouped aggregate
// query for the type distribution and average importance.
func (s *CorpusHealthService) Snapshot(ctx context.Context, userID string) (*CorpusSnapshot, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.ConsolidationAge)

	backlog, err := s.memories.EpisodicForConsolidation(ctx, userID, cutoff, 1000)
	if err != nil {
		return nil, fmt.Errorf("service.Snapshot: %w", err)
	}

	stats, err := s.memories.StatsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service.Snapshot: %w", err)
	}

	snap := &CorpusSnapshot{
		UserID:               userID,
		TotalMemories:        stats.Total,
		CountByType:          stats.CountByType,
		AverageImportance:    stats.AverageImportance,
		ConsolidationBacklog: len(backlog),
		RunAt:                time.Now().UTC(),
	}

	slog.Info("[CORPUS-HEALTH] snapshot", "user_id", userID, "total_memories", snap.TotalMemories,
		"average_importance", snap.AverageImportance, "consolidation_backlog", snap.ConsolidationBacklog)
	return snap, nil
}
