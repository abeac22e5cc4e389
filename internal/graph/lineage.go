// Package graph projects consolidation lineage — which memories were
// summarized into which summary — as a small Neo4j graph, so that lineage
// ("what did this summary come from?") can be traversed independently of the
// relational source_memory_ids column.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// LineageProjector writes consolidation edges to the graph store.
type LineageProjector struct {
	driver neo4j.DriverWithContext
}

// NewLineageProjector wraps an already-constructed neo4j driver. Callers own
// the driver's lifecycle (Close belongs to whoever built it, typically
// cmd/server/main.go).
func NewLineageProjector(driver neo4j.DriverWithContext) *LineageProjector {
	return &LineageProjector{driver: driver}
}

// ProjectConsolidation records a (:Memory)-[:SUMMARIZED_BY]->(:Summary)
// edge for each source memory of a freshly created MemorySummary (§4.4.3).
// Best-effort: callers should log and continue on error rather than fail
// consolidation over a graph-store outage.
func (p *LineageProjector) ProjectConsolidation(ctx context.Context, userID, summaryID string, sourceMemoryIDs []string) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (s:Summary {id: $summaryId})
			SET s.userId = $userId`,
			map[string]any{"summaryId": summaryID, "userId": userID})
		if err != nil {
			return nil, err
		}

		for _, memID := range sourceMemoryIDs {
			_, err := tx.Run(ctx, `
				MERGE (m:Memory {id: $memoryId})
				SET m.userId = $userId
				MERGE (m)-[:SUMMARIZED_BY]->(s:Summary {id: $summaryId})`,
				map[string]any{"memoryId": memID, "userId": userID, "summaryId": summaryID})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph.ProjectConsolidation: %w", err)
	}
	return nil
}

// Lineage returns the source memory ids feeding a summary, traversed via the
// graph rather than the relational source_memory_ids column — useful once a
// summary itself has been re-summarized into a higher-level summary and the
// relational column no longer captures the full chain.
func (p *LineageProjector) Lineage(ctx context.Context, summaryID string) ([]string, error) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rows, err := tx.Run(ctx, `
			MATCH (m:Memory)-[:SUMMARIZED_BY]->(s:Summary {id: $summaryId})
			RETURN m.id AS memoryId`,
			map[string]any{"summaryId": summaryID})
		if err != nil {
			return nil, err
		}

		var ids []string
		for rows.Next(ctx) {
			id, _ := rows.Record().Get("memoryId")
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph.Lineage: %w", err)
	}
	return result.([]string), nil
}
