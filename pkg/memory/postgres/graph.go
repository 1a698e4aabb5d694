package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// GraphStoreImpl is the materialized-graph layer backed by a PostgreSQL
// graph_edges table. It is a denormalized projection over semantic_events,
// event_actors, and event_subjects, maintained by the graph materializer
// rather than an independent source of truth.
//
// Obtain one via [Store.Graph] rather than constructing directly.
// All methods are safe for concurrent use.
type GraphStoreImpl struct {
	pool *pgxpool.Pool
}

// UpsertEdge implements [memory.GraphStore]. EventIDs are merged with any
// existing list (deduplicated); Weight and Reason are replaced by the
// caller-supplied values (the materializer passes the event's confidence).
func (s *GraphStoreImpl) UpsertEdge(ctx context.Context, edge memory.GraphEdge) error {
	const q = `
		INSERT INTO graph_edges (id, source_id, target_id, predicate, event_ids, weight, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (source_id, target_id, predicate) DO UPDATE SET
		    event_ids = (
		        SELECT array_agg(DISTINCT e) FROM unnest(graph_edges.event_ids || EXCLUDED.event_ids) AS e
		    ),
		    weight     = EXCLUDED.weight,
		    reason     = EXCLUDED.reason,
		    updated_at = now()`

	_, err := s.pool.Exec(ctx, q, edge.ID, edge.SourceID, edge.TargetID, edge.Predicate, edge.EventIDs, edge.Weight, edge.Reason)
	if err != nil {
		return fmt.Errorf("graph store: upsert edge: %w", err)
	}
	return nil
}

// Neighbors implements [memory.GraphStore].
func (s *GraphStoreImpl) Neighbors(ctx context.Context, entityID string, limit int) ([]memory.GraphEdge, error) {
	const q = `
		SELECT id, source_id, target_id, predicate, event_ids, weight, reason, updated_at
		FROM   graph_edges
		WHERE  source_id = $1 OR target_id = $1
		ORDER  BY weight DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("graph store: neighbors: %w", err)
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.GraphEdge, error) {
		var e memory.GraphEdge
		if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Predicate, &e.EventIDs, &e.Weight, &e.Reason, &e.UpdatedAt); err != nil {
			return memory.GraphEdge{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: scan neighbors: %w", err)
	}
	if edges == nil {
		edges = []memory.GraphEdge{}
	}
	return edges, nil
}

// DeleteEdgesForEvent implements [memory.GraphStore].
func (s *GraphStoreImpl) DeleteEdgesForEvent(ctx context.Context, eventID string) error {
	const removeQ = `
		UPDATE graph_edges
		SET    event_ids = array_remove(event_ids, $1), updated_at = now()
		WHERE  $1 = ANY(event_ids)`
	if _, err := s.pool.Exec(ctx, removeQ, eventID); err != nil {
		return fmt.Errorf("graph store: delete edges for event: %w", err)
	}

	// POSSIBLY_SAME edges never carry event_ids, so they must be excluded
	// from this prune or every forget call would delete them.
	const pruneQ = `DELETE FROM graph_edges WHERE cardinality(event_ids) = 0 AND predicate != $1`
	if _, err := s.pool.Exec(ctx, pruneQ, memory.PredicatePossiblySame); err != nil {
		return fmt.Errorf("graph store: prune empty edges: %w", err)
	}
	return nil
}
