// Package graph maintains and queries the materialized entity-to-entity
// graph derived from resolved semantic events: the materializer turns a
// revision's events into [memory.GraphEdge] rows (the graph_upsert job), and
// the expander performs the bounded neighbor traversal recall uses to pull in
// related context around a set of seed events.
package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/internal/queue"
	"github.com/agentmemory/memoryd/pkg/memory"
)

// Materializer upserts entity-to-entity edges for every event belonging to a
// revision, keeping the graph projection in sync with the relational system
// of record. Every upsert is idempotent, so re-running the job for the same
// revision (retry, re-extraction) is safe.
type Materializer struct {
	Relational memory.RelationalStore
	Graph      memory.GraphStore
	Metrics    *observe.Metrics
}

// New constructs a Materializer.
func New(relational memory.RelationalStore, g memory.GraphStore, metrics *observe.Metrics) *Materializer {
	return &Materializer{Relational: relational, Graph: g, Metrics: metrics}
}

// Handler adapts Materialize to [queue.Handler] for the
// [memory.StageGraphUpsert] job stage. The job payload must carry
// "artifact_revision_id".
func (m *Materializer) Handler() queue.Handler {
	return func(ctx context.Context, job memory.Job) error {
		revisionID, _ := job.Payload["artifact_revision_id"].(string)
		if revisionID == "" {
			return fmt.Errorf("graph: job %s missing artifact_revision_id", job.ID)
		}
		return m.Materialize(ctx, revisionID)
	}
}

// Materialize loads every semantic event extracted from revisionID and
// upserts the entity-to-entity edges it implies: one edge per
// actor-to-subject pair labeled with the event's predicate (category), plus,
// for events with no subject, edges between co-occurring actors so that
// purely collaborative events still link their participants.
func (m *Materializer) Materialize(ctx context.Context, revisionID string) error {
	if m.Graph == nil {
		// No graph backend configured; recall continues to serve without
		// graph expansion. Not an error.
		return nil
	}

	events, err := m.Relational.EventsForRevision(ctx, revisionID)
	if err != nil {
		return fmt.Errorf("graph: events for revision: %w", err)
	}

	for _, ev := range events {
		actors, err := m.Relational.ActorsForEvent(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("graph: actors for event %s: %w", ev.ID, err)
		}
		subjects, err := m.Relational.SubjectsForEvent(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("graph: subjects for event %s: %w", ev.ID, err)
		}

		pairs := pairsFor(actors, subjects)
		for _, p := range pairs {
			if err := m.Graph.UpsertEdge(ctx, memory.GraphEdge{
				ID:        uuid.New().String(),
				SourceID:  p.source,
				TargetID:  p.target,
				Predicate: ev.Predicate,
				EventIDs:  []string{ev.ID},
				Weight:    ev.Confidence,
				UpdatedAt: time.Now(),
			}); err != nil {
				return fmt.Errorf("graph: upsert edge: %w", err)
			}
		}
	}

	return m.materializeUncertainPairs(ctx)
}

// materializeUncertainPairs projects every outstanding POSSIBLY_SAME
// candidate (see [memory.UncertainPair]) as a graph edge. UpsertEdge is
// idempotent, so re-running this for every graph_upsert job is safe.
func (m *Materializer) materializeUncertainPairs(ctx context.Context) error {
	pairs, err := m.Relational.FetchUncertainPairs(ctx)
	if err != nil {
		return fmt.Errorf("graph: fetch uncertain pairs: %w", err)
	}
	for _, p := range pairs {
		if err := m.Graph.UpsertEdge(ctx, memory.GraphEdge{
			ID:        uuid.New().String(),
			SourceID:  p.EntityID,
			TargetID:  p.CandidateEntityID,
			Predicate: memory.PredicatePossiblySame,
			Weight:    p.Confidence,
			Reason:    p.Reason,
			UpdatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("graph: upsert possibly_same edge: %w", err)
		}
	}
	return nil
}

type entityPair struct {
	source, target string
}

// pairsFor derives the entity-to-entity pairs an event implies: every
// actor-subject pair when the event has a subject, or every distinct pair of
// co-occurring actors when it doesn't.
func pairsFor(actors, subjects []memory.Entity) []entityPair {
	var pairs []entityPair
	if len(subjects) > 0 {
		for _, a := range actors {
			for _, s := range subjects {
				if a.ID == s.ID {
					continue
				}
				pairs = append(pairs, entityPair{source: a.ID, target: s.ID})
			}
		}
		return pairs
	}

	sorted := append([]memory.Entity{}, actors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			pairs = append(pairs, entityPair{source: sorted[i].ID, target: sorted[j].ID})
		}
	}
	return pairs
}
