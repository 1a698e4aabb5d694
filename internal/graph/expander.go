package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/pkg/memory"
)

// ExpandTimeout is the hard deadline for one Expand call. Expansion is a
// best-effort enrichment of recall results, never a blocking dependency, so a
// slow traversal degrades to an empty result instead of delaying the caller.
const ExpandTimeout = 500 * time.Millisecond

const (
	defaultSeedLimit = 5
	defaultBudget    = 10
	maxBudget        = 50
	neighborLimit    = 50
)

// Config tunes one Expand call.
type Config struct {
	// SeedLimit caps how many seed events are considered. Defaults to 5.
	SeedLimit int

	// Budget caps how many related events are returned. Defaults to 10,
	// capped at 50 regardless of the requested value.
	Budget int

	// Categories, if non-empty, restricts related events to these
	// predicates (SemanticEvent.Predicate).
	Categories []string
}

func (c Config) withDefaults() Config {
	if c.SeedLimit <= 0 {
		c.SeedLimit = defaultSeedLimit
	}
	if c.Budget <= 0 {
		c.Budget = defaultBudget
	}
	if c.Budget > maxBudget {
		c.Budget = maxBudget
	}
	return c
}

// RelatedEvent is one event surfaced by graph expansion, labeled with the
// entity relationship that connected it to a seed.
type RelatedEvent struct {
	Event  memory.SemanticEvent
	Reason string // "same_actor:<canonical_name>" or "same_subject:<canonical_name>"
}

// Expander performs the bounded, 1-hop neighbor traversal described by
// SPEC_FULL.md §4.10: from a set of seed events, find other events
// connected through a shared actor or subject entity.
type Expander struct {
	Relational memory.RelationalStore
	Graph      memory.GraphStore
	Metrics    *observe.Metrics
}

// NewExpander constructs an Expander.
func NewExpander(relational memory.RelationalStore, g memory.GraphStore, metrics *observe.Metrics) *Expander {
	return &Expander{Relational: relational, Graph: g, Metrics: metrics}
}

// Expand returns related events for the given seed event ids, honoring the
// hard 500ms timeout: on timeout (or if no graph backend is configured) it
// returns a nil slice and a non-fatal warning rather than an error, since the
// caller's primary results are unaffected either way.
func (e *Expander) Expand(ctx context.Context, seedEventIDs []string, cfg Config) ([]RelatedEvent, string, error) {
	if e.Graph == nil {
		return nil, "graph expansion unavailable: no graph backend configured", nil
	}

	cfg = cfg.withDefaults()
	if len(seedEventIDs) > cfg.SeedLimit {
		seedEventIDs = seedEventIDs[:cfg.SeedLimit]
	}
	if len(seedEventIDs) == 0 {
		return nil, "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, ExpandTimeout)
	defer cancel()

	start := time.Now()
	related, err := e.expand(ctx, seedEventIDs, cfg)
	if e.Metrics != nil {
		e.Metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("stage", "graph_expand")))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "graph expansion timed out; related_context omitted", nil
	}
	if err != nil {
		return nil, fmt.Sprintf("graph expansion failed: %v", err), nil
	}
	return related, "", nil
}

func (e *Expander) expand(ctx context.Context, seedEventIDs []string, cfg Config) ([]RelatedEvent, error) {
	seeds := make(map[string]struct{}, len(seedEventIDs))
	for _, id := range seedEventIDs {
		seeds[id] = struct{}{}
	}

	type neighbor struct {
		entityID string
		reason   string // "same_actor" or "same_subject"
	}
	var neighbors []neighbor

	for _, seedID := range seedEventIDs {
		actors, err := e.Relational.ActorsForEvent(ctx, seedID)
		if err != nil {
			return nil, fmt.Errorf("actors for seed %s: %w", seedID, err)
		}
		for _, a := range actors {
			neighbors = append(neighbors, neighbor{entityID: a.ID, reason: "same_actor"})
		}

		subjects, err := e.Relational.SubjectsForEvent(ctx, seedID)
		if err != nil {
			return nil, fmt.Errorf("subjects for seed %s: %w", seedID, err)
		}
		for _, s := range subjects {
			neighbors = append(neighbors, neighbor{entityID: s.ID, reason: "same_subject"})
		}
	}

	// candidateReason tracks which reason first surfaced a candidate event.
	candidateReason := make(map[string]string)
	var candidateIDs []string
	seenCandidate := make(map[string]struct{})

	for _, n := range neighbors {
		entity, err := e.Relational.GetEntity(ctx, n.entityID)
		if err != nil || entity == nil {
			continue
		}
		edges, err := e.Graph.Neighbors(ctx, n.entityID, neighborLimit)
		if err != nil {
			return nil, fmt.Errorf("neighbors for entity %s: %w", n.entityID, err)
		}
		for _, edge := range edges {
			for _, eventID := range edge.EventIDs {
				if _, isSeed := seeds[eventID]; isSeed {
					continue
				}
				if _, ok := seenCandidate[eventID]; ok {
					continue
				}
				seenCandidate[eventID] = struct{}{}
				candidateIDs = append(candidateIDs, eventID)
				candidateReason[eventID] = fmt.Sprintf("%s:%s", n.reason, entity.CanonicalName)
			}
		}
	}

	if len(candidateIDs) == 0 {
		return nil, nil
	}

	events, err := e.Relational.GetEvents(ctx, candidateIDs)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}

	categoryFilter := make(map[string]struct{}, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categoryFilter[c] = struct{}{}
	}

	related := make([]RelatedEvent, 0, len(events))
	for _, ev := range events {
		if len(categoryFilter) > 0 {
			if _, ok := categoryFilter[ev.Predicate]; !ok {
				continue
			}
		}
		related = append(related, RelatedEvent{Event: ev, Reason: candidateReason[ev.ID]})
	}

	sort.Slice(related, func(i, j int) bool {
		a, b := related[i].Event, related[j].Event
		switch {
		case a.OccurredAt == nil && b.OccurredAt != nil:
			return false
		case a.OccurredAt != nil && b.OccurredAt == nil:
			return true
		case a.OccurredAt != nil && b.OccurredAt != nil && !a.OccurredAt.Equal(*b.OccurredAt):
			return a.OccurredAt.After(*b.OccurredAt)
		case a.Confidence != b.Confidence:
			return a.Confidence > b.Confidence
		default:
			return a.ID < b.ID
		}
	})

	if len(related) > cfg.Budget {
		related = related[:cfg.Budget]
	}
	return related, nil
}
