package graph

import (
	"context"
	"testing"

	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/memory/mock"
)

func TestMaterialize_UpsertsActorSubjectEdge(t *testing.T) {
	rel := &mock.RelationalStore{
		EventsForRevisionResult: []memory.SemanticEvent{
			{ID: "evt-1", ArtifactRevisionID: "rev-1", Predicate: "Decision", Confidence: 0.9},
		},
		ActorsForEventResult:   []memory.Entity{{ID: "ent-alex", CanonicalName: "Alex Ward"}},
		SubjectsForEventResult: []memory.Entity{{ID: "ent-budget", CanonicalName: "Q3 Budget"}},
	}
	g := &mock.GraphStore{}

	m := New(rel, g, nil)
	if err := m.Materialize(context.Background(), "rev-1"); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if g.CallCount("UpsertEdge") != 1 {
		t.Fatalf("expected 1 UpsertEdge call, got %d", g.CallCount("UpsertEdge"))
	}
	edge := g.Calls()[0].Args[0].(memory.GraphEdge)
	if edge.SourceID != "ent-alex" || edge.TargetID != "ent-budget" {
		t.Fatalf("unexpected edge: %+v", edge)
	}
	if edge.Predicate != "Decision" {
		t.Fatalf("expected predicate Decision, got %q", edge.Predicate)
	}
}

func TestMaterialize_NoSubjects_LinksCoOccurringActors(t *testing.T) {
	rel := &mock.RelationalStore{
		EventsForRevisionResult: []memory.SemanticEvent{
			{ID: "evt-1", ArtifactRevisionID: "rev-1", Predicate: "Collaboration"},
		},
		ActorsForEventResult: []memory.Entity{
			{ID: "ent-a", CanonicalName: "Alex"},
			{ID: "ent-b", CanonicalName: "Jamie"},
		},
	}
	g := &mock.GraphStore{}

	m := New(rel, g, nil)
	if err := m.Materialize(context.Background(), "rev-1"); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if g.CallCount("UpsertEdge") != 1 {
		t.Fatalf("expected 1 UpsertEdge call for the actor pair, got %d", g.CallCount("UpsertEdge"))
	}
}

func TestMaterialize_NilGraphStore_NoOp(t *testing.T) {
	rel := &mock.RelationalStore{
		EventsForRevisionResult: []memory.SemanticEvent{{ID: "evt-1"}},
	}
	m := New(rel, nil, nil)
	if err := m.Materialize(context.Background(), "rev-1"); err != nil {
		t.Fatalf("Materialize with nil graph store should be a no-op, got err: %v", err)
	}
	if rel.CallCount("EventsForRevision") != 0 {
		t.Fatalf("expected EventsForRevision not to be called when graph store is nil")
	}
}
