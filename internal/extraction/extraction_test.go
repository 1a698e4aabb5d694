package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/agentmemory/memoryd/internal/resolver"
	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/memory/mock"
	llm "github.com/agentmemory/memoryd/pkg/provider/llm"
	embmock "github.com/agentmemory/memoryd/pkg/provider/embeddings/mock"
	llmmock "github.com/agentmemory/memoryd/pkg/provider/llm/mock"
)

func TestCanonicalizeEvents_MergesDuplicatesAcrossChunks(t *testing.T) {
	base := rawEvent{
		Category:  "Decision",
		Narrative: "Approved the Q3 budget",
		Subject:   rawRef{Type: "concept", Ref: "Q3 Budget"},
		Actors:    []rawActorRef{{Ref: "Alex Ward", Role: "owner"}},
		Quote:     "We approved the Q3 budget today.",
	}
	dup := base
	dup.Quote = "Budget for Q3 is approved."

	events := []eventWithProvenance{
		{rawEvent: base, ChunkID: "c1"},
		{rawEvent: dup, ChunkID: "c2"},
	}

	merged := canonicalizeEvents(events)
	if len(merged) != 1 {
		t.Fatalf("expected duplicates to merge into 1 event, got %d", len(merged))
	}
	if len(merged[0].Evidence) != 2 {
		t.Fatalf("expected 2 evidence rows after merge, got %d", len(merged[0].Evidence))
	}
}

func TestCanonicalizeEvents_DistinctActorsStayDistinct(t *testing.T) {
	a := rawEvent{Category: "Decision", Narrative: "Approved the budget", Actors: []rawActorRef{{Ref: "Alex"}}}
	b := rawEvent{Category: "Decision", Narrative: "Approved the budget", Actors: []rawActorRef{{Ref: "Jamie"}}}

	merged := canonicalizeEvents([]eventWithProvenance{
		{rawEvent: a, ChunkID: "c1"},
		{rawEvent: b, ChunkID: "c1"},
	})
	if len(merged) != 2 {
		t.Fatalf("expected distinct actors to stay distinct events, got %d", len(merged))
	}
}

const extractionJSON = `{
  "events": [{
    "category": "Decision",
    "narrative": "Approved the Q3 budget",
    "subject": {"type": "concept", "ref": "Q3 Budget"},
    "actors": [{"ref": "Alex Ward", "role": "owner"}],
    "evidence": {"quote": "We approved the Q3 budget today."},
    "confidence": 0.9
  }],
  "entities_mentioned": [{
    "surface_form": "Alex Ward",
    "canonical_suggestion": "Alex Ward",
    "type": "person",
    "context_clues": {"role": "engineer", "org": "Acme"},
    "aliases_in_doc": ["Alex"],
    "confidence": 0.95
  }]
}`

func TestExtractRevision_EndToEnd(t *testing.T) {
	rel := &mock.RelationalStore{}
	q := &mock.JobQueue{}
	llmP := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: extractionJSON}}
	emb := &embmock.Provider{EmbedResult: []float32{0.1, 0.2}}

	res := resolver.New(rel, emb, llmP, nil, resolver.Config{})
	ex := New(llmP, res, rel, q, nil, Config{})

	chunk := memory.Chunk{ID: "chunk-1", ArtifactRevisionID: "rev-1", Index: 0, Content: "We approved the Q3 budget today.", CreatedAt: time.Now()}
	doc := Document{ArtifactRevisionID: "rev-1", Title: "Q3 Planning Doc", Type: "memo"}

	if err := ex.ExtractRevision(context.Background(), doc, []memory.Chunk{chunk}); err != nil {
		t.Fatalf("ExtractRevision: %v", err)
	}

	if rel.CallCount("ReplaceEvents") != 1 {
		t.Fatalf("expected ReplaceEvents once, got %d", rel.CallCount("ReplaceEvents"))
	}
	if q.CallCount("Enqueue") != 1 {
		t.Fatalf("expected graph_upsert to be enqueued once, got %d", q.CallCount("Enqueue"))
	}

	// "Alex Ward" (explicitly mentioned) and "Q3 Budget" (subject-only
	// fallback) both need entities created.
	if rel.CallCount("InsertEntity") != 2 {
		t.Fatalf("expected 2 entities created, got %d", rel.CallCount("InsertEntity"))
	}

	calls := rel.Calls()
	var found bool
	for _, c := range calls {
		if c.Method != "ReplaceEvents" {
			continue
		}
		found = true
		events := c.Args[1].([]memory.SemanticEvent)
		evidence := c.Args[2].([]memory.Evidence)
		actors := c.Args[3].([]memory.EventActor)
		subjects := c.Args[4].([]memory.EventSubject)
		if len(events) != 1 {
			t.Fatalf("expected 1 committed event, got %d", len(events))
		}
		if len(evidence) != 1 {
			t.Fatalf("expected 1 evidence row, got %d", len(evidence))
		}
		if len(actors) != 1 {
			t.Fatalf("expected 1 actor edge, got %d", len(actors))
		}
		if len(subjects) != 1 {
			t.Fatalf("expected 1 subject edge, got %d", len(subjects))
		}
	}
	if !found {
		t.Fatal("ReplaceEvents call not recorded")
	}
}
