package tool

import (
	"context"
	"testing"

	"github.com/agentmemory/memoryd/internal/chunker"
	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/memory/mock"
	embmock "github.com/agentmemory/memoryd/pkg/provider/embeddings/mock"
)

func newTestService(vec *mock.VectorStore, rel *mock.RelationalStore, q *mock.JobQueue, emb *embmock.Provider) *Service {
	return New(vec, rel, q, emb, nil, chunker.New(chunker.Config{}), nil)
}

func TestRemember_NewArtifact_EnqueuesExtraction(t *testing.T) {
	vec := &mock.VectorStore{}
	rel := &mock.RelationalStore{}
	q := &mock.JobQueue{}
	emb := &embmock.Provider{EmbedResult: []float32{0.1, 0.2}}

	svc := newTestService(vec, rel, q, emb)
	result, err := svc.Remember(context.Background(), RememberArgs{
		Content:      "Alex committed to shipping the report by Friday.",
		SourceSystem: "slack",
		SourceID:     "msg-1",
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if result.JobStatus != "PENDING" {
		t.Fatalf("expected PENDING job status, got %q", result.JobStatus)
	}
	if q.CallCount("Enqueue") != 1 {
		t.Fatalf("expected 1 Enqueue call, got %d", q.CallCount("Enqueue"))
	}
	if rel.CallCount("CreateRevision") != 1 {
		t.Fatalf("expected 1 CreateRevision call, got %d", rel.CallCount("CreateRevision"))
	}
}

func TestRemember_UnchangedContent_IsNoop(t *testing.T) {
	content := "Alex committed to shipping the report by Friday."
	rel := &mock.RelationalStore{
		GetLatestRevisionResult: &memory.ArtifactRevision{
			ID:          "rev-1",
			ArtifactID:  "art-1",
			ContentHash: hashHex(content),
			Status:      memory.ArtifactStatusActive,
		},
	}
	q := &mock.JobQueue{}
	svc := newTestService(&mock.VectorStore{}, rel, q, &embmock.Provider{EmbedResult: []float32{0.1}})

	result, err := svc.Remember(context.Background(), RememberArgs{
		Content:      content,
		SourceSystem: "slack",
		SourceID:     "msg-1",
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if result.JobStatus != "NOOP" {
		t.Fatalf("expected NOOP for unchanged content, got %q", result.JobStatus)
	}
	if q.CallCount("Enqueue") != 0 {
		t.Fatalf("expected no Enqueue call for unchanged content, got %d", q.CallCount("Enqueue"))
	}
}

func TestRemember_EmptyContent_Rejected(t *testing.T) {
	svc := newTestService(&mock.VectorStore{}, &mock.RelationalStore{}, &mock.JobQueue{}, &embmock.Provider{})
	if _, err := svc.Remember(context.Background(), RememberArgs{Content: "   "}); err == nil {
		t.Fatal("expected an error for empty content")
	}
}

func TestForget_RequiresConfirm(t *testing.T) {
	svc := newTestService(&mock.VectorStore{}, &mock.RelationalStore{}, &mock.JobQueue{}, &embmock.Provider{})
	result, err := svc.Forget(context.Background(), ForgetArgs{ID: "art-1"})
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if result.Deleted {
		t.Fatal("expected forget without confirm to refuse")
	}
}

func TestForget_DeletesArtifact(t *testing.T) {
	vec := &mock.VectorStore{}
	rel := &mock.RelationalStore{
		GetLatestRevisionResult: &memory.ArtifactRevision{ID: "rev-1", ArtifactID: "art-1"},
		GetChunksResult:         []memory.Chunk{{ID: "chunk-1"}, {ID: "chunk-2"}},
		EventsForRevisionResult: []memory.SemanticEvent{{ID: "evt-1"}},
	}
	svc := newTestService(vec, rel, &mock.JobQueue{}, &embmock.Provider{})

	result, err := svc.Forget(context.Background(), ForgetArgs{ID: "art-1", Confirm: true})
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !result.Deleted {
		t.Fatalf("expected artifact to be deleted, got %+v", result)
	}
	if rel.CallCount("DeleteArtifact") != 1 || vec.CallCount("DeleteArtifact") != 1 {
		t.Fatal("expected both relational and vector DeleteArtifact to be called")
	}
	if result.Cascade == nil || result.Cascade.Chunks != 2 || result.Cascade.Events != 1 {
		t.Fatalf("expected cascade counts {chunks:2, events:1}, got %+v", result.Cascade)
	}
}

func TestForget_RefusesEventID(t *testing.T) {
	rel := &mock.RelationalStore{
		GetEventsResult: []memory.SemanticEvent{{ID: "evt-1", ArtifactRevisionID: "rev-1"}},
		ListRevisionsResult: []memory.ArtifactRevision{
			{ID: "rev-1", ArtifactID: "art-1"},
		},
	}
	svc := newTestService(&mock.VectorStore{}, rel, &mock.JobQueue{}, &embmock.Provider{})

	result, err := svc.Forget(context.Background(), ForgetArgs{ID: "evt-1", Confirm: true})
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if result.Deleted {
		t.Fatal("expected forget on an event id to refuse deletion")
	}
	if result.SourceArtifactID != "art-1" {
		t.Fatalf("expected source_artifact_id to be resolved, got %q", result.SourceArtifactID)
	}
}

func TestStatus_WithoutArtifactID_ReportsQueueDepths(t *testing.T) {
	q := &mock.JobQueue{DepthResult: 3, LeasedCountResult: 1}
	svc := newTestService(&mock.VectorStore{}, &mock.RelationalStore{}, q, &embmock.Provider{})

	result, err := svc.Status(context.Background(), StatusArgs{})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if result.LeasedJobs != 1 {
		t.Fatalf("expected leased jobs to be 1, got %d", result.LeasedJobs)
	}
	if len(result.QueueDepth) == 0 {
		t.Fatal("expected per-stage queue depths to be populated")
	}
}

func TestStatus_WithArtifactID_ReportsRevisionStatus(t *testing.T) {
	rel := &mock.RelationalStore{
		GetLatestRevisionResult: &memory.ArtifactRevision{ID: "rev-1", Status: memory.ArtifactStatusActive},
	}
	q := &mock.JobQueue{}
	svc := newTestService(&mock.VectorStore{}, rel, q, &embmock.Provider{})

	result, err := svc.Status(context.Background(), StatusArgs{ArtifactID: "art-1", Reextract: true})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if result.RevisionStatus != string(memory.ArtifactStatusActive) {
		t.Fatalf("expected active revision status, got %q", result.RevisionStatus)
	}
	if result.ReextractJobID == "" {
		t.Fatal("expected a reextract job id to be set")
	}
	if q.CallCount("Enqueue") != 1 {
		t.Fatalf("expected reextract to enqueue 1 job, got %d", q.CallCount("Enqueue"))
	}
}

func TestStatus_UnknownArtifact_ReportsNotFound(t *testing.T) {
	svc := newTestService(&mock.VectorStore{}, &mock.RelationalStore{}, &mock.JobQueue{}, &embmock.Provider{})
	result, err := svc.Status(context.Background(), StatusArgs{ArtifactID: "missing"})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if result.RevisionStatus != "not_found" {
		t.Fatalf("expected not_found status, got %q", result.RevisionStatus)
	}
}
