// Package mock provides in-memory test doubles for the memory layer interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.VectorStore{}
//	store.SearchChunksResult = []memory.VectorHit{{ArtifactID: "a1", Distance: 0.1}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("SearchChunks"); got != 1 {
//	    t.Errorf("expected 1 SearchChunks call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is embedded in every mock to provide call tracking.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorStore mock
// ─────────────────────────────────────────────────────────────────────────────

// VectorStore is a configurable test double for [memory.VectorStore].
type VectorStore struct {
	recorder

	UpsertContentEmbeddingErr error
	UpsertChunkEmbeddingErr   error

	SearchContentResult []memory.VectorHit
	SearchContentErr    error

	SearchChunksResult []memory.VectorHit
	SearchChunksErr    error

	DeleteArtifactErr error
}

func (m *VectorStore) UpsertContentEmbedding(ctx context.Context, artifactID string, embedding []float32) error {
	m.record("UpsertContentEmbedding", artifactID, embedding)
	return m.UpsertContentEmbeddingErr
}

func (m *VectorStore) UpsertChunkEmbedding(ctx context.Context, chunk memory.Chunk) error {
	m.record("UpsertChunkEmbedding", chunk)
	return m.UpsertChunkEmbeddingErr
}

func (m *VectorStore) SearchContent(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	m.record("SearchContent", embedding, topK)
	if m.SearchContentErr != nil {
		return nil, m.SearchContentErr
	}
	if m.SearchContentResult == nil {
		return []memory.VectorHit{}, nil
	}
	return m.SearchContentResult, nil
}

func (m *VectorStore) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	m.record("SearchChunks", embedding, topK)
	if m.SearchChunksErr != nil {
		return nil, m.SearchChunksErr
	}
	if m.SearchChunksResult == nil {
		return []memory.VectorHit{}, nil
	}
	return m.SearchChunksResult, nil
}

func (m *VectorStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	m.record("DeleteArtifact", artifactID)
	return m.DeleteArtifactErr
}

// ─────────────────────────────────────────────────────────────────────────────
// RelationalStore mock
// ─────────────────────────────────────────────────────────────────────────────

// RelationalStore is a configurable test double for [memory.RelationalStore].
type RelationalStore struct {
	recorder

	CreateRevisionErr error

	MarkSupersededErr error

	GetLatestRevisionResult *memory.ArtifactRevision
	GetLatestRevisionErr    error

	ListRevisionsResult []memory.ArtifactRevision
	ListRevisionsErr    error

	DeleteArtifactErr error

	InsertChunksErr error

	GetChunksResult []memory.Chunk
	GetChunksErr    error

	InsertEntityErr error

	GetEntityResult *memory.Entity
	GetEntityErr    error

	AddAliasErr error

	RecordMentionErr error

	ResolveMentionErr error

	PendingMentionsResult []memory.EntityMention
	PendingMentionsErr    error

	CandidateEntitiesResult []memory.Entity
	CandidateEntitiesErr    error

	ReplaceEventsErr error

	EventsForRevisionResult []memory.SemanticEvent
	EventsForRevisionErr    error

	GetEventsResult []memory.SemanticEvent
	GetEventsErr    error

	EvidenceForEventResult []memory.Evidence
	EvidenceForEventErr    error

	ActorsForEventResult []memory.Entity
	ActorsForEventErr    error

	SubjectsForEventResult []memory.Entity
	SubjectsForEventErr    error

	SetNeedsReviewErr error

	RecordUncertainPairErr error

	FetchUncertainPairsResult []memory.UncertainPair
	FetchUncertainPairsErr    error
}

func (m *RelationalStore) CreateRevision(ctx context.Context, rev memory.ArtifactRevision) error {
	m.record("CreateRevision", rev)
	return m.CreateRevisionErr
}

func (m *RelationalStore) MarkSuperseded(ctx context.Context, artifactID, keepRevisionID string) error {
	m.record("MarkSuperseded", artifactID, keepRevisionID)
	return m.MarkSupersededErr
}

func (m *RelationalStore) GetLatestRevision(ctx context.Context, artifactID string) (*memory.ArtifactRevision, error) {
	m.record("GetLatestRevision", artifactID)
	return m.GetLatestRevisionResult, m.GetLatestRevisionErr
}

func (m *RelationalStore) ListRevisions(ctx context.Context, filter memory.RevisionFilter) ([]memory.ArtifactRevision, error) {
	m.record("ListRevisions", filter)
	if m.ListRevisionsErr != nil {
		return nil, m.ListRevisionsErr
	}
	if m.ListRevisionsResult == nil {
		return []memory.ArtifactRevision{}, nil
	}
	return m.ListRevisionsResult, nil
}

func (m *RelationalStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	m.record("DeleteArtifact", artifactID)
	return m.DeleteArtifactErr
}

func (m *RelationalStore) InsertChunks(ctx context.Context, chunks []memory.Chunk) error {
	m.record("InsertChunks", chunks)
	return m.InsertChunksErr
}

func (m *RelationalStore) GetChunks(ctx context.Context, artifactRevisionID string) ([]memory.Chunk, error) {
	m.record("GetChunks", artifactRevisionID)
	if m.GetChunksErr != nil {
		return nil, m.GetChunksErr
	}
	if m.GetChunksResult == nil {
		return []memory.Chunk{}, nil
	}
	return m.GetChunksResult, nil
}

func (m *RelationalStore) InsertEntity(ctx context.Context, entity memory.Entity) error {
	m.record("InsertEntity", entity)
	return m.InsertEntityErr
}

func (m *RelationalStore) GetEntity(ctx context.Context, id string) (*memory.Entity, error) {
	m.record("GetEntity", id)
	return m.GetEntityResult, m.GetEntityErr
}

func (m *RelationalStore) AddAlias(ctx context.Context, alias memory.EntityAlias) error {
	m.record("AddAlias", alias)
	return m.AddAliasErr
}

func (m *RelationalStore) RecordMention(ctx context.Context, mention memory.EntityMention) error {
	m.record("RecordMention", mention)
	return m.RecordMentionErr
}

func (m *RelationalStore) ResolveMention(ctx context.Context, mentionID, entityID string) error {
	m.record("ResolveMention", mentionID, entityID)
	return m.ResolveMentionErr
}

func (m *RelationalStore) PendingMentions(ctx context.Context, limit int) ([]memory.EntityMention, error) {
	m.record("PendingMentions", limit)
	if m.PendingMentionsErr != nil {
		return nil, m.PendingMentionsErr
	}
	if m.PendingMentionsResult == nil {
		return []memory.EntityMention{}, nil
	}
	return m.PendingMentionsResult, nil
}

func (m *RelationalStore) CandidateEntities(ctx context.Context, embedding []float32, topK int) ([]memory.Entity, error) {
	m.record("CandidateEntities", embedding, topK)
	if m.CandidateEntitiesErr != nil {
		return nil, m.CandidateEntitiesErr
	}
	if m.CandidateEntitiesResult == nil {
		return []memory.Entity{}, nil
	}
	return m.CandidateEntitiesResult, nil
}

func (m *RelationalStore) ReplaceEvents(ctx context.Context, artifactRevisionID string, events []memory.SemanticEvent, evidence []memory.Evidence, actors []memory.EventActor, subjects []memory.EventSubject) error {
	m.record("ReplaceEvents", artifactRevisionID, events, evidence, actors, subjects)
	return m.ReplaceEventsErr
}

func (m *RelationalStore) EventsForRevision(ctx context.Context, artifactRevisionID string) ([]memory.SemanticEvent, error) {
	m.record("EventsForRevision", artifactRevisionID)
	if m.EventsForRevisionErr != nil {
		return nil, m.EventsForRevisionErr
	}
	if m.EventsForRevisionResult == nil {
		return []memory.SemanticEvent{}, nil
	}
	return m.EventsForRevisionResult, nil
}

func (m *RelationalStore) GetEvents(ctx context.Context, ids []string) ([]memory.SemanticEvent, error) {
	m.record("GetEvents", ids)
	if m.GetEventsErr != nil {
		return nil, m.GetEventsErr
	}
	if m.GetEventsResult == nil {
		return []memory.SemanticEvent{}, nil
	}
	return m.GetEventsResult, nil
}

func (m *RelationalStore) EvidenceForEvent(ctx context.Context, eventID string) ([]memory.Evidence, error) {
	m.record("EvidenceForEvent", eventID)
	if m.EvidenceForEventErr != nil {
		return nil, m.EvidenceForEventErr
	}
	if m.EvidenceForEventResult == nil {
		return []memory.Evidence{}, nil
	}
	return m.EvidenceForEventResult, nil
}

func (m *RelationalStore) ActorsForEvent(ctx context.Context, eventID string) ([]memory.Entity, error) {
	m.record("ActorsForEvent", eventID)
	if m.ActorsForEventErr != nil {
		return nil, m.ActorsForEventErr
	}
	if m.ActorsForEventResult == nil {
		return []memory.Entity{}, nil
	}
	return m.ActorsForEventResult, nil
}

func (m *RelationalStore) SubjectsForEvent(ctx context.Context, eventID string) ([]memory.Entity, error) {
	m.record("SubjectsForEvent", eventID)
	if m.SubjectsForEventErr != nil {
		return nil, m.SubjectsForEventErr
	}
	if m.SubjectsForEventResult == nil {
		return []memory.Entity{}, nil
	}
	return m.SubjectsForEventResult, nil
}

func (m *RelationalStore) SetNeedsReview(ctx context.Context, entityID string, needsReview bool) error {
	m.record("SetNeedsReview", entityID, needsReview)
	return m.SetNeedsReviewErr
}

func (m *RelationalStore) RecordUncertainPair(ctx context.Context, pair memory.UncertainPair) error {
	m.record("RecordUncertainPair", pair)
	return m.RecordUncertainPairErr
}

func (m *RelationalStore) FetchUncertainPairs(ctx context.Context) ([]memory.UncertainPair, error) {
	m.record("FetchUncertainPairs")
	if m.FetchUncertainPairsErr != nil {
		return nil, m.FetchUncertainPairsErr
	}
	if m.FetchUncertainPairsResult == nil {
		return []memory.UncertainPair{}, nil
	}
	return m.FetchUncertainPairsResult, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// JobQueue mock
// ─────────────────────────────────────────────────────────────────────────────

// JobQueue is a configurable test double for [memory.JobQueue].
type JobQueue struct {
	recorder

	EnqueueErr error

	ClaimResult *memory.Job
	ClaimErr    error

	CompleteErr error

	FailErr error

	ReapExpiredLeasesResult int
	ReapExpiredLeasesErr    error

	DepthResult int
	DepthErr    error

	LeasedCountResult int
	LeasedCountErr    error
}

func (m *JobQueue) Enqueue(ctx context.Context, job memory.Job) error {
	m.record("Enqueue", job)
	return m.EnqueueErr
}

func (m *JobQueue) Claim(ctx context.Context, stage memory.JobStage, workerID string, leaseDuration time.Duration) (*memory.Job, error) {
	m.record("Claim", stage, workerID, leaseDuration)
	return m.ClaimResult, m.ClaimErr
}

func (m *JobQueue) Complete(ctx context.Context, jobID string) error {
	m.record("Complete", jobID)
	return m.CompleteErr
}

func (m *JobQueue) Fail(ctx context.Context, jobID string, cause error, nextAttempt time.Time) error {
	m.record("Fail", jobID, cause, nextAttempt)
	return m.FailErr
}

func (m *JobQueue) ReapExpiredLeases(ctx context.Context) (int, error) {
	m.record("ReapExpiredLeases")
	return m.ReapExpiredLeasesResult, m.ReapExpiredLeasesErr
}

func (m *JobQueue) Depth(ctx context.Context, stage memory.JobStage) (int, error) {
	m.record("Depth", stage)
	return m.DepthResult, m.DepthErr
}

func (m *JobQueue) LeasedCount(ctx context.Context) (int, error) {
	m.record("LeasedCount")
	return m.LeasedCountResult, m.LeasedCountErr
}

// ─────────────────────────────────────────────────────────────────────────────
// GraphStore mock
// ─────────────────────────────────────────────────────────────────────────────

// GraphStore is a configurable test double for [memory.GraphStore].
type GraphStore struct {
	recorder

	UpsertEdgeErr error

	NeighborsResult []memory.GraphEdge
	NeighborsErr    error

	DeleteEdgesForEventErr error
}

func (m *GraphStore) UpsertEdge(ctx context.Context, edge memory.GraphEdge) error {
	m.record("UpsertEdge", edge)
	return m.UpsertEdgeErr
}

func (m *GraphStore) Neighbors(ctx context.Context, entityID string, limit int) ([]memory.GraphEdge, error) {
	m.record("Neighbors", entityID, limit)
	if m.NeighborsErr != nil {
		return nil, m.NeighborsErr
	}
	if m.NeighborsResult == nil {
		return []memory.GraphEdge{}, nil
	}
	return m.NeighborsResult, nil
}

func (m *GraphStore) DeleteEdgesForEvent(ctx context.Context, eventID string) error {
	m.record("DeleteEdgesForEvent", eventID)
	return m.DeleteEdgesForEventErr
}
