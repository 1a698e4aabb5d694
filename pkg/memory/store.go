// Package memory defines the storage interfaces used by the ingestion,
// extraction, resolution, graph, and retrieval stages of the pipeline.
//
// The architecture is organized as four cooperating stores:
//
//   - [VectorStore]: pgvector-backed similarity search over two namespaces —
//     whole-artifact content embeddings and individual chunk embeddings.
//   - [RelationalStore]: the system of record for artifact revisions, chunks,
//     entities, aliases, mentions, semantic events, and evidence.
//   - [JobQueue]: the asynchronous work queue driving chunk_embed,
//     extract_events, resolve_entities, and graph_upsert stages.
//   - [GraphStore]: materialized entity-to-entity edges derived from resolved
//     semantic events, supporting bounded neighbor expansion.
//
// All interfaces are public so that alternative backends can be supplied
// without depending on postgres internals. Every implementation must be safe
// for concurrent use.
package memory

import (
	"context"
	"time"
)

// VectorHit pairs a stored vector-indexed record with its distance from a
// query embedding. Lower Distance means higher similarity.
type VectorHit struct {
	// ArtifactID identifies the artifact this hit belongs to.
	ArtifactID string

	// ChunkID identifies the specific chunk, empty for content-namespace hits.
	ChunkID string

	// Distance is the vector-space distance to the query embedding (cosine).
	Distance float64
}

// VectorStore is the embedding-similarity layer. It maintains two
// independently searchable namespaces: whole-artifact content embeddings
// (used to retrieve short artifacts directly) and chunk embeddings (used to
// retrieve passages within long artifacts).
type VectorStore interface {
	// UpsertContentEmbedding stores the content-level embedding for an
	// artifact revision, replacing any prior embedding for the same artifactID.
	UpsertContentEmbedding(ctx context.Context, artifactID string, embedding []float32) error

	// UpsertChunkEmbedding stores a chunk's embedding, replacing any prior
	// embedding for the same chunk ID.
	UpsertChunkEmbedding(ctx context.Context, chunk Chunk) error

	// SearchContent finds the topK artifacts whose content embedding is
	// closest to embedding. Results are ordered by ascending Distance.
	SearchContent(ctx context.Context, embedding []float32, topK int) ([]VectorHit, error)

	// SearchChunks finds the topK chunks whose embedding is closest to
	// embedding. Results are ordered by ascending Distance.
	SearchChunks(ctx context.Context, embedding []float32, topK int) ([]VectorHit, error)

	// DeleteArtifact removes all vector entries (content and chunk namespaces)
	// associated with artifactID. Deleting a non-existent artifact is not an error.
	DeleteArtifact(ctx context.Context, artifactID string) error
}

// RevisionFilter narrows [RelationalStore.ListRevisions] and similar lookups.
type RevisionFilter struct {
	// ArtifactID restricts results to a single artifact. Empty matches all artifacts.
	ArtifactID string

	// Status restricts results to revisions in this status. Empty matches all statuses.
	Status ArtifactStatus

	// Limit caps the number of results. Zero means the implementation's default.
	Limit int
}

// RelationalStore is the system of record for artifacts, entities, and
// extracted semantic events. Mutating multi-row operations (ReplaceEvents,
// DeleteArtifact) must be transactional: either every row changes or none does.
type RelationalStore interface {
	// CreateRevision inserts a new [ArtifactRevision]. If a prior active
	// revision exists for the same ArtifactID, the caller must supersede it
	// separately via MarkSuperseded within the same transaction semantics
	// expected of a `remember` call.
	CreateRevision(ctx context.Context, rev ArtifactRevision) error

	// MarkSuperseded transitions every active revision of artifactID except
	// keepRevisionID to [ArtifactStatusSuperseded], stamping SupersededAt.
	MarkSuperseded(ctx context.Context, artifactID string, keepRevisionID string) error

	// GetLatestRevision returns the newest non-deleted revision for artifactID.
	// Returns (nil, nil) when the artifact does not exist or is fully deleted.
	GetLatestRevision(ctx context.Context, artifactID string) (*ArtifactRevision, error)

	// ListRevisions returns revisions matching filter, newest first.
	ListRevisions(ctx context.Context, filter RevisionFilter) ([]ArtifactRevision, error)

	// DeleteArtifact removes every revision of artifactID and cascades the
	// deletion to its chunks (with their embeddings), events, evidence, and
	// content embedding. It does not delete entities, even ones no remaining
	// event references.
	DeleteArtifact(ctx context.Context, artifactID string) error

	// InsertChunks inserts the given chunks for an artifact revision.
	InsertChunks(ctx context.Context, chunks []Chunk) error

	// GetChunks returns all chunks for an artifact revision, in index order.
	GetChunks(ctx context.Context, artifactRevisionID string) ([]Chunk, error)

	// InsertEntity inserts a new [Entity]. The caller is responsible for
	// deduplication; use CandidateEntities beforehand to check for matches.
	InsertEntity(ctx context.Context, entity Entity) error

	// GetEntity retrieves an entity by ID. Returns (nil, nil) if absent.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// AddAlias attaches an alternate surface form to an existing entity.
	AddAlias(ctx context.Context, alias EntityAlias) error

	// RecordMention stores a pending, unresolved [EntityMention] produced during
	// extraction. EntityID is empty until the resolver processes it.
	RecordMention(ctx context.Context, mention EntityMention) error

	// ResolveMention attaches mentionID to entityID, marking it resolved.
	ResolveMention(ctx context.Context, mentionID, entityID string) error

	// PendingMentions returns up to limit unresolved mentions, oldest first.
	PendingMentions(ctx context.Context, limit int) ([]EntityMention, error)

	// CandidateEntities returns up to topK entities whose name embedding is
	// closest to embedding, for the resolver's pre-filter step.
	CandidateEntities(ctx context.Context, embedding []float32, topK int) ([]Entity, error)

	// ReplaceEvents atomically replaces all semantic events (and their
	// evidence, actors, and subjects) derived from artifactRevisionID with the
	// given set. Called once per extraction pass so re-extraction is idempotent.
	ReplaceEvents(ctx context.Context, artifactRevisionID string, events []SemanticEvent, evidence []Evidence, actors []EventActor, subjects []EventSubject) error

	// EventsForRevision returns all semantic events extracted from artifactRevisionID.
	EventsForRevision(ctx context.Context, artifactRevisionID string) ([]SemanticEvent, error)

	// GetEvents returns the semantic events matching ids, in no particular
	// order. Missing ids are silently omitted rather than erroring, since
	// the graph expander's candidate set may reference events concurrently
	// deleted by a forget call.
	GetEvents(ctx context.Context, ids []string) ([]SemanticEvent, error)

	// EvidenceForEvent returns all evidence quotes supporting eventID.
	EvidenceForEvent(ctx context.Context, eventID string) ([]Evidence, error)

	// ActorsForEvent returns the entities that performed eventID.
	ActorsForEvent(ctx context.Context, eventID string) ([]Entity, error)

	// SubjectsForEvent returns the entities that eventID acted upon.
	SubjectsForEvent(ctx context.Context, eventID string) ([]Entity, error)

	// SetNeedsReview flips an entity's review flag, used to mark an entity
	// created under an uncertain resolution and to clear that flag once a
	// later extraction confirms a merge.
	SetNeedsReview(ctx context.Context, entityID string, needsReview bool) error

	// RecordUncertainPair persists a POSSIBLY_SAME candidate produced when the
	// resolver created a new entity instead of merging it into pair.CandidateEntityID.
	RecordUncertainPair(ctx context.Context, pair UncertainPair) error

	// FetchUncertainPairs returns every recorded [UncertainPair], for the
	// graph materializer to project as POSSIBLY_SAME edges and for human review.
	FetchUncertainPairs(ctx context.Context) ([]UncertainPair, error)
}

// JobQueue is the asynchronous work queue driving pipeline stages. Implementations
// must support atomic claiming so concurrent workers never process the same job twice.
type JobQueue interface {
	// Enqueue inserts a new job, available for claiming immediately unless
	// job.AvailableAt is in the future.
	Enqueue(ctx context.Context, job Job) error

	// Claim atomically leases one pending job for the given stage, owned by
	// workerID until leaseDuration elapses, and returns it. Returns (nil, nil)
	// when no job is available.
	Claim(ctx context.Context, stage JobStage, workerID string, leaseDuration time.Duration) (*Job, error)

	// Complete marks jobID as [JobStatusDone].
	Complete(ctx context.Context, jobID string) error

	// Fail records a failed attempt at jobID and returns the job to pending
	// with AvailableAt set to nextAttempt. It does not move the job to
	// [JobStatusDead]; the worker does that for exhausted jobs through a
	// MarkDead method where the implementation has one.
	Fail(ctx context.Context, jobID string, cause error, nextAttempt time.Time) error

	// ReapExpiredLeases returns expired leased jobs (LeasedUntil in the past) to
	// pending, and reports how many were reclaimed.
	ReapExpiredLeases(ctx context.Context) (int, error)

	// Depth reports the number of pending jobs for stage, used for queue-depth metrics.
	Depth(ctx context.Context, stage JobStage) (int, error)

	// LeasedCount reports the number of currently leased jobs across all stages.
	LeasedCount(ctx context.Context) (int, error)
}

// GraphStore holds materialized entity-to-entity edges derived from resolved
// semantic events. It is a denormalized projection maintained by the graph
// materializer, not an independent source of truth.
type GraphStore interface {
	// UpsertEdge inserts the edge between SourceID and TargetID for
	// Predicate or, when it exists, merges EventIDs into it and replaces its
	// Weight with edge.Weight.
	UpsertEdge(ctx context.Context, edge GraphEdge) error

	// Neighbors returns up to limit edges directly connected to entityID
	// (either as source or target), ordered by descending Weight.
	Neighbors(ctx context.Context, entityID string, limit int) ([]GraphEdge, error)

	// DeleteEdgesForEvent removes eventID from every edge's EventIDs, dropping
	// edges that become empty as a result. Called when an artifact is forgotten.
	DeleteEdgesForEvent(ctx context.Context, eventID string) error
}
