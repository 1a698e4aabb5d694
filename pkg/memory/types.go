// Package memory defines the persistent data model and storage interfaces for
// the ingestion → extraction → resolution → graph → retrieval pipeline: the
// artifacts and chunks produced by ingestion, the ingestion job queue, the
// semantic events and evidence produced by extraction, and the entities and
// graph edges produced by resolution and materialization.
//
// Concrete storage lives in [github.com/agentmemory/memoryd/pkg/memory/postgres];
// this package only defines the shapes and the interfaces pipeline stages
// depend on, so they can be tested against [github.com/agentmemory/memoryd/pkg/memory/mock]
// without depending on postgres internals.
package memory

import "time"

// ArtifactStatus tracks the lifecycle of a single revision of a remembered artifact.
type ArtifactStatus string

const (
	ArtifactStatusPending   ArtifactStatus = "pending"
	ArtifactStatusActive    ArtifactStatus = "active"
	ArtifactStatusSuperseded ArtifactStatus = "superseded"
	ArtifactStatusDeleted   ArtifactStatus = "deleted"
)

// ArtifactRevision is one immutable version of a remembered piece of content.
// A `remember` call for an artifact_id that already exists creates a new
// revision and marks the prior one superseded rather than overwriting it.
type ArtifactRevision struct {
	ID             string
	ArtifactID     string
	RevisionNumber int
	Content        string
	ContentHash    string
	TokenCount     int
	Source         string
	Status         ArtifactStatus
	CreatedAt      time.Time
	SupersededAt   *time.Time
}

// Chunk is one window of an [ArtifactRevision]'s content, produced by the
// chunker when the revision exceeds the single-piece token threshold. A
// revision that fits under the threshold gets exactly one chunk spanning its
// entire content.
type Chunk struct {
	ID                 string
	ArtifactRevisionID string
	Index              int
	Content            string
	ContentHash        string
	TokenCount         int
	Embedding          []float32
	CreatedAt          time.Time
}

// JobStage identifies which pipeline stage a [Job] drives.
type JobStage string

const (
	StageChunkEmbed    JobStage = "chunk_embed"
	StageExtractEvents JobStage = "extract_events"
	StageResolveEntities JobStage = "resolve_entities"
	StageGraphUpsert   JobStage = "graph_upsert"
)

// JobStatus tracks a job's position in its lifecycle.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusLeased  JobStatus = "leased"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
	JobStatusDead    JobStatus = "dead"
)

// Job is a unit of asynchronous pipeline work, claimed atomically by a worker
// and retried with backoff on failure.
type Job struct {
	ID           string
	Stage        JobStage
	Payload      map[string]any
	Status       JobStatus
	Attempts     int
	AvailableAt  time.Time
	LeasedUntil  *time.Time
	LeasedBy     string
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SemanticEvent is a single fact extracted from a chunk: an actor performing
// a predicate against a subject, optionally dated, with a confidence score
// assigned by the extractor.
type SemanticEvent struct {
	ID                 string
	ArtifactRevisionID string
	ChunkID            string
	Summary            string
	Predicate          string
	OccurredAt         *time.Time
	Confidence         float64
	CreatedAt          time.Time
}

// Evidence ties a [SemanticEvent] back to the literal source text it was
// extracted from, so recall results can be traced and audited.
type Evidence struct {
	ID      string
	EventID string
	ChunkID string
	Quote   string
}

// EventRole distinguishes an entity's participation in an event.
type EventRole string

const (
	RoleActor   EventRole = "actor"
	RoleSubject EventRole = "subject"
)

// EventActor links an [Entity] to a [SemanticEvent] it performed.
type EventActor struct {
	EventID  string
	EntityID string
	Role     EventRole
}

// EventSubject links an [Entity] to a [SemanticEvent] it was the object of.
type EventSubject struct {
	EventID  string
	EntityID string
	Role     EventRole
}

// EntityType classifies an [Entity] for display and filtering purposes.
type EntityType string

const (
	EntityPerson  EntityType = "person"
	EntityOrg     EntityType = "org"
	EntityProject EntityType = "project"
	EntityObject  EntityType = "object"
	EntityPlace   EntityType = "place"
	EntityOther   EntityType = "other"
)

// Entity is a canonicalized real-world thing that appears as an actor or
// subject in one or more semantic events. Each entity carries the embedding
// of the mention context it was created from (canonical suggestion, type,
// role, organization), used as the resolver's candidate search key.
//
// Entities are append-only at the record level: once created, an entity is
// only ever mutated to add an alias, merge a mention into it, clear
// NeedsReview, or fill in a previously-missing embedding.
type Entity struct {
	ID             string
	CanonicalName  string
	NormalizedName string // lowercased, whitespace-collapsed CanonicalName; used for exact-match lookups
	Type           EntityType
	Role           string // optional, e.g. "CEO", "lead investigator"
	Organization   string // optional, affiliation surface form
	Email          string // optional
	Embedding      []float32

	// NeedsReview is set when the resolver created this entity alongside an
	// uncertain candidate match (see [UncertainPair]) rather than confirming
	// or rejecting it outright. Cleared once a human or a later extraction
	// confirms the pair is the same entity.
	NeedsReview bool

	FirstSeenArtifactID string
	FirstSeenRevisionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityAlias is an alternate surface form resolved to the same [Entity].
type EntityAlias struct {
	ID       string
	EntityID string
	Alias    string
	Source   string // "mention", "llm_confirmed", "seed"
}

// EntityMention records a single occurrence of an entity's surface form in a
// chunk, prior to resolution. The resolver consumes pending mentions and
// either attaches them to an existing [Entity] or creates a new one.
type EntityMention struct {
	ID          string
	ChunkID     string
	SurfaceForm string
	EntityID    string // empty until resolved
	CreatedAt   time.Time
}

// ResolutionDecision is the three-way outcome of comparing a mention against
// a candidate entity.
type ResolutionDecision string

const (
	DecisionSame       ResolutionDecision = "same"
	DecisionDifferent  ResolutionDecision = "different"
	DecisionUncertain  ResolutionDecision = "uncertain"
)

// UncertainPair records a POSSIBLY_SAME relation: the resolver created a new
// entity rather than merging it into an existing candidate, because the LLM
// confirmation call for that candidate came back uncertain (or failed)
// rather than confirming same/different. The pair is surfaced via
// [RelationalStore.FetchUncertainPairs] for the graph materializer and for
// human review; [RelationalStore] has no method that removes it, so it stays
// recorded after a later extraction merges a mention into either entity.
type UncertainPair struct {
	EntityID          string
	CandidateEntityID string
	Confidence        float64
	Reason            string
	CreatedAt         time.Time
}

// GraphEdge is a materialized, queryable relationship between two entities,
// derived from the actors/subjects of one or more semantic events, or (for
// the POSSIBLY_SAME predicate) from an [UncertainPair] produced by the
// resolver. Weight doubles as the POSSIBLY_SAME confidence score; Reason is
// only populated for that predicate.
type GraphEdge struct {
	ID        string
	SourceID  string
	TargetID  string
	Predicate string
	EventIDs  []string
	Weight    float64
	Reason    string
	UpdatedAt time.Time
}

// PredicatePossiblySame marks an edge materialized from an [UncertainPair]
// rather than from shared event participation.
const PredicatePossiblySame = "POSSIBLY_SAME"

// RetrievalHit is a single scored result returned by the retrieval service,
// merged across the content and chunk vector namespaces via Reciprocal Rank Fusion.
type RetrievalHit struct {
	ArtifactID string
	ChunkID    string
	Content    string
	Score      float64
	Source     string // "vector:content", "vector:chunks", "graph"
}
