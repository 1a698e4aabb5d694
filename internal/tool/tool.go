// Package tool implements the four operations exposed to clients:
// remember, recall, forget, and status (SPEC_FULL.md §4.12). Each is a plain
// Go function over JSON-tagged argument/result structs, independent of any
// particular transport; internal/mcp binds them to the MCP server.
package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmemory/memoryd/internal/chunker"
	"github.com/agentmemory/memoryd/internal/memerr"
	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/internal/queue"
	"github.com/agentmemory/memoryd/internal/retrieval"
	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/provider/embeddings"
)

// Service wires the four tool operations to their backing stores.
type Service struct {
	Vector     memory.VectorStore
	Relational memory.RelationalStore
	Queue      memory.JobQueue
	Embeddings embeddings.Provider
	Retrieval  *retrieval.Service
	Chunker    *chunker.Chunker
	Metrics    *observe.Metrics
}

// New constructs a Service.
func New(vector memory.VectorStore, relational memory.RelationalStore, q memory.JobQueue, emb embeddings.Provider, retr *retrieval.Service, c *chunker.Chunker, metrics *observe.Metrics) *Service {
	return &Service{
		Vector:     vector,
		Relational: relational,
		Queue:      q,
		Embeddings: emb,
		Retrieval:  retr,
		Chunker:    c,
		Metrics:    metrics,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// remember
// ─────────────────────────────────────────────────────────────────────────────

// RememberArgs is the input to [Service.Remember].
type RememberArgs struct {
	Content      string         `json:"content"`
	Type         string         `json:"type,omitempty"`
	SourceSystem string         `json:"source_system,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RememberResult is the output of [Service.Remember].
type RememberResult struct {
	ArtifactID string `json:"artifact_id"`
	ArtifactUID string `json:"artifact_uid"`
	RevisionID string `json:"revision_id"`
	JobID      string `json:"job_id,omitempty"`
	JobStatus  string `json:"job_status"`
}

// Remember stores a new revision of an artifact: computing its dedup key,
// chunking and embedding the content, writing the revision, and enqueueing
// extraction. A `remember` call for unchanged content is a no-op.
//
// This implementation keeps a single identifier per artifact rather than the
// distilled spec's separate artifact_id/artifact_uid fields — ArtifactID is
// itself the dedup key (source-derived hash, or a fresh UUID for untagged
// content) — so both response fields carry the same value. See DESIGN.md.
func (s *Service) Remember(ctx context.Context, args RememberArgs) (*RememberResult, error) {
	if strings.TrimSpace(args.Content) == "" {
		return nil, memerr.New(memerr.KindInvalidInput, "remember: content must not be empty")
	}

	artifactID := args.SourceID
	if args.SourceSystem != "" && args.SourceID != "" {
		artifactID = hashHex(args.SourceSystem + ":" + args.SourceID)
	} else {
		artifactID = uuid.New().String()
	}
	contentHash := hashHex(args.Content)

	revisionNumber := 1
	if existing, err := s.Relational.GetLatestRevision(ctx, artifactID); err == nil && existing != nil {
		if existing.ContentHash == contentHash && existing.Status == memory.ArtifactStatusActive {
			return &RememberResult{
				ArtifactID:  artifactID,
				ArtifactUID: artifactID,
				RevisionID:  existing.ID,
				JobStatus:   "NOOP",
			}, nil
		}
		revisionNumber = existing.RevisionNumber + 1
	}

	revisionID := uuid.New().String()
	chunks := s.Chunker.Chunk(artifactID, revisionID, args.Content)

	for i := range chunks {
		embedding, err := s.Embeddings.Embed(ctx, chunks[i].Content)
		if err != nil {
			if s.Metrics != nil {
				s.Metrics.RecordProviderError(ctx, "embeddings", "remember_chunk")
			}
			return nil, memerr.Wrap(memerr.KindUpstream, fmt.Sprintf("remember: embed chunk %d", i), err)
		}
		chunks[i].Embedding = embedding
	}

	if chunker.EstimateTokens(args.Content) <= 1200 {
		contentEmbedding, err := s.Embeddings.Embed(ctx, args.Content)
		if err != nil {
			if s.Metrics != nil {
				s.Metrics.RecordProviderError(ctx, "embeddings", "remember_content")
			}
			return nil, memerr.Wrap(memerr.KindUpstream, "remember: embed content", err)
		}
		if err := s.Vector.UpsertContentEmbedding(ctx, artifactID, contentEmbedding); err != nil {
			return nil, fmt.Errorf("tool: remember: upsert content embedding: %w", err)
		}
	}

	now := time.Now()
	if err := s.Relational.CreateRevision(ctx, memory.ArtifactRevision{
		ID:          revisionID,
		ArtifactID:  artifactID,
		RevisionNumber: revisionNumber,
		Content:     args.Content,
		ContentHash: contentHash,
		TokenCount:  chunker.EstimateTokens(args.Content),
		Source:      args.SourceSystem,
		Status:      memory.ArtifactStatusActive,
		CreatedAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("tool: remember: create revision: %w", err)
	}
	if err := s.Relational.MarkSuperseded(ctx, artifactID, revisionID); err != nil {
		return nil, fmt.Errorf("tool: remember: mark superseded: %w", err)
	}
	if err := s.Relational.InsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("tool: remember: insert chunks: %w", err)
	}
	for _, c := range chunks {
		if err := s.Vector.UpsertChunkEmbedding(ctx, c); err != nil {
			return nil, fmt.Errorf("tool: remember: upsert chunk embedding: %w", err)
		}
	}

	jobID := uuid.New().String()
	if err := queue.Enqueue(ctx, s.Queue, jobID, memory.StageExtractEvents, map[string]any{
		"artifact_revision_id": revisionID,
		"document_title":       args.Type,
		"document_type":        args.Type,
	}); err != nil {
		return nil, fmt.Errorf("tool: remember: enqueue extraction: %w", err)
	}

	if s.Metrics != nil {
		s.Metrics.RecordToolCall(ctx, "remember", "success")
	}
	return &RememberResult{
		ArtifactID:  artifactID,
		ArtifactUID: artifactID,
		RevisionID:  revisionID,
		JobID:       jobID,
		JobStatus:   "PENDING",
	}, nil
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ─────────────────────────────────────────────────────────────────────────────
// recall
// ─────────────────────────────────────────────────────────────────────────────

// RecallArgs is the input to [Service.Recall].
type RecallArgs struct {
	Query           string   `json:"query"`
	Limit           int      `json:"limit,omitempty"`
	GraphExpand     bool     `json:"graph_expand,omitempty"`
	GraphDepth      int      `json:"graph_depth,omitempty"`
	GraphBudget     int      `json:"graph_budget,omitempty"`
	GraphSeedLimit  int      `json:"graph_seed_limit,omitempty"`
	GraphFilters    []string `json:"graph_filters,omitempty"`
	IncludeEntities bool     `json:"include_entities,omitempty"`
	ExpandNeighbors bool     `json:"expand_neighbors,omitempty"`
	IncludeMemory   bool     `json:"include_memory,omitempty"`
}

// Recall runs the retrieval pipeline for args.Query.
func (s *Service) Recall(ctx context.Context, args RecallArgs) (*retrieval.Result, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, memerr.New(memerr.KindInvalidInput, "recall: query must not be empty")
	}

	var opts []memory.RecallOpt
	if args.Limit > 0 {
		opts = append(opts, memory.WithLimit(args.Limit))
	}
	opts = append(opts,
		memory.WithGraphExpand(args.GraphExpand),
		memory.WithIncludeEntities(args.IncludeEntities),
		memory.WithExpandNeighbors(args.ExpandNeighbors),
		memory.WithIncludeMemory(args.IncludeMemory),
	)
	if args.GraphDepth > 0 {
		opts = append(opts, memory.WithGraphDepth(args.GraphDepth))
	}
	if args.GraphBudget > 0 {
		opts = append(opts, memory.WithGraphBudget(args.GraphBudget))
	}
	if args.GraphSeedLimit > 0 {
		opts = append(opts, memory.WithGraphSeedLimit(args.GraphSeedLimit))
	}
	if len(args.GraphFilters) > 0 {
		opts = append(opts, memory.WithGraphFilters(args.GraphFilters...))
	}

	result, err := s.Retrieval.Recall(ctx, args.Query, opts...)
	if s.Metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.Metrics.RecordToolCall(ctx, "recall", status)
	}
	return result, err
}

// ─────────────────────────────────────────────────────────────────────────────
// forget
// ─────────────────────────────────────────────────────────────────────────────

// ForgetArgs is the input to [Service.Forget].
type ForgetArgs struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm,omitempty"`
}

// ForgetResult is the output of [Service.Forget].
type ForgetResult struct {
	ID               string         `json:"id"`
	Deleted          bool           `json:"deleted"`
	Cascade          *ForgetCascade `json:"cascade,omitempty"`
	Error            string         `json:"error,omitempty"`
	SourceArtifactID string         `json:"source_artifact_id,omitempty"`
}

// ForgetCascade reports how much derived data a successful forget removed.
// Entities is always 0: entities are shared across artifacts and
// DeleteArtifact does not delete any of them. The field is still reported,
// zero-valued, so callers can rely on its presence rather than its absence
// meaning "not applicable".
type ForgetCascade struct {
	Chunks   int `json:"chunks"`
	Events   int `json:"events"`
	Entities int `json:"entities"`
}

// Forget deletes a remembered artifact and everything derived from it.
// Semantic events are derived data and cannot be forgotten directly; the
// caller is pointed at the event's source artifact instead.
func (s *Service) Forget(ctx context.Context, args ForgetArgs) (*ForgetResult, error) {
	if !args.Confirm {
		return &ForgetResult{ID: args.ID, Deleted: false, Error: "forget requires confirm=true"}, nil
	}

	events, err := s.Relational.GetEvents(ctx, []string{args.ID})
	if err == nil && len(events) == 1 {
		sourceArtifactID, lookupErr := s.artifactIDForRevision(ctx, events[0].ArtifactRevisionID)
		if lookupErr != nil {
			sourceArtifactID = events[0].ArtifactRevisionID
		}
		return &ForgetResult{
			ID:               args.ID,
			Deleted:          false,
			Error:            "events are derived data and cannot be forgotten directly; forget the source artifact instead",
			SourceArtifactID: sourceArtifactID,
		}, nil
	}

	cascade := s.forgetCascadeCounts(ctx, args.ID)

	if err := s.Relational.DeleteArtifact(ctx, args.ID); err != nil {
		return nil, fmt.Errorf("tool: forget: delete artifact: %w", err)
	}
	if err := s.Vector.DeleteArtifact(ctx, args.ID); err != nil {
		return nil, fmt.Errorf("tool: forget: delete vectors: %w", err)
	}

	if s.Metrics != nil {
		s.Metrics.RecordToolCall(ctx, "forget", "success")
	}
	return &ForgetResult{ID: args.ID, Deleted: true, Cascade: cascade}, nil
}

// forgetCascadeCounts reports how many chunks and events will be removed by
// deleting artifactID's latest revision. Counting is best-effort: a lookup
// failure yields a zero-valued cascade rather than blocking the delete.
func (s *Service) forgetCascadeCounts(ctx context.Context, artifactID string) *ForgetCascade {
	cascade := &ForgetCascade{}
	latest, err := s.Relational.GetLatestRevision(ctx, artifactID)
	if err != nil || latest == nil {
		return cascade
	}
	if chunks, err := s.Relational.GetChunks(ctx, latest.ID); err == nil {
		cascade.Chunks = len(chunks)
	}
	if events, err := s.Relational.EventsForRevision(ctx, latest.ID); err == nil {
		cascade.Events = len(events)
	}
	return cascade
}

// artifactIDForRevision resolves a revision id to its owning artifact id.
// RelationalStore has no direct by-id revision lookup, so this scans
// ListRevisions; acceptable since forget on an event id is a rare,
// non-hot-path call.
func (s *Service) artifactIDForRevision(ctx context.Context, revisionID string) (string, error) {
	revisions, err := s.Relational.ListRevisions(ctx, memory.RevisionFilter{})
	if err != nil {
		return "", err
	}
	for _, r := range revisions {
		if r.ID == revisionID {
			return r.ArtifactID, nil
		}
	}
	return "", fmt.Errorf("revision %s not found", revisionID)
}

// ─────────────────────────────────────────────────────────────────────────────
// status
// ─────────────────────────────────────────────────────────────────────────────

// StatusArgs is the input to [Service.Status].
type StatusArgs struct {
	ArtifactID string `json:"artifact_id,omitempty"`
	Reextract  bool   `json:"reextract,omitempty"`
}

// StatusResult is the output of [Service.Status].
type StatusResult struct {
	QueueDepth      map[string]int `json:"queue_depth,omitempty"`
	LeasedJobs      int            `json:"leased_jobs,omitempty"`
	GraphAvailable  bool           `json:"graph_available"`
	ArtifactID      string         `json:"artifact_id,omitempty"`
	RevisionID      string         `json:"revision_id,omitempty"`
	RevisionStatus  string         `json:"revision_status,omitempty"`
	ReextractJobID  string         `json:"reextract_job_id,omitempty"`
}

// Status reports overall service health, or, when ArtifactID is set, the
// status of that artifact's latest revision.
func (s *Service) Status(ctx context.Context, args StatusArgs) (*StatusResult, error) {
	if args.ArtifactID == "" {
		depths := make(map[string]int)
		for _, stage := range []memory.JobStage{
			memory.StageExtractEvents, memory.StageGraphUpsert,
		} {
			n, err := s.Queue.Depth(ctx, stage)
			if err != nil {
				return nil, fmt.Errorf("tool: status: queue depth for %s: %w", stage, err)
			}
			depths[string(stage)] = n
		}
		leased, err := s.Queue.LeasedCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool: status: leased count: %w", err)
		}
		return &StatusResult{QueueDepth: depths, LeasedJobs: leased, GraphAvailable: true}, nil
	}

	rev, err := s.Relational.GetLatestRevision(ctx, args.ArtifactID)
	if err != nil {
		return nil, fmt.Errorf("tool: status: get latest revision: %w", err)
	}
	if rev == nil {
		return &StatusResult{ArtifactID: args.ArtifactID, RevisionStatus: "not_found"}, nil
	}

	result := &StatusResult{
		ArtifactID:     args.ArtifactID,
		RevisionID:     rev.ID,
		RevisionStatus: string(rev.Status),
	}

	if args.Reextract {
		jobID := uuid.New().String()
		if err := queue.Enqueue(ctx, s.Queue, jobID, memory.StageExtractEvents, map[string]any{
			"artifact_revision_id": rev.ID,
		}); err != nil {
			return nil, fmt.Errorf("tool: status: enqueue reextract: %w", err)
		}
		result.ReextractJobID = jobID
	}

	if s.Metrics != nil {
		s.Metrics.RecordToolCall(ctx, "status", "success")
	}
	return result, nil
}
