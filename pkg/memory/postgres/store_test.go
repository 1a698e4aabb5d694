package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/memory/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if MEMORYD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEMORYD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMORYD_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS graph_edges CASCADE",
		"DROP TABLE IF EXISTS event_actors CASCADE",
		"DROP TABLE IF EXISTS event_subjects CASCADE",
		"DROP TABLE IF EXISTS evidence CASCADE",
		"DROP TABLE IF EXISTS semantic_events CASCADE",
		"DROP TABLE IF EXISTS entity_mentions CASCADE",
		"DROP TABLE IF EXISTS entity_aliases CASCADE",
		"DROP TABLE IF EXISTS entities CASCADE",
		"DROP TABLE IF EXISTS content_embeddings CASCADE",
		"DROP TABLE IF EXISTS chunks CASCADE",
		"DROP TABLE IF EXISTS artifact_revisions CASCADE",
		"DROP TABLE IF EXISTS jobs CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func vec(dims int, fill float32) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = fill
	}
	return v
}

// ─────────────────────────────────────────────────────────────────────────────
// RelationalStore — artifact revisions
// ─────────────────────────────────────────────────────────────────────────────

func TestRelational_CreateAndSupersedeRevision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rel := store.Relational()

	rev1 := memory.ArtifactRevision{
		ID: "rev-1", ArtifactID: "art-1", RevisionNumber: 1,
		Content: "first version", ContentHash: "h1", Status: memory.ArtifactStatusActive,
		CreatedAt: time.Now(),
	}
	if err := rel.CreateRevision(ctx, rev1); err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}

	rev2 := rev1
	rev2.ID = "rev-2"
	rev2.RevisionNumber = 2
	rev2.Content = "second version"
	if err := rel.CreateRevision(ctx, rev2); err != nil {
		t.Fatalf("CreateRevision rev2: %v", err)
	}
	if err := rel.MarkSuperseded(ctx, "art-1", "rev-2"); err != nil {
		t.Fatalf("MarkSuperseded: %v", err)
	}

	latest, err := rel.GetLatestRevision(ctx, "art-1")
	if err != nil {
		t.Fatalf("GetLatestRevision: %v", err)
	}
	if latest == nil || latest.ID != "rev-2" {
		t.Fatalf("expected latest revision rev-2, got %+v", latest)
	}

	revs, err := rel.ListRevisions(ctx, memory.RevisionFilter{ArtifactID: "art-1"})
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revs))
	}
}

func TestRelational_DeleteArtifactCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rel := store.Relational()

	rev := memory.ArtifactRevision{ID: "rev-1", ArtifactID: "art-1", RevisionNumber: 1, Content: "x", ContentHash: "h", Status: memory.ArtifactStatusActive, CreatedAt: time.Now()}
	if err := rel.CreateRevision(ctx, rev); err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}
	chunk := memory.Chunk{ID: "chunk-1", ArtifactRevisionID: "rev-1", Index: 0, Content: "x", ContentHash: "h", CreatedAt: time.Now()}
	if err := rel.InsertChunks(ctx, []memory.Chunk{chunk}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	if err := rel.DeleteArtifact(ctx, "art-1"); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}

	latest, err := rel.GetLatestRevision(ctx, "art-1")
	if err != nil {
		t.Fatalf("GetLatestRevision: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected no revisions after delete, got %+v", latest)
	}
	chunks, err := rel.GetChunks(ctx, "rev-1")
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected chunks cascaded away, got %d", len(chunks))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RelationalStore — entities and mentions
// ─────────────────────────────────────────────────────────────────────────────

func TestRelational_EntityAliasAndCandidateSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rel := store.Relational()

	entity := memory.Entity{ID: "ent-1", CanonicalName: "Alice Chen", Type: memory.EntityPerson, Embedding: vec(testEmbeddingDim, 0.1), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := rel.InsertEntity(ctx, entity); err != nil {
		t.Fatalf("InsertEntity: %v", err)
	}
	if err := rel.AddAlias(ctx, memory.EntityAlias{ID: "alias-1", EntityID: "ent-1", Alias: "A. Chen", Source: "mention"}); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}

	got, err := rel.GetEntity(ctx, "ent-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got == nil || got.CanonicalName != "Alice Chen" {
		t.Fatalf("expected Alice Chen, got %+v", got)
	}

	candidates, err := rel.CandidateEntities(ctx, vec(testEmbeddingDim, 0.1), 5)
	if err != nil {
		t.Fatalf("CandidateEntities: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "ent-1" {
		t.Fatalf("expected ent-1 as top candidate, got %+v", candidates)
	}
}

func TestRelational_PendingMentionsAndResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rel := store.Relational()

	rev := memory.ArtifactRevision{ID: "rev-1", ArtifactID: "art-1", RevisionNumber: 1, Content: "x", ContentHash: "h", Status: memory.ArtifactStatusActive, CreatedAt: time.Now()}
	if err := rel.CreateRevision(ctx, rev); err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}
	chunk := memory.Chunk{ID: "chunk-1", ArtifactRevisionID: "rev-1", Index: 0, Content: "Alice", ContentHash: "h", CreatedAt: time.Now()}
	if err := rel.InsertChunks(ctx, []memory.Chunk{chunk}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	mention := memory.EntityMention{ID: "mention-1", ChunkID: "chunk-1", SurfaceForm: "Alice", CreatedAt: time.Now()}
	if err := rel.RecordMention(ctx, mention); err != nil {
		t.Fatalf("RecordMention: %v", err)
	}

	pending, err := rel.PendingMentions(ctx, 10)
	if err != nil {
		t.Fatalf("PendingMentions: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "mention-1" {
		t.Fatalf("expected 1 pending mention, got %+v", pending)
	}

	entity := memory.Entity{ID: "ent-1", CanonicalName: "Alice Chen", Type: memory.EntityPerson, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := rel.InsertEntity(ctx, entity); err != nil {
		t.Fatalf("InsertEntity: %v", err)
	}
	if err := rel.ResolveMention(ctx, "mention-1", "ent-1"); err != nil {
		t.Fatalf("ResolveMention: %v", err)
	}

	pending, err = rel.PendingMentions(ctx, 10)
	if err != nil {
		t.Fatalf("PendingMentions after resolve: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected 0 pending mentions after resolve, got %d", len(pending))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RelationalStore — semantic events
// ─────────────────────────────────────────────────────────────────────────────

func TestRelational_ReplaceEventsIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rel := store.Relational()

	rev := memory.ArtifactRevision{ID: "rev-1", ArtifactID: "art-1", RevisionNumber: 1, Content: "x", ContentHash: "h", Status: memory.ArtifactStatusActive, CreatedAt: time.Now()}
	if err := rel.CreateRevision(ctx, rev); err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}
	chunk := memory.Chunk{ID: "chunk-1", ArtifactRevisionID: "rev-1", Index: 0, Content: "x", ContentHash: "h", CreatedAt: time.Now()}
	if err := rel.InsertChunks(ctx, []memory.Chunk{chunk}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	alice := memory.Entity{ID: "ent-alice", CanonicalName: "Alice", Type: memory.EntityPerson, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	bob := memory.Entity{ID: "ent-bob", CanonicalName: "Bob", Type: memory.EntityPerson, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	for _, e := range []memory.Entity{alice, bob} {
		if err := rel.InsertEntity(ctx, e); err != nil {
			t.Fatalf("InsertEntity: %v", err)
		}
	}

	events := []memory.SemanticEvent{{ID: "evt-1", ArtifactRevisionID: "rev-1", ChunkID: "chunk-1", Summary: "Alice hired Bob", Predicate: "hired", Confidence: 0.9, CreatedAt: time.Now()}}
	evidence := []memory.Evidence{{ID: "ev-1", EventID: "evt-1", ChunkID: "chunk-1", Quote: "Alice hired Bob"}}
	actors := []memory.EventActor{{EventID: "evt-1", EntityID: "ent-alice", Role: memory.RoleActor}}
	subjects := []memory.EventSubject{{EventID: "evt-1", EntityID: "ent-bob", Role: memory.RoleSubject}}

	if err := rel.ReplaceEvents(ctx, "rev-1", events, evidence, actors, subjects); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}
	// Re-extraction of the same revision must not duplicate rows.
	if err := rel.ReplaceEvents(ctx, "rev-1", events, evidence, actors, subjects); err != nil {
		t.Fatalf("ReplaceEvents (second pass): %v", err)
	}

	got, err := rel.EventsForRevision(ctx, "rev-1")
	if err != nil {
		t.Fatalf("EventsForRevision: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event after idempotent replace, got %d", len(got))
	}

	actorEntities, err := rel.ActorsForEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("ActorsForEvent: %v", err)
	}
	if len(actorEntities) != 1 || actorEntities[0].ID != "ent-alice" {
		t.Fatalf("expected ent-alice as actor, got %+v", actorEntities)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorStore
// ─────────────────────────────────────────────────────────────────────────────

func TestVectorStore_SearchContentAndChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rel := store.Relational()
	vs := store.VectorStore()

	rev := memory.ArtifactRevision{ID: "rev-1", ArtifactID: "art-1", RevisionNumber: 1, Content: "x", ContentHash: "h", Status: memory.ArtifactStatusActive, CreatedAt: time.Now()}
	if err := rel.CreateRevision(ctx, rev); err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}
	chunk := memory.Chunk{ID: "chunk-1", ArtifactRevisionID: "rev-1", Index: 0, Content: "x", ContentHash: "h", CreatedAt: time.Now()}
	if err := rel.InsertChunks(ctx, []memory.Chunk{chunk}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	if err := vs.UpsertContentEmbedding(ctx, "art-1", vec(testEmbeddingDim, 0.5)); err != nil {
		t.Fatalf("UpsertContentEmbedding: %v", err)
	}
	chunk.Embedding = vec(testEmbeddingDim, 0.5)
	if err := vs.UpsertChunkEmbedding(ctx, chunk); err != nil {
		t.Fatalf("UpsertChunkEmbedding: %v", err)
	}

	contentHits, err := vs.SearchContent(ctx, vec(testEmbeddingDim, 0.5), 5)
	if err != nil {
		t.Fatalf("SearchContent: %v", err)
	}
	if len(contentHits) != 1 || contentHits[0].ArtifactID != "art-1" {
		t.Fatalf("expected art-1 content hit, got %+v", contentHits)
	}

	chunkHits, err := vs.SearchChunks(ctx, vec(testEmbeddingDim, 0.5), 5)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(chunkHits) != 1 || chunkHits[0].ChunkID != "chunk-1" {
		t.Fatalf("expected chunk-1 hit, got %+v", chunkHits)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// JobQueue
// ─────────────────────────────────────────────────────────────────────────────

func TestJobQueue_ClaimIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	q := store.Queue()

	if err := q.Enqueue(ctx, memory.Job{ID: "job-1", Stage: memory.StageExtractEvents, Payload: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Claim(ctx, memory.StageExtractEvents, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil || job.ID != "job-1" {
		t.Fatalf("expected to claim job-1, got %+v", job)
	}

	again, err := q.Claim(ctx, memory.StageExtractEvents, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("Claim (second worker): %v", err)
	}
	if again != nil {
		t.Fatalf("expected no claimable job for a second worker, got %+v", again)
	}

	if err := q.Complete(ctx, "job-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestJobQueue_FailReschedules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	q := store.Queue()

	if err := q.Enqueue(ctx, memory.Job{ID: "job-1", Stage: memory.StageChunkEmbed}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Claim(ctx, memory.StageChunkEmbed, "worker-a", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim: %v, %+v", err, job)
	}

	past := time.Now().Add(-time.Second)
	if err := q.Fail(ctx, "job-1", context.DeadlineExceeded, past); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	retried, err := q.Claim(ctx, memory.StageChunkEmbed, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("Claim after fail: %v", err)
	}
	if retried == nil || retried.ID != "job-1" {
		t.Fatalf("expected job-1 reclaimable after failure, got %+v", retried)
	}
}

func TestJobQueue_ReapExpiredLeases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	q := store.Queue()

	if err := q.Enqueue(ctx, memory.Job{ID: "job-1", Stage: memory.StageGraphUpsert}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, memory.StageGraphUpsert, "worker-a", -time.Second); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	n, err := q.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// GraphStore
// ─────────────────────────────────────────────────────────────────────────────

func TestGraphStore_UpsertAndNeighbors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rel := store.Relational()
	gs := store.Graph()

	alice := memory.Entity{ID: "ent-alice", CanonicalName: "Alice", Type: memory.EntityPerson, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	bob := memory.Entity{ID: "ent-bob", CanonicalName: "Bob", Type: memory.EntityPerson, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	for _, e := range []memory.Entity{alice, bob} {
		if err := rel.InsertEntity(ctx, e); err != nil {
			t.Fatalf("InsertEntity: %v", err)
		}
	}

	edge := memory.GraphEdge{ID: "edge-1", SourceID: "ent-alice", TargetID: "ent-bob", Predicate: "hired", EventIDs: []string{"evt-1"}, Weight: 1, UpdatedAt: time.Now()}
	if err := gs.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}
	// Merging a second event onto the same edge should not create a duplicate.
	edge.EventIDs = []string{"evt-2"}
	edge.Weight = 2
	if err := gs.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("UpsertEdge (merge): %v", err)
	}

	neighbors, err := gs.Neighbors(ctx, "ent-alice", 10)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("expected 1 merged edge, got %d", len(neighbors))
	}
	if len(neighbors[0].EventIDs) != 2 {
		t.Fatalf("expected 2 merged event ids, got %v", neighbors[0].EventIDs)
	}

	if err := gs.DeleteEdgesForEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("DeleteEdgesForEvent: %v", err)
	}
	neighbors, err = gs.Neighbors(ctx, "ent-alice", 10)
	if err != nil {
		t.Fatalf("Neighbors after delete: %v", err)
	}
	if len(neighbors) != 1 || len(neighbors[0].EventIDs) != 1 {
		t.Fatalf("expected edge to survive with 1 remaining event, got %+v", neighbors)
	}
}
