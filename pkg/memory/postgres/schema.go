// Package postgres provides a PostgreSQL/pgvector-backed implementation of
// the pipeline's storage interfaces: [memory.VectorStore], [memory.RelationalStore],
// [memory.JobQueue], and [memory.GraphStore].
//
// All four share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	_ = store.VectorStore().UpsertChunkEmbedding(ctx, chunk)
//	_ = store.Relational().CreateRevision(ctx, rev)
//	job, _ := store.Queue().Claim(ctx, memory.StageExtractEvents, "worker-1", time.Minute)
//	_ = store.Graph().UpsertEdge(ctx, edge)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlArtifacts = `
CREATE TABLE IF NOT EXISTS artifact_revisions (
    id              TEXT         PRIMARY KEY,
    artifact_id     TEXT         NOT NULL,
    revision_number INT          NOT NULL,
    content         TEXT         NOT NULL,
    content_hash    TEXT         NOT NULL,
    token_count     INT          NOT NULL DEFAULT 0,
    source          TEXT         NOT NULL DEFAULT '',
    status          TEXT         NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    superseded_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_artifact_revisions_artifact_id
    ON artifact_revisions (artifact_id);

CREATE INDEX IF NOT EXISTS idx_artifact_revisions_status
    ON artifact_revisions (status);
`

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT         PRIMARY KEY,
    stage         TEXT         NOT NULL,
    dedup_key     TEXT,
    payload       JSONB        NOT NULL DEFAULT '{}',
    status        TEXT         NOT NULL,
    attempts      INT          NOT NULL DEFAULT 0,
    available_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    leased_until  TIMESTAMPTZ,
    leased_by     TEXT         NOT NULL DEFAULT '',
    last_error    TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
    ON jobs (stage, status, available_at);

CREATE INDEX IF NOT EXISTS idx_jobs_leased_until
    ON jobs (leased_until) WHERE status = 'leased';

-- At most one extract/graph_upsert job per (artifact_revision_id, stage);
-- dedup_key is NULL (and unconstrained) for jobs not scoped to one revision.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup_key
    ON jobs (dedup_key) WHERE dedup_key IS NOT NULL;
`

const ddlEntities = `
CREATE TABLE IF NOT EXISTS entity_aliases (
    id         TEXT  PRIMARY KEY,
    entity_id  TEXT  NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    alias      TEXT  NOT NULL,
    source     TEXT  NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_entity_id ON entity_aliases (entity_id);
CREATE INDEX IF NOT EXISTS idx_entity_aliases_alias ON entity_aliases (alias);

CREATE TABLE IF NOT EXISTS entity_mentions (
    id            TEXT         PRIMARY KEY,
    chunk_id      TEXT         NOT NULL REFERENCES chunks (id) ON DELETE CASCADE,
    surface_form  TEXT         NOT NULL,
    entity_id     TEXT         REFERENCES entities (id) ON DELETE SET NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entity_mentions_pending
    ON entity_mentions (created_at) WHERE entity_id IS NULL;

-- POSSIBLY_SAME candidates: the resolver recorded entity_id as a new entity
-- rather than merging it into candidate_entity_id because the comparison was
-- uncertain. Nothing in the pipeline deletes a row once recorded; a later
-- merge into either entity leaves it in place.
CREATE TABLE IF NOT EXISTS entity_uncertain_pairs (
    entity_id           TEXT              NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    candidate_entity_id TEXT              NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    confidence          DOUBLE PRECISION  NOT NULL DEFAULT 0,
    reason              TEXT              NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ       NOT NULL DEFAULT now(),
    PRIMARY KEY (entity_id, candidate_entity_id)
);
`

const ddlEvents = `
CREATE TABLE IF NOT EXISTS semantic_events (
    id                   TEXT              PRIMARY KEY,
    artifact_revision_id TEXT              NOT NULL REFERENCES artifact_revisions (id) ON DELETE CASCADE,
    chunk_id             TEXT              NOT NULL REFERENCES chunks (id) ON DELETE CASCADE,
    summary              TEXT              NOT NULL,
    predicate            TEXT              NOT NULL,
    occurred_at          TIMESTAMPTZ,
    confidence           DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_semantic_events_revision
    ON semantic_events (artifact_revision_id);

CREATE TABLE IF NOT EXISTS evidence (
    id        TEXT  PRIMARY KEY,
    event_id  TEXT  NOT NULL REFERENCES semantic_events (id) ON DELETE CASCADE,
    chunk_id  TEXT  NOT NULL REFERENCES chunks (id) ON DELETE CASCADE,
    quote     TEXT  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_event_id ON evidence (event_id);

CREATE TABLE IF NOT EXISTS event_actors (
    event_id   TEXT  NOT NULL REFERENCES semantic_events (id) ON DELETE CASCADE,
    entity_id  TEXT  NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    role       TEXT  NOT NULL,
    PRIMARY KEY (event_id, entity_id, role)
);

CREATE TABLE IF NOT EXISTS event_subjects (
    event_id   TEXT  NOT NULL REFERENCES semantic_events (id) ON DELETE CASCADE,
    entity_id  TEXT  NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    role       TEXT  NOT NULL,
    PRIMARY KEY (event_id, entity_id, role)
);
`

const ddlGraph = `
CREATE TABLE IF NOT EXISTS graph_edges (
    id          TEXT              PRIMARY KEY,
    source_id   TEXT              NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    target_id   TEXT              NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    predicate   TEXT              NOT NULL,
    event_ids   TEXT[]            NOT NULL DEFAULT '{}',
    weight      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    reason      TEXT              NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (source_id, target_id, predicate)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges (source_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges (target_id);
`

// ddlVectors returns the pgvector-dependent DDL (chunks, entities,
// content_embeddings and their HNSW indexes) with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlVectors(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
    id                   TEXT         PRIMARY KEY,
    artifact_revision_id TEXT         NOT NULL REFERENCES artifact_revisions (id) ON DELETE CASCADE,
    index                INT          NOT NULL,
    content              TEXT         NOT NULL,
    content_hash         TEXT         NOT NULL,
    token_count          INT          NOT NULL DEFAULT 0,
    embedding            vector(%d),
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chunks_revision ON chunks (artifact_revision_id);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON chunks USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS content_embeddings (
    artifact_id  TEXT         PRIMARY KEY,
    embedding    vector(%d),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_content_embeddings_embedding
    ON content_embeddings USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS entities (
    id                      TEXT         PRIMARY KEY,
    canonical_name          TEXT         NOT NULL,
    normalized_name         TEXT         NOT NULL DEFAULT '',
    type                    TEXT         NOT NULL,
    role                    TEXT         NOT NULL DEFAULT '',
    organization            TEXT         NOT NULL DEFAULT '',
    email                   TEXT         NOT NULL DEFAULT '',
    embedding               vector(%d),
    needs_review            BOOLEAN      NOT NULL DEFAULT false,
    first_seen_artifact_id  TEXT         NOT NULL DEFAULT '',
    first_seen_revision_id  TEXT         NOT NULL DEFAULT '',
    created_at              TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (canonical_name);
CREATE INDEX IF NOT EXISTS idx_entities_normalized_name ON entities (normalized_name);
CREATE INDEX IF NOT EXISTS idx_entities_needs_review ON entities (needs_review) WHERE needs_review;
CREATE INDEX IF NOT EXISTS idx_entities_embedding
    ON entities USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions, embeddingDimensions, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlArtifacts,
		ddlVectors(embeddingDimensions),
		ddlEntities,
		ddlEvents,
		ddlGraph,
		ddlJobs,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
