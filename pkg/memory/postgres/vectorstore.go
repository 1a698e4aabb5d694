package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// VectorStoreImpl is the embedding-similarity layer backed by two pgvector
// HNSW indexes: a chunks table for passage-level search and a
// content_embeddings table for whole-artifact search.
//
// Obtain one via [Store.VectorStore] rather than constructing directly.
// All methods are safe for concurrent use.
type VectorStoreImpl struct {
	pool *pgxpool.Pool
}

// UpsertContentEmbedding implements [memory.VectorStore].
func (s *VectorStoreImpl) UpsertContentEmbedding(ctx context.Context, artifactID string, embedding []float32) error {
	const q = `
		INSERT INTO content_embeddings (artifact_id, embedding, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (artifact_id) DO UPDATE SET
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	_, err := s.pool.Exec(ctx, q, artifactID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("vector store: upsert content embedding: %w", err)
	}
	return nil
}

// UpsertChunkEmbedding implements [memory.VectorStore]. It assumes the chunk
// row already exists (inserted by [RelationalStoreImpl.InsertChunks]) and
// only refreshes the embedding column.
func (s *VectorStoreImpl) UpsertChunkEmbedding(ctx context.Context, chunk memory.Chunk) error {
	const q = `UPDATE chunks SET embedding = $2 WHERE id = $1`

	_, err := s.pool.Exec(ctx, q, chunk.ID, pgvector.NewVector(chunk.Embedding))
	if err != nil {
		return fmt.Errorf("vector store: upsert chunk embedding: %w", err)
	}
	return nil
}

// SearchContent implements [memory.VectorStore].
func (s *VectorStoreImpl) SearchContent(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	const q = `
		SELECT artifact_id, embedding <=> $1 AS distance
		FROM   content_embeddings
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("vector store: search content: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.VectorHit, error) {
		var h memory.VectorHit
		if err := row.Scan(&h.ArtifactID, &h.Distance); err != nil {
			return memory.VectorHit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: scan content rows: %w", err)
	}
	if hits == nil {
		hits = []memory.VectorHit{}
	}
	return hits, nil
}

// SearchChunks implements [memory.VectorStore].
func (s *VectorStoreImpl) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	const q = `
		SELECT c.id, r.artifact_id, c.embedding <=> $1 AS distance
		FROM   chunks c
		JOIN   artifact_revisions r ON r.id = c.artifact_revision_id
		WHERE  c.embedding IS NOT NULL
		  AND  r.status = 'active'
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("vector store: search chunks: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.VectorHit, error) {
		var h memory.VectorHit
		if err := row.Scan(&h.ChunkID, &h.ArtifactID, &h.Distance); err != nil {
			return memory.VectorHit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: scan chunk rows: %w", err)
	}
	if hits == nil {
		hits = []memory.VectorHit{}
	}
	return hits, nil
}

// DeleteArtifact implements [memory.VectorStore]. Chunk embeddings are
// removed implicitly when [RelationalStoreImpl.DeleteArtifact] cascades the
// chunks table; this only needs to clear the content namespace.
func (s *VectorStoreImpl) DeleteArtifact(ctx context.Context, artifactID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM content_embeddings WHERE artifact_id = $1`, artifactID)
	if err != nil {
		return fmt.Errorf("vector store: delete artifact: %w", err)
	}
	return nil
}
