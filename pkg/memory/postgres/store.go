package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.VectorStore     = (*VectorStoreImpl)(nil)
	_ memory.RelationalStore = (*RelationalStoreImpl)(nil)
	_ memory.JobQueue        = (*JobQueueImpl)(nil)
	_ memory.GraphStore      = (*GraphStoreImpl)(nil)
)

// Store is the central PostgreSQL-backed store for the memory pipeline. It
// holds a single [pgxpool.Pool] and exposes the four storage interfaces the
// pipeline stages depend on:
//
//   - [Store.VectorStore] implements [memory.VectorStore]
//   - [Store.Relational] implements [memory.RelationalStore]
//   - [Store.Queue] implements [memory.JobQueue]
//   - [Store.Graph] implements [memory.GraphStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	vectors    *VectorStoreImpl
	relational *RelationalStoreImpl
	queue      *JobQueueImpl
	graph      *GraphStoreImpl
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// configured for this deployment. Changing this value after the first
// migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:       pool,
		vectors:    &VectorStoreImpl{pool: pool},
		relational: &RelationalStoreImpl{pool: pool},
		queue:      &JobQueueImpl{pool: pool},
		graph:      &GraphStoreImpl{pool: pool},
	}, nil
}

// VectorStore returns the embedding-similarity layer implementing [memory.VectorStore].
func (s *Store) VectorStore() *VectorStoreImpl { return s.vectors }

// Relational returns the system-of-record layer implementing [memory.RelationalStore].
func (s *Store) Relational() *RelationalStoreImpl { return s.relational }

// Queue returns the job queue layer implementing [memory.JobQueue].
func (s *Store) Queue() *JobQueueImpl { return s.queue }

// Graph returns the materialized graph layer implementing [memory.GraphStore].
func (s *Store) Graph() *GraphStoreImpl { return s.graph }

// Pool exposes the underlying connection pool for callers that need to run
// ad hoc diagnostic queries.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying connection pool. It
// should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
