package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// RelationalStoreImpl is the system-of-record layer backed by ordinary
// PostgreSQL tables: artifact revisions, chunks, entities, aliases,
// mentions, semantic events, evidence, and the actor/subject join tables.
//
// Obtain one via [Store.Relational] rather than constructing directly.
// All methods are safe for concurrent use.
type RelationalStoreImpl struct {
	pool *pgxpool.Pool
}

// CreateRevision implements [memory.RelationalStore].
func (s *RelationalStoreImpl) CreateRevision(ctx context.Context, rev memory.ArtifactRevision) error {
	const q = `
		INSERT INTO artifact_revisions
		    (id, artifact_id, revision_number, content, content_hash, token_count, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		rev.ID, rev.ArtifactID, rev.RevisionNumber, rev.Content, rev.ContentHash,
		rev.TokenCount, rev.Source, rev.Status, rev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("relational store: create revision: %w", err)
	}
	return nil
}

// MarkSuperseded implements [memory.RelationalStore].
func (s *RelationalStoreImpl) MarkSuperseded(ctx context.Context, artifactID, keepRevisionID string) error {
	const q = `
		UPDATE artifact_revisions
		SET    status = $3, superseded_at = now()
		WHERE  artifact_id = $1
		  AND  id != $2
		  AND  status = $4`

	_, err := s.pool.Exec(ctx, q, artifactID, keepRevisionID, memory.ArtifactStatusSuperseded, memory.ArtifactStatusActive)
	if err != nil {
		return fmt.Errorf("relational store: mark superseded: %w", err)
	}
	return nil
}

func scanRevision(row pgx.CollectableRow) (memory.ArtifactRevision, error) {
	var rev memory.ArtifactRevision
	err := row.Scan(
		&rev.ID, &rev.ArtifactID, &rev.RevisionNumber, &rev.Content, &rev.ContentHash,
		&rev.TokenCount, &rev.Source, &rev.Status, &rev.CreatedAt, &rev.SupersededAt,
	)
	return rev, err
}

// GetLatestRevision implements [memory.RelationalStore].
func (s *RelationalStoreImpl) GetLatestRevision(ctx context.Context, artifactID string) (*memory.ArtifactRevision, error) {
	const q = `
		SELECT id, artifact_id, revision_number, content, content_hash, token_count, source, status, created_at, superseded_at
		FROM   artifact_revisions
		WHERE  artifact_id = $1
		  AND  status != $2
		ORDER  BY revision_number DESC
		LIMIT  1`

	rows, err := s.pool.Query(ctx, q, artifactID, memory.ArtifactStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("relational store: get latest revision: %w", err)
	}
	rev, err := pgx.CollectOneRow(rows, scanRevision)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("relational store: scan latest revision: %w", err)
	}
	return &rev, nil
}

// ListRevisions implements [memory.RelationalStore].
func (s *RelationalStoreImpl) ListRevisions(ctx context.Context, filter memory.RevisionFilter) ([]memory.ArtifactRevision, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.ArtifactID != "" {
		conditions = append(conditions, "artifact_id = "+next(filter.ArtifactID))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+next(string(filter.Status)))
	}

	q := "SELECT id, artifact_id, revision_number, content, content_hash, token_count, source, status, created_at, superseded_at\n" +
		"FROM   artifact_revisions\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf("\nLIMIT %s", fmt.Sprintf("$%d", len(args)))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("relational store: list revisions: %w", err)
	}
	revs, err := pgx.CollectRows(rows, scanRevision)
	if err != nil {
		return nil, fmt.Errorf("relational store: scan revisions: %w", err)
	}
	if revs == nil {
		revs = []memory.ArtifactRevision{}
	}
	return revs, nil
}

// DeleteArtifact implements [memory.RelationalStore]. In one transaction it
// deletes the chunks, the revision rows and the content embedding of
// artifactID; the ON DELETE CASCADE foreign keys then remove the revisions'
// events, evidence, actors, subjects and mentions. Entities are left in place.
func (s *RelationalStoreImpl) DeleteArtifact(ctx context.Context, artifactID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relational store: delete artifact: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM chunks
		WHERE artifact_revision_id IN (SELECT id FROM artifact_revisions WHERE artifact_id = $1)`,
		artifactID,
	); err != nil {
		return fmt.Errorf("relational store: delete artifact: delete chunks: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM artifact_revisions WHERE artifact_id = $1`, artifactID); err != nil {
		return fmt.Errorf("relational store: delete artifact: delete revisions: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM content_embeddings WHERE artifact_id = $1`, artifactID); err != nil {
		return fmt.Errorf("relational store: delete artifact: delete content embedding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relational store: delete artifact: commit: %w", err)
	}
	return nil
}

// InsertChunks implements [memory.RelationalStore].
func (s *RelationalStoreImpl) InsertChunks(ctx context.Context, chunks []memory.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const q = `
		INSERT INTO chunks (id, artifact_revision_id, index, content, content_hash, token_count, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, c := range chunks {
		var vec any
		if len(c.Embedding) > 0 {
			vec = pgvector.NewVector(c.Embedding)
		}
		batch.Queue(q, c.ID, c.ArtifactRevisionID, c.Index, c.Content, c.ContentHash, c.TokenCount, vec, c.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("relational store: insert chunks: %w", err)
		}
	}
	return nil
}

// GetChunks implements [memory.RelationalStore].
func (s *RelationalStoreImpl) GetChunks(ctx context.Context, artifactRevisionID string) ([]memory.Chunk, error) {
	const q = `
		SELECT id, artifact_revision_id, index, content, content_hash, token_count, embedding, created_at
		FROM   chunks
		WHERE  artifact_revision_id = $1
		ORDER  BY index`

	rows, err := s.pool.Query(ctx, q, artifactRevisionID)
	if err != nil {
		return nil, fmt.Errorf("relational store: get chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Chunk, error) {
		var (
			c   memory.Chunk
			vec *pgvector.Vector
		)
		if err := row.Scan(&c.ID, &c.ArtifactRevisionID, &c.Index, &c.Content, &c.ContentHash, &c.TokenCount, &vec, &c.CreatedAt); err != nil {
			return memory.Chunk{}, err
		}
		if vec != nil {
			c.Embedding = vec.Slice()
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational store: scan chunks: %w", err)
	}
	if chunks == nil {
		chunks = []memory.Chunk{}
	}
	return chunks, nil
}

const entityColumns = `id, canonical_name, normalized_name, type, role, organization, email, embedding, needs_review, first_seen_artifact_id, first_seen_revision_id, created_at, updated_at`

// InsertEntity implements [memory.RelationalStore].
func (s *RelationalStoreImpl) InsertEntity(ctx context.Context, entity memory.Entity) error {
	const q = `
		INSERT INTO entities (` + entityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	var vec any
	if len(entity.Embedding) > 0 {
		vec = pgvector.NewVector(entity.Embedding)
	}
	_, err := s.pool.Exec(ctx, q,
		entity.ID, entity.CanonicalName, entity.NormalizedName, entity.Type, entity.Role, entity.Organization, entity.Email,
		vec, entity.NeedsReview, entity.FirstSeenArtifactID, entity.FirstSeenRevisionID, entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("relational store: insert entity: %w", err)
	}
	return nil
}

func scanEntity(row pgx.CollectableRow) (memory.Entity, error) {
	var (
		e   memory.Entity
		vec *pgvector.Vector
	)
	if err := row.Scan(
		&e.ID, &e.CanonicalName, &e.NormalizedName, &e.Type, &e.Role, &e.Organization, &e.Email,
		&vec, &e.NeedsReview, &e.FirstSeenArtifactID, &e.FirstSeenRevisionID, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return memory.Entity{}, err
	}
	if vec != nil {
		e.Embedding = vec.Slice()
	}
	return e, nil
}

// GetEntity implements [memory.RelationalStore].
func (s *RelationalStoreImpl) GetEntity(ctx context.Context, id string) (*memory.Entity, error) {
	const q = `SELECT ` + entityColumns + ` FROM entities WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("relational store: get entity: %w", err)
	}
	e, err := pgx.CollectOneRow(rows, scanEntity)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("relational store: scan entity: %w", err)
	}
	return &e, nil
}

// SetNeedsReview implements [memory.RelationalStore].
func (s *RelationalStoreImpl) SetNeedsReview(ctx context.Context, entityID string, needsReview bool) error {
	const q = `UPDATE entities SET needs_review = $2, updated_at = now() WHERE id = $1`

	_, err := s.pool.Exec(ctx, q, entityID, needsReview)
	if err != nil {
		return fmt.Errorf("relational store: set needs review: %w", err)
	}
	return nil
}

// RecordUncertainPair implements [memory.RelationalStore].
func (s *RelationalStoreImpl) RecordUncertainPair(ctx context.Context, pair memory.UncertainPair) error {
	const q = `
		INSERT INTO entity_uncertain_pairs (entity_id, candidate_entity_id, confidence, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id, candidate_entity_id) DO UPDATE
		SET confidence = EXCLUDED.confidence, reason = EXCLUDED.reason`

	_, err := s.pool.Exec(ctx, q, pair.EntityID, pair.CandidateEntityID, pair.Confidence, pair.Reason, pair.CreatedAt)
	if err != nil {
		return fmt.Errorf("relational store: record uncertain pair: %w", err)
	}
	return nil
}

// FetchUncertainPairs implements [memory.RelationalStore].
func (s *RelationalStoreImpl) FetchUncertainPairs(ctx context.Context) ([]memory.UncertainPair, error) {
	const q = `SELECT entity_id, candidate_entity_id, confidence, reason, created_at FROM entity_uncertain_pairs ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("relational store: fetch uncertain pairs: %w", err)
	}
	pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.UncertainPair, error) {
		var p memory.UncertainPair
		if err := row.Scan(&p.EntityID, &p.CandidateEntityID, &p.Confidence, &p.Reason, &p.CreatedAt); err != nil {
			return memory.UncertainPair{}, err
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational store: scan uncertain pairs: %w", err)
	}
	if pairs == nil {
		pairs = []memory.UncertainPair{}
	}
	return pairs, nil
}

// AddAlias implements [memory.RelationalStore].
func (s *RelationalStoreImpl) AddAlias(ctx context.Context, alias memory.EntityAlias) error {
	const q = `INSERT INTO entity_aliases (id, entity_id, alias, source) VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, alias.ID, alias.EntityID, alias.Alias, alias.Source)
	if err != nil {
		return fmt.Errorf("relational store: add alias: %w", err)
	}
	return nil
}

// RecordMention implements [memory.RelationalStore].
func (s *RelationalStoreImpl) RecordMention(ctx context.Context, mention memory.EntityMention) error {
	const q = `INSERT INTO entity_mentions (id, chunk_id, surface_form, entity_id, created_at) VALUES ($1, $2, $3, NULLIF($4, ''), $5)`

	_, err := s.pool.Exec(ctx, q, mention.ID, mention.ChunkID, mention.SurfaceForm, mention.EntityID, mention.CreatedAt)
	if err != nil {
		return fmt.Errorf("relational store: record mention: %w", err)
	}
	return nil
}

// ResolveMention implements [memory.RelationalStore].
func (s *RelationalStoreImpl) ResolveMention(ctx context.Context, mentionID, entityID string) error {
	const q = `UPDATE entity_mentions SET entity_id = $2 WHERE id = $1`

	_, err := s.pool.Exec(ctx, q, mentionID, entityID)
	if err != nil {
		return fmt.Errorf("relational store: resolve mention: %w", err)
	}
	return nil
}

// PendingMentions implements [memory.RelationalStore].
func (s *RelationalStoreImpl) PendingMentions(ctx context.Context, limit int) ([]memory.EntityMention, error) {
	const q = `
		SELECT id, chunk_id, surface_form, COALESCE(entity_id, ''), created_at
		FROM   entity_mentions
		WHERE  entity_id IS NULL
		ORDER  BY created_at
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("relational store: pending mentions: %w", err)
	}
	mentions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.EntityMention, error) {
		var m memory.EntityMention
		if err := row.Scan(&m.ID, &m.ChunkID, &m.SurfaceForm, &m.EntityID, &m.CreatedAt); err != nil {
			return memory.EntityMention{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational store: scan pending mentions: %w", err)
	}
	if mentions == nil {
		mentions = []memory.EntityMention{}
	}
	return mentions, nil
}

// CandidateEntities implements [memory.RelationalStore].
func (s *RelationalStoreImpl) CandidateEntities(ctx context.Context, embedding []float32, topK int) ([]memory.Entity, error) {
	q := `
		SELECT ` + entityColumns + `
		FROM   entities
		WHERE  embedding IS NOT NULL
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("relational store: candidate entities: %w", err)
	}
	entities, err := pgx.CollectRows(rows, scanEntity)
	if err != nil {
		return nil, fmt.Errorf("relational store: scan candidate entities: %w", err)
	}
	if entities == nil {
		entities = []memory.Entity{}
	}
	return entities, nil
}

// ReplaceEvents implements [memory.RelationalStore]. Re-extraction of the
// same revision must be idempotent, so prior events (and their evidence,
// actors, and subjects) are deleted before the new set is inserted, all
// within one transaction.
func (s *RelationalStoreImpl) ReplaceEvents(ctx context.Context, artifactRevisionID string, events []memory.SemanticEvent, evidence []memory.Evidence, actors []memory.EventActor, subjects []memory.EventSubject) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relational store: replace events: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM semantic_events WHERE artifact_revision_id = $1`, artifactRevisionID); err != nil {
		return fmt.Errorf("relational store: replace events: delete old: %w", err)
	}

	for _, e := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO semantic_events (id, artifact_revision_id, chunk_id, summary, predicate, occurred_at, confidence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.ArtifactRevisionID, e.ChunkID, e.Summary, e.Predicate, e.OccurredAt, e.Confidence, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("relational store: replace events: insert event: %w", err)
		}
	}
	for _, ev := range evidence {
		if _, err := tx.Exec(ctx, `INSERT INTO evidence (id, event_id, chunk_id, quote) VALUES ($1, $2, $3, $4)`,
			ev.ID, ev.EventID, ev.ChunkID, ev.Quote,
		); err != nil {
			return fmt.Errorf("relational store: replace events: insert evidence: %w", err)
		}
	}
	for _, a := range actors {
		if _, err := tx.Exec(ctx, `INSERT INTO event_actors (event_id, entity_id, role) VALUES ($1, $2, $3)`,
			a.EventID, a.EntityID, a.Role,
		); err != nil {
			return fmt.Errorf("relational store: replace events: insert actor: %w", err)
		}
	}
	for _, sub := range subjects {
		if _, err := tx.Exec(ctx, `INSERT INTO event_subjects (event_id, entity_id, role) VALUES ($1, $2, $3)`,
			sub.EventID, sub.EntityID, sub.Role,
		); err != nil {
			return fmt.Errorf("relational store: replace events: insert subject: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relational store: replace events: commit: %w", err)
	}
	return nil
}

// EventsForRevision implements [memory.RelationalStore].
func (s *RelationalStoreImpl) EventsForRevision(ctx context.Context, artifactRevisionID string) ([]memory.SemanticEvent, error) {
	const q = `
		SELECT id, artifact_revision_id, chunk_id, summary, predicate, occurred_at, confidence, created_at
		FROM   semantic_events
		WHERE  artifact_revision_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, artifactRevisionID)
	if err != nil {
		return nil, fmt.Errorf("relational store: events for revision: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SemanticEvent, error) {
		var e memory.SemanticEvent
		if err := row.Scan(&e.ID, &e.ArtifactRevisionID, &e.ChunkID, &e.Summary, &e.Predicate, &e.OccurredAt, &e.Confidence, &e.CreatedAt); err != nil {
			return memory.SemanticEvent{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational store: scan events: %w", err)
	}
	if events == nil {
		events = []memory.SemanticEvent{}
	}
	return events, nil
}

// GetEvents implements [memory.RelationalStore].
func (s *RelationalStoreImpl) GetEvents(ctx context.Context, ids []string) ([]memory.SemanticEvent, error) {
	if len(ids) == 0 {
		return []memory.SemanticEvent{}, nil
	}
	const q = `
		SELECT id, artifact_revision_id, chunk_id, summary, predicate, occurred_at, confidence, created_at
		FROM   semantic_events
		WHERE  id = ANY($1)`

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("relational store: get events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SemanticEvent, error) {
		var e memory.SemanticEvent
		if err := row.Scan(&e.ID, &e.ArtifactRevisionID, &e.ChunkID, &e.Summary, &e.Predicate, &e.OccurredAt, &e.Confidence, &e.CreatedAt); err != nil {
			return memory.SemanticEvent{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational store: scan events: %w", err)
	}
	if events == nil {
		events = []memory.SemanticEvent{}
	}
	return events, nil
}

// EvidenceForEvent implements [memory.RelationalStore].
func (s *RelationalStoreImpl) EvidenceForEvent(ctx context.Context, eventID string) ([]memory.Evidence, error) {
	const q = `SELECT id, event_id, chunk_id, quote FROM evidence WHERE event_id = $1`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("relational store: evidence for event: %w", err)
	}
	ev, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Evidence, error) {
		var e memory.Evidence
		if err := row.Scan(&e.ID, &e.EventID, &e.ChunkID, &e.Quote); err != nil {
			return memory.Evidence{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational store: scan evidence: %w", err)
	}
	if ev == nil {
		ev = []memory.Evidence{}
	}
	return ev, nil
}

func (s *RelationalStoreImpl) entitiesByRole(ctx context.Context, table, eventID string) ([]memory.Entity, error) {
	cols := "e." + strings.Join(strings.Split(entityColumns, ", "), ", e.")
	q := fmt.Sprintf(`
		SELECT %s
		FROM   entities e
		JOIN   %s j ON j.entity_id = e.id
		WHERE  j.event_id = $1`, cols, table)

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("relational store: entities for %s: %w", table, err)
	}
	entities, err := pgx.CollectRows(rows, scanEntity)
	if err != nil {
		return nil, fmt.Errorf("relational store: scan entities for %s: %w", table, err)
	}
	if entities == nil {
		entities = []memory.Entity{}
	}
	return entities, nil
}

// ActorsForEvent implements [memory.RelationalStore].
func (s *RelationalStoreImpl) ActorsForEvent(ctx context.Context, eventID string) ([]memory.Entity, error) {
	return s.entitiesByRole(ctx, "event_actors", eventID)
}

// SubjectsForEvent implements [memory.RelationalStore].
func (s *RelationalStoreImpl) SubjectsForEvent(ctx context.Context, eventID string) ([]memory.Entity, error) {
	return s.entitiesByRole(ctx, "event_subjects", eventID)
}
