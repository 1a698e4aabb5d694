// Package retrieval implements the `recall` query path: embed once, k-NN
// search the enabled vector namespaces, merge across namespaces with
// Reciprocal Rank Fusion, optionally expand into the entity graph around the
// primary results, and optionally aggregate the entities involved.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/agentmemory/memoryd/internal/graph"
	"github.com/agentmemory/memoryd/internal/memerr"
	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/provider/embeddings"
)

// rrfK is the Reciprocal Rank Fusion constant (§4.11: score = Σ 1/(k+rank)).
const rrfK = 60

// distanceCutoff drops vector hits weaker than this cosine distance before
// fusion, so an unrelated namespace doesn't dilute the merge with noise.
const distanceCutoff = 0.55

// EntitySummary aggregates one entity referenced by the seed and related
// events of a graph-expanded recall, for the optional include_entities output.
type EntitySummary struct {
	Entity       memory.Entity
	MentionCount int
}

// Result is the full response to one Recall call.
type Result struct {
	PrimaryResults []memory.RetrievalHit
	RelatedContext []graph.RelatedEvent
	Entities       []EntitySummary
	Warning        string
	ExpandOptions  map[string]any
}

// Config tunes the distance cutoff applied to vector hits before fusion.
type Config struct {
	// DistanceCutoff overrides distanceCutoff. Zero keeps the default.
	DistanceCutoff float64
}

func (c Config) withDefaults() Config {
	if c.DistanceCutoff <= 0 {
		c.DistanceCutoff = distanceCutoff
	}
	return c
}

// Service drives the recall path described by SPEC_FULL.md §4.11.
type Service struct {
	Vector     memory.VectorStore
	Relational memory.RelationalStore
	Embeddings embeddings.Provider
	Expander   *graph.Expander
	Metrics    *observe.Metrics
	Config     Config
}

// New constructs a Service. Expander may be nil, in which case graph
// expansion is always reported unavailable regardless of opts.
func New(vector memory.VectorStore, relational memory.RelationalStore, emb embeddings.Provider, expander *graph.Expander, metrics *observe.Metrics, cfg Config) *Service {
	return &Service{
		Vector:     vector,
		Relational: relational,
		Embeddings: emb,
		Expander:   expander,
		Metrics:    metrics,
		Config:     cfg.withDefaults(),
	}
}

// rankedHit carries a [memory.VectorHit] together with its 1-based rank and
// namespace of origin, the unit RRF merges over.
type rankedHit struct {
	hit       memory.VectorHit
	rank      int
	namespace string // "chunks" or "content"
}

// Recall executes the full recall pipeline for query.
func (s *Service) Recall(ctx context.Context, query string, opts ...memory.RecallOpt) (*Result, error) {
	start := time.Now()
	resolved := memory.ApplyRecallOpts(opts)

	if resolved.GraphExpand && resolved.GraphDepth != 1 {
		return nil, memerr.New(memerr.KindInvalidInput, fmt.Sprintf("graph_depth %d not supported; only 1-hop expansion is implemented", resolved.GraphDepth))
	}

	embedding, err := s.Embeddings.Embed(ctx, query)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordProviderError(ctx, "embeddings", "recall_query")
		}
		return nil, memerr.Wrap(memerr.KindUpstream, "embed query", err)
	}

	k := resolved.Limit * 4
	if k < 20 {
		k = 20
	}

	var ranked []rankedHit

	chunkHits, err := s.Vector.SearchChunks(ctx, embedding, k)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindUnavailable, "search chunks", err)
	}
	ranked = append(ranked, rankNamespace(chunkHits, "chunks", s.Config.DistanceCutoff)...)

	if resolved.IncludeMemory {
		contentHits, err := s.Vector.SearchContent(ctx, embedding, k)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindUnavailable, "search content", err)
		}
		ranked = append(ranked, rankNamespace(contentHits, "content", s.Config.DistanceCutoff)...)
	}

	merged := fuse(ranked)
	if len(merged) > resolved.Limit {
		merged = merged[:resolved.Limit]
	}

	primary, err := s.hydrate(ctx, merged, resolved.ExpandNeighbors)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "hydrate primary results", err)
	}

	result := &Result{
		PrimaryResults: primary,
		ExpandOptions: map[string]any{
			"limit":            resolved.Limit,
			"graph_expand":     resolved.GraphExpand,
			"graph_depth":      resolved.GraphDepth,
			"graph_budget":     resolved.GraphBudget,
			"graph_seed_limit": resolved.GraphSeedLimit,
			"graph_filters":    resolved.GraphFilters,
			"include_entities": resolved.IncludeEntities,
			"expand_neighbors": resolved.ExpandNeighbors,
			"include_memory":   resolved.IncludeMemory,
		},
	}

	if resolved.GraphExpand {
		seeds, err := s.seedEventsFor(ctx, primary, resolved.GraphSeedLimit)
		if err != nil {
			result.Warning = fmt.Sprintf("graph expansion unavailable: %v", err)
		} else if s.Expander == nil {
			result.Warning = "graph expansion unavailable: no graph backend configured"
		} else {
			related, warning, err := s.Expander.Expand(ctx, seeds, graph.Config{
				Budget:     resolved.GraphBudget,
				Categories: resolved.GraphFilters,
			})
			if err != nil {
				result.Warning = fmt.Sprintf("graph expansion failed: %v", err)
			} else {
				result.RelatedContext = related
				result.Warning = warning
			}

			if resolved.IncludeEntities {
				entities, err := s.aggregateEntities(ctx, append(seeds, eventIDsOf(related)...))
				if err == nil {
					result.Entities = entities
				}
			}
		}
	}

	if s.Metrics != nil {
		s.Metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("stage", "recall")))
	}
	return result, nil
}

func rankNamespace(hits []memory.VectorHit, namespace string, cutoff float64) []rankedHit {
	var out []rankedHit
	for i, h := range hits {
		if h.Distance > cutoff {
			continue
		}
		out = append(out, rankedHit{hit: h, rank: i + 1, namespace: namespace})
	}
	return out
}

// fuse applies Reciprocal Rank Fusion across namespaces and collapses chunk
// hits down to one entry per artifact, keeping the best-ranked chunk.
func fuse(hits []rankedHit) []memory.RetrievalHit {
	type acc struct {
		hit      memory.VectorHit
		score    float64
		minDist  float64
		fromNS   string
	}
	byArtifact := make(map[string]*acc)
	var order []string

	for _, h := range hits {
		contribution := 1.0 / float64(rrfK+h.rank)
		existing, ok := byArtifact[h.hit.ArtifactID]
		if !ok {
			byArtifact[h.hit.ArtifactID] = &acc{hit: h.hit, score: contribution, minDist: h.hit.Distance, fromNS: h.namespace}
			order = append(order, h.hit.ArtifactID)
			continue
		}
		existing.score += contribution
		if h.hit.Distance < existing.minDist {
			existing.minDist = h.hit.Distance
			// Prefer the chunk-namespace hit's ChunkID when collapsing, since a
			// chunk is more specific than a whole-artifact content hit.
			if h.namespace == "chunks" || existing.hit.ChunkID == "" {
				existing.hit = h.hit
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := byArtifact[order[i]], byArtifact[order[j]]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.minDist != b.minDist {
			return a.minDist < b.minDist
		}
		return order[i] < order[j]
	})

	results := make([]memory.RetrievalHit, 0, len(order))
	for _, artifactID := range order {
		a := byArtifact[artifactID]
		results = append(results, memory.RetrievalHit{
			ArtifactID: a.hit.ArtifactID,
			ChunkID:    a.hit.ChunkID,
			Score:      a.score,
			Source:     "vector:" + a.fromNS,
		})
	}
	return results
}

// hydrate fills in each hit's rendered Content by looking up the artifact's
// latest revision and, for chunk hits, the specific chunk. Revisions and
// chunk lists are cached per artifact so a merge with several chunks from the
// same artifact only fetches each once.
func (s *Service) hydrate(ctx context.Context, hits []memory.RetrievalHit, expandNeighbors bool) ([]memory.RetrievalHit, error) {
	revisionCache := make(map[string]*memory.ArtifactRevision)
	chunksCache := make(map[string][]memory.Chunk)

	revisionFor := func(artifactID string) (*memory.ArtifactRevision, error) {
		if rev, ok := revisionCache[artifactID]; ok {
			return rev, nil
		}
		rev, err := s.Relational.GetLatestRevision(ctx, artifactID)
		if err != nil {
			return nil, err
		}
		revisionCache[artifactID] = rev
		return rev, nil
	}
	chunksFor := func(revisionID string) ([]memory.Chunk, error) {
		if chunks, ok := chunksCache[revisionID]; ok {
			return chunks, nil
		}
		chunks, err := s.Relational.GetChunks(ctx, revisionID)
		if err != nil {
			return nil, err
		}
		chunksCache[revisionID] = chunks
		return chunks, nil
	}

	out := make([]memory.RetrievalHit, 0, len(hits))
	for _, h := range hits {
		rev, err := revisionFor(h.ArtifactID)
		if err != nil {
			return nil, err
		}
		if rev == nil {
			continue
		}

		if h.ChunkID == "" {
			h.Content = rev.Content
			out = append(out, h)
			continue
		}

		chunks, err := chunksFor(rev.ID)
		if err != nil {
			return nil, err
		}
		idx := indexOfChunk(chunks, h.ChunkID)
		if idx < 0 {
			continue
		}
		if expandNeighbors {
			h.Content = renderWithNeighbors(chunks, idx)
		} else {
			h.Content = chunks[idx].Content
		}
		out = append(out, h)
	}
	return out, nil
}

func indexOfChunk(chunks []memory.Chunk, id string) int {
	for i, c := range chunks {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// renderWithNeighbors concatenates the chunk at idx with its immediate
// predecessor and successor, separated by a boundary marker, per §4.11 step 5.
func renderWithNeighbors(chunks []memory.Chunk, idx int) string {
	var parts []string
	if idx > 0 {
		parts = append(parts, chunks[idx-1].Content)
	}
	parts = append(parts, chunks[idx].Content)
	if idx < len(chunks)-1 {
		parts = append(parts, chunks[idx+1].Content)
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n[CHUNK BOUNDARY]\n" + p
	}
	return out
}

// seedEventsFor derives graph-expansion seed event ids from the primary
// results: each hit's latest revision is resolved to its semantic events,
// and the union is capped at seedLimit.
func (s *Service) seedEventsFor(ctx context.Context, hits []memory.RetrievalHit, seedLimit int) ([]string, error) {
	if seedLimit <= 0 {
		seedLimit = 5
	}
	seen := make(map[string]struct{})
	var seeds []string
	revisionCache := make(map[string]bool)

	for _, h := range hits {
		rev, err := s.Relational.GetLatestRevision(ctx, h.ArtifactID)
		if err != nil {
			return nil, err
		}
		if rev == nil || revisionCache[rev.ID] {
			continue
		}
		revisionCache[rev.ID] = true

		events, err := s.Relational.EventsForRevision(ctx, rev.ID)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			seeds = append(seeds, ev.ID)
			if len(seeds) >= seedLimit {
				return seeds, nil
			}
		}
	}
	return seeds, nil
}

func eventIDsOf(related []graph.RelatedEvent) []string {
	out := make([]string, len(related))
	for i, r := range related {
		out[i] = r.Event.ID
	}
	return out
}

// aggregateEntities collects the distinct entities that acted in or were the
// subject of eventIDs, with a per-entity mention count across those events.
func (s *Service) aggregateEntities(ctx context.Context, eventIDs []string) ([]EntitySummary, error) {
	counts := make(map[string]int)
	byID := make(map[string]memory.Entity)
	var order []string

	collect := func(entities []memory.Entity) {
		for _, e := range entities {
			if _, ok := byID[e.ID]; !ok {
				order = append(order, e.ID)
			}
			byID[e.ID] = e
			counts[e.ID]++
		}
	}

	for _, id := range eventIDs {
		actors, err := s.Relational.ActorsForEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		collect(actors)

		subjects, err := s.Relational.SubjectsForEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		collect(subjects)
	}

	out := make([]EntitySummary, 0, len(order))
	for _, id := range order {
		out = append(out, EntitySummary{Entity: byID[id], MentionCount: counts[id]})
	}
	return out, nil
}
