package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/provider/embeddings"
	"github.com/agentmemory/memoryd/pkg/provider/llm"
	"github.com/agentmemory/memoryd/pkg/types"
)

// Mention is the resolver's input: a surface form extracted from a chunk,
// plus the context clues the extractor captured alongside it.
type Mention struct {
	ChunkID string

	// ArtifactRevisionID identifies the revision this mention was extracted
	// from; recorded on a newly created entity as FirstSeenRevisionID.
	ArtifactRevisionID string

	// SurfaceForm is the literal text that named the entity in the source.
	SurfaceForm string

	// CanonicalSuggestion is the extractor's best guess at a normalized name.
	CanonicalSuggestion string

	Type EntityType

	// Role and Organization are optional context clues (e.g. "engineer", "Acme Corp").
	Role         string
	Organization string

	// SourceTitle is the title of the document the mention came from, passed
	// to the LLM confirmation step for extra context.
	SourceTitle string

	// AliasesInDoc are other surface forms the extractor believes refer to
	// the same entity within the same document.
	AliasesInDoc []string
}

// EntityType mirrors [memory.EntityType]; kept as a distinct alias so this
// package's public surface doesn't leak memory's type directly into callers
// that only have a string.
type EntityType = memory.EntityType

// Outcome reports what the resolver did with a mention.
type Outcome struct {
	Decision memory.ResolutionDecision

	// EntityID is the entity the mention now resolves to, whether newly
	// created or merged into an existing one.
	EntityID string

	// Created is true when a new entity was inserted.
	Created bool

	// NeedsReview flags an entity created under uncertainty (an embedding
	// failure, an LLM failure, or an unresolved POSSIBLY_SAME candidate).
	NeedsReview bool

	// PossiblySameEntityID is set when Decision is uncertain and the
	// resolver wants a POSSIBLY_SAME edge recorded against this candidate.
	PossiblySameEntityID string
}

// Config tunes candidate search and the string-similarity tie-breaker.
type Config struct {
	// CandidateTopK bounds how many embedding-nearest entities are considered.
	CandidateTopK int

	// PhoneticThreshold and FuzzyThreshold feed the Double
	// Metaphone/Jaro-Winkler tie-breaker; see [newNameMatcher].
	PhoneticThreshold float64
	FuzzyThreshold    float64
}

func (c Config) withDefaults() Config {
	if c.CandidateTopK <= 0 {
		c.CandidateTopK = 5
	}
	if c.PhoneticThreshold <= 0 {
		c.PhoneticThreshold = defaultPhoneticThreshold
	}
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = defaultFuzzyThreshold
	}
	return c
}

// Resolver implements the two-phase resolution algorithm: embedding-based
// candidate generation (Phase A) followed by LLM-adjudicated merge/separate
// decisions (Phase B). A string-similarity score from [nameMatcher] rides
// along as an extra clue for Phase B but never substitutes for the
// embedding candidate set.
type Resolver struct {
	Relational memory.RelationalStore
	Embedder   embeddings.Provider
	LLM        llm.Provider
	Metrics    *observe.Metrics
	Config     Config

	matcher *nameMatcher
}

// New constructs a Resolver. Metrics may be nil in tests.
func New(relational memory.RelationalStore, embedder embeddings.Provider, llmProvider llm.Provider, metrics *observe.Metrics, cfg Config) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		Relational: relational,
		Embedder:   embedder,
		LLM:        llmProvider,
		Metrics:    metrics,
		Config:     cfg,
		matcher:    newNameMatcher(cfg.PhoneticThreshold, cfg.FuzzyThreshold),
	}
}

// candidate pairs a fetched entity with its string-similarity score against
// the mention's surface form, used only as a Phase B context clue and as the
// determinism tie-breaker.
type candidate struct {
	entity     memory.Entity
	similarity float64
}

// Resolve runs Phase A and Phase B for mention and commits the outcome:
// inserting a new entity, merging into an existing one, or creating a new
// entity flagged for review alongside a POSSIBLY_SAME candidate. It never
// returns an error that should block extraction; embedding and LLM failures
// degrade to a conservative CREATE with NeedsReview set.
func (r *Resolver) Resolve(ctx context.Context, mention Mention) (Outcome, error) {
	start := time.Now()
	defer func() {
		if r.Metrics != nil {
			r.Metrics.ResolutionDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	contextText := fmt.Sprintf("%s, %s, %s, %s", mention.CanonicalSuggestion, mention.Type, mention.Role, mention.Organization)
	embedding, err := r.Embedder.Embed(ctx, contextText)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordProviderError(ctx, "embeddings", "resolve_mention")
		}
		return r.create(ctx, mention, nil, true, "", 0, "")
	}

	candidates, err := r.fetchCandidates(ctx, mention, embedding)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolver: fetch candidates: %w", err)
	}

	if len(candidates) == 0 {
		return r.create(ctx, mention, embedding, false, "", 0, "")
	}

	var bestUncertain *candidate
	var bestUncertainReason string
	for i := range candidates {
		c := candidates[i]
		decision, canonicalName, reason, err := r.confirm(ctx, mention, c)
		if err != nil {
			decision = memory.DecisionUncertain
			reason = fmt.Sprintf("confirmation failed: %v", err)
		}

		switch decision {
		case memory.DecisionSame:
			return r.merge(ctx, mention, c.entity, canonicalName)
		case memory.DecisionUncertain:
			if bestUncertain == nil || c.similarity > bestUncertain.similarity {
				bestUncertain = &c
				if reason == "" {
					reason = "embedding similarity is ambiguous"
				}
				bestUncertainReason = reason
			}
		}
	}

	if bestUncertain != nil {
		outcome, err := r.create(ctx, mention, embedding, true, bestUncertain.entity.ID, bestUncertain.similarity, bestUncertainReason)
		outcome.Decision = memory.DecisionUncertain
		return outcome, err
	}

	outcome, err := r.create(ctx, mention, embedding, false, "", 0, "")
	outcome.Decision = memory.DecisionDifferent
	return outcome, err
}

// fetchCandidates retrieves embedding-nearest entities of the mention's type
// and scores each against the surface form with the phonetic/fuzzy
// tie-breaker, ordering by similarity descending and then by entity ID for
// determinism among ties.
func (r *Resolver) fetchCandidates(ctx context.Context, mention Mention, embedding []float32) ([]candidate, error) {
	entities, err := r.Relational.CandidateEntities(ctx, embedding, r.Config.CandidateTopK)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(entities))
	for _, e := range entities {
		if e.Type != mention.Type {
			continue
		}
		out = append(out, candidate{
			entity:     e,
			similarity: r.matcher.similarity(mention.SurfaceForm, e.CanonicalName),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].similarity != out[j].similarity {
			return out[i].similarity > out[j].similarity
		}
		return out[i].entity.ID < out[j].entity.ID
	})
	return out, nil
}

// confirmResponse is the expected shape of the LLM's JSON confirmation reply.
type confirmResponse struct {
	Decision      string
	CanonicalName string
	Reason        string
}

// confirm asks the LLM whether mention and c.entity name the same
// real-world thing, surfacing c.similarity as an extra clue.
func (r *Resolver) confirm(ctx context.Context, mention Mention, c candidate) (memory.ResolutionDecision, string, string, error) {
	prompt := confirmPrompt(mention, c)
	resp, err := r.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: confirmSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: prompt}},
		Temperature:  0,
	})
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordProviderError(ctx, "llm", "resolve_confirm")
		}
		return memory.DecisionUncertain, "", "", err
	}

	parsed, err := parseConfirmResponse(resp.Content)
	if err != nil {
		return memory.DecisionUncertain, "", "", err
	}
	return parsed.decision, parsed.CanonicalName, parsed.Reason, nil
}

type parsedConfirm struct {
	decision memory.ResolutionDecision
	confirmResponse
}

// parseConfirmResponse extracts the decision fields from the LLM's reply
// with gjson, which tolerates the surrounding prose or code fences models
// sometimes wrap JSON in, unlike a strict encoding/json Unmarshal.
func parseConfirmResponse(content string) (parsedConfirm, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	if !gjson.Valid(content) {
		return parsedConfirm{}, fmt.Errorf("resolver: invalid confirmation JSON")
	}

	raw := gjson.Get(content, "decision").String()
	var decision memory.ResolutionDecision
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(memory.DecisionSame):
		decision = memory.DecisionSame
	case string(memory.DecisionDifferent):
		decision = memory.DecisionDifferent
	case string(memory.DecisionUncertain):
		decision = memory.DecisionUncertain
	default:
		return parsedConfirm{}, fmt.Errorf("resolver: unrecognized decision %q", raw)
	}

	return parsedConfirm{
		decision: decision,
		confirmResponse: confirmResponse{
			Decision:      raw,
			CanonicalName: gjson.Get(content, "canonical_name").String(),
			Reason:        gjson.Get(content, "reason").String(),
		},
	}, nil
}

// merge attaches mention to an existing entity: records a new alias when the
// surface form isn't already the canonical name, resolves the mention, and
// reports DecisionSame.
func (r *Resolver) merge(ctx context.Context, mention Mention, entity memory.Entity, llmCanonicalName string) (Outcome, error) {
	if !strings.EqualFold(mention.SurfaceForm, entity.CanonicalName) {
		if err := r.Relational.AddAlias(ctx, memory.EntityAlias{
			ID:       uuid.New().String(),
			EntityID: entity.ID,
			Alias:    mention.SurfaceForm,
			Source:   "mention",
		}); err != nil {
			return Outcome{}, fmt.Errorf("resolver: add alias: %w", err)
		}
	}

	mentionID, err := r.recordAndResolveMention(ctx, mention, entity.ID)
	if err != nil {
		return Outcome{}, err
	}
	_ = mentionID
	_ = llmCanonicalName // a fuller canonical name would require an UpdateEntity method; not exposed by RelationalStore today.

	if entity.NeedsReview {
		if err := r.Relational.SetNeedsReview(ctx, entity.ID, false); err != nil {
			return Outcome{}, fmt.Errorf("resolver: clear needs_review: %w", err)
		}
	}

	if r.Metrics != nil {
		r.Metrics.RecordEntityResolved(ctx, string(memory.DecisionSame))
	}
	return Outcome{Decision: memory.DecisionSame, EntityID: entity.ID}, nil
}

// create inserts a new entity for mention, optionally with an embedding and
// a needsReview flag, links any in-document aliases, records the entity's
// POSSIBLY_SAME candidate (if any) for the graph materializer, and resolves
// the mention to it.
func (r *Resolver) create(ctx context.Context, mention Mention, embedding []float32, needsReview bool, possiblySameID string, possiblySameConfidence float64, possiblySameReason string) (Outcome, error) {
	needsReview = needsReview || possiblySameID != ""
	name := canonicalNameFor(mention)
	entity := memory.Entity{
		ID:                  uuid.New().String(),
		CanonicalName:       name,
		NormalizedName:      normalizeKey(name),
		Type:                mention.Type,
		Role:                mention.Role,
		Organization:        mention.Organization,
		Embedding:           embedding,
		NeedsReview:         needsReview,
		FirstSeenRevisionID: mention.ArtifactRevisionID,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}
	if err := r.Relational.InsertEntity(ctx, entity); err != nil {
		return Outcome{}, fmt.Errorf("resolver: insert entity: %w", err)
	}

	for _, alias := range aliasesFor(mention, entity.CanonicalName) {
		if err := r.Relational.AddAlias(ctx, memory.EntityAlias{
			ID:       uuid.New().String(),
			EntityID: entity.ID,
			Alias:    alias,
			Source:   "mention",
		}); err != nil {
			return Outcome{}, fmt.Errorf("resolver: add alias: %w", err)
		}
	}

	if _, err := r.recordAndResolveMention(ctx, mention, entity.ID); err != nil {
		return Outcome{}, err
	}

	decision := memory.DecisionDifferent
	if possiblySameID != "" {
		decision = memory.DecisionUncertain
		if err := r.Relational.RecordUncertainPair(ctx, memory.UncertainPair{
			EntityID:          entity.ID,
			CandidateEntityID: possiblySameID,
			Confidence:        possiblySameConfidence,
			Reason:            possiblySameReason,
			CreatedAt:         time.Now(),
		}); err != nil {
			return Outcome{}, fmt.Errorf("resolver: record uncertain pair: %w", err)
		}
	}
	if r.Metrics != nil {
		r.Metrics.RecordEntityResolved(ctx, string(decision))
	}

	return Outcome{
		Decision:             decision,
		EntityID:             entity.ID,
		Created:              true,
		NeedsReview:          needsReview,
		PossiblySameEntityID: possiblySameID,
	}, nil
}

func (r *Resolver) recordAndResolveMention(ctx context.Context, mention Mention, entityID string) (string, error) {
	mentionID := uuid.New().String()
	if err := r.Relational.RecordMention(ctx, memory.EntityMention{
		ID:          mentionID,
		ChunkID:     mention.ChunkID,
		SurfaceForm: mention.SurfaceForm,
		CreatedAt:   time.Now(),
	}); err != nil {
		return "", fmt.Errorf("resolver: record mention: %w", err)
	}
	if err := r.Relational.ResolveMention(ctx, mentionID, entityID); err != nil {
		return "", fmt.Errorf("resolver: resolve mention: %w", err)
	}
	return mentionID, nil
}

// normalizeKey lowercases and collapses whitespace, matching the form stored
// in [memory.Entity.NormalizedName].
func normalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func canonicalNameFor(mention Mention) string {
	if strings.TrimSpace(mention.CanonicalSuggestion) != "" {
		return mention.CanonicalSuggestion
	}
	return mention.SurfaceForm
}

// aliasesFor returns the document-local aliases plus the surface form
// itself when it differs from the chosen canonical name, deduplicated.
func aliasesFor(mention Mention, canonicalName string) []string {
	seen := map[string]struct{}{strings.ToLower(canonicalName): {}}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	add(mention.SurfaceForm)
	for _, a := range mention.AliasesInDoc {
		add(a)
	}
	return out
}

const confirmSystemPrompt = `You resolve whether two references to an entity in a document corpus name the same real-world person, organization, place, or concept.
Respond with a single JSON object: {"decision": "same"|"different"|"uncertain", "canonical_name": string, "reason": string}.
Use "uncertain" when the evidence is genuinely ambiguous rather than guessing.`

func confirmPrompt(mention Mention, c candidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "New mention:\n  surface form: %s\n  suggested canonical: %s\n  type: %s\n  role: %s\n  organization: %s\n  source document: %s\n\n",
		mention.SurfaceForm, mention.CanonicalSuggestion, mention.Type, mention.Role, mention.Organization, mention.SourceTitle)
	fmt.Fprintf(&sb, "Candidate entity:\n  canonical name: %s\n  type: %s\n  string_similarity: %.2f\n\n",
		c.entity.CanonicalName, c.entity.Type, c.similarity)
	sb.WriteString("Do these name the same entity? Respond with the JSON object only.")
	return sb.String()
}
