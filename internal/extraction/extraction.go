// Package extraction turns chunked artifact content into the semantic
// events and entity mentions that populate the knowledge graph: one LLM
// call per chunk (Prompt A), cross-chunk duplicate merging, entity linking
// via [resolver.Resolver], and an atomic commit that also enqueues the
// graph materialization job.
package extraction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/internal/queue"
	"github.com/agentmemory/memoryd/internal/resilience"
	"github.com/agentmemory/memoryd/internal/resolver"
	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/provider/llm"
	"github.com/agentmemory/memoryd/pkg/types"
)

// Document carries the metadata Prompt A expects alongside each chunk's text.
type Document struct {
	ArtifactRevisionID string
	Title              string
	Type               string
}

// defaultKnownCategories is the documented default taxonomy (SPEC_FULL.md
// §4.8). Categories outside this set are still accepted and passed through.
var defaultKnownCategories = []string{
	"Decision", "Commitment", "Execution", "Collaboration",
	"QualityRisk", "Feedback", "Change", "Stakeholder",
}

// Config tunes the extractor's LLM-call retry behaviour and taxonomy.
type Config struct {
	// KnownCategories is the documented default set, used only to flag novel
	// categories in logs/metrics; unknown categories are never rejected.
	KnownCategories []string

	Retry resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if len(c.KnownCategories) == 0 {
		c.KnownCategories = defaultKnownCategories
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.RetryConfig{Name: "extraction-llm", MaxAttempts: 3}
	}
	return c
}

// Extractor drives the per-chunk extraction, cross-chunk canonicalization,
// entity linking, and atomic commit described by SPEC_FULL.md §4.8.
type Extractor struct {
	LLM        llm.Provider
	Resolver   *resolver.Resolver
	Relational memory.RelationalStore
	Queue      memory.JobQueue
	Metrics    *observe.Metrics
	Config     Config
}

// New constructs an Extractor. Metrics may be nil in tests.
func New(llmProvider llm.Provider, res *resolver.Resolver, relational memory.RelationalStore, q memory.JobQueue, metrics *observe.Metrics, cfg Config) *Extractor {
	return &Extractor{
		LLM:        llmProvider,
		Resolver:   res,
		Relational: relational,
		Queue:      q,
		Metrics:    metrics,
		Config:     cfg.withDefaults(),
	}
}

// eventWithProvenance tracks which chunk a raw event came from, so evidence
// rows can cite the right chunk after cross-chunk merging.
type eventWithProvenance struct {
	rawEvent
	ChunkID string
}

// mentionWithProvenance tracks which chunk a raw mention came from.
type mentionWithProvenance struct {
	rawMention
	ChunkID string
}

// Handler adapts ExtractRevision to [queue.Handler] for the
// [memory.StageExtractEvents] job stage. The job payload must carry
// "artifact_revision_id"; "document_title" and "document_type" are optional
// and read as empty strings when absent.
func (e *Extractor) Handler() queue.Handler {
	return func(ctx context.Context, job memory.Job) error {
		revisionID, _ := job.Payload["artifact_revision_id"].(string)
		title, _ := job.Payload["document_title"].(string)
		docType, _ := job.Payload["document_type"].(string)
		if revisionID == "" {
			return fmt.Errorf("extraction: job %s missing artifact_revision_id", job.ID)
		}

		chunks, err := e.Relational.GetChunks(ctx, revisionID)
		if err != nil {
			return fmt.Errorf("extraction: get chunks: %w", err)
		}
		return e.ExtractRevision(ctx, Document{ArtifactRevisionID: revisionID, Title: title, Type: docType}, chunks)
	}
}

// ExtractRevision runs Prompt A over every chunk, canonicalizes duplicate
// events across chunks, resolves every unique entity mention, and commits
// the result in one ReplaceEvents call before enqueueing graph_upsert.
func (e *Extractor) ExtractRevision(ctx context.Context, doc Document, chunks []memory.Chunk) error {
	start := time.Now()
	var rawEvents []eventWithProvenance
	var rawMentions []mentionWithProvenance

	for i, chunk := range chunks {
		extraction, err := e.extractChunk(ctx, doc, i, len(chunks), chunk)
		if err != nil {
			return fmt.Errorf("extraction: chunk %d: %w", i, err)
		}
		for _, ev := range extraction.Events {
			rawEvents = append(rawEvents, eventWithProvenance{rawEvent: ev, ChunkID: chunk.ID})
		}
		for _, m := range extraction.EntitiesMentioned {
			rawMentions = append(rawMentions, mentionWithProvenance{rawMention: m, ChunkID: chunk.ID})
		}
	}

	if e.Metrics != nil {
		e.Metrics.ExtractionDuration.Record(ctx, time.Since(start).Seconds())
	}

	merged := canonicalizeEvents(rawEvents)

	entityIDs, err := e.resolveMentions(ctx, doc, rawMentions, merged)
	if err != nil {
		return fmt.Errorf("extraction: resolve mentions: %w", err)
	}

	events, evidence, actors, subjects := buildCommit(doc.ArtifactRevisionID, merged, entityIDs)

	if err := e.Relational.ReplaceEvents(ctx, doc.ArtifactRevisionID, events, evidence, actors, subjects); err != nil {
		return fmt.Errorf("extraction: replace events: %w", err)
	}
	if e.Metrics != nil {
		e.Metrics.EventsExtracted.Add(ctx, int64(len(events)))
	}

	if e.Queue != nil {
		if err := queue.Enqueue(ctx, e.Queue, uuid.New().String(), memory.StageGraphUpsert, map[string]any{
			"artifact_revision_id": doc.ArtifactRevisionID,
		}); err != nil {
			return fmt.Errorf("extraction: enqueue graph_upsert: %w", err)
		}
	}
	return nil
}

// extractChunk calls the LLM once for chunk index/total with Prompt A and
// parses the response, retrying transient failures per e.Config.Retry.
func (e *Extractor) extractChunk(ctx context.Context, doc Document, index, total int, chunk memory.Chunk) (chunkExtraction, error) {
	var result chunkExtraction
	err := resilience.Retry(ctx, e.Config.Retry, func(ctx context.Context) error {
		resp, err := e.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: extractionSystemPrompt,
			Messages:     []types.Message{{Role: "user", Content: extractionPrompt(doc, index, total, chunk.Content)}},
			Temperature:  0,
		})
		if err != nil {
			if e.Metrics != nil {
				e.Metrics.RecordProviderError(ctx, "llm", "extract_chunk")
			}
			return err
		}
		parsed, perr := parseChunkExtraction(resp.Content)
		if perr != nil {
			return perr
		}
		result = parsed
		return nil
	})
	return result, err
}

const extractionSystemPrompt = `You extract structured events and entity mentions from one chunk of a larger document.
Respond with a single JSON object: {"events":[{"category","narrative","event_time?","subject":{"type","ref"},"actors":[{"ref","role"}],"evidence":{"quote"},"confidence"}],"entities_mentioned":[{"surface_form","canonical_suggestion","type","context_clues":{"role?","org?"},"aliases_in_doc":[],"confidence"}]}.
Known event categories: Decision, Commitment, Execution, Collaboration, QualityRisk, Feedback, Change, Stakeholder — other categories are allowed when none of these fit.`

func extractionPrompt(doc Document, index, total int, chunkText string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Document title: %s\nDocument type: %s\nChunk %d of %d:\n\n%s\n\nRespond with the JSON object only.",
		doc.Title, doc.Type, index+1, total, chunkText)
	return sb.String()
}

// canonicalEvent is the result of merging duplicate rawEvents across chunks:
// one logical event with the union of its supporting evidence.
type canonicalEvent struct {
	Category   string
	Narrative  string
	OccurredAt *time.Time
	SubjectRef string
	ActorRefs  []rawActorRef
	Confidence float64
	Evidence   []struct {
		ChunkID string
		Quote   string
	}
}

// canonicalizeEvents merges rawEvents sharing the same category, normalized
// narrative, subject, and actor set, unioning their evidence. This is the
// SPEC_FULL.md §4.8 "cross-chunk canonicalization" step; near-duplicate
// narratives that differ only in wording are intentionally left distinct —
// merging on normalized exact match avoids accidentally collapsing two
// genuinely different events that happen to share an actor and a category.
func canonicalizeEvents(events []eventWithProvenance) []canonicalEvent {
	index := make(map[string]int)
	var merged []canonicalEvent

	for _, ev := range events {
		key := dedupKey(ev.rawEvent)
		if i, ok := index[key]; ok {
			merged[i].Evidence = append(merged[i].Evidence, struct {
				ChunkID string
				Quote   string
			}{ChunkID: ev.ChunkID, Quote: ev.Quote})
			if ev.Confidence > merged[i].Confidence {
				merged[i].Confidence = ev.Confidence
			}
			continue
		}

		c := canonicalEvent{
			Category:   ev.Category,
			Narrative:  ev.Narrative,
			OccurredAt: ev.OccurredAt,
			SubjectRef: ev.Subject.Ref,
			ActorRefs:  ev.Actors,
			Confidence: ev.Confidence,
		}
		c.Evidence = append(c.Evidence, struct {
			ChunkID string
			Quote   string
		}{ChunkID: ev.ChunkID, Quote: ev.Quote})
		index[key] = len(merged)
		merged = append(merged, c)
	}
	return merged
}

func dedupKey(ev rawEvent) string {
	actorRefs := make([]string, len(ev.Actors))
	for i, a := range ev.Actors {
		actorRefs[i] = normalizeKey(a.Ref)
	}
	sort.Strings(actorRefs)
	return strings.Join([]string{
		normalizeKey(ev.Category),
		normalizeKey(ev.Narrative),
		normalizeKey(ev.Subject.Ref),
		strings.Join(actorRefs, ","),
	}, "|")
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// resolveMentions groups entities_mentioned by normalized canonical
// suggestion, or by normalized surface form when a mention has no
// suggestion (alias resolution within the document, preceding resolution across
// documents per §4.8), resolves one representative per group through
// [resolver.Resolver], and returns a map from every normalized surface form
// seen anywhere (mentions and raw actor/subject refs) to its resolved
// entity ID.
func (e *Extractor) resolveMentions(ctx context.Context, doc Document, mentions []mentionWithProvenance, events []canonicalEvent) (map[string]string, error) {
	groups := make(map[string]*mentionWithProvenance)
	aliasesByGroup := make(map[string][]string)

	groupKeyFor := func(m rawMention) string {
		if m.CanonicalSuggestion != "" {
			return normalizeKey(m.CanonicalSuggestion)
		}
		return normalizeKey(m.SurfaceForm)
	}

	for i := range mentions {
		m := mentions[i]
		key := groupKeyFor(m.rawMention)
		if _, ok := groups[key]; !ok {
			groups[key] = &m
		}
		aliasesByGroup[key] = append(aliasesByGroup[key], m.SurfaceForm)
		aliasesByGroup[key] = append(aliasesByGroup[key], m.AliasesInDoc...)
	}

	resolved := make(map[string]string)
	for key, rep := range groups {
		outcome, err := e.Resolver.Resolve(ctx, resolver.Mention{
			ChunkID:             rep.ChunkID,
			ArtifactRevisionID:  doc.ArtifactRevisionID,
			SurfaceForm:         rep.SurfaceForm,
			CanonicalSuggestion: rep.CanonicalSuggestion,
			Type:                entityTypeFrom(rep.Type),
			Role:                rep.Role,
			Organization:        rep.Organization,
			SourceTitle:         doc.Title,
			AliasesInDoc:        aliasesByGroup[key],
		})
		if err != nil {
			return nil, err
		}
		resolved[key] = outcome.EntityID
		resolved[normalizeKey(rep.SurfaceForm)] = outcome.EntityID
		for _, alias := range aliasesByGroup[key] {
			resolved[normalizeKey(alias)] = outcome.EntityID
		}
	}

	// Actor/subject refs that never appeared in entities_mentioned still
	// need an entity; resolve them individually as a fallback.
	for _, ev := range events {
		refs := append([]string{ev.SubjectRef}, actorRefStrings(ev.ActorRefs)...)
		for _, ref := range refs {
			key := normalizeKey(ref)
			if key == "" {
				continue
			}
			if _, ok := resolved[key]; ok {
				continue
			}
			outcome, err := e.Resolver.Resolve(ctx, resolver.Mention{
				ArtifactRevisionID:  doc.ArtifactRevisionID,
				SurfaceForm:         ref,
				CanonicalSuggestion: ref,
				Type:                memory.EntityOther,
				SourceTitle:         doc.Title,
			})
			if err != nil {
				return nil, err
			}
			resolved[key] = outcome.EntityID
		}
	}

	return resolved, nil
}

func actorRefStrings(actors []rawActorRef) []string {
	out := make([]string, len(actors))
	for i, a := range actors {
		out[i] = a.Ref
	}
	return out
}

func entityTypeFrom(t string) memory.EntityType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case string(memory.EntityPerson):
		return memory.EntityPerson
	case string(memory.EntityOrg), "organization":
		return memory.EntityOrg
	case string(memory.EntityProject):
		return memory.EntityProject
	case string(memory.EntityObject):
		return memory.EntityObject
	case string(memory.EntityPlace):
		return memory.EntityPlace
	default:
		return memory.EntityOther
	}
}

// buildCommit converts canonical events and a surface-form-to-entity map
// into the four row sets ReplaceEvents expects.
func buildCommit(revisionID string, events []canonicalEvent, entityIDs map[string]string) ([]memory.SemanticEvent, []memory.Evidence, []memory.EventActor, []memory.EventSubject) {
	var semanticEvents []memory.SemanticEvent
	var evidence []memory.Evidence
	var actors []memory.EventActor
	var subjects []memory.EventSubject

	for _, ev := range events {
		eventID := uuid.New().String()
		chunkID := ""
		if len(ev.Evidence) > 0 {
			chunkID = ev.Evidence[0].ChunkID
		}

		semanticEvents = append(semanticEvents, memory.SemanticEvent{
			ID:                 eventID,
			ArtifactRevisionID: revisionID,
			ChunkID:            chunkID,
			Summary:            ev.Narrative,
			Predicate:          ev.Category,
			OccurredAt:         ev.OccurredAt,
			Confidence:         ev.Confidence,
			CreatedAt:          time.Now(),
		})

		for _, e := range ev.Evidence {
			evidence = append(evidence, memory.Evidence{
				ID:      uuid.New().String(),
				EventID: eventID,
				ChunkID: e.ChunkID,
				Quote:   e.Quote,
			})
		}

		for _, a := range ev.ActorRefs {
			entityID, ok := entityIDs[normalizeKey(a.Ref)]
			if !ok {
				continue
			}
			role := memory.RoleActor
			if a.Role != "" {
				role = memory.EventRole(a.Role)
			}
			actors = append(actors, memory.EventActor{EventID: eventID, EntityID: entityID, Role: role})
		}

		if entityID, ok := entityIDs[normalizeKey(ev.SubjectRef)]; ok {
			subjects = append(subjects, memory.EventSubject{EventID: eventID, EntityID: entityID, Role: memory.RoleSubject})
		}
	}

	return semanticEvents, evidence, actors, subjects
}
