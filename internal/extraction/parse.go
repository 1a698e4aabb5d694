package extraction

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// rawEvent is the per-chunk extraction shape the LLM returns for one entry
// of "events" (Prompt A, SPEC_FULL.md §6.2).
type rawEvent struct {
	Category   string
	Narrative  string
	OccurredAt *time.Time
	Subject    rawRef
	Actors     []rawActorRef
	Quote      string
	Confidence float64
}

type rawRef struct {
	Type string
	Ref  string
}

type rawActorRef struct {
	Ref  string
	Role string
}

// rawMention is one entry of "entities_mentioned" (Prompt A).
type rawMention struct {
	SurfaceForm         string
	CanonicalSuggestion string
	Type                string
	Role                string
	Organization        string
	AliasesInDoc        []string
	Confidence          float64
}

type chunkExtraction struct {
	Events            []rawEvent
	EntitiesMentioned []rawMention
}

// parseChunkExtraction decodes the LLM's Prompt A response with gjson, which
// tolerates the leading/trailing prose models sometimes wrap JSON replies in
// rather than requiring a byte-exact object as encoding/json would.
func parseChunkExtraction(content string) (chunkExtraction, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	if !gjson.Valid(content) {
		return chunkExtraction{}, fmt.Errorf("extraction: invalid extraction JSON")
	}

	var out chunkExtraction
	for _, ev := range gjson.Get(content, "events").Array() {
		out.Events = append(out.Events, parseRawEvent(ev))
	}
	for _, m := range gjson.Get(content, "entities_mentioned").Array() {
		out.EntitiesMentioned = append(out.EntitiesMentioned, parseRawMention(m))
	}
	return out, nil
}

func parseRawEvent(v gjson.Result) rawEvent {
	e := rawEvent{
		Category:   v.Get("category").String(),
		Narrative:  v.Get("narrative").String(),
		Quote:      v.Get("evidence.quote").String(),
		Confidence: v.Get("confidence").Float(),
		Subject: rawRef{
			Type: v.Get("subject.type").String(),
			Ref:  v.Get("subject.ref").String(),
		},
	}
	if ts := v.Get("event_time").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			e.OccurredAt = &t
		}
	}
	for _, a := range v.Get("actors").Array() {
		e.Actors = append(e.Actors, rawActorRef{
			Ref:  a.Get("ref").String(),
			Role: a.Get("role").String(),
		})
	}
	return e
}

func parseRawMention(v gjson.Result) rawMention {
	m := rawMention{
		SurfaceForm:         v.Get("surface_form").String(),
		CanonicalSuggestion: v.Get("canonical_suggestion").String(),
		Type:                v.Get("type").String(),
		Role:                v.Get("context_clues.role").String(),
		Organization:        v.Get("context_clues.org").String(),
		Confidence:          v.Get("confidence").Float(),
	}
	for _, a := range v.Get("aliases_in_doc").Array() {
		m.AliasesInDoc = append(m.AliasesInDoc, a.String())
	}
	return m
}
