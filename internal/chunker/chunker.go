// Package chunker splits an artifact revision's content into token-bounded
// [memory.Chunk] windows with overlap, so long artifacts can be embedded and
// searched at passage granularity while short ones stay a single chunk.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// Config controls chunking behaviour.
type Config struct {
	// SinglePieceMaxTokens is the token count at or under which content is
	// kept as a single chunk rather than split.
	SinglePieceMaxTokens int

	// TargetTokens is the target token count per chunk once splitting occurs.
	TargetTokens int

	// OverlapTokens is how many trailing tokens of one chunk are repeated at
	// the start of the next, so a fact spanning a chunk boundary is still
	// findable from either side.
	OverlapTokens int
}

// Chunker splits artifact content into chunks according to Config.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
func New(cfg Config) *Chunker {
	if cfg.SinglePieceMaxTokens == 0 {
		cfg.SinglePieceMaxTokens = 1200
	}
	if cfg.TargetTokens == 0 {
		cfg.TargetTokens = 900
	}
	if cfg.OverlapTokens == 0 {
		cfg.OverlapTokens = 100
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits content into one or more [memory.Chunk] values for
// artifactRevisionID. Content at or under SinglePieceMaxTokens tokens
// produces exactly one chunk spanning the whole text. Each chunk's ID is
// `{artifactID}::chunk::{index:03}::{hash8}`, stable across re-chunking the
// same content so re-extraction can detect unchanged chunks.
func (c *Chunker) Chunk(artifactID, artifactRevisionID, content string) []memory.Chunk {
	now := time.Now()

	if EstimateTokens(content) <= c.cfg.SinglePieceMaxTokens {
		trimmed := strings.TrimSpace(content)
		return []memory.Chunk{{
			ID:                 chunkID(artifactID, 0, trimmed),
			ArtifactRevisionID: artifactRevisionID,
			Index:              0,
			Content:            trimmed,
			ContentHash:        contentHash(trimmed),
			TokenCount:         EstimateTokens(trimmed),
			CreatedAt:          now,
		}}
	}

	fragments := c.split(content)
	chunks := make([]memory.Chunk, 0, len(fragments))
	for i, frag := range fragments {
		chunks = append(chunks, memory.Chunk{
			ID:                 chunkID(artifactID, i, frag),
			ArtifactRevisionID: artifactRevisionID,
			Index:              i,
			Content:             frag,
			ContentHash:         contentHash(frag),
			TokenCount:          EstimateTokens(frag),
			CreatedAt:           now,
		})
	}
	return chunks
}

// split breaks text into fragments around TargetTokens, splitting at
// paragraph and then sentence boundaries, with OverlapTokens worth of
// trailing text repeated at the start of the next fragment.
func (c *Chunker) split(text string) []string {
	paragraphs := splitParagraphs(text)
	var fragments []string
	var current strings.Builder
	currentTokens := 0
	overlapText := ""

	flush := func() {
		if current.Len() == 0 {
			return
		}
		fragments = append(fragments, strings.TrimSpace(current.String()))
		overlapText = extractOverlap(current.String(), c.cfg.OverlapTokens)
		current.Reset()
		currentTokens = 0
	}

	for _, para := range paragraphs {
		paraTokens := EstimateTokens(para)

		if paraTokens > c.cfg.TargetTokens {
			flush()
			sentenceFragments := c.splitBySentences(para, overlapText)
			fragments = append(fragments, sentenceFragments...)
			if len(sentenceFragments) > 0 {
				overlapText = extractOverlap(sentenceFragments[len(sentenceFragments)-1], c.cfg.OverlapTokens)
			}
			continue
		}

		if currentTokens+paraTokens > c.cfg.TargetTokens && current.Len() > 0 {
			flush()
			if overlapText != "" {
				current.WriteString(overlapText)
				current.WriteString("\n\n")
				currentTokens = EstimateTokens(overlapText)
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}
	flush()

	return fragments
}

func (c *Chunker) splitBySentences(text, initialOverlap string) []string {
	sentences := splitSentences(text)
	var fragments []string
	var current strings.Builder
	currentTokens := 0

	if initialOverlap != "" {
		current.WriteString(initialOverlap)
		current.WriteString(" ")
		currentTokens = EstimateTokens(initialOverlap)
	}

	for _, sent := range sentences {
		sentTokens := EstimateTokens(sent)

		if currentTokens+sentTokens > c.cfg.TargetTokens && current.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			overlap := extractOverlap(current.String(), c.cfg.OverlapTokens)
			current.Reset()
			currentTokens = 0
			if overlap != "" {
				current.WriteString(overlap)
				current.WriteString(" ")
				currentTokens = EstimateTokens(overlap)
			}
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentTokens += sentTokens
	}

	if current.Len() > 0 {
		fragments = append(fragments, strings.TrimSpace(current.String()))
	}

	return fragments
}

// EstimateTokens approximates the token count of text using a word-based
// heuristic (tokens ~ words * 1.3), avoiding a dependency on a specific
// model's tokenizer for a step that only needs to be roughly right.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences is a simple sentence tokenizer: splits on
// period/question-mark/exclamation followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// extractOverlap returns the trailing portion of text whose estimated token
// count is at most maxTokens, at word granularity.
func extractOverlap(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	maxWords := int(float64(maxTokens) / 1.3)
	if maxWords > len(words) {
		maxWords = len(words)
	}
	if maxWords == 0 {
		return ""
	}
	return strings.Join(words[len(words)-maxWords:], " ")
}

func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

func chunkID(artifactID string, index int, content string) string {
	hash := contentHash(content)
	return fmt.Sprintf("%s::chunk::%03d::%s", artifactID, index, hash[:8])
}
