// Package resolver implements two-phase entity resolution: an embedding
// candidate search followed by an LLM confirmation step that produces a
// same/different/uncertain decision for each candidate.
package resolver

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// nameMatcher scores how similar a mention's surface form is to a known
// entity name using a two-stage strategy: Double Metaphone phonetic overlap
// first, then Jaro-Winkler string similarity.
//
// Unlike a pure string-distance comparison, the phonetic stage catches
// spelling variants that share no prefix ("Catherine" vs "Kathryn") at the
// cost of admitting some false positives, which is why its acceptance
// threshold is looser than the fuzzy-only fallback.
type nameMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

func newNameMatcher(phoneticThreshold, fuzzyThreshold float64) *nameMatcher {
	if phoneticThreshold <= 0 {
		phoneticThreshold = defaultPhoneticThreshold
	}
	if fuzzyThreshold <= 0 {
		fuzzyThreshold = defaultFuzzyThreshold
	}
	return &nameMatcher{phoneticThreshold: phoneticThreshold, fuzzyThreshold: fuzzyThreshold}
}

// similarity returns a 0..1 confidence that surfaceForm and candidateName
// name the same entity. A phonetic overlap with a Jaro-Winkler score above
// phoneticThreshold wins outright; absent that, a pure Jaro-Winkler score
// above fuzzyThreshold is accepted. Below both thresholds the score is 0.
func (m *nameMatcher) similarity(surfaceForm, candidateName string) float64 {
	surfaceForm = strings.ToLower(strings.TrimSpace(surfaceForm))
	candidateName = strings.ToLower(strings.TrimSpace(candidateName))
	if surfaceForm == "" || candidateName == "" {
		return 0
	}

	surfaceTokens := strings.Fields(surfaceForm)
	candidateTokens := strings.Fields(candidateName)

	phoneticMatch := codesOverlap(codesForTokens(surfaceTokens), codesForTokens(candidateTokens))
	jw := bestJaroWinkler(surfaceTokens, candidateTokens, surfaceForm, candidateName)

	if phoneticMatch && jw >= m.phoneticThreshold {
		return jw
	}
	if !phoneticMatch && jw >= m.fuzzyThreshold {
		return jw
	}
	return 0
}

// codesForTokens returns the union of Double Metaphone codes for tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJaroWinkler tries three comparison strategies and returns the highest
// score, so that multi-word names ("Alex Ward" vs "A. Ward") still match
// even though no single strategy handles every token arrangement.
func bestJaroWinkler(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}

	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
