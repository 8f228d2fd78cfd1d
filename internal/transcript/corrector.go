// Package transcript normalizes speech-to-text output before prompt
// assembly.
//
// Whisper renders the assistant's name unreliably: "Lingo" comes back as
// "bingo", "dingo", or "lingual" depending on the speaker's accent. The
// corrector repairs such tokens with a two-stage match:
//
//  1. Candidate gate: the token's Double Metaphone code is within one edit of
//     the term's code, or the raw Levenshtein distance is within the
//     configured bound.
//  2. Confirmation: Jaro-Winkler similarity between token and term must reach
//     the confirmation threshold. This is what keeps ordinary words that
//     merely share consonants ("long" vs "lingo") untouched.
//
// Correction is further restricted to vocative positions, where a name is
// plausible at all: the first token, the last token, or a token carrying
// trailing punctuation. Mid-sentence vocabulary is never rewritten.
package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultConfirmThreshold = 0.85
	defaultMaxDistance      = 2

	// minTokenRunes keeps trivially short tokens ("no", "go") out of the
	// matcher entirely.
	minTokenRunes = 4
)

// Option is a functional option for configuring a Corrector.
type Option func(*Corrector)

// WithConfirmThreshold sets the minimum Jaro-Winkler similarity required to
// accept a correction. Default: 0.85.
func WithConfirmThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.confirmThreshold = threshold
	}
}

// WithMaxDistance sets the Levenshtein bound of the candidate gate.
// Default: 2.
func WithMaxDistance(distance int) Option {
	return func(c *Corrector) {
		c.maxDistance = distance
	}
}

// Corrector repairs misheard lexicon terms in transcripts. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	terms            []string
	confirmThreshold float64
	maxDistance      int
}

// NewCorrector creates a Corrector for the given canonical terms (e.g. the
// assistant's name). An empty term list yields a Corrector that returns
// every transcript unchanged.
func NewCorrector(terms []string, opts ...Option) *Corrector {
	kept := make([]string, 0, len(terms))
	for _, t := range terms {
		if strings.TrimSpace(t) != "" {
			kept = append(kept, strings.TrimSpace(t))
		}
	}
	c := &Corrector{
		terms:            kept,
		confirmThreshold: defaultConfirmThreshold,
		maxDistance:      defaultMaxDistance,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct returns the transcript with misheard lexicon terms replaced by
// their canonical spelling, along with the number of replacements made.
// Token spacing is normalized to single spaces when a replacement occurs;
// otherwise the input is returned verbatim.
func (c *Corrector) Correct(text string) (string, int) {
	if len(c.terms) == 0 || strings.TrimSpace(text) == "" {
		return text, 0
	}

	fields := strings.Fields(text)
	corrections := 0
	for i, raw := range fields {
		core, trailing := splitTrailingPunct(raw)
		if utf8.RuneCountInString(core) < minTokenRunes {
			continue
		}
		if !vocativePosition(i, len(fields), trailing) {
			continue
		}
		term, ok := c.matchTerm(core)
		if !ok || strings.EqualFold(core, term) {
			continue
		}
		fields[i] = term + trailing
		corrections++
	}
	if corrections == 0 {
		return text, 0
	}
	return strings.Join(fields, " "), corrections
}

// matchTerm returns the best-confirmed lexicon term for the token, if any.
func (c *Corrector) matchTerm(token string) (string, bool) {
	tokenLower := strings.ToLower(token)

	var (
		best      string
		bestScore float64
	)
	for _, term := range c.terms {
		termLower := strings.ToLower(term)

		candidate := metaphoneDistance(tokenLower, termLower) <= 1 ||
			matchr.Levenshtein(tokenLower, termLower) <= c.maxDistance
		if !candidate {
			continue
		}
		score := matchr.JaroWinkler(tokenLower, termLower, false)
		if score >= c.confirmThreshold && score > bestScore {
			best = term
			bestScore = score
		}
	}
	return best, best != ""
}

// metaphoneDistance returns the smallest Levenshtein distance between any
// pairing of the two tokens' Double Metaphone codes. Tokens that produce no
// codes at all are treated as maximally distant.
func metaphoneDistance(a, b string) int {
	const far = 1 << 16

	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)

	best := far
	for _, ca := range []string{ap, as} {
		if ca == "" {
			continue
		}
		for _, cb := range []string{bp, bs} {
			if cb == "" {
				continue
			}
			if d := matchr.Levenshtein(ca, cb); d < best {
				best = d
			}
		}
	}
	return best
}

// vocativePosition reports whether the token at index i of n may plausibly
// be a name: utterance-initial, utterance-final, or set off by punctuation.
func vocativePosition(i, n int, trailing string) bool {
	if i == 0 || i == n-1 {
		return true
	}
	return strings.ContainsAny(trailing, ",!?")
}

// splitTrailingPunct separates trailing sentence punctuation from a token so
// a replacement preserves it ("bingo," keeps its comma).
func splitTrailingPunct(token string) (core, trailing string) {
	end := len(token)
	for end > 0 {
		switch token[end-1] {
		case '.', ',', '!', '?', ';', ':':
			end--
		default:
			return token[:end], token[end:]
		}
	}
	return token[:end], token[end:]
}
