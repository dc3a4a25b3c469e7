// Package transcript reconciles streaming partial transcripts.
//
// Telephony providers do not emit append-only partials: they resend
// overlapping fragments, restart a segment from its beginning, and finally
// replace the accumulated partials with a finalized version. [Merge] folds a
// new fragment into the previous text for the same utterance and keeps the
// longest non-redundant signal.
//
// The merge is a best-effort reconciliation policy, not an exact algorithm.
// Its thresholds live in [Options] so they can be tuned per provider or
// language.
//
// Every function in this package is pure and safe for concurrent use. The
// same merge runs on the ingestion path ([Reconcile]) and the display path
// ([Turns]).
package transcript

import (
	"strings"
	"unicode"
)

// Options holds the tuning constants of the merge heuristics. Zero fields
// fall back to the matching field of [DefaultOptions].
type Options struct {
	// RestartPrefixTokens is how many leading tokens must match for the new
	// fragment to count as a restart of the previous one.
	RestartPrefixTokens int `yaml:"restart_prefix_tokens"`

	// RestartMinTokens is the token count at which a first-token match alone
	// counts as a restart.
	RestartMinTokens int `yaml:"restart_min_tokens"`

	// RestartMinChars and RestartLengthRatio bound the character length a
	// first-token match needs to count as a restart:
	// len(next) >= max(RestartMinChars, RestartLengthRatio*len(prev)).
	RestartMinChars    int     `yaml:"restart_min_chars"`
	RestartLengthRatio float64 `yaml:"restart_length_ratio"`

	// FinalReplaceMinWords is the minimum word count of a finalized fragment
	// before it may replace the accumulated partial outright.
	FinalReplaceMinWords int `yaml:"final_replace_min_words"`
}

// DefaultOptions are the thresholds used by [Merge].
var DefaultOptions = Options{
	RestartPrefixTokens:  2,
	RestartMinTokens:     4,
	RestartMinChars:      4,
	RestartLengthRatio:   0.7,
	FinalReplaceMinWords: 5,
}

// WithDefaults returns o with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.RestartPrefixTokens <= 0 {
		o.RestartPrefixTokens = DefaultOptions.RestartPrefixTokens
	}
	if o.RestartMinTokens <= 0 {
		o.RestartMinTokens = DefaultOptions.RestartMinTokens
	}
	if o.RestartMinChars <= 0 {
		o.RestartMinChars = DefaultOptions.RestartMinChars
	}
	if o.RestartLengthRatio <= 0 {
		o.RestartLengthRatio = DefaultOptions.RestartLengthRatio
	}
	if o.FinalReplaceMinWords <= 0 {
		o.FinalReplaceMinWords = DefaultOptions.FinalReplaceMinWords
	}
	return o
}

// NormalizeText collapses every run of whitespace to a single space and
// trims the result.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Merge folds next into previous using [DefaultOptions].
func Merge(previous, next string, isFinal bool) string {
	return DefaultOptions.Merge(previous, next, isFinal)
}

// Merge folds next into previous for the same logical utterance. The first
// matching rule wins:
//
//  1. an empty side yields the other side
//  2. case-insensitive equality keeps previous
//  3. next containing previous replaces it
//  4. previous containing next (a regression) keeps previous
//  5. a word-level suffix/prefix overlap is stitched
//  6. a provider restart replaces previous
//  7. a long enough finalized fragment replaces previous
//  8. otherwise both are concatenated
//
// Rules 5 and 8 drop immediately repeated tokens from the result.
func (o Options) Merge(previous, next string, isFinal bool) string {
	o = o.WithDefaults()

	prev := NormalizeText(previous)
	nxt := NormalizeText(next)
	if prev == "" {
		return nxt
	}
	if nxt == "" {
		return prev
	}

	lowerPrev := strings.ToLower(prev)
	lowerNext := strings.ToLower(nxt)
	if lowerPrev == lowerNext {
		return prev
	}
	if strings.Contains(lowerNext, lowerPrev) {
		return nxt
	}
	if strings.Contains(lowerPrev, lowerNext) {
		return prev
	}

	prevWords := strings.Fields(prev)
	nextWords := strings.Fields(nxt)

	if k := overlap(prevWords, nextWords); k > 0 {
		joined := make([]string, 0, len(prevWords)+len(nextWords)-k)
		joined = append(joined, prevWords...)
		joined = append(joined, nextWords[k:]...)
		return strings.Join(collapseRepeats(joined), " ")
	}

	if o.isRestart(prev, nxt, prevWords, nextWords) {
		return nxt
	}

	if isFinal && len(nextWords) >= o.FinalReplaceMinWords && len(nextWords) >= len(prevWords) {
		return nxt
	}

	joined := make([]string, 0, len(prevWords)+len(nextWords))
	joined = append(joined, prevWords...)
	joined = append(joined, nextWords...)
	return strings.Join(collapseRepeats(joined), " ")
}

// isRestart reports whether next looks like the provider re-transcribing the
// utterance from its start rather than continuing it.
func (o Options) isRestart(prev, next string, prevWords, nextWords []string) bool {
	n := o.RestartPrefixTokens
	if len(prevWords) >= n && len(nextWords) >= n {
		match := true
		for i := 0; i < n; i++ {
			a := normalizeToken(prevWords[i])
			if a == "" || a != normalizeToken(nextWords[i]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	first := normalizeToken(prevWords[0])
	if first == "" || first != normalizeToken(nextWords[0]) {
		return false
	}
	if len(nextWords) >= o.RestartMinTokens {
		return true
	}
	minLen := max(float64(o.RestartMinChars), o.RestartLengthRatio*float64(len(prev)))
	return float64(len(next)) >= minLen
}

// overlap returns the length of the longest suffix of prev that equals a
// prefix of next, comparing normalized tokens.
func overlap(prev, next []string) int {
	limit := min(len(prev), len(next))
	for k := limit; k > 0; k-- {
		if tokensEqual(prev[len(prev)-k:], next[:k]) {
			return k
		}
	}
	return 0
}

func tokensEqual(a, b []string) bool {
	for i := range a {
		if normalizeToken(a[i]) != normalizeToken(b[i]) {
			return false
		}
	}
	return true
}

// collapseRepeats drops tokens that repeat the token right before them.
func collapseRepeats(words []string) []string {
	out := words[:0:0]
	last := ""
	for _, w := range words {
		norm := normalizeToken(w)
		if norm != "" && norm == last {
			continue
		}
		out = append(out, w)
		last = norm
	}
	return out
}

// normalizeToken lowercases a word and strips leading and trailing
// punctuation.
func normalizeToken(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}
