// Package tokenize splits identifiers such as "frontend-article_Main::Worker"
// into the parts users tend to search for.
package tokenize

import "strings"

// Separators are applied in order; each pass splits every token produced by
// the previous one.
var Separators = []string{"-", "_", "::"}

// Split returns the sub-strings of s obtained by splitting on each separator
// in turn. Empty parts are dropped, so an empty input yields no tokens and an
// atomic input yields itself. Case is preserved.
func Split(s string) []string {
	return SplitOn(s, Separators...)
}

// SplitOn is Split with an explicit separator list. Empty separators are ignored.
func SplitOn(s string, separators ...string) []string {
	tokens := []string{s}
	for _, sep := range separators {
		if sep == "" {
			continue
		}
		next := make([]string, 0, len(tokens))
		for _, token := range tokens {
			next = append(next, strings.Split(token, sep)...)
		}
		tokens = next
	}

	out := tokens[:0]
	for _, token := range tokens {
		if token != "" {
			out = append(out, token)
		}
	}
	return out
}
