// Package match narrows discovery records with free-text phrases.
package match

import (
	"github.com/guardian/prism/internal/query"
	"github.com/guardian/prism/internal/tokenize"
)

// Tokens expands raw field values into the set phrases are matched against:
// every non-empty value plus its tokenizer parts.
func Tokens(values ...string) []string {
	tokens := make([]string, 0, len(values)*2)
	for _, v := range values {
		if v == "" {
			continue
		}
		tokens = append(tokens, v)
		parts := tokenize.Split(v)
		if len(parts) == 1 && parts[0] == v {
			continue
		}
		tokens = append(tokens, parts...)
	}
	return tokens
}

// Filter keeps the records for which every phrase prefix-matches at least one
// token returned by extract. Order is preserved; with no phrases every record
// is kept.
func Filter[T any](records []T, phrases []query.Phrase, extract func(T) []string) []T {
	out := make([]T, 0, len(records))
	for _, rec := range records {
		if Matches(phrases, extract(rec)) {
			out = append(out, rec)
		}
	}
	return out
}

// Matches reports whether every phrase matches some token.
func Matches(phrases []query.Phrase, tokens []string) bool {
	for _, phrase := range phrases {
		found := false
		for _, token := range tokens {
			if phrase.Matches(token) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
