// Package query compiles user filter terms into the structured constraints
// sent to Prism and the free-text phrases matched client-side.
package query

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	internalerrors "github.com/guardian/prism/internal/errors"
)

// Constraint is one key and every value supplied for it, in input order.
type Constraint struct {
	Key    string
	Values []string
}

// Phrase is a lower-cased free-text term compiled to an anchored prefix pattern.
type Phrase struct {
	Text    string
	pattern *regexp.Regexp
}

// Matches reports whether token equals the phrase or starts with it, ignoring case.
func (p Phrase) Matches(token string) bool {
	return p.pattern.MatchString(strings.ToLower(token))
}

func (p Phrase) String() string {
	return p.Text
}

// Query is the compiled form of a filter.
type Query struct {
	Constraints []Constraint
	Phrases     []Phrase
}

// NewPhrase compiles a single free-text term.
func NewPhrase(text string) Phrase {
	lower := strings.ToLower(text)
	return Phrase{
		Text:    lower,
		pattern: regexp.MustCompile("^" + regexp.QuoteMeta(lower)),
	}
}

// Compile partitions terms. Anything containing '=' is a constraint split at
// the first '='; everything else is a phrase.
func Compile(terms []string) (*Query, error) {
	q := &Query{}
	index := make(map[string]int)

	for _, term := range terms {
		key, value, structured := strings.Cut(term, "=")
		if !structured {
			q.Phrases = append(q.Phrases, NewPhrase(term))
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			return nil, internalerrors.Input("compile filter", "filter term %q has an empty key", term)
		}

		if i, ok := index[key]; ok {
			q.Constraints[i].Values = append(q.Constraints[i].Values, value)
			continue
		}
		index[key] = len(q.Constraints)
		q.Constraints = append(q.Constraints, Constraint{Key: key, Values: []string{value}})
	}

	return q, nil
}

// Values renders the constraints as query parameters, one repeated parameter
// per value.
func (q *Query) Values() url.Values {
	values := url.Values{}
	for _, c := range q.Constraints {
		for _, v := range c.Values {
			values.Add(c.Key, v)
		}
	}
	return values
}

func (q *Query) String() string {
	parts := make([]string, 0, len(q.Constraints)+len(q.Phrases))
	for _, c := range q.Constraints {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Key, strings.Join(c.Values, "|")))
	}
	for _, p := range q.Phrases {
		parts = append(parts, fmt.Sprintf("%q", p.Text))
	}
	return strings.Join(parts, " ")
}
