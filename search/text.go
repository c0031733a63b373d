package search

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "be": {}, "is": {}, "are": {},
	"was": {}, "to": {}, "of": {}, "and": {}, "in": {}, "that": {},
	"have": {}, "it": {}, "for": {}, "not": {}, "on": {}, "with": {},
	"as": {}, "you": {}, "do": {}, "at": {}, "this": {}, "but": {},
	"by": {}, "from": {}, "or": {}, "if": {},
}

// words splits text on anything that is not a letter or digit and
// lowercases the pieces.
func words(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// queryTerms is the distinct non-stop words of a query.
type queryTerms map[string]struct{}

func newQueryTerms(query string) queryTerms {
	terms := make(queryTerms)
	for _, w := range words(query) {
		if _, stop := stopWords[w]; !stop {
			terms[w] = struct{}{}
		}
	}
	return terms
}

// allIn reports whether every term occurs as a word of text.
// A query made only of stop words matches nothing.
func (t queryTerms) allIn(text string) bool {
	if len(t) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(t))
	for _, w := range words(text) {
		if _, ok := t[w]; ok {
			seen[w] = struct{}{}
			if len(seen) == len(t) {
				return true
			}
		}
	}
	return false
}
