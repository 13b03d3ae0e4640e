// Package headers implements the ordered, case-insensitively-looked-up
// header list the parser fills in and the handler/CGI controller read
// from (spec.md §3: "header sequence (preserving order, names
// case-insensitive on lookup)"). Adapted from the teacher's kv.Storage,
// which serves the identical role for indigo's request headers, URI
// query, and routing parameters, down to its Iter() returning a stdlib
// iter.Seq2 rather than the older github.com/indigo-web/iter package
// also present in the corpus.
package headers

import (
	"iter"

	"github.com/indigo-web/utils/strcomp"
)

// Pair is one header line as recorded by the parser: Name is kept exactly
// as received on the wire.
type Pair struct {
	Name, Value string
}

// List is an append-only, order-preserving sequence of header pairs.
type List struct {
	pairs []Pair
}

// NewPrealloc returns a List with room for n pairs without reallocating.
func NewPrealloc(n int) *List {
	return &List{pairs: make([]Pair, 0, n)}
}

// Add appends a new pair, verbatim, preserving insertion order.
func (l *List) Add(name, value string) {
	l.pairs = append(l.pairs, Pair{Name: name, Value: value})
}

// Lookup returns the first value for name, compared case-insensitively.
func (l *List) Lookup(name string) (string, bool) {
	for _, pair := range l.pairs {
		if strcomp.EqualFold(pair.Name, name) {
			return pair.Value, true
		}
	}

	return "", false
}

// Value is a convenience wrapper around Lookup returning "" for a missing
// header.
func (l *List) Value(name string) string {
	value, _ := l.Lookup(name)
	return value
}

// Has reports whether name is present, compared case-insensitively.
func (l *List) Has(name string) bool {
	_, ok := l.Lookup(name)
	return ok
}

// Reset empties the list for reuse across requests on a keep-alive
// connection, avoiding a fresh allocation per request.
func (l *List) Reset() {
	l.pairs = l.pairs[:0]
}

// Len returns the number of pairs recorded.
func (l *List) Len() int {
	return len(l.pairs)
}

// Iter returns an iterator over the pairs in insertion order, used by the
// CGI controller to project every header into HTTP_* environment variables.
func (l *List) Iter() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, pair := range l.pairs {
			if !yield(pair.Name, pair.Value) {
				return
			}
		}
	}
}
