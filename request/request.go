// Package request holds the parsed HTTP request value that flows from the
// parser through routing, the handler, and (for CGI) the subprocess
// controller (spec.md §3: "Request: method, URI, version, header
// sequence...").
package request

import (
	"strings"

	"github.com/selfserv/selfserv/internal/headers"
)

// Request is reused across a keep-alive connection's requests; Reset
// clears it back to an empty state between them.
type Request struct {
	Method  string
	URI     string // raw request target, as sent on the wire (path + optional "?query")
	Version string
	Headers *headers.List
	Body    []byte
	// Complete is true once the parser has produced a fully framed
	// request (spec.md §3 invariant: body_complete implies the parser
	// consumed exactly headers+declared-body-length bytes).
	Complete bool
}

// New returns an empty Request ready for the parser to fill in.
func New() *Request {
	return &Request{Headers: headers.NewPrealloc(16)}
}

// Path returns the URI with any "?query" suffix stripped.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i != -1 {
		return r.URI[:i]
	}

	return r.URI
}

// RawQuery returns the query component of the URI, without the leading
// "?", or "" if there is none.
func (r *Request) RawQuery() string {
	if i := strings.IndexByte(r.URI, '?'); i != -1 {
		return r.URI[i+1:]
	}

	return ""
}

// Reset clears r for reuse on the next request of a keep-alive connection.
func (r *Request) Reset() {
	r.Method = ""
	r.URI = ""
	r.Version = ""
	r.Headers.Reset()
	r.Body = nil
	r.Complete = false
}

// IsHTTP11 reports whether the request declared HTTP/1.1, which changes
// the keep-alive default (spec.md §4.6 "Keep-alive policy").
func (r *Request) IsHTTP11() bool {
	return r.Version == "HTTP/1.1"
}
