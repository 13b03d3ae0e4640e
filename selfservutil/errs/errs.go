// Package errs holds the sentinel errors shared across selfserv's core
// packages, following the teacher's flat var-block convention (see
// indigo-web/indigo's errors/errors.go) but named errs to avoid shadowing
// the stdlib errors package at import sites that need both.
package errs

import "errors"

var (
	// ErrNeedMore names the state in which all available input has been
	// consumed without reaching a terminal state. The request parser does
	// not return it: it reports that state as reqparser.NeedMore with a nil
	// error.
	ErrNeedMore = errors.New("need more data")

	// ErrMalformed marks a request the parser could not make sense of.
	ErrMalformed = errors.New("malformed request")

	// ErrHeadersTooLarge marks a header block that exceeded the 8192-byte
	// budget before a terminating CRLFCRLF was found.
	ErrHeadersTooLarge = errors.New("header block too large")

	// ErrChunkFraming marks a hex-size or chunk-framing violation in a
	// chunked transfer-encoded body.
	ErrChunkFraming = errors.New("invalid chunk framing")

	// ErrBodyTooLarge marks a body whose declared or observed length exceeds
	// a server's client_max_body_size.
	ErrBodyTooLarge = errors.New("body too large")

	// ErrMultipartFraming marks a malformed multipart/form-data body.
	ErrMultipartFraming = errors.New("invalid multipart framing")

	// ErrPathTraversal marks a request URI whose relative portion contains
	// ".." (spec.md §4.5).
	ErrPathTraversal = errors.New("path traversal rejected")

	// ErrCGIStartFailed marks a failure to fork/exec the CGI interpreter.
	ErrCGIStartFailed = errors.New("cgi: failed to start child process")

	// ErrCGITimeout marks a CGI child that exceeded its timeout budget and
	// was killed.
	ErrCGITimeout = errors.New("cgi: timed out")

	// ErrConnClosing marks an operation attempted on a connection already
	// being torn down.
	ErrConnClosing = errors.New("connection is closing")
)
