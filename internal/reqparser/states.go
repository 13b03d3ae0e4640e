package reqparser

// phase tracks where the parser is in the REQUEST_LINE → HEADERS → BODY →
// DONE progression of spec.md §4.2. Request-line and header parsing are
// collapsed into a single headerBlock phase because the algorithm the spec
// describes locates the whole "\r\n\r\n"-terminated block before parsing
// any of it, unlike a strictly byte-incremental state machine.
type phase uint8

const (
	phaseHeaderBlock phase = iota
	phaseBody
	phaseDone
)

// Outcome is what Feed reports back to the event loop after each call.
type Outcome uint8

const (
	// NeedMore means Feed consumed what it could and is waiting on more
	// bytes from the socket.
	NeedMore Outcome = iota
	// Complete means the request is fully framed; Consumed() now reports
	// the exact byte length of the framed request.
	Complete
	// Error means the input is malformed beyond recovery; the connection
	// must receive 400 (413 when the error is errs.ErrBodyTooLarge) and
	// close.
	Error
)

// maxHeaderBlock is the 8192-byte budget spec.md §4.2 step 1 imposes on an
// unterminated header block.
const maxHeaderBlock = 8192
