package loop

import (
	"time"

	"github.com/indigo-web/chunkedbody"

	"github.com/selfserv/selfserv/config"
	"github.com/selfserv/selfserv/internal/cgi"
	"github.com/selfserv/selfserv/internal/fd"
	"github.com/selfserv/selfserv/internal/reqparser"
	"github.com/selfserv/selfserv/request"
)

// connection is the per-fd state the loop owns (spec.md §3 "Client
// connection"). One exists for every accepted socket between accept and
// close.
type connection struct {
	handle fd.Handle

	serverIdx int // -1 until a Host header has been seen

	inbound  []byte
	outbound []byte
	outOff   int // bytes of outbound already written

	req    *request.Request
	parser *reqparser.Parser

	phase     Phase
	keepAlive bool
	wantWrite bool

	createdAt    time.Time
	lastActivity time.Time

	cgiProc  *cgi.Process
	cgiStart time.Time
}

func newConnection(clientFD int) *connection {
	req := request.New()
	now := time.Now()

	c := &connection{
		handle:       fd.New(clientFD),
		serverIdx:    -1,
		req:          req,
		phase:        PhaseAccepted,
		createdAt:    now,
		lastActivity: now,
	}
	c.parser = reqparser.New(req, chunkedbody.NewParser(chunkedbody.DefaultSettings()))

	return c
}

func (c *connection) fd() int {
	return c.handle.Get()
}

func (c *connection) touch() {
	c.lastActivity = time.Now()
}

// resetForNextRequest returns a keep-alive connection to IDLE, preserving
// any pipelined bytes beyond what the parser consumed (spec.md §4.8
// "handle_writable", §8 property 6).
func (c *connection) resetForNextRequest() {
	consumed := c.parser.Consumed()
	if consumed > 0 && consumed <= int64(len(c.inbound)) {
		c.inbound = append(c.inbound[:0], c.inbound[consumed:]...)
	} else {
		c.inbound = c.inbound[:0]
	}

	c.outbound = nil
	c.outOff = 0
	c.wantWrite = false
	c.req.Reset()
	c.parser.Reset(c.req)
	c.phase = PhaseIdle
}

func (c *connection) queue(response []byte) {
	c.outbound = response
	c.outOff = 0
	c.wantWrite = len(response) > 0
	c.phase = PhaseRespond
}

func (c *connection) cgiActive() bool {
	return c.cgiProc != nil
}

func (c *connection) deadline(t config.Timeouts) time.Time {
	switch c.phase {
	case PhaseAccepted, PhaseHeaders:
		return c.createdAt.Add(t.Header)
	case PhaseBody:
		return c.lastActivity.Add(t.Body)
	case PhaseIdle:
		return c.lastActivity.Add(t.Idle)
	case PhaseHandle:
		if c.cgiActive() {
			return c.cgiStart.Add(t.CGI)
		}
	}

	// Phases not subject to a sweep-based deadline (RESPOND, CLOSING) get a
	// deadline far in the future so they never influence the poll timeout.
	return time.Now().Add(24 * time.Hour)
}
