// Package cgi implements the CGI/1.1 subprocess controller of spec.md
// §4.7: fork/exec the interpreter, wire stdin/stdout through non-blocking
// pipes owned by internal/fd.Handle, forward the request body, parse the
// CGI header block, and translate it to an HTTP response.
//
// No example repo in the corpus implements a raw, manually-piped CGI
// gateway driven by a single-threaded poll loop — the nearest relatives
// (other_examples/raphaelreyna-ez-cgi__server.go,
// other_examples/colinnewell-pcap2har-go__fcgi.go) wrap net/http handlers
// around a blocking exec.Cmd.Run() in its own goroutine. This component
// reuses os/exec for the fork+exec mechanics (the idiomatic Go way to
// spawn a child; there is no reason to hand-roll syscall.ForkExec) but,
// per spec.md §9's "Manual pid/pipe bookkeeping" redesign note, never
// calls cmd.Wait() — that would block the single thread — and instead
// reaps with a direct, non-blocking syscall.Wait4(pid, ..., WNOHANG, ...)
// driven from the event loop's tick, matching the CGI-process-owning-type
// pattern the note calls for.
package cgi

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/selfserv/selfserv/internal/fd"
	"github.com/selfserv/selfserv/internal/headers"
	"github.com/selfserv/selfserv/selfservutil/errs"
)

// RequestInfo is everything the CGI controller needs from the request and
// its resolved route/server to build the CGI/1.1 environment (spec.md
// §4.7, §6).
type RequestInfo struct {
	Method      string
	ScriptPath  string // absolute path to the script file on disk
	ScriptName  string // URI path to the script, for SCRIPT_NAME
	PathInfo    string // request URI path without the query, for PATH_INFO
	QueryString string
	ContentType string
	ContentLen  int64
	ServerName  string
	ServerPort  uint16
	Interpreter string // route.CGIBin; empty means exec the script directly
	Headers     *headers.List
	Body        []byte
}

// Process owns one running (or finished) CGI child: its pid, its two
// pipe ends, and the bookkeeping needed to forward the request body and
// accumulate the response. Exactly one Process is ever active per
// connection (spec.md §3 invariant).
type Process struct {
	pid int

	stdin  fd.Handle // write end; parent feeds request body here
	stdout fd.Handle // read end; parent drains CGI output here

	body       []byte
	bodyOffset int // how much of body has been written to stdin so far

	raw          []byte // accumulated stdout bytes, pre-header-parse
	headerParsed bool
	headersBlock []byte
	responseBody []byte

	started time.Time
	reaped  bool
	exitErr error
}

// Start forks/execs the CGI interpreter for info and returns a Process
// tracking it. The caller registers Process.StdinFD()/StdoutFD() with the
// event loop's poll set immediately afterward.
func Start(info RequestInfo) (*Process, error) {
	stdinRead, stdinWrite, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("cgi: stdin pipe: %w", err)
	}

	stdoutRead, stdoutWrite, err := pipe()
	if err != nil {
		_ = stdinRead.Close()
		_ = stdinWrite.Close()
		return nil, fmt.Errorf("cgi: stdout pipe: %w", err)
	}

	args := []string{info.ScriptPath}
	bin := info.ScriptPath
	if info.Interpreter != "" {
		bin = info.Interpreter
	} else {
		args = nil
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = filepath.Dir(info.ScriptPath)
	cmd.Env = buildEnv(info)
	stdinFile := os.NewFile(uintptr(stdinRead.Release()), "cgi-stdin")
	stdoutFile := os.NewFile(uintptr(stdoutWrite.Release()), "cgi-stdout")
	cmd.Stdin = stdinFile
	cmd.Stdout = stdoutFile

	if err := cmd.Start(); err != nil {
		_ = stdinFile.Close()
		_ = stdinWrite.Close()
		_ = stdoutRead.Close()
		_ = stdoutFile.Close()

		return nil, fmt.Errorf("%w: %v", errs.ErrCGIStartFailed, err)
	}

	// The child now owns its own copies of these ends; our os.File
	// wrappers around the parent's originals must be closed so the pipe's
	// write end hits zero refcount only when both the child and (for
	// stdin) our write handle are done.
	_ = stdinFile.Close()
	_ = stdoutFile.Close()

	if err := setNonblock(stdinWrite); err != nil {
		return nil, err
	}
	if err := setNonblock(stdoutRead); err != nil {
		return nil, err
	}

	return &Process{
		pid:     cmd.Process.Pid,
		stdin:   stdinWrite,
		stdout:  stdoutRead,
		body:    info.Body,
		started: time.Now(),
	}, nil
}

func pipe() (read, write fd.Handle, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return fd.Handle{}, fd.Handle{}, err
	}

	return fd.New(fds[0]), fd.New(fds[1]), nil
}

func setNonblock(h fd.Handle) error {
	return syscall.SetNonblock(h.Get(), true)
}

// StdinFD returns the fd the loop should poll for writability while
// WantsWrite reports true, or -1 once stdin has been fully written and
// closed.
func (p *Process) StdinFD() int {
	return p.stdin.Get()
}

// StdoutFD returns the fd the loop should poll for readability, or -1 once
// the child's stdout has been drained and closed.
func (p *Process) StdoutFD() int {
	return p.stdout.Get()
}

// WantsWrite reports whether there is still request body left to push
// into the child's stdin.
func (p *Process) WantsWrite() bool {
	return p.stdin.Valid() && p.bodyOffset < len(p.body)
}

// DriveWrite is a best-effort write of remaining body bytes into the
// child's stdin, closing stdin once fully written (spec.md §4.7 "Drive").
// Dropping the closed fd from the poll set is left to the caller.
func (p *Process) DriveWrite() error {
	if !p.stdin.Valid() {
		return nil
	}

	for p.bodyOffset < len(p.body) {
		n, err := syscall.Write(p.stdin.Get(), p.body[p.bodyOffset:])
		if n > 0 {
			p.bodyOffset += n
		}

		if err == syscall.EAGAIN {
			return nil
		}

		if err != nil {
			_ = p.stdin.Close()
			return fmt.Errorf("cgi: write stdin: %w", err)
		}

		if n == 0 {
			break
		}
	}

	if p.bodyOffset >= len(p.body) {
		return p.stdin.Close()
	}

	return nil
}

// DriveRead is a best-effort drain of the child's stdout into the internal
// CGI buffer, returning true once a full CGI header block ("\r\n\r\n") has
// been observed.
func (p *Process) DriveRead() (headersReady bool, err error) {
	if !p.stdout.Valid() {
		return p.headerParsed, nil
	}

	buf := make([]byte, 4096)
	for {
		n, err := syscall.Read(p.stdout.Get(), buf)
		if n > 0 {
			p.raw = append(p.raw, buf[:n]...)
		}

		if err == syscall.EAGAIN {
			break
		}

		if err != nil || n == 0 {
			_ = p.stdout.Close()
			break
		}
	}

	if !p.headerParsed {
		if idx := indexHeaderEnd(p.raw); idx != -1 {
			p.headersBlock = p.raw[:idx]
			p.responseBody = p.raw[idx+4:]
			p.headerParsed = true
		}
	} else {
		p.responseBody = p.raw[len(p.headersBlock)+4:]
	}

	return p.headerParsed, nil
}

// Reap performs a non-blocking waitpid. It returns true once the child has
// exited; the returned error is non-nil if the child exited abnormally.
func (p *Process) Reap() (exited bool, err error) {
	if p.reaped {
		return true, p.exitErr
	}

	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(p.pid, &ws, syscall.WNOHANG, nil)
	if err != nil || wpid == 0 {
		return false, nil
	}

	p.reaped = true
	if ws.ExitStatus() != 0 || ws.Signaled() {
		p.exitErr = fmt.Errorf("cgi: child exited abnormally: %v", ws)
	}

	return true, p.exitErr
}

// Kill sends SIGKILL to the child (spec.md §4.7 "Timeout") and reaps it
// blockingly — acceptable only on the timeout path, where the child is
// already being forcibly terminated.
func (p *Process) Kill() {
	_ = syscall.Kill(p.pid, syscall.SIGKILL)

	var ws syscall.WaitStatus
	_, _ = syscall.Wait4(p.pid, &ws, 0, nil)
	p.reaped = true
}

// Close releases both pipe ends without touching the child (used once the
// response has been fully translated and queued).
func (p *Process) Close() {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
}

// Expired reports whether timeout has elapsed since the child started.
func (p *Process) Expired(timeout time.Duration) bool {
	return time.Since(p.started) > timeout
}

// HeadersBlock and ResponseBody expose the parsed CGI output once
// DriveRead has reported headersReady.
func (p *Process) HeadersBlock() []byte { return p.headersBlock }
func (p *Process) ResponseBody() []byte { return p.responseBody }

func indexHeaderEnd(buf []byte) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i
		}
	}

	return -1
}

// buildEnv constructs the CGI/1.1 environment of spec.md §4.7: the fixed
// set of CGI variables plus one HTTP_<UPPER_UNDERSCORE_NAME> per request
// header.
func buildEnv(info RequestInfo) []string {
	env := []string{
		"REQUEST_METHOD=" + info.Method,
		"SCRIPT_FILENAME=" + info.ScriptPath,
		"SCRIPT_NAME=" + info.ScriptName,
		"PATH_INFO=" + info.PathInfo,
		"QUERY_STRING=" + info.QueryString,
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=HTTP/1.1",
		"REDIRECT_STATUS=200",
		"SERVER_NAME=" + info.ServerName,
		"SERVER_PORT=" + fmt.Sprint(info.ServerPort),
	}

	if info.ContentLen > 0 {
		env = append(env, "CONTENT_LENGTH="+fmt.Sprint(info.ContentLen))
	}
	if info.ContentType != "" {
		env = append(env, "CONTENT_TYPE="+info.ContentType)
	}

	if info.Headers != nil {
		for name, value := range info.Headers.Iter() {
			env = append(env, "HTTP_"+toEnvName(name)+"="+value)
		}
	}

	return env
}

func toEnvName(header string) string {
	var b strings.Builder
	b.Grow(len(header))

	for _, r := range header {
		if r == '-' {
			b.WriteByte('_')
			continue
		}

		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}

		b.WriteRune(r)
	}

	return b.String()
}
