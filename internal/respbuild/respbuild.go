// Package respbuild assembles status-line + headers + body into the single
// byte buffer the event loop writes to a socket (spec.md §4.4). Grounded
// on the teacher's http/response.go field set (status, headers,
// Content-Length, Connection) and internal/render's "serialize into one
// buffer" approach, specialized into the handful of forms spec.md names:
// plain, redirect, no-body (HEAD/204), and CGI passthrough.
package respbuild

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/selfserv/selfserv/internal/headers"
	"github.com/selfserv/selfserv/selfservutil/mime"
	"github.com/selfserv/selfserv/status"
)

// Plain renders a status line, a Content-Type/Content-Length/Connection
// header block, and body (omitted entirely for HEAD — see NoBody).
func Plain(code status.Code, contentType string, body []byte, keepAlive bool) []byte {
	var b strings.Builder
	writeStatusLine(&b, code)
	writeCommonHeaders(&b, contentType, len(body), keepAlive)
	b.WriteString("\r\n")
	out := []byte(b.String())

	return append(out, body...)
}

// NoBody renders a response whose Content-Length reflects bodyLen (what a
// GET for the same resource would have sent) without actually including
// any body bytes — used for HEAD and 204 (spec.md §4.4, §8 property 10).
func NoBody(code status.Code, contentType string, bodyLen int, keepAlive bool) []byte {
	var b strings.Builder
	writeStatusLine(&b, code)
	writeCommonHeaders(&b, contentType, bodyLen, keepAlive)
	b.WriteString("\r\n")

	return []byte(b.String())
}

// Redirect renders a 302 with Location and a short HTML body.
func Redirect(target string) []byte {
	body := []byte(fmt.Sprintf(
		"<html><body>redirecting to <a href=\"%s\">%s</a></body></html>",
		target, target,
	))

	var b strings.Builder
	writeStatusLine(&b, status.Found)
	b.WriteString("Location: " + target + "\r\n")
	writeCommonHeaders(&b, mime.HTML, len(body), false)
	b.WriteString("\r\n")
	out := []byte(b.String())

	return append(out, body...)
}

// JSONError renders an error body as a small JSON object, used when the
// request's Accept header prefers application/json (SPEC_FULL.md §4.4).
func JSONError(code status.Code, message string, keepAlive bool) []byte {
	payload, _ := jsoniter.Marshal(struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	}{Status: int(code), Message: message})

	return Plain(code, "application/json", payload, keepAlive)
}

// CGIHeader is one header line produced by a CGI child, forwarded mostly
// verbatim per the CGI/1.1 passthrough rules of spec.md §4.4.
type CGIHeader struct {
	Name, Value string
}

// CGIPassthrough translates a CGI child's header block + body into an HTTP
// response: "Status:" becomes the status line (default 200 OK);
// "Connection" and "Content-Length" are always the engine's own, not the
// child's; "Content-Type" defaults to text/html if neither side supplied
// one.
func CGIPassthrough(cgiHeaders []CGIHeader, body []byte, keepAlive bool) []byte {
	code := status.OK
	reason := ""
	contentType := ""

	var passthrough []CGIHeader
	for _, h := range cgiHeaders {
		switch strings.ToLower(h.Name) {
		case "status":
			if fields := strings.Fields(h.Value); len(fields) > 0 {
				if n, err := strconv.Atoi(fields[0]); err == nil {
					code = status.Code(n)
					reason = strings.Join(fields[1:], " ")
				}
			}
		case "connection", "content-length":
			// overridden by the engine below, never forwarded verbatim
		case "content-type":
			contentType = h.Value
			passthrough = append(passthrough, h)
		default:
			passthrough = append(passthrough, h)
		}
	}

	if contentType == "" {
		contentType = mime.HTML
	}

	var b strings.Builder
	if reason != "" {
		b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, reason))
	} else {
		writeStatusLine(&b, code)
	}

	for _, h := range passthrough {
		if strings.EqualFold(h.Name, "content-type") {
			continue // folded into writeCommonHeaders below
		}

		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}

	writeCommonHeaders(&b, contentType, len(body), keepAlive)
	b.WriteString("\r\n")
	out := []byte(b.String())

	return append(out, body...)
}

func writeStatusLine(b *strings.Builder, code status.Code) {
	b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, status.Reason(code)))
}

func writeCommonHeaders(b *strings.Builder, contentType string, bodyLen int, keepAlive bool) {
	b.WriteString("Content-Length: " + strconv.Itoa(bodyLen) + "\r\n")
	if contentType != "" {
		b.WriteString("Content-Type: " + contentType + "\r\n")
	}

	if keepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
}

// PrefersJSON is a small helper for callers (the request handler) that
// already have a *headers.List of incoming request headers and want to
// check content negotiation (e.g. Accept: application/json) before
// choosing which builder to call.
func PrefersJSON(h *headers.List) bool {
	accept := h.Value("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
