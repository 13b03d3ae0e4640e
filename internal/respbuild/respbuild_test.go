package respbuild_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/selfserv/selfserv/internal/respbuild"
	"github.com/selfserv/selfserv/status"
)

func TestPlain_IncludesStatusAndHeaders(t *testing.T) {
	out := string(respbuild.Plain(status.OK, "text/plain", []byte("hi\n"), true))

	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, out, "Content-Length: 3\r\n")
	assert.Contains(t, out, "Content-Type: text/plain\r\n")
	assert.Contains(t, out, "Connection: keep-alive\r\n")
	assert.Contains(t, out, "hi\n")
}

// HEAD identity (spec.md §8 property 10): Content-Length reflects the
// body that would have been sent, but no body bytes follow.
func TestNoBody_OmitsBodyButKeepsLength(t *testing.T) {
	out := string(respbuild.NoBody(status.OK, "text/html", 42, false))

	assert.Contains(t, out, "Content-Length: 42\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.True(t, len(out) < 200)
}

func TestRedirect_IncludesLocation(t *testing.T) {
	out := string(respbuild.Redirect("/new"))

	assert.Contains(t, out, "302 Found")
	assert.Contains(t, out, "Location: /new\r\n")
}

func TestCGIPassthrough_TranslatesStatusAndOverridesFraming(t *testing.T) {
	headers := []respbuild.CGIHeader{
		{Name: "Status", Value: "201 Created"},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "X-Custom", Value: "v"},
	}

	out := string(respbuild.CGIPassthrough(headers, []byte(`{"ok":true}`), false))

	assert.Contains(t, out, "HTTP/1.1 201 Created\r\n")
	assert.Contains(t, out, "Content-Type: application/json\r\n")
	assert.Contains(t, out, "X-Custom: v\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, `{"ok":true}`)
}

func TestCGIPassthrough_DefaultsContentTypeToHTML(t *testing.T) {
	out := string(respbuild.CGIPassthrough(nil, []byte("ok"), false))

	assert.Contains(t, out, "Content-Type: text/html\r\n")
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
}
