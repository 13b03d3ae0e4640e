package cgi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/selfserv/selfserv/internal/headers"
)

func TestBuildEnv_CoreVariables(t *testing.T) {
	h := headers.NewPrealloc(1)
	h.Add("User-Agent", "curl/8.0")

	env := buildEnv(RequestInfo{
		Method:      "GET",
		ScriptPath:  "/srv/www/cgi/hello.py",
		ScriptName:  "/cgi/hello.py",
		PathInfo:    "",
		QueryString: "a=1",
		ServerName:  "h",
		ServerPort:  8080,
		Headers:     h,
	})

	assert.Contains(t, env, "REQUEST_METHOD=GET")
	assert.Contains(t, env, "SCRIPT_FILENAME=/srv/www/cgi/hello.py")
	assert.Contains(t, env, "GATEWAY_INTERFACE=CGI/1.1")
	assert.Contains(t, env, "SERVER_PROTOCOL=HTTP/1.1")
	assert.Contains(t, env, "SERVER_PORT=8080")
	assert.Contains(t, env, "HTTP_USER_AGENT=curl/8.0")
}

func TestBuildEnv_OmitsContentLengthWhenZero(t *testing.T) {
	env := buildEnv(RequestInfo{Method: "GET"})

	for _, kv := range env {
		assert.NotContains(t, kv, "CONTENT_LENGTH=")
	}
}

func TestToEnvName(t *testing.T) {
	assert.Equal(t, "USER_AGENT", toEnvName("User-Agent"))
	assert.Equal(t, "X_FORWARDED_FOR", toEnvName("x-forwarded-for"))
}

func TestIndexHeaderEnd(t *testing.T) {
	assert.Equal(t, 2, indexHeaderEnd([]byte("ab\r\n\r\nbody")))
	assert.Equal(t, -1, indexHeaderEnd([]byte("no terminator here")))
}
