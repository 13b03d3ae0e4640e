package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/selfserv/selfserv/config"
	"github.com/selfserv/selfserv/router"
)

func twoHostConfig() config.Config {
	return config.Config{
		Servers: []config.Server{
			{Names: []string{"a"}},
			{Names: []string{"b"}},
		},
	}
}

func TestResolver_VirtualHostExactMatch(t *testing.T) {
	r := router.New(twoHostConfig())

	_, idx := r.SelectServer("b:8080")
	assert.Equal(t, 1, idx)
}

func TestResolver_NoHostFallsBackToFirst(t *testing.T) {
	r := router.New(twoHostConfig())

	_, idx := r.SelectServer("")
	assert.Equal(t, 0, idx)
}

func TestSelectRoute_LongestPrefixWins(t *testing.T) {
	server := config.Server{
		Routes: []config.Route{
			{Path: "/"},
			{Path: "/static"},
			{Path: "/static/img"},
		},
	}

	route, _, ok := router.SelectRoute(server, "/static/img/logo.png")
	assert.True(t, ok)
	assert.Equal(t, "/static/img", route.Path)
}

func TestSelectRoute_TieKeepsFirstConfigured(t *testing.T) {
	server := config.Server{
		Routes: []config.Route{
			{Path: "/api", Index: "first"},
			{Path: "/api", Index: "second"},
		},
	}

	route, _, ok := router.SelectRoute(server, "/api/x")
	assert.True(t, ok)
	assert.Equal(t, "first", route.Index)
}

func TestContainsTraversal(t *testing.T) {
	assert.True(t, router.ContainsTraversal("/../etc/passwd"))
	assert.False(t, router.ContainsTraversal("/safe/path"))
}
