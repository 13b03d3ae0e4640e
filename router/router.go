// Package router implements the virtual-host + longest-prefix route
// resolver of spec.md §4.5. Grounded on the teacher's router/virtual.Router
// for host selection (iterate configured names, case-insensitive compare,
// first match wins, fall back to a default) and on the general shape of
// router/inbuilt's matching precedence for the within-host pass — but
// using a flat longest-prefix scan rather than the teacher's radix tree,
// since spec.md's routes are a short, statically configured list matched
// by literal prefix, not templated dynamic segments.
package router

import (
	"strings"

	"github.com/selfserv/selfserv/config"
)

// Resolver selects a config.Server by Host header and, within it, the
// longest-prefix config.Route for a request URI.
type Resolver struct {
	servers []config.Server
}

// New builds a Resolver over cfg's servers, in configuration order.
func New(cfg config.Config) *Resolver {
	return &Resolver{servers: cfg.Servers}
}

// SelectServer implements spec.md §4.5 "Virtual host selection": strip any
// port from the Host header, compare case-insensitively against each
// server's Names, first exact match wins. No Host header, or no match,
// falls back to the first configured server.
func (r *Resolver) SelectServer(hostHeader string) (config.Server, int) {
	if len(r.servers) == 0 {
		return config.Server{}, -1
	}

	host := stripPort(hostHeader)
	if host != "" {
		for i, srv := range r.servers {
			for _, name := range srv.Names {
				if strings.EqualFold(name, host) {
					return srv, i
				}
			}
		}
	}

	return r.servers[0], 0
}

// SelectRoute implements spec.md §4.5 "Route matching": among server's
// Routes, the one whose Path is the longest prefix of uri wins; ties keep
// the first configured route. No match reports ok=false (the caller
// responds 404).
func SelectRoute(server config.Server, uri string) (route config.Route, relative string, ok bool) {
	bestLen := -1
	bestIdx := -1

	for i, rt := range server.Routes {
		if strings.HasPrefix(uri, rt.Path) && len(rt.Path) > bestLen {
			bestLen = len(rt.Path)
			bestIdx = i
		}
	}

	if bestIdx == -1 {
		return config.Route{}, "", false
	}

	route = server.Routes[bestIdx]
	relative = strings.TrimPrefix(uri, route.Path)
	if relative == "" || relative == "/" {
		if route.Index != "" {
			relative = "/" + route.Index
		}
	}

	return route, relative, true
}

// ContainsTraversal reports whether relative contains ".." as a substring
// — spec.md §4.5's deliberately conservative, non-canonicalizing guard.
func ContainsTraversal(relative string) bool {
	return strings.Contains(relative, "..")
}

func stripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i != -1 {
		return host[:i]
	}

	return host
}
