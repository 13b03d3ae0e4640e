// Package selfserv wires a config.Config into a running connection engine.
// It plays the role the teacher's indigo.App does: a small facade over the
// lower packages (here, loop.Loop) with fluent lifecycle hooks, minus the
// TLS/listener-constructor machinery that supported indigo's non-goal of
// HTTPS.
package selfserv

import (
	"fmt"

	"github.com/selfserv/selfserv/config"
	"github.com/selfserv/selfserv/loop"
)

// hooks mirrors the teacher's indigo.hooks: optional callbacks fired at
// lifecycle transitions, useful for tests and the cmd/selfservd entry
// point to know when it's safe to treat the server as up.
type hooks struct {
	onStart func()
	onStop  func()
}

// App owns one configured connection engine for the process lifetime.
type App struct {
	cfg   config.Config
	hooks hooks
	l     *loop.Loop
}

// New returns an App over cfg. Call Run to start serving.
func New(cfg config.Config) *App {
	return &App{cfg: cfg}
}

// NotifyOnStart registers cb to run once every listening socket is bound.
func (a *App) NotifyOnStart(cb func()) *App {
	a.hooks.onStart = cb
	return a
}

// NotifyOnStop registers cb to run once Run has fully released resources.
func (a *App) NotifyOnStop(cb func()) *App {
	a.hooks.onStop = cb
	return a
}

// Run binds every configured listening socket and blocks, driving the
// event loop until Stop is called.
func (a *App) Run() error {
	l := loop.New(a.cfg)
	if err := l.Init(); err != nil {
		return fmt.Errorf("selfserv: init: %w", err)
	}
	a.l = l

	if a.hooks.onStart != nil {
		a.hooks.onStart()
	}

	err := l.Run()

	if a.hooks.onStop != nil {
		a.hooks.onStop()
	}

	return err
}

// Stop requests a graceful shutdown; Run returns once the current tick
// finishes and every connection and listening socket has been released.
func (a *App) Stop() {
	if a.l != nil {
		a.l.Stop()
	}
}
