// Command selfservd is the process entry point: flag parsing and signal
// wiring around the selfserv engine. Config-file parsing is an external
// collaborator's job (spec.md §1 "Out of scope"); this binary only builds
// a single-server config.Config directly from flags, enough to exercise
// the engine without a config-file format to define.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/selfserv/selfserv"
	"github.com/selfserv/selfserv/config"
)

func main() {
	host := flag.String("host", "", "listening host, empty for wildcard")
	port := flag.Uint("port", 8080, "listening port")
	root := flag.String("root", ".", "filesystem root for the default route")
	autoindex := flag.Bool("autoindex", false, "enable directory listing on the default route")
	errorPageRoot := flag.String("error-pages", "", "directory of <code>.html error page templates")
	flag.Parse()

	cfg := config.Config{
		Servers: []config.Server{
			{
				Host:              *host,
				Port:              uint16(*port),
				ErrorPageRoot:     *errorPageRoot,
				ClientMaxBodySize: 16 * 1024 * 1024,
				Timeouts:          config.DefaultTimeouts(),
				Routes: []config.Route{
					{
						Path:      "/",
						Root:      *root,
						Index:     "index.html",
						Autoindex: *autoindex,
					},
				},
			},
		},
	}

	app := selfserv.New(cfg).NotifyOnStart(func() {
		log.Printf("selfservd: listening on %s:%d", *host, *port)
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigc
		log.Println("selfservd: shutting down")
		app.Stop()
	}()

	if err := app.Run(); err != nil {
		log.Fatalf("selfservd: %v", err)
	}
}
