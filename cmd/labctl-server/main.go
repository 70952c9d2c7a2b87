// Command labctl-server runs the instrument control core's REST + WebSocket
// API.
//
// It connects to real instruments over serial transports discovered on the
// host, or (with --sim) runs entirely against in-memory simulated
// power-supply/load profiles for development and demos.
//
// Flags:
//
//	--addr:    TCP address to listen on (default 127.0.0.1:8080)
//	--library: path to the JSON file persisting saved sequences/scripts/aliases
//	--sim:     run with simulated devices only, no serial discovery
//	--open:    open a browser at the health-check URL on startup
//
// Env:
//
//	LABCTL_NO_OPEN=1 disables browser auto-open even when --open is set.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/discovery"
	"github.com/CK6170/labctl-go/internal/library"
	"github.com/CK6170/labctl-go/internal/model"
	"github.com/CK6170/labctl-go/internal/sequence"
	"github.com/CK6170/labctl-go/internal/session"
	"github.com/CK6170/labctl-go/internal/telemetry"
	"github.com/CK6170/labctl-go/internal/transport"
	"github.com/CK6170/labctl-go/internal/trigger"
	"github.com/CK6170/labctl-go/internal/wsapi"
)

func main() {
	var (
		addr      string
		libPath   string
		portCache string
		sim       bool
		open      bool
		logLevel  string
		logJSON   bool
	)

	root := &cobra.Command{
		Use:   "labctl-server",
		Short: "Run the instrument control REST/WebSocket core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOptions{
				addr:      addr,
				libPath:   libPath,
				portCache: portCache,
				sim:       sim,
				open:      open,
				logLevel:  logLevel,
				logJSON:   logJSON,
			})
		},
	}

	flags := root.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:8080", "TCP address to listen on")
	flags.StringVar(&libPath, "library", "./labctl-library.json", "path to the sequence/script/alias library JSON file")
	flags.StringVar(&portCache, "port-cache", "./labctl-ports.json", "path to the remembered-serial-port cache file")
	flags.BoolVar(&sim, "sim", true, "run with simulated devices only, no serial discovery")
	flags.BoolVar(&open, "open", false, "open a browser at the health-check URL on startup")
	flags.StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&logJSON, "log-json", false, "emit logs as JSON lines")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runOptions struct {
	addr      string
	libPath   string
	portCache string
	sim       bool
	open      bool
	logLevel  string
	logJSON   bool
}

func run(opts runOptions) error {
	log := telemetry.NewLogger(telemetry.Options{Level: opts.logLevel, JSON: opts.logJSON})
	rootLog := telemetry.Component(log, "main")

	cfg := model.DefaultConfig()
	clk := clock.New()

	sessions := session.NewManager(cfg, clk, telemetry.Component(log, "session"))
	seqBus := bus.New(telemetry.Component(log, "sequence.bus"))
	trigBus := bus.New(telemetry.Component(log, "trigger.bus"))
	seqs := sequence.NewManager(sessions, cfg, clk, seqBus, telemetry.Component(log, "sequence"))
	triggers := trigger.NewManager(sessions, seqs, cfg.Trigger, clk, trigBus, telemetry.Component(log, "trigger"))

	lib := library.NewStore(opts.libPath)
	seqs.SetLibrary(lib)

	if !opts.sim {
		registry := transport.NewDriverRegistry()
		// Driver factories for real instruments register their match rules
		// here, e.g. registry.RegisterUSB("1a86", "7523", "<driver-key>")
		// or registry.RegisterPath(`^/dev/ttyUSB\d+$`, "<driver-key>").
		scanner := discovery.NewScanner(discovery.Config{
			Registry:       registry,
			Factories:      map[string]discovery.Factory{},
			Cache:          transport.NewPortCache(opts.portCache),
			Sessions:       sessions,
			ScanIntervalMs: cfg.ScanIntervalMs,
			Clock:          clk,
			Log:            telemetry.Component(log, "discovery"),
		})
		if err := scanner.Sync(context.Background()); err != nil {
			rootLog.WithError(err).Warn("initial device scan failed")
		}
		scanner.Start()
		defer scanner.Stop()
	}

	srv := wsapi.New(sessions, seqs, triggers, lib, seqBus, trigBus, telemetry.Component(log, "wsapi"))

	ln, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.addr, err)
	}
	defer sessions.StopAll()

	healthURL := makeHealthURL(opts.addr)
	rootLog.Infof("serving on http://%s", opts.addr)
	rootLog.Infof("health check: %s", healthURL)

	if opts.open && os.Getenv("LABCTL_NO_OPEN") == "" {
		if err := openBrowser(healthURL); err != nil {
			rootLog.WithError(err).Warn("failed to open browser")
		}
	}

	return http.Serve(ln, srv.Handler())
}

// makeHealthURL turns a listen address (host:port) into a browser-friendly
// URL pointed at the health-check endpoint.
//
// If the server is bound to 0.0.0.0 / ::, the returned URL uses 127.0.0.1
// because wildcard addresses are not reachable targets in browsers.
func makeHealthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/api/health", strings.TrimSpace(addr))
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/api/health", host, port)
}

// openBrowser tries to open the given URL in the OS default browser. It is
// intentionally non-blocking (uses exec.Command(...).Start()) so server
// startup is not delayed by browser launch behavior.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("cmd", "/c", "start", "", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
