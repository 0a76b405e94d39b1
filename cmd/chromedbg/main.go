// Package main is the entry point for the chromedbg debug adapter.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/adapter"
	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
	"github.com/privat1/vscode-chrome-debug-core/internal/sourcemaps"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	serverPort := flag.Int("server", 0, "listen for a DAP client on this port instead of stdio")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chromedbg %s (%s)\n", version, commit)
		return 0
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	transport, err := clientTransport(*serverPort)
	if err != nil {
		log.Error().Err(err).Msg("failed to accept DAP client")
		return 1
	}

	conn := dap.NewConn(transport)
	defer conn.Close()

	a := adapter.New(conn, adapter.Config{
		Log:        log,
		Dial:       dialRuntime,
		Paths:      adapter.IdentityPathTransformer{},
		SourceMaps: sourcemaps.NewTransformer(log),
	})

	if err := conn.Serve(a); err != nil {
		log.Error().Err(err).Msg("connection failed")
		return 1
	}
	return 0
}

// clientTransport connects to the DAP client over stdio, or over a socket
// when -server is given.
func clientTransport(port int) (dap.Transport, error) {
	if port == 0 {
		return dap.NewStdioTransport(os.Stdin, os.Stdout), nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on %d: %w", port, err)
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return dap.NewSocketTransport(conn), nil
}

// dialRuntime opens the CDP connection to the runtime under debug.
func dialRuntime(ctx context.Context, host string, port int) (cdp.Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", host, port, err)
	}
	return cdp.NewStreamTransport(conn), nil
}
