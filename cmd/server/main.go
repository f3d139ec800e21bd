// Command server runs the rendezvous server: it pairs up two client
// registrations and introduces them, falling back to relaying raw bytes
// between their control sockets when direct connectivity fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"github.com/qbalin/nat-tunnel/internal/rendezvous/server"
)

var (
	flagPort    int
	flagVerbose bool
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: server --port <P> [--verbose]")
	flag.PrintDefaults()
}

func init() {
	flag.Usage = usage
	flag.IntVar(&flagPort, "port", 0, "port to listen on for rendezvous control connections")
	flag.IntVar(&flagPort, "p", 0, "alias for --port")
	flag.BoolVar(&flagVerbose, "verbose", false, "print verbose logs")
	flag.BoolVar(&flagVerbose, "v", false, "alias for --verbose")
}

func main() {
	flag.Parse()

	if flagVerbose {
		log.SetFlags(log.Lmicroseconds)
		slog.SetLogLoggerLevel(slog.LevelDebug)
	} else {
		log.SetFlags(log.Ltime)
	}

	if flagPort < 1 || flagPort > 65535 {
		fmt.Fprintf(os.Stderr, "server: --port is required and must be in 1..65535 (got %d)\n", flagPort)
		usage()
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", flagPort))
	if err != nil {
		slog.Error("server: listen failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := server.New(slog.Default())
	slog.Info("server: listening", "port", flagPort)
	if err := srv.Run(ctx, ln); err != nil {
		slog.Error("server: exited with error", "err", err)
		os.Exit(1)
	}
}
