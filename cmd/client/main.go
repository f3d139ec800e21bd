// Command client runs the client rendezvous driver: it registers with a
// rendezvous server, negotiates a peer socket (direct or relayed), and
// forwards a local TCP port through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/qbalin/nat-tunnel/internal/rendezvous/client"
)

var (
	flagHost        string
	flagPort        int
	flagForwardPort int
	flagTimeout     int
	flagVerbose     bool
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: client --host <H> --port <P> --forward-port <FP> [--timeout <sec>] [--verbose]")
	flag.PrintDefaults()
}

func init() {
	flag.Usage = usage
	flag.StringVar(&flagHost, "host", "", "rendezvous server host")
	flag.StringVar(&flagHost, "h", "", "alias for --host")
	flag.IntVar(&flagPort, "port", 0, "rendezvous server port")
	flag.IntVar(&flagPort, "p", 0, "alias for --port")
	flag.IntVar(&flagForwardPort, "forward-port", 0, "local port to forward")
	flag.IntVar(&flagForwardPort, "fp", 0, "alias for --forward-port")
	flag.IntVar(&flagTimeout, "timeout", client.DefaultTimeout, "seconds to retry each peer dial attempt before giving up")
	flag.IntVar(&flagTimeout, "t", client.DefaultTimeout, "alias for --timeout")
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

	if flagHost == "" {
		fmt.Fprintln(os.Stderr, "client: --host is required")
		usage()
		os.Exit(2)
	}
	if flagPort < 1 || flagPort > 65535 {
		fmt.Fprintf(os.Stderr, "client: --port is required and must be in 1..65535 (got %d)\n", flagPort)
		usage()
		os.Exit(2)
	}
	if flagForwardPort < 1 || flagForwardPort > 65535 {
		fmt.Fprintf(os.Stderr, "client: --forward-port is required and must be in 1..65535 (got %d)\n", flagForwardPort)
		usage()
		os.Exit(2)
	}
	if flagTimeout < 1 {
		fmt.Fprintf(os.Stderr, "client: --timeout must be positive (got %d)\n", flagTimeout)
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d := client.New(flagHost, flagPort, flagForwardPort, flagTimeout, slog.Default())
	slog.Info("client: starting", "host", flagHost, "port", flagPort, "forward_port", flagForwardPort, "timeout", flagTimeout)
	if err := d.Run(ctx); err != nil {
		slog.Error("client: exited with error", "err", err)
		os.Exit(1)
	}
}
