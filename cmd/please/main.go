// Command please answers natural-language requests from the terminal. The
// model runs in a long-lived hub process ("please hub"); every other
// invocation is a short-lived client of it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	// A second interrupt kills the process the usual way.
	context.AfterFunc(ctx, stop)

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err, os.Stderr))
}
