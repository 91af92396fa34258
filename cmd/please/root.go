package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/please-sh/please"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	socket     string
	configPath string
	verbose    bool
}

func (o *globalOptions) loadConfig() (*please.Config, error) {
	if path := strings.TrimSpace(o.configPath); path != "" {
		return please.LoadConfigFile(path)
	}
	return please.LoadConfig()
}

// socketPath returns --socket when given, otherwise the shared resolution.
func (o *globalOptions) socketPath(cfg *please.Config) string {
	if s := strings.TrimSpace(o.socket); s != "" {
		return s
	}
	return please.ResolveSocketPath(cfg)
}

func (o *globalOptions) logger(w io.Writer, quiet slog.Level) *slog.Logger {
	level := quiet
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	ask := &askOptions{}

	rootCmd := &cobra.Command{
		Use:   "please [flags] <request...>",
		Short: "Ask a local model for help from the terminal",
		Long: `please sends a natural-language request to the local model hub and streams
the answer back. Piped input and the destination of redirected output are
sent along with the request, as are recent shell commands (with secrets
redacted).

Flags go before the request. A request starting with a subcommand name and
followed by more words ("please version of node here?") is still a
request; use "--" to make that explicit. Start the hub with "please hub",
or set PLEASE_SPAWN_HUB=1 to have it started on demand.`,
		Example: `  please find files over 100MB here
  git diff | please write a commit message
  please summarise this csv < data.csv > summary.md
  please -- version of node installed here?`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runAsk(cmd, opts, ask, args)
		},
	}
	rootCmd.Flags().SetInterspersed(false)

	rootCmd.PersistentFlags().StringVar(&opts.socket, "socket", "", "Path to the hub socket (default: $PLEASE_SOCKET or the config directory)")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log protocol and lifecycle detail to stderr")

	// Persistent so "please --no-stdin version of node" still parses once
	// cobra has routed it to the version command.
	rootCmd.PersistentFlags().BoolVar(&ask.noStdin, "no-stdin", false, "Do not send piped input with a request")
	rootCmd.PersistentFlags().BoolVar(&ask.noHistory, "no-history", false, "Do not send recent shell commands with a request")

	rootCmd.AddCommand(newHubCommand(opts, ask))
	rootCmd.AddCommand(newVersionCommand(opts, ask))

	return rootCmd
}
