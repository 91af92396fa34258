package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/please-sh/please"
	"github.com/please-sh/please/engine"
	"github.com/please-sh/please/hub"
)

func newHubCommand(opts *globalOptions, ask *askOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the model hub in the foreground",
		Long: `hub owns the model engine and serves requests from please clients over a
Unix socket. Only one hub runs per socket; SIGINT or SIGTERM drains in-flight
requests and exits.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return asRequest(cmd, opts, ask, args)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger(cmd.ErrOrStderr(), slog.LevelInfo)
			for _, w := range please.ValidateConfig(cfg) {
				logger.Warn("config", "warning", w)
			}

			eng, err := engine.New(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			hcfg := hub.ConfigFrom(cfg)
			hcfg.Socket = opts.socketPath(cfg)
			srv, err := hub.New(hcfg, eng, logger)
			if err != nil {
				return err
			}
			logger.Info("hub started", "version", Version, "socket", srv.Path(), "engine", cfg.Engine.Kind)
			return srv.Serve(cmd.Context())
		},
	}
}
