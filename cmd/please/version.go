package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/please-sh/please/frame"
)

func newVersionCommand(opts *globalOptions, ask *askOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and protocol version",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return asRequest(cmd, opts, ask, args)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "please %s (protocol %d)\n", Version, frame.ProtocolVersion)
			return err
		},
	}
}
