package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/please-sh/please"
	"github.com/please-sh/please/client"
	"github.com/please-sh/please/gather"
)

// errInterrupted ends a request the user interrupted.
var errInterrupted = errors.New("interrupted")

type askOptions struct {
	noStdin   bool
	noHistory bool
}

func runAsk(cmd *cobra.Command, opts *globalOptions, ask *askOptions, args []string) error {
	ctx := cmd.Context()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr(), slog.LevelWarn)

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return please.Errorf(please.KindInvalidRequest, "empty request")
	}

	gopts := gather.Options{
		HistoryCommands: cfg.Client.HistoryCommands,
		NoStdin:         ask.noStdin,
		MaxStdin:        stdinBudget(cfg, prompt),
		Logger:          logger,
	}
	if gopts.MaxStdin <= 0 {
		logger.Warn("hub.max_frame_bytes leaves no room for piped input; ignoring stdin", "max_frame_bytes", cfg.Hub.MaxFrameBytes)
		gopts.NoStdin = true
	}
	if ask.noHistory {
		gopts.HistoryPath = "-"
	}
	pctx := gather.Gather(gopts)

	path := opts.socketPath(cfg)
	sess, err := connect(ctx, path, opts, cfg, logger)
	if err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	}
	defer sess.Close()

	st, err := sess.Submit(ctx, prompt, pctx)
	if err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	}
	if pos := st.Position(); pos > 0 {
		stderr := cmd.ErrOrStderr()
		fmt.Fprintln(stderr, newStyles(stderr).hint.Render(fmt.Sprintf("waiting for the model (position %d in queue)", pos)))
	}

	out := cmd.OutOrStdout()
	var last string
	for st.Next() {
		if _, err := io.WriteString(out, st.Text()); err != nil {
			return fmt.Errorf("write answer: %w", err)
		}
		if st.Text() != "" {
			last = st.Text()
		}
	}
	if last != "" && !strings.HasSuffix(last, "\n") && isTerminal(out) {
		io.WriteString(out, "\n")
	}

	if err := st.Err(); err != nil {
		return err
	}
	if st.Cancelled() {
		return errInterrupted
	}
	return nil
}

// requestHeadroom is the part of a request frame kept for everything except
// piped input.
const requestHeadroom = 16 << 10

// stdinBudget is how much piped input fits in one request frame next to
// prompt. It never exceeds gather.DefaultMaxStdin and may be <= 0.
func stdinBudget(cfg *please.Config, prompt string) int {
	return min(cfg.Hub.MaxFrameBytes-requestHeadroom-len(prompt), gather.DefaultMaxStdin)
}

// asRequest runs "please <subcommand> more words" as a request that starts
// with the subcommand's name.
func asRequest(cmd *cobra.Command, opts *globalOptions, ask *askOptions, args []string) error {
	return runAsk(cmd, opts, ask, append([]string{cmd.Name()}, args...))
}

func connectOptions(cfg *please.Config, logger *slog.Logger) []client.Option {
	return []client.Option{
		client.WithConnectTimeout(cfg.Client.ConnectTimeout.Duration),
		client.WithMaxFrameSize(cfg.Hub.MaxFrameBytes),
		client.WithLogger(logger),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
