// Package gather collects the context an invoking process attaches to a
// request: where it runs, what the user did recently, what was piped in and
// where the answer is going.
package gather

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/please-sh/please"
	"github.com/please-sh/please/index"
)

// DefaultMaxStdin caps piped input so a request stays well inside one frame.
const DefaultMaxStdin = 256 * 1024

// Options controls Gather. Zero values pick the defaults.
type Options struct {
	// Cwd overrides the working directory.
	Cwd string
	// HistoryPath overrides shell history discovery. "-" disables history.
	HistoryPath string
	// HistoryCommands is how many recent commands to send.
	HistoryCommands int
	// Stdin and Stdout default to os.Stdin and os.Stdout.
	Stdin  *os.File
	Stdout *os.File
	// NoStdin skips reading piped input.
	NoStdin  bool
	MaxStdin int
	Logger   *slog.Logger
}

// Gather builds the request context. It never fails: anything it cannot
// determine is left empty.
func Gather(opts Options) please.Context {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.MaxStdin <= 0 {
		opts.MaxStdin = DefaultMaxStdin
	}

	var c please.Context

	c.Cwd = opts.Cwd
	if c.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Cwd = wd
		}
	}
	if c.Cwd != "" {
		c.Project = Project(c.Cwd)
	}

	if opts.HistoryPath != "-" && opts.HistoryCommands > 0 {
		path := opts.HistoryPath
		if path == "" {
			path = index.HistoryPath()
		}
		cmds := index.ReadHistory(path, opts.HistoryCommands)
		c.History = make([]string, 0, len(cmds))
		for _, cmd := range index.RedactAll(cmds) {
			c.History = append(c.History, strings.ToValidUTF8(cmd, "\uFFFD"))
		}
		logger.Debug("read shell history", "path", path, "commands", len(c.History))
	}

	if !opts.NoStdin && isPiped(opts.Stdin) {
		text, truncated, err := readLimited(opts.Stdin, opts.MaxStdin)
		if err != nil {
			logger.Warn("failed to read stdin", "error", err)
		}
		c.Stdin = strings.ToValidUTF8(text, "\uFFFD")
		c.StdinTruncated = truncated
	}

	if !isTerminal(opts.Stdout) {
		c.Redirected = true
		c.StdoutPath = redirectTarget(opts.Stdout)
	}

	return c
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// isPiped reports whether f is a pipe or a regular file. Character devices
// such as /dev/null are not worth reading.
func isPiped(f *os.File) bool {
	if isTerminal(f) {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	mode := info.Mode()
	return mode&os.ModeNamedPipe != 0 || mode.IsRegular()
}

// readLimited reads at most max bytes from r, reporting whether more was
// available.
func readLimited(r io.Reader, max int) (string, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return string(data), false, fmt.Errorf("read stdin: %w", err)
	}
	if len(data) > max {
		return string(data[:max]), true, nil
	}
	return string(data), false, nil
}

// redirectTarget returns the path of the regular file f writes to, or "" if
// it is a pipe, socket or unknown.
func redirectTarget(f *os.File) string {
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	target, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", f.Fd()))
	if err != nil || !strings.HasPrefix(target, "/") {
		return ""
	}
	return target
}
