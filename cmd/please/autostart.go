package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/please-sh/please"
	"github.com/please-sh/please/client"
)

const (
	spawnRetries    = 3
	spawnRetryDelay = 128 * time.Millisecond
)

// launch starts a detached hub serving socket. Tests replace it.
var launch = launchHub

// connect opens a session, starting a hub first when none is listening and
// autostart is enabled.
func connect(ctx context.Context, path string, opts *globalOptions, cfg *please.Config, logger *slog.Logger) (*client.Session, error) {
	copts := connectOptions(cfg, logger)
	sess, err := client.Open(ctx, path, copts...)
	if err == nil || !please.AutostartEnabled(cfg) {
		return sess, err
	}

	var ue *client.UnreachableError
	if !errors.As(err, &ue) || (ue.Reason != client.ReasonNotRunning && ue.Reason != client.ReasonStale) {
		return nil, err
	}

	logger.Debug("starting hub", "socket", path)
	if lerr := launch(path, opts.configPath); lerr != nil {
		logger.Warn("could not start hub", "error", lerr)
		return nil, err
	}

	for range spawnRetries {
		select {
		case <-time.After(spawnRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		sess, err = client.Open(ctx, path, copts...)
		if err == nil || !errors.Is(err, please.ErrHubUnreachable) {
			return sess, err
		}
	}
	return nil, err
}

// launchHub re-executes this binary as "please hub" in its own session so it
// outlives the invoking shell.
func launchHub(socket, configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"hub", "--socket", socket}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	return cmd.Process.Release()
}
