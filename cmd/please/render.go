package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/please-sh/please"
	"github.com/please-sh/please/client"
	"github.com/please-sh/please/frame"
)

const exitInterrupted = 130

type styles struct {
	err  lipgloss.Style
	hint lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		err:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		hint: r.NewStyle().Faint(true),
	}
}

// exitCode reports err on w and returns the process exit status.
func exitCode(err error, w io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled):
		return exitInterrupted
	}

	st := newStyles(w)
	fmt.Fprintln(w, st.err.Render("please: "+err.Error()))
	if hint := remedy(err); hint != "" {
		fmt.Fprintln(w, st.hint.Render("  "+hint))
	}
	return 1
}

// remedy suggests what the user can do about err.
func remedy(err error) string {
	var ue *client.UnreachableError
	if errors.As(err, &ue) {
		switch ue.Reason {
		case client.ReasonNotRunning:
			return `no hub is running; start one with "please hub", or set PLEASE_SPAWN_HUB=1`
		case client.ReasonStale:
			return fmt.Sprintf(`a previous hub left %s behind; "please hub" will reclaim it`, ue.Path)
		case client.ReasonPermissionDenied:
			return "the socket belongs to another user; check its mode or set PLEASE_SOCKET"
		case client.ReasonNotSocket:
			return fmt.Sprintf("%s is not a socket; remove it or point PLEASE_SOCKET elsewhere", ue.Path)
		case client.ReasonTimeout:
			return "the hub did not answer within client.connect_timeout"
		}
	}

	if errors.Is(err, frame.ErrFrameTooLarge) {
		return "the request does not fit hub.max_frame_bytes; pipe less input or use --no-history"
	}

	switch please.KindOf(err) {
	case please.KindProtocolMismatch, please.KindMalformedFrame:
		return "the hub runs a different version of please; restart it with this binary"
	case please.KindRendezvousBusy:
		return "a hub is already serving this socket; use it, or pick another with --socket"
	case please.KindRegistryFull:
		return "the hub is at hub.max_sessions; retry shortly or raise the limit"
	case please.KindEngineStalled:
		return "the model stopped producing output; check the engine, or raise hub.stall_timeout"
	case please.KindEngineFailed:
		return "check that the engine at engine.base_url is up and the model name is right"
	case please.KindTransportLost:
		return "the connection to the hub dropped; the hub log has details"
	case please.KindHubShutdown:
		return "the hub is shutting down; run the request again"
	case please.KindInvalidRequest:
		return "say what you need, e.g. please list the largest files here"
	case please.KindInternalInvariant:
		return "this is a bug in the hub; its log has details"
	}
	return ""
}
