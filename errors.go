package please

import (
	"errors"
	"fmt"
)

// ErrorKind is a machine-readable failure class. Kinds travel on the wire in
// Error frames, so their string values are part of the protocol.
type ErrorKind string

const (
	KindRendezvousBusy    ErrorKind = "rendezvous_busy"
	KindHubUnreachable    ErrorKind = "hub_unreachable"
	KindProtocolMismatch  ErrorKind = "protocol_mismatch"
	KindMalformedFrame    ErrorKind = "malformed_frame"
	KindRegistryFull      ErrorKind = "registry_full"
	KindEngineStalled     ErrorKind = "engine_stalled"
	KindEngineFailed      ErrorKind = "engine_failed"
	KindTransportLost     ErrorKind = "transport_lost"
	KindInternalInvariant ErrorKind = "internal_invariant"
	KindHubShutdown       ErrorKind = "hub_shutdown"
	KindInvalidRequest    ErrorKind = "invalid_request"
)

// Error is a failure with a kind. Two Errors match under errors.Is when
// their kinds are equal, so a detailed error from the hub matches the
// corresponding sentinel below.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrRendezvousBusy    = &Error{Kind: KindRendezvousBusy, Message: "another hub is listening on this socket"}
	ErrHubUnreachable    = &Error{Kind: KindHubUnreachable, Message: "no hub is reachable"}
	ErrProtocolMismatch  = &Error{Kind: KindProtocolMismatch, Message: "client and hub speak different protocol versions"}
	ErrMalformedFrame    = &Error{Kind: KindMalformedFrame, Message: "malformed frame"}
	ErrRegistryFull      = &Error{Kind: KindRegistryFull, Message: "too many requests in flight"}
	ErrEngineStalled     = &Error{Kind: KindEngineStalled, Message: "inference engine stopped producing output"}
	ErrEngineFailed      = &Error{Kind: KindEngineFailed, Message: "inference engine failed"}
	ErrTransportLost     = &Error{Kind: KindTransportLost, Message: "connection lost"}
	ErrInternalInvariant = &Error{Kind: KindInternalInvariant, Message: "internal invariant violated"}
	ErrHubShutdown       = &Error{Kind: KindHubShutdown, Message: "hub is shutting down"}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
)

// Errorf returns an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
