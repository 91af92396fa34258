// Package frame implements the message framing spoken between the hub and
// its clients.
//
// Every frame is laid out as
//
//	+-----------------+----------+-------------------+
//	| length (4, BE)  | type (1) | CBOR body (L - 1) |
//	+-----------------+----------+-------------------+
//
// where the length L counts the type byte and the body. Bodies use CBOR Core
// Deterministic Encoding (RFC 8949 §4.2), so re-encoding a decoded frame
// reproduces its bytes exactly.
//
// A connection carries one exchange:
//
//	client                        hub
//	  | <--------- Hello ----------- |
//	  | ---------- Hello ----------> |
//	  | ---------- Request --------> |
//	  | <--------- Accepted -------- |
//	  | <--------- Chunk ... ------- |   (Cancel may be sent at any time)
//	  | <--------- Done | Error ---- |
//
// Frames never carry socket paths or peer credentials, so a connection can be
// relayed (ssh forwarding, container mounts) without the frames changing.
package frame

import (
	"fmt"

	"github.com/please-sh/please"
)

// ProtocolVersion is the version carried in Hello frames. Peers with
// different versions refuse to talk.
const ProtocolVersion uint32 = 1

// DefaultMaxSize is the largest accepted value of the length field.
const DefaultMaxSize = 1 << 20

// Type is the one-byte tag that follows the length prefix.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeRequest
	TypeAccepted
	TypeChunk
	TypeDone
	TypeError
	TypeCancel
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeRequest:
		return "request"
	case TypeAccepted:
		return "accepted"
	case TypeChunk:
		return "chunk"
	case TypeDone:
		return "done"
	case TypeError:
		return "error"
	case TypeCancel:
		return "cancel"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Message is implemented by every frame body.
type Message interface {
	Type() Type
}

// Hello opens a connection in both directions.
type Hello struct {
	Version uint32 `cbor:"version"`
}

// Request is the client's single request on a connection. ID is left empty
// by clients; the hub assigns one and reports it in Accepted.
type Request struct {
	ID      string         `cbor:"id,omitempty"`
	Prompt  string         `cbor:"prompt"`
	Context please.Context `cbor:"context"`
}

// Accepted tells the client the id the hub assigned and how many requests
// wait ahead of it (0 means generation has started).
type Accepted struct {
	ID       string `cbor:"id"`
	Position int    `cbor:"position"`
}

// Chunk carries one generated fragment. Seq starts at 0 and increases by one.
type Chunk struct {
	ID   string `cbor:"id"`
	Seq  uint64 `cbor:"seq"`
	Text string `cbor:"text"`
}

// Done ends a stream successfully. Cancelled is set when generation stopped
// early because the client asked it to.
type Done struct {
	ID        string `cbor:"id"`
	Cancelled bool   `cbor:"cancelled,omitempty"`
}

// Error ends a stream, or a connection that never got that far, with a
// failure kind. ID is empty for failures before registration.
type Error struct {
	ID     string           `cbor:"id,omitempty"`
	Kind   please.ErrorKind `cbor:"kind"`
	Detail string           `cbor:"detail,omitempty"`
}

// Cancel asks the hub to stop generating. An empty ID means the request on
// this connection.
type Cancel struct {
	ID string `cbor:"id,omitempty"`
}

func (Hello) Type() Type    { return TypeHello }
func (Request) Type() Type  { return TypeRequest }
func (Accepted) Type() Type { return TypeAccepted }
func (Chunk) Type() Type    { return TypeChunk }
func (Done) Type() Type     { return TypeDone }
func (Error) Type() Type    { return TypeError }
func (Cancel) Type() Type   { return TypeCancel }

// AsError converts an Error frame into a *please.Error carrying the same kind.
func (e Error) AsError() *please.Error {
	return &please.Error{Kind: e.Kind, Message: e.Detail}
}

// MalformedError describes a frame that could not be decoded. It matches
// please.ErrMalformedFrame under errors.Is, and also matches
// io.ErrUnexpectedEOF when the stream ended inside a frame.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return "malformed frame: " + e.Reason + ": " + e.Err.Error()
	}
	return "malformed frame: " + e.Reason
}

func (e *MalformedError) Unwrap() []error {
	if e.Err == nil {
		return []error{please.ErrMalformedFrame}
	}
	return []error{please.ErrMalformedFrame, e.Err}
}

func malformed(reason string, err error) error {
	return &MalformedError{Reason: reason, Err: err}
}
