package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const prefixSize = 4

// ErrFrameTooLarge is returned by Encoder.Encode for a message that does not
// fit the size limit. Nothing is written.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("frame: CBOR encoder initialization failed: " + err.Error())
	}
	// Unknown fields are ignored so newer peers can add optional fields
	// without a version bump.
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("frame: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes msg as one complete frame, length prefix included.
func Marshal(msg Message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type(), err)
	}
	buf := make([]byte, prefixSize+1+len(body))
	binary.BigEndian.PutUint32(buf, uint32(1+len(body)))
	buf[prefixSize] = byte(msg.Type())
	copy(buf[prefixSize+1:], body)
	return buf, nil
}

// Unmarshal decodes one complete frame. Trailing bytes are an error.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < prefixSize {
		return nil, malformed("truncated length prefix", io.ErrUnexpectedEOF)
	}
	n := binary.BigEndian.Uint32(data)
	if n == 0 {
		return nil, malformed("zero length", nil)
	}
	rest := data[prefixSize:]
	if uint64(len(rest)) < uint64(n) {
		return nil, malformed("truncated body", io.ErrUnexpectedEOF)
	}
	if uint64(len(rest)) > uint64(n) {
		return nil, malformed(fmt.Sprintf("%d trailing bytes", uint64(len(rest))-uint64(n)), nil)
	}
	return decodeBody(Type(rest[0]), rest[1:])
}

func decodeBody(t Type, body []byte) (Message, error) {
	switch t {
	case TypeHello:
		return decodeAs[Hello](body)
	case TypeRequest:
		return decodeAs[Request](body)
	case TypeAccepted:
		return decodeAs[Accepted](body)
	case TypeChunk:
		return decodeAs[Chunk](body)
	case TypeDone:
		return decodeAs[Done](body)
	case TypeError:
		return decodeAs[Error](body)
	case TypeCancel:
		return decodeAs[Cancel](body)
	default:
		return nil, malformed(fmt.Sprintf("unknown type tag %d", uint8(t)), nil)
	}
}

func decodeAs[M Message](body []byte) (Message, error) {
	var m M
	if err := decMode.Unmarshal(body, &m); err != nil {
		return nil, malformed(fmt.Sprintf("%s body", m.Type()), err)
	}
	return m, nil
}

// Encoder writes frames to a stream. It is not safe for concurrent use;
// callers serialize writes.
type Encoder struct {
	w   io.Writer
	max int
}

// NewEncoder returns an Encoder writing to w with DefaultMaxSize.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, max: DefaultMaxSize}
}

// SetMaxSize changes the largest frame the encoder will write. Values <= 0
// restore DefaultMaxSize.
func (e *Encoder) SetMaxSize(n int) {
	if n <= 0 {
		n = DefaultMaxSize
	}
	e.max = n
}

// Encode writes msg as a single frame with one Write call.
func (e *Encoder) Encode(msg Message) error {
	buf, err := Marshal(msg)
	if err != nil {
		return err
	}
	if len(buf)-prefixSize > e.max {
		return fmt.Errorf("encode %s frame: %w: %d bytes, limit %d", msg.Type(), ErrFrameTooLarge, len(buf)-prefixSize, e.max)
	}
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type(), err)
	}
	return nil
}

// Decoder reads frames from a stream.
type Decoder struct {
	r      *bufio.Reader
	max    int
	prefix [prefixSize]byte
}

// NewDecoder returns a Decoder reading from r with DefaultMaxSize.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), max: DefaultMaxSize}
}

// SetMaxSize changes the largest accepted length field. Values <= 0 restore
// DefaultMaxSize.
func (d *Decoder) SetMaxSize(n int) {
	if n <= 0 {
		n = DefaultMaxSize
	}
	d.max = n
}

// Decode reads the next frame. It returns io.EOF when the stream ends cleanly
// between frames. After a malformed frame the stream position is undefined
// and the connection should be dropped.
func (d *Decoder) Decode() (Message, error) {
	if _, err := io.ReadFull(d.r, d.prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("truncated length prefix", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(d.prefix[:])
	if n == 0 {
		return nil, malformed("zero length", nil)
	}
	if uint64(n) > uint64(d.max) {
		return nil, malformed(fmt.Sprintf("length %d exceeds limit of %d", n, d.max), nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("truncated body", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return decodeBody(Type(buf[0]), buf[1:])
}
