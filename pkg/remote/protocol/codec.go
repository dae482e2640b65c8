package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Frames are a big-endian uint32 length prefix followed by a CBOR envelope.
// The envelope carries the kind discriminant and the raw payload bytes; each
// payload type is self-describing CBOR.
const (
	headerSize = 4
	// maxFrameSize bounds a single frame. FullFile is the largest payload;
	// anything bigger indicates a corrupt stream.
	maxFrameSize = 64 << 20
)

// envelope is the outer CBOR structure of every frame.
type envelope struct {
	Kind    FrameKind       `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// Frame is a decoded frame: the kind plus undecoded payload bytes.
type Frame struct {
	Kind    FrameKind
	Payload cbor.RawMessage
}

// Decode unmarshals the payload into v.
func (f *Frame) Decode(v any) error {
	if err := cbor.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Kind, err)
	}
	return nil
}

// Encoder writes frames to a byte stream. Writes are serialized so frames
// are never interleaved at the byte level, which lets the event forwarder
// and the command issuer share one channel.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode serializes one frame and flushes it.
func (e *Encoder) Encode(kind FrameKind, payload any) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid frame kind %d", kind)
	}
	var raw cbor.RawMessage
	if payload != nil {
		data, err := cbor.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		raw = data
	}
	body, err := cbor.Marshal(envelope{Kind: kind, Payload: raw})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame %s exceeds %d bytes", kind, maxFrameSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := e.w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := e.w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flushing frame: %w", err)
	}
	return nil
}

// Decoder reads frames from a byte stream. Reads are single-consumer; a
// partial frame blocks until the rest arrives.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next frame. io.EOF surfaces unchanged on a clean close.
func (d *Decoder) Decode() (*Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds %d", length, maxFrameSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	var env envelope
	if err := cbor.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding frame envelope: %w", err)
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("unknown frame kind %d", env.Kind)
	}
	return &Frame{Kind: env.Kind, Payload: env.Payload}, nil
}

// Expect reads the next frame and requires it to be of the given kind. An
// Error frame surfaces as the remote error; anything else is a protocol
// violation.
func (d *Decoder) Expect(kind FrameKind) (*Frame, error) {
	frame, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if frame.Kind == KindError {
		var remote Error
		if err := frame.Decode(&remote); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("remote error: %s", remote.Message)
	}
	if frame.Kind != kind {
		return nil, fmt.Errorf("expected %s frame, got %s", kind, frame.Kind)
	}
	return frame, nil
}
