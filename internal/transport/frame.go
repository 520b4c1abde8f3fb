// Package transport implements a minimal reference transport for the
// connection pool: frame header framing, a stream-id allocator, and a
// STARTUP/READY handshake. Query execution and result decoding are not
// implemented here — this package exists only to give pool.Connection a
// concrete, testable body instead of a hand-wavy mock.
//
// The frame layout deliberately mirrors the shape of the real CQL native
// protocol's frame header (version/flags/stream/opcode/length) closely
// enough that maxAvailableStreams has a realistic bound: a 2-byte signed
// stream id caps the space at 32768, matching protocol v3+.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the kind of frame, analogous to the real protocol's
// opcode byte.
type Opcode byte

const (
	OpError        Opcode = 0x00
	OpStartup      Opcode = 0x01
	OpReady        Opcode = 0x02
	OpAuthenticate Opcode = 0x03
	OpOptions      Opcode = 0x05
	OpSupported    Opcode = 0x06
	OpQuery        Opcode = 0x07
	OpResult       Opcode = 0x08
	OpAuthResponse Opcode = 0x0F
	OpAuthSuccess  Opcode = 0x10
)

func (o Opcode) String() string {
	switch o {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(o))
	}
}

// FlagCompressed and FlagTracing mirror the real protocol's frame-header
// flag bits; neither is implemented, both are accepted on read and never
// set on write.
const (
	FlagCompressed byte = 0x01
	FlagTracing    byte = 0x02
)

// HeaderSize is the fixed size of a frame header: version(1) + flags(1) +
// stream(2) + opcode(1) + length(4).
const HeaderSize = 9

// MaxStreams bounds the stream-id space addressable by a 2-byte signed
// stream id, matching protocol v3+'s [short] stream field.
const MaxStreams = 32768

// ProtocolVersion is the single version this reference transport speaks.
const ProtocolVersion = 4

// Header is a parsed frame header.
type Header struct {
	Version byte
	Flags   byte
	Stream  int16
	Opcode  Opcode
	Length  uint32
}

// Marshal serializes h into a HeaderSize-byte buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Stream))
	buf[4] = byte(h.Opcode)
	binary.BigEndian.PutUint32(buf[5:9], h.Length)
	return buf
}

// ReadHeader reads and parses a HeaderSize-byte frame header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return ParseHeader(buf)
}

// ParseHeader parses a HeaderSize-byte buffer into a Header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("transport: frame header too short: %d bytes", len(buf))
	}
	h := Header{
		Version: buf[0],
		Flags:   buf[1],
		Stream:  int16(binary.BigEndian.Uint16(buf[2:4])),
		Opcode:  Opcode(buf[4]),
		Length:  binary.BigEndian.Uint32(buf[5:9]),
	}
	const maxFrameBody = 256 << 20
	if h.Length > maxFrameBody {
		return Header{}, fmt.Errorf("transport: frame length %d exceeds max %d", h.Length, maxFrameBody)
	}
	return h, nil
}

// ReadFrame reads a complete frame (header + body) from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	body := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Header{}, nil, fmt.Errorf("transport: reading frame body (%d bytes): %w", hdr.Length, err)
		}
	}
	return hdr, body, nil
}

// WriteFrame writes a complete frame (header + body) to w.
func WriteFrame(w io.Writer, op Opcode, stream int16, body []byte) error {
	hdr := Header{
		Version: ProtocolVersion,
		Stream:  stream,
		Opcode:  op,
		Length:  uint32(len(body)),
	}
	if _, err := w.Write(hdr.Marshal()); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}
