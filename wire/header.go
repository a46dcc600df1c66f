package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// Type identifies what a packet carries. The values are the ASCII bytes
// the wire format actually uses on the link.
type Type byte

const (
	TypeCommand   Type = 'c' // client → server: run a command
	TypeInject    Type = 'i' // client → server: inject a file
	TypeExtract   Type = 'e' // client → server: extract a file
	TypeQuit      Type = 'q' // client → server: close the link
	TypeInterrupt Type = 'I' // client → server: interrupt the running command
	TypeStdin     Type = '0' // client → server: stdin data
	TypeStdout    Type = '1' // server → client: stdout data
	TypeStderr    Type = '2' // server → client: stderr data
	TypeFileData  Type = 'd' // either direction: file chunk
	TypeFileSize  Type = 's' // server → client: extracted file's size
	TypeEOF       Type = 'E' // either direction: end of a data stream
	TypeMajor     Type = 'M' // server → client: major status
	TypeMinor     Type = 'm' // server → client: minor status
	TypeTimeout   Type = 'T' // server → client: transaction timed out
)

func (t Type) String() string {
	if t >= 0x20 && t < 0x7f {
		return string([]byte{byte(t)})
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

const (
	// HeaderSize is the length of the plain packet header: type, pad, len.
	HeaderSize = 4
	// ExtHeaderSize is the length of the extended header, which adds a
	// 2-byte transaction id after the plain header.
	ExtHeaderSize = 6
	// MaxPacket is the largest total frame length (header + payload) a
	// link will build or accept.
	MaxPacket = 32768
)

// ErrProtocol is wrapped by every error this package returns for malformed
// wire data, so callers can test with errors.Is(err, wire.ErrProtocol).
var ErrProtocol = errors.New("wire: protocol error")

var errNoHeaderRoom = errors.New("wire: not enough reserved header room")

// Header is the decoded plain 4-byte packet header.
type Header struct {
	Type Type
	Len  uint16 // total frame length, header included
}

// ExtHeader is the decoded 6-byte extended header, carrying the xid a
// multiplexing link uses to route the packet to its owning transaction.
type ExtHeader struct {
	Header
	XID uint16
}

// Build constructs a complete frame: a Buffer containing the 4-byte
// header followed by payload. It fails if the total length would exceed
// MaxPacket.
func Build(typ Type, payload []byte) (*Buffer, error) {
	return build(typ, 0, payload, false)
}

// BuildXID constructs a complete frame using the 6-byte extended header.
func BuildXID(typ Type, xid uint16, payload []byte) (*Buffer, error) {
	return build(typ, xid, payload, true)
}

// BuildUint builds a frame whose payload is value formatted as decimal
// ASCII followed by a NUL, the convention the protocol uses for major,
// minor, and file-size payloads.
func BuildUint(typ Type, value int) (*Buffer, error) {
	return Build(typ, uintPayload(value))
}

// BuildUintXID is BuildUint with the extended header.
func BuildUintXID(typ Type, xid uint16, value int) (*Buffer, error) {
	return BuildXID(typ, xid, uintPayload(value))
}

func uintPayload(value int) []byte {
	s := strconv.Itoa(value)
	p := make([]byte, len(s)+1)
	copy(p, s)
	return p
}

// ParseUint reads back a payload built by BuildUint/BuildUintXID: decimal
// ASCII digits up to the first NUL or the end of the slice.
func ParseUint(payload []byte) (int, error) {
	for i, c := range payload {
		if c == 0 {
			payload = payload[:i]
			break
		}
	}
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty integer payload", ErrProtocol)
	}
	v, err := strconv.Atoi(string(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return v, nil
}

func build(typ Type, xid uint16, payload []byte, extended bool) (*Buffer, error) {
	hsz := HeaderSize
	if extended {
		hsz = ExtHeaderSize
	}
	if hsz+len(payload) > MaxPacket {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrProtocol, len(payload))
	}
	buf := NewBuffer(hsz + len(payload))
	buf.ReserveHead(hsz)
	buf.Append(payload)
	if err := PushHeaderPS(buf, typ, xid, extended); err != nil {
		return nil, err
	}
	return buf, nil
}

// PushHeaderPS writes typ/xid and the buffer's current length into the
// header room reserved ahead of the buffer's payload, rewinding head to
// cover it. It is used both by Build/BuildXID and by channel code that
// fills a receive buffer incrementally and only learns the final length
// once the read completes (the protocol's push_header_ps operation).
func PushHeaderPS(buf *Buffer, typ Type, xid uint16, extended bool) error {
	hsz := HeaderSize
	if extended {
		hsz = ExtHeaderSize
	}
	total := buf.Count() + hsz
	if total > MaxPacket {
		return fmt.Errorf("%w: frame too large (%d bytes)", ErrProtocol, total)
	}
	hdr := make([]byte, hsz)
	hdr[0] = byte(typ)
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], uint16(total))
	if extended {
		binary.BigEndian.PutUint16(hdr[4:6], xid)
	}
	return buf.Prepend(hdr)
}

// PeekLen reads the length field out of raw, which must contain at least
// HeaderSize bytes, and validates it against the range spec §9 calls for:
// no shorter than a bare header, no longer than cap. Callers use this once
// the first HeaderSize bytes of a frame have arrived, before they know how
// many more bytes to read.
func PeekLen(raw []byte, cap int) (int, error) {
	if len(raw) < HeaderSize {
		return 0, fmt.Errorf("%w: short header (%d bytes)", ErrProtocol, len(raw))
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if length < HeaderSize || length > cap {
		return 0, fmt.Errorf("%w: invalid frame length %d", ErrProtocol, length)
	}
	return length, nil
}

// Parse decodes a complete plain-header frame. raw must hold exactly one
// frame's worth of bytes (or more — only the declared length is consumed).
func Parse(raw []byte) (Header, []byte, error) {
	length, err := PeekLen(raw, len(raw))
	if err != nil {
		return Header{}, nil, err
	}
	return Header{Type: Type(raw[0]), Len: uint16(length)}, raw[HeaderSize:length], nil
}

// ParseXID decodes a complete extended-header frame.
func ParseXID(raw []byte) (ExtHeader, []byte, error) {
	if len(raw) < ExtHeaderSize {
		return ExtHeader{}, nil, fmt.Errorf("%w: short extended header (%d bytes)", ErrProtocol, len(raw))
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if length < ExtHeaderSize || length > len(raw) {
		return ExtHeader{}, nil, fmt.Errorf("%w: invalid frame length %d", ErrProtocol, length)
	}
	xid := binary.BigEndian.Uint16(raw[4:6])
	hdr := ExtHeader{Header: Header{Type: Type(raw[0]), Len: uint16(length)}, XID: xid}
	return hdr, raw[ExtHeaderSize:length], nil
}
