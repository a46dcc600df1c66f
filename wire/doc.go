// Package wire implements the link's byte buffer and packet framing.
//
// Every chunk of data crossing the link is wrapped in a small header:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Type (1 byte)  - identifies the packet's meaning       │
//	├─────────────────────────────────────────────────────────┤
//	│  Pad (1 byte)   - zero, reserved                        │
//	├─────────────────────────────────────────────────────────┤
//	│  Len (2 bytes, big-endian) - total length incl. header  │
//	├─────────────────────────────────────────────────────────┤
//	│  XID (2 bytes, big-endian) - only in the extended header│
//	├─────────────────────────────────────────────────────────┤
//	│  Payload (variable)                                     │
//	└─────────────────────────────────────────────────────────┘
//
// A link uses exactly one of the two header shapes for its lifetime: the
// plain 4-byte header, used by a link that carries a single transaction at
// a time, or the 6-byte extended header, which adds the 2-byte xid used to
// demultiplex packets to the owning transaction on a link that carries many
// transactions at once.
//
// Buffer is the owned byte region every frame is built into; it keeps a
// head cursor so a caller can reserve room for a header and fill the
// payload first, then push the header into the reserved room without a
// second allocation.
package wire
