// Package protocol defines the wire format for the RCP transport:
// a fixed 12-byte header followed by an opaque payload.
package protocol

import (
	"encoding/binary"
	"errors"
)

// Header flags. REL marks a packet that must be acknowledged; CANCEL is a
// loopback-only sentinel that never crosses hosts.
const (
	FlagSYN    uint32 = 1       // connection requested
	FlagACK    uint32 = 2       // acknowledges the batch in the batch field
	FlagFIN    uint32 = 4       // no more messages
	FlagKEP    uint32 = 8       // keepalive
	FlagREL    uint32 = 16      // reliable packet, send back ack
	FlagCANCEL uint32 = 1 << 31 // self-addressed wakeup for blocked selectors
)

// HeaderSize is the fixed header size: Seq(4) + Batch(4) + Flags(4).
const HeaderSize = 12

// ErrShortHeader is returned when a datagram is too small to hold a header.
var ErrShortHeader = errors.New("datagram shorter than header")

// Header is the fixed per-datagram header. Seq increases with every
// outgoing datagram including acks and keepalives; Batch increases only
// with reliable packets (data, SYN, SYN+ACK and FIN) and defines delivery
// order.
type Header struct {
	Seq   uint32
	Batch uint32
	Flags uint32
}

// Marshal serializes the header to its 12-byte big-endian wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.Batch)
	binary.BigEndian.PutUint32(buf[8:12], h.Flags)
	return buf
}

// ParseHeader deserializes a header from the start of a datagram.
// Unknown flag bits are kept as-is; receivers ignore what they don't know.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Seq:   binary.BigEndian.Uint32(data[0:4]),
		Batch: binary.BigEndian.Uint32(data[4:8]),
		Flags: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// Has reports whether all bits of flag are set on the header.
func (h Header) Has(flag uint32) bool {
	return h.Flags&flag == flag
}

// Encode builds the full wire datagram for a header and payload.
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.Batch)
	binary.BigEndian.PutUint32(buf[8:12], h.Flags)
	copy(buf[HeaderSize:], payload)
	return buf
}
