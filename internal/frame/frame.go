// Package frame provides the fixed-capacity Ethernet frame buffer shared
// between a reception loop and the protocol dispatcher.
//
// A Buffer holds exactly one frame. Ownership is exclusive: the producer
// writes it, hands it off through the interrupt handshake, and must not touch
// it again until the consumer acknowledges. The accessors enforce the
// 14-byte header / variable-length payload split so callers never index past
// the valid region.
package frame

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	// HeaderLen is the fixed Ethernet header size: destination MAC,
	// source MAC, ethertype/length field.
	HeaderLen = 14

	// MinLen is the smallest frame the bridge will carry. Anything shorter
	// cannot hold a complete header.
	MinLen = HeaderLen

	// MaxLen matches the largest frame the emulated NIC can accept:
	// 1514 bytes of Ethernet plus two bytes of slack for the ethertap
	// framing quirk.
	MaxLen = 1516
)

// Buffer is a single reusable frame slot.
type Buffer struct {
	data [MaxLen]byte
	n    int
}

// Set copies src into the buffer and records its length.
func (b *Buffer) Set(src []byte) error {
	if len(src) < MinLen || len(src) > MaxLen {
		return fmt.Errorf("frame length %d outside [%d, %d]", len(src), MinLen, MaxLen)
	}
	b.n = copy(b.data[:], src)
	return nil
}

// SetLen marks the first n bytes of the backing array as valid. It is used
// together with Raw by receive paths that read directly into the buffer.
func (b *Buffer) SetLen(n int) error {
	if n < MinLen || n > MaxLen {
		return fmt.Errorf("frame length %d outside [%d, %d]", n, MinLen, MaxLen)
	}
	b.n = n
	return nil
}

// Raw exposes the full backing array for receive paths. Call SetLen after
// filling it.
func (b *Buffer) Raw() []byte { return b.data[:] }

// Len reports the valid frame length.
func (b *Buffer) Len() int { return b.n }

// Bytes returns the valid frame bytes.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Header returns the 14-byte Ethernet header.
func (b *Buffer) Header() []byte { return b.data[:HeaderLen] }

// Payload returns everything after the Ethernet header.
func (b *Buffer) Payload() []byte { return b.data[HeaderLen:b.n] }

// EtherType returns the big-endian type/length field at bytes 12-13.
func (b *Buffer) EtherType() uint16 {
	return binary.BigEndian.Uint16(b.data[12:14])
}

// Destination returns the destination MAC. The slice aliases the buffer.
func (b *Buffer) Destination() net.HardwareAddr { return net.HardwareAddr(b.data[0:6]) }

// Source returns the source MAC. The slice aliases the buffer.
func (b *Buffer) Source() net.HardwareAddr { return net.HardwareAddr(b.data[6:12]) }
