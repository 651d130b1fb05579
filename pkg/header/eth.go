package header

import (
	"encoding/binary"

	"github.com/irctrakz/ustack/pkg/core"
)

const (
	ethDst  = 0
	ethSrc  = 6
	ethType = 12
)

// EthernetMinimumSize is the size of an Ethernet header.
const EthernetMinimumSize = 14

// EtherType values dispatched by the stack.
const (
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86dd
)

// EthernetFields holds the fields of an Ethernet header for encoding.
type EthernetFields struct {
	DstAddr core.LinkAddress
	SrcAddr core.LinkAddress
	Type    uint16
}

// Ethernet is a typed view over an Ethernet header in a frame buffer.
type Ethernet []byte

// ParseEthernet validates bounds and returns a view over b.
func ParseEthernet(b []byte) (Ethernet, error) {
	if len(b) < EthernetMinimumSize {
		return nil, core.ErrMalformed
	}
	return Ethernet(b), nil
}

// DestinationAddress returns the destination MAC.
func (b Ethernet) DestinationAddress() core.LinkAddress {
	var a core.LinkAddress
	copy(a[:], b[ethDst:])
	return a
}

// SourceAddress returns the source MAC.
func (b Ethernet) SourceAddress() core.LinkAddress {
	var a core.LinkAddress
	copy(a[:], b[ethSrc:])
	return a
}

// Type returns the EtherType field.
func (b Ethernet) Type() uint16 {
	return binary.BigEndian.Uint16(b[ethType:])
}

// Payload returns the bytes following the Ethernet header.
func (b Ethernet) Payload() []byte {
	return b[EthernetMinimumSize:]
}

// Encode writes the fields into the view.
func (b Ethernet) Encode(f *EthernetFields) {
	copy(b[ethDst:][:6], f.DstAddr[:])
	copy(b[ethSrc:][:6], f.SrcAddr[:])
	binary.BigEndian.PutUint16(b[ethType:], f.Type)
}
