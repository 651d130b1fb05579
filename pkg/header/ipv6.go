package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/irctrakz/ustack/pkg/core"
)

const (
	v6VerTCFlow   = 0
	v6PayloadLen  = 4
	v6NextHeader  = 6
	v6HopLimit    = 7
	v6SrcAddr     = 8
	v6DstAddr     = 24
)

const (
	// IPv6MinimumSize is the fixed IPv6 header size.
	IPv6MinimumSize = 40

	// IPv6Version is the version field value for IPv6.
	IPv6Version = 6

	// IPv6DefaultHopLimit is the hop limit for locally generated packets.
	IPv6DefaultHopLimit = 64
)

// IPv6Fields holds the fields of an IPv6 header for encoding.
type IPv6Fields struct {
	TrafficClass  uint8
	FlowLabel     uint32
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	SrcAddr       netip.Addr
	DstAddr       netip.Addr
}

// IPv6 is a typed view over an IPv6 header and payload.
type IPv6 []byte

// ParseIPv6 validates version and bounds before exposing the view.
// Extension header chains are not walked; NextHeader is reported as-is and
// unsupported chains are dropped by the dispatcher.
func ParseIPv6(b []byte) (IPv6, error) {
	if len(b) < IPv6MinimumSize {
		return nil, core.ErrMalformed
	}
	h := IPv6(b)
	if b[v6VerTCFlow]>>4 != IPv6Version {
		return nil, core.ErrMalformed
	}
	if int(h.PayloadLength())+IPv6MinimumSize > len(b) {
		return nil, core.ErrMalformed
	}
	return h, nil
}

// TrafficClass returns the traffic class field.
func (b IPv6) TrafficClass() uint8 {
	return b[v6VerTCFlow]<<4 | b[v6VerTCFlow+1]>>4
}

// FlowLabel returns the 20-bit flow label.
func (b IPv6) FlowLabel() uint32 {
	return binary.BigEndian.Uint32(b[v6VerTCFlow:]) & 0xfffff
}

// PayloadLength returns the payload length field.
func (b IPv6) PayloadLength() uint16 { return binary.BigEndian.Uint16(b[v6PayloadLen:]) }

// NextHeader returns the next-header field.
func (b IPv6) NextHeader() uint8 { return b[v6NextHeader] }

// HopLimit returns the hop limit field.
func (b IPv6) HopLimit() uint8 { return b[v6HopLimit] }

// SourceAddress returns the source address field.
func (b IPv6) SourceAddress() netip.Addr {
	return netip.AddrFrom16([16]byte(b[v6SrcAddr : v6SrcAddr+16]))
}

// DestinationAddress returns the destination address field.
func (b IPv6) DestinationAddress() netip.Addr {
	return netip.AddrFrom16([16]byte(b[v6DstAddr : v6DstAddr+16]))
}

// Payload returns the payload bounded by the payload length field.
func (b IPv6) Payload() []byte {
	return b[IPv6MinimumSize : IPv6MinimumSize+int(b.PayloadLength())]
}

// Encode writes the fixed header from the fields.
func (b IPv6) Encode(f *IPv6Fields) {
	binary.BigEndian.PutUint32(b[v6VerTCFlow:],
		uint32(IPv6Version)<<28|uint32(f.TrafficClass)<<20|f.FlowLabel&0xfffff)
	binary.BigEndian.PutUint16(b[v6PayloadLen:], f.PayloadLength)
	b[v6NextHeader] = f.NextHeader
	b[v6HopLimit] = f.HopLimit
	src := f.SrcAddr.As16()
	dst := f.DstAddr.As16()
	copy(b[v6SrcAddr:][:16], src[:])
	copy(b[v6DstAddr:][:16], dst[:])
}

// SolicitedNodeMulticast maps a unicast IPv6 address to its solicited-node
// multicast group (ff02::1:ffXX:XXXX).
func SolicitedNodeMulticast(addr netip.Addr) netip.Addr {
	a := addr.As16()
	return netip.AddrFrom16([16]byte{
		0xff, 0x02, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 1, 0xff, a[13], a[14], a[15],
	})
}

// EthernetAddressFromMulticastIPv6 derives the Ethernet multicast address
// for an IPv6 multicast group (33:33 plus the low 32 bits).
func EthernetAddressFromMulticastIPv6(addr netip.Addr) core.LinkAddress {
	a := addr.As16()
	return core.LinkAddress{0x33, 0x33, a[12], a[13], a[14], a[15]}
}
