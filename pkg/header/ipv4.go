package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/irctrakz/ustack/pkg/core"
)

const (
	v4VersIHL  = 0
	v4TOS      = 1
	v4TotalLen = 2
	v4ID       = 4
	v4FlagsFO  = 6
	v4TTL      = 8
	v4Protocol = 9
	v4Checksum = 10
	v4SrcAddr  = 12
	v4DstAddr  = 16
)

const (
	// IPv4MinimumSize is the minimum size of a valid IPv4 header.
	IPv4MinimumSize = 20

	// IPv4MaximumHeaderSize is bounded by the 4-bit IHL field (15*4).
	IPv4MaximumHeaderSize = 60

	// IPv4Version is the version field value for IPv4.
	IPv4Version = 4

	// IPv4DefaultTTL is the TTL used for locally generated packets.
	IPv4DefaultTTL = 64
)

// IP protocol numbers carried in IPv4's protocol and IPv6's next-header
// fields.
const (
	ProtocolICMPv4 uint8 = 1
	ProtocolTCP    uint8 = 6
	ProtocolUDP    uint8 = 17
	ProtocolICMPv6 uint8 = 58
)

// IPv4 flags.
const (
	IPv4FlagMoreFragments = 1 << 0
	IPv4FlagDontFragment  = 1 << 1
)

// IPVersion returns the IP version of the packet in b, or -1 when b is too
// short to tell.
func IPVersion(b []byte) int {
	if len(b) < 1 {
		return -1
	}
	return int(b[0] >> 4)
}

// IPv4Fields holds the fields of an IPv4 header for encoding.
type IPv4Fields struct {
	TOS            uint8
	TotalLength    uint16
	ID             uint16
	Flags          uint8
	FragmentOffset uint16
	TTL            uint8
	Protocol       uint8
	SrcAddr        netip.Addr
	DstAddr        netip.Addr
}

// IPv4 is a typed view over an IPv4 header and payload.
type IPv4 []byte

// ParseIPv4 validates version, bounds, and the header checksum before
// exposing the view. Fragments other than the first are rejected here;
// reassembly is out of the fast path.
func ParseIPv4(b []byte) (IPv4, error) {
	if len(b) < IPv4MinimumSize {
		return nil, core.ErrMalformed
	}
	h := IPv4(b)
	if h[v4VersIHL]>>4 != IPv4Version {
		return nil, core.ErrMalformed
	}
	hlen := int(h.HeaderLength())
	if hlen < IPv4MinimumSize || hlen > len(b) {
		return nil, core.ErrMalformed
	}
	tlen := int(h.TotalLength())
	if tlen < hlen || tlen > len(b) {
		return nil, core.ErrMalformed
	}
	if Checksum(b[:hlen], 0) != 0xffff {
		return nil, core.ErrMalformed
	}
	return h, nil
}

// HeaderLength returns the header length in bytes.
func (b IPv4) HeaderLength() uint8 { return (b[v4VersIHL] & 0x0f) * 4 }

// TOS returns the type-of-service field.
func (b IPv4) TOS() uint8 { return b[v4TOS] }

// TotalLength returns the total length field.
func (b IPv4) TotalLength() uint16 { return binary.BigEndian.Uint16(b[v4TotalLen:]) }

// ID returns the fragment identification field.
func (b IPv4) ID() uint16 { return binary.BigEndian.Uint16(b[v4ID:]) }

// Flags returns the flags field.
func (b IPv4) Flags() uint8 { return b[v4FlagsFO] >> 5 }

// FragmentOffset returns the fragment offset in bytes.
func (b IPv4) FragmentOffset() uint16 {
	return (binary.BigEndian.Uint16(b[v4FlagsFO:]) & 0x1fff) * 8
}

// MoreFragments reports whether the MF flag is set.
func (b IPv4) MoreFragments() bool { return b.Flags()&IPv4FlagMoreFragments != 0 }

// TTL returns the time-to-live field.
func (b IPv4) TTL() uint8 { return b[v4TTL] }

// Protocol returns the transport protocol field.
func (b IPv4) Protocol() uint8 { return b[v4Protocol] }

// Checksum returns the header checksum field.
func (b IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(b[v4Checksum:]) }

// SourceAddress returns the source address field.
func (b IPv4) SourceAddress() netip.Addr {
	return netip.AddrFrom4([4]byte(b[v4SrcAddr : v4SrcAddr+4]))
}

// DestinationAddress returns the destination address field.
func (b IPv4) DestinationAddress() netip.Addr {
	return netip.AddrFrom4([4]byte(b[v4DstAddr : v4DstAddr+4]))
}

// Payload returns the transport payload bounded by the total length field.
func (b IPv4) Payload() []byte {
	return b[b.HeaderLength():b.TotalLength()]
}

// Encode writes a 20-byte header from the fields and computes the header
// checksum.
func (b IPv4) Encode(f *IPv4Fields) {
	b[v4VersIHL] = (IPv4Version << 4) | (IPv4MinimumSize / 4)
	b[v4TOS] = f.TOS
	binary.BigEndian.PutUint16(b[v4TotalLen:], f.TotalLength)
	binary.BigEndian.PutUint16(b[v4ID:], f.ID)
	binary.BigEndian.PutUint16(b[v4FlagsFO:], uint16(f.Flags)<<13|f.FragmentOffset/8)
	b[v4TTL] = f.TTL
	b[v4Protocol] = f.Protocol
	binary.BigEndian.PutUint16(b[v4Checksum:], 0)
	src := f.SrcAddr.As4()
	dst := f.DstAddr.As4()
	copy(b[v4SrcAddr:][:4], src[:])
	copy(b[v4DstAddr:][:4], dst[:])
	binary.BigEndian.PutUint16(b[v4Checksum:], ^Checksum(b[:IPv4MinimumSize], 0))
}
