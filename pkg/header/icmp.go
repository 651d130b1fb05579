package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/irctrakz/ustack/pkg/core"
)

// ICMPv4 message types handled by the stack.
const (
	ICMPv4EchoReply    uint8 = 0
	ICMPv4DstUnreach   uint8 = 3
	ICMPv4Echo         uint8 = 8
	ICMPv4TimeExceeded uint8 = 11
)

// ICMPv6 message types handled by the stack.
const (
	ICMPv6DstUnreach            uint8 = 1
	ICMPv6Echo                  uint8 = 128
	ICMPv6EchoReply             uint8 = 129
	ICMPv6NeighborSolicitation  uint8 = 135
	ICMPv6NeighborAdvertisement uint8 = 136
)

// ICMPMinimumSize is the common 4-byte type/code/checksum prefix plus the
// 4-byte rest-of-header.
const ICMPMinimumSize = 8

// NDP neighbor message layout (after the 4-byte ICMPv6 header).
const (
	NDPTargetOffset = 8  // 4 reserved bytes, then the target address
	NDPNSSize       = 24 // header + reserved + target
	NDPNASize       = 24

	// Neighbor advertisement flag bits (first byte after the header).
	NDPSolicitedFlag = 0x40
	NDPOverrideFlag  = 0x20

	// NDP option types.
	NDPOptSourceLinkAddr = 1
	NDPOptTargetLinkAddr = 2
)

// ICMPFields holds the common ICMP fields for encoding; the rest of the
// message is payload.
type ICMPFields struct {
	Type uint8
	Code uint8
	// Ident and Sequence fill the rest-of-header for echo messages.
	Ident    uint16
	Sequence uint16
}

// ICMP is a typed view over an ICMPv4 or ICMPv6 message.
type ICMP []byte

// ParseICMPv4 validates bounds and the message checksum.
func ParseICMPv4(b []byte) (ICMP, error) {
	if len(b) < ICMPMinimumSize {
		return nil, core.ErrMalformed
	}
	if Checksum(b, 0) != 0xffff {
		return nil, core.ErrMalformed
	}
	return ICMP(b), nil
}

// ParseICMPv6 validates bounds and the checksum, which for ICMPv6 covers the
// pseudo-header.
func ParseICMPv6(b []byte, src, dst netip.Addr) (ICMP, error) {
	if len(b) < ICMPMinimumSize {
		return nil, core.ErrMalformed
	}
	xsum := PseudoHeaderChecksum(ProtocolICMPv6, src, dst, uint16(len(b)))
	if Checksum(b, xsum) != 0xffff {
		return nil, core.ErrMalformed
	}
	return ICMP(b), nil
}

// Type returns the message type.
func (b ICMP) Type() uint8 { return b[0] }

// Code returns the message code.
func (b ICMP) Code() uint8 { return b[1] }

// Checksum returns the checksum field.
func (b ICMP) Checksum() uint16 { return binary.BigEndian.Uint16(b[2:]) }

// Ident returns the echo identifier.
func (b ICMP) Ident() uint16 { return binary.BigEndian.Uint16(b[4:]) }

// Sequence returns the echo sequence number.
func (b ICMP) Sequence() uint16 { return binary.BigEndian.Uint16(b[6:]) }

// Payload returns the message body after the 8-byte header.
func (b ICMP) Payload() []byte { return b[ICMPMinimumSize:] }

// Encode writes the common fields; the checksum is left zero for
// SetChecksumV4/SetChecksumV6 once the payload is in place.
func (b ICMP) Encode(f *ICMPFields) {
	b[0] = f.Type
	b[1] = f.Code
	binary.BigEndian.PutUint16(b[2:], 0)
	binary.BigEndian.PutUint16(b[4:], f.Ident)
	binary.BigEndian.PutUint16(b[6:], f.Sequence)
}

// SetChecksumV4 computes and stores the ICMPv4 checksum over the whole
// message.
func (b ICMP) SetChecksumV4() {
	binary.BigEndian.PutUint16(b[2:], 0)
	binary.BigEndian.PutUint16(b[2:], ^Checksum(b, 0))
}

// SetChecksumV6 computes and stores the ICMPv6 checksum, which includes the
// pseudo-header.
func (b ICMP) SetChecksumV6(src, dst netip.Addr) {
	binary.BigEndian.PutUint16(b[2:], 0)
	xsum := PseudoHeaderChecksum(ProtocolICMPv6, src, dst, uint16(len(b)))
	binary.BigEndian.PutUint16(b[2:], ^Checksum(b, xsum))
}

// NDPTarget returns the target address of a neighbor solicitation or
// advertisement. The caller must have checked the message length.
func (b ICMP) NDPTarget() netip.Addr {
	return netip.AddrFrom16([16]byte(b[NDPTargetOffset : NDPTargetOffset+16]))
}

// NDPLinkAddrOption scans NDP options for a source/target link-layer address
// option and returns it, or false when absent.
func (b ICMP) NDPLinkAddrOption(opt uint8) (core.LinkAddress, bool) {
	var l core.LinkAddress
	rest := b[NDPNSSize:]
	for len(rest) >= 8 {
		olen := int(rest[1]) * 8
		if olen == 0 || olen > len(rest) {
			break
		}
		if rest[0] == opt && olen >= 8 {
			copy(l[:], rest[2:8])
			return l, true
		}
		rest = rest[olen:]
	}
	return l, false
}
