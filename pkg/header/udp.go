package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/irctrakz/ustack/pkg/core"
)

const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6
)

// UDPMinimumSize is the size of a UDP header.
const UDPMinimumSize = 8

// UDPFields holds the fields of a UDP header for encoding.
type UDPFields struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// UDP is a typed view over a UDP header and payload.
type UDP []byte

// ParseUDP validates bounds and the transport checksum. A zero checksum
// means "not computed" over IPv4 and is accepted; over IPv6 it is invalid.
func ParseUDP(b []byte, src, dst netip.Addr, checksumVerified bool) (UDP, error) {
	if len(b) < UDPMinimumSize {
		return nil, core.ErrMalformed
	}
	u := UDP(b)
	if int(u.Length()) != len(b) {
		return nil, core.ErrMalformed
	}
	if u.Checksum() == 0 {
		if src.Is6() {
			return nil, core.ErrMalformed
		}
		return u, nil
	}
	if !checksumVerified {
		xsum := PseudoHeaderChecksum(ProtocolUDP, src, dst, uint16(len(b)))
		if Checksum(b, xsum) != 0xffff {
			return nil, core.ErrMalformed
		}
	}
	return u, nil
}

// SourcePort returns the source port field.
func (b UDP) SourcePort() uint16 { return binary.BigEndian.Uint16(b[udpSrcPort:]) }

// DestinationPort returns the destination port field.
func (b UDP) DestinationPort() uint16 { return binary.BigEndian.Uint16(b[udpDstPort:]) }

// Length returns the length field (header plus payload).
func (b UDP) Length() uint16 { return binary.BigEndian.Uint16(b[udpLength:]) }

// Checksum returns the checksum field.
func (b UDP) Checksum() uint16 { return binary.BigEndian.Uint16(b[udpChecksum:]) }

// Payload returns the datagram payload.
func (b UDP) Payload() []byte { return b[UDPMinimumSize:] }

// Encode writes the header from the fields; SetChecksum finalizes.
func (b UDP) Encode(f *UDPFields) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], f.SrcPort)
	binary.BigEndian.PutUint16(b[udpDstPort:], f.DstPort)
	binary.BigEndian.PutUint16(b[udpLength:], f.Length)
	binary.BigEndian.PutUint16(b[udpChecksum:], 0)
}

// SetChecksum computes and stores the transport checksum. An all-zero result
// is transmitted as 0xffff per the UDP rules.
func (b UDP) SetChecksum(src, dst netip.Addr) {
	binary.BigEndian.PutUint16(b[udpChecksum:], 0)
	xsum := PseudoHeaderChecksum(ProtocolUDP, src, dst, uint16(len(b)))
	cs := ^Checksum(b, xsum)
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(b[udpChecksum:], cs)
}
