// Package header provides zero-copy typed views and encoders for the wire
// headers the stack speaks: Ethernet, ARP, IPv4, IPv6, ICMPv4/v6, TCP and
// UDP. Decoders validate length bounds and checksums before exposing any
// field; a violation yields core.ErrMalformed and the frame is dropped by
// the caller. Views alias the underlying frame buffer, never copy it.
package header

import "net/netip"

// Checksum computes the ones'-complement sum of buf folded to 16 bits,
// seeded with initial. The caller takes the final complement.
func Checksum(buf []byte, initial uint16) uint16 {
	v := uint32(initial)

	l := len(buf)
	if l&1 != 0 {
		l--
		v += uint32(buf[l]) << 8
	}

	for i := 0; i < l; i += 2 {
		v += (uint32(buf[i]) << 8) + uint32(buf[i+1])
	}

	return ChecksumCombine(uint16(v), uint16(v>>16))
}

// ChecksumCombine combines two partial checksums by adding them with
// end-around carry.
func ChecksumCombine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// PseudoHeaderChecksum computes the partial checksum of the TCP/UDP
// pseudo-header for the given transport protocol, addresses, and transport
// length (header plus payload).
func PseudoHeaderChecksum(protocol uint8, src, dst netip.Addr, length uint16) uint16 {
	var xsum uint16
	if src.Is4() {
		s, d := src.As4(), dst.As4()
		xsum = Checksum(s[:], 0)
		xsum = Checksum(d[:], xsum)
	} else {
		s, d := src.As16(), dst.As16()
		xsum = Checksum(s[:], 0)
		xsum = Checksum(d[:], xsum)
	}
	xsum = Checksum([]byte{0, protocol}, xsum)
	return Checksum([]byte{byte(length >> 8), byte(length)}, xsum)
}
