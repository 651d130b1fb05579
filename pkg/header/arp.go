package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/irctrakz/ustack/pkg/core"
)

// ARPSize is the size of an IPv4-over-Ethernet ARP packet.
const ARPSize = 28

// ARP operation codes.
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

const (
	arpHTypeEthernet uint16 = 1
	arpOper                 = 6
	arpSHA                  = 8
	arpSPA                  = 14
	arpTHA                  = 18
	arpTPA                  = 24
)

// ARPFields holds the fields of an ARP packet for encoding.
type ARPFields struct {
	Op                 uint16
	SenderLinkAddr     core.LinkAddress
	SenderProtocolAddr netip.Addr
	TargetLinkAddr     core.LinkAddress
	TargetProtocolAddr netip.Addr
}

// ARP is a typed view over an IPv4-over-Ethernet ARP packet.
type ARP []byte

// ParseARP validates bounds and the fixed hardware/protocol types.
func ParseARP(b []byte) (ARP, error) {
	if len(b) < ARPSize {
		return nil, core.ErrMalformed
	}
	a := ARP(b)
	if binary.BigEndian.Uint16(a[0:]) != arpHTypeEthernet ||
		binary.BigEndian.Uint16(a[2:]) != EtherTypeIPv4 ||
		a[4] != 6 || a[5] != 4 {
		return nil, core.ErrMalformed
	}
	return a, nil
}

// Op returns the operation code.
func (a ARP) Op() uint16 { return binary.BigEndian.Uint16(a[arpOper:]) }

// SenderLinkAddress returns the sender hardware address.
func (a ARP) SenderLinkAddress() core.LinkAddress {
	var l core.LinkAddress
	copy(l[:], a[arpSHA:])
	return l
}

// SenderProtocolAddress returns the sender IPv4 address.
func (a ARP) SenderProtocolAddress() netip.Addr {
	return netip.AddrFrom4([4]byte(a[arpSPA : arpSPA+4]))
}

// TargetLinkAddress returns the target hardware address.
func (a ARP) TargetLinkAddress() core.LinkAddress {
	var l core.LinkAddress
	copy(l[:], a[arpTHA:])
	return l
}

// TargetProtocolAddress returns the target IPv4 address.
func (a ARP) TargetProtocolAddress() netip.Addr {
	return netip.AddrFrom4([4]byte(a[arpTPA : arpTPA+4]))
}

// Encode writes the fields into the view, including the fixed Ethernet/IPv4
// hardware and protocol types.
func (a ARP) Encode(f *ARPFields) {
	binary.BigEndian.PutUint16(a[0:], arpHTypeEthernet)
	binary.BigEndian.PutUint16(a[2:], EtherTypeIPv4)
	a[4] = 6 // hardware address length
	a[5] = 4 // protocol address length
	binary.BigEndian.PutUint16(a[arpOper:], f.Op)
	copy(a[arpSHA:][:6], f.SenderLinkAddr[:])
	spa := f.SenderProtocolAddr.As4()
	copy(a[arpSPA:][:4], spa[:])
	copy(a[arpTHA:][:6], f.TargetLinkAddr[:])
	tpa := f.TargetProtocolAddr.As4()
	copy(a[arpTPA:][:4], tpa[:])
}
