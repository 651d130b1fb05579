package header

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/irctrakz/ustack/pkg/core"
)

func TestEthernetRoundTrip(t *testing.T) {
	b := make([]byte, EthernetMinimumSize+4)
	src := core.LinkAddress{0x02, 0, 0, 0, 0, 1}
	dst := core.LinkAddress{0x02, 0, 0, 0, 0, 2}
	Ethernet(b).Encode(&EthernetFields{DstAddr: dst, SrcAddr: src, Type: EtherTypeIPv4})

	e, err := ParseEthernet(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.SourceAddress() != src || e.DestinationAddress() != dst {
		t.Fatalf("bad addresses %s -> %s", e.SourceAddress(), e.DestinationAddress())
	}
	if e.Type() != EtherTypeIPv4 {
		t.Fatalf("bad ethertype %#x", e.Type())
	}
	if len(e.Payload()) != 4 {
		t.Fatalf("bad payload length %d", len(e.Payload()))
	}
	if _, err := ParseEthernet(b[:10]); err == nil {
		t.Fatal("short frame accepted")
	}
}

func TestARPRoundTrip(t *testing.T) {
	b := make([]byte, ARPSize)
	ARP(b).Encode(&ARPFields{
		Op:                 ARPRequest,
		SenderLinkAddr:     core.LinkAddress{0x02, 0, 0, 0, 0, 1},
		SenderProtocolAddr: netip.MustParseAddr("192.168.1.1"),
		TargetProtocolAddr: netip.MustParseAddr("192.168.1.2"),
	})
	a, err := ParseARP(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Op() != ARPRequest {
		t.Fatalf("bad op %d", a.Op())
	}
	if a.SenderProtocolAddress() != netip.MustParseAddr("192.168.1.1") {
		t.Fatalf("bad sender %s", a.SenderProtocolAddress())
	}
	if a.TargetProtocolAddress() != netip.MustParseAddr("192.168.1.2") {
		t.Fatalf("bad target %s", a.TargetProtocolAddress())
	}

	// Wrong hardware type must be rejected.
	b[0] = 0xff
	if _, err := ParseARP(b); err == nil {
		t.Fatal("bad htype accepted")
	}
}

func TestIPv4RoundTripAndChecksum(t *testing.T) {
	payload := []byte("hello")
	b := make([]byte, IPv4MinimumSize+len(payload))
	copy(b[IPv4MinimumSize:], payload)
	IPv4(b).Encode(&IPv4Fields{
		TotalLength: uint16(len(b)),
		ID:          7,
		Flags:       IPv4FlagDontFragment,
		TTL:         IPv4DefaultTTL,
		Protocol:    ProtocolUDP,
		SrcAddr:     netip.MustParseAddr("10.0.0.1"),
		DstAddr:     netip.MustParseAddr("10.0.0.2"),
	})

	h, err := ParseIPv4(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Protocol() != ProtocolUDP || h.TTL() != IPv4DefaultTTL {
		t.Fatalf("bad proto/ttl %d/%d", h.Protocol(), h.TTL())
	}
	if h.SourceAddress() != netip.MustParseAddr("10.0.0.1") {
		t.Fatalf("bad src %s", h.SourceAddress())
	}
	if !bytes.Equal(h.Payload(), payload) {
		t.Fatalf("bad payload %q", h.Payload())
	}

	// A single flipped bit must fail the header checksum.
	b[v4TTL] ^= 0x40
	if _, err := ParseIPv4(b); err == nil {
		t.Fatal("corrupted header accepted")
	}
	b[v4TTL] ^= 0x40

	// Truncated packets and bad versions are rejected.
	if _, err := ParseIPv4(b[:IPv4MinimumSize-1]); err == nil {
		t.Fatal("short packet accepted")
	}
	b[0] = (6 << 4) | 5
	if _, err := ParseIPv4(b); err == nil {
		t.Fatal("wrong version accepted")
	}
}

func TestTCPRoundTripWithMSS(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	payload := []byte("abc")
	hdrLen := TCPMinimumSize + 4
	b := make([]byte, hdrLen+len(payload))
	tc := TCP(b)
	tc.Encode(&TCPFields{
		SrcPort:    49152,
		DstPort:    80,
		SeqNum:     100,
		AckNum:     200,
		DataOffset: uint8(hdrLen),
		Flags:      TCPFlagSyn | TCPFlagAck,
		WindowSize: 65535,
	})
	tc.EncodeMSSOption(1400)
	copy(b[hdrLen:], payload)
	tc.SetChecksum(src, dst)

	p, err := ParseTCP(b, src, dst, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.SourcePort() != 49152 || p.DestinationPort() != 80 {
		t.Fatalf("bad ports %d -> %d", p.SourcePort(), p.DestinationPort())
	}
	if p.SequenceNumber() != 100 || p.AckNumber() != 200 {
		t.Fatalf("bad seq/ack %d/%d", p.SequenceNumber(), p.AckNumber())
	}
	if p.Flags() != TCPFlagSyn|TCPFlagAck {
		t.Fatalf("bad flags %#x", p.Flags())
	}
	if p.ParsedMSS() != 1400 {
		t.Fatalf("bad mss %d", p.ParsedMSS())
	}
	if !bytes.Equal(p.Payload(), payload) {
		t.Fatalf("bad payload %q", p.Payload())
	}

	// Corrupt one payload byte: the transport checksum must catch it.
	b[hdrLen] ^= 0x01
	if _, err := ParseTCP(b, src, dst, false); err == nil {
		t.Fatal("corrupted segment accepted")
	}
	b[hdrLen] ^= 0x01

	// With hardware-verified checksums the same corruption passes through.
	b[hdrLen] ^= 0x01
	if _, err := ParseTCP(b, src, dst, true); err != nil {
		t.Fatalf("offloaded parse: %v", err)
	}
}

func TestUDPZeroChecksumRules(t *testing.T) {
	src4 := netip.MustParseAddr("10.0.0.1")
	dst4 := netip.MustParseAddr("10.0.0.2")
	b := make([]byte, UDPMinimumSize+2)
	UDP(b).Encode(&UDPFields{SrcPort: 53, DstPort: 5353, Length: uint16(len(b))})

	// Zero checksum is legal over IPv4.
	if _, err := ParseUDP(b, src4, dst4, false); err != nil {
		t.Fatalf("v4 zero checksum rejected: %v", err)
	}

	// And illegal over IPv6.
	src6 := netip.MustParseAddr("fd00::1")
	dst6 := netip.MustParseAddr("fd00::2")
	if _, err := ParseUDP(b, src6, dst6, false); err == nil {
		t.Fatal("v6 zero checksum accepted")
	}

	UDP(b).SetChecksum(src6, dst6)
	if _, err := ParseUDP(b, src6, dst6, false); err != nil {
		t.Fatalf("v6 checksummed parse: %v", err)
	}

	// Length field must match the buffer.
	UDP(b).Encode(&UDPFields{SrcPort: 53, DstPort: 5353, Length: uint16(len(b) + 1)})
	if _, err := ParseUDP(b, src4, dst4, false); err == nil {
		t.Fatal("bad length accepted")
	}
}

func TestChecksumCombine(t *testing.T) {
	data := []byte{0x12, 0x34, 0x56, 0x78, 0x9a}
	whole := Checksum(data, 0)
	split := Checksum(data[4:], Checksum(data[:4], 0))
	if whole != split {
		t.Fatalf("split checksum mismatch: %#x vs %#x", whole, split)
	}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	addr := netip.MustParseAddr("fd00::1234:5678")
	group := SolicitedNodeMulticast(addr)
	want := netip.MustParseAddr("ff02::1:ff34:5678")
	if group != want {
		t.Fatalf("got %s want %s", group, want)
	}
	mac := EthernetAddressFromMulticastIPv6(group)
	if mac[0] != 0x33 || mac[1] != 0x33 {
		t.Fatalf("bad multicast mac %s", mac)
	}
}
