package stack

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
	"github.com/irctrakz/ustack/pkg/link/channel"
)

var (
	stackMAC = core.LinkAddress{0x02, 0, 0, 0, 0, 1}
	peerMAC  = core.LinkAddress{0x02, 0, 0, 0, 0, 0x99}
)

// newRawStack brings up a stack on an unpaired channel endpoint so tests can
// inject raw frames and inspect everything it transmits.
func newRawStack(t *testing.T) (*Stack, *channel.Endpoint) {
	t.Helper()
	s := New(Config{Workers: 1, PoolFrames: 64})
	ep := channel.New(1500)
	ep.SetPool(s.Pool())
	s.AddInterface(&core.Interface{
		Index:    1,
		Name:     "ch0",
		LinkAddr: stackMAC,
		Addrs:    []netip.Prefix{netip.MustParsePrefix("192.168.5.1/24")},
		Device:   ep,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, ep
}

func nextFrame(t *testing.T, ep *channel.Endpoint) []byte {
	t.Helper()
	select {
	case b := <-ep.Outbound():
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an egress frame")
		return nil
	}
}

func buildARPRequest(sender, target netip.Addr) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(b).Encode(&header.EthernetFields{
		DstAddr: core.BroadcastLinkAddress,
		SrcAddr: peerMAC,
		Type:    header.EtherTypeARP,
	})
	header.ARP(b[header.EthernetMinimumSize:]).Encode(&header.ARPFields{
		Op:                 header.ARPRequest,
		SenderLinkAddr:     peerMAC,
		SenderProtocolAddr: sender,
		TargetProtocolAddr: target,
	})
	return b
}

func buildIPv4Frame(src, dst netip.Addr, proto uint8, transport []byte) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+len(transport))
	header.Ethernet(b).Encode(&header.EthernetFields{
		DstAddr: stackMAC,
		SrcAddr: peerMAC,
		Type:    header.EtherTypeIPv4,
	})
	ipb := b[header.EthernetMinimumSize:]
	header.IPv4(ipb).Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + len(transport)),
		TTL:         header.IPv4DefaultTTL,
		Protocol:    proto,
		SrcAddr:     src,
		DstAddr:     dst,
	})
	copy(ipb[header.IPv4MinimumSize:], transport)
	return b
}

func TestARPRequestAnswered(t *testing.T) {
	_, ep := newRawStack(t)
	peerIP := netip.MustParseAddr("192.168.5.99")
	localIP := netip.MustParseAddr("192.168.5.1")

	ep.Inject(buildARPRequest(peerIP, localIP))

	frame := nextFrame(t, ep)
	eth, err := header.ParseEthernet(frame)
	if err != nil || eth.Type() != header.EtherTypeARP {
		t.Fatalf("not an ARP frame: %v %#x", err, eth.Type())
	}
	if eth.DestinationAddress() != peerMAC {
		t.Fatalf("reply not unicast to requester: %s", eth.DestinationAddress())
	}
	a, err := header.ParseARP(eth.Payload())
	if err != nil {
		t.Fatalf("parse arp: %v", err)
	}
	if a.Op() != header.ARPReply {
		t.Fatalf("bad op %d", a.Op())
	}
	if a.SenderProtocolAddress() != localIP || a.SenderLinkAddress() != stackMAC {
		t.Fatalf("bad sender %s/%s", a.SenderProtocolAddress(), a.SenderLinkAddress())
	}
	if a.TargetProtocolAddress() != peerIP {
		t.Fatalf("bad target %s", a.TargetProtocolAddress())
	}
}

func TestICMPEchoAnswered(t *testing.T) {
	_, ep := newRawStack(t)
	peerIP := netip.MustParseAddr("192.168.5.99")
	localIP := netip.MustParseAddr("192.168.5.1")

	// The ARP request doubles as the neighbor-learning step, so the echo
	// reply can go straight out without a resolution round trip.
	ep.Inject(buildARPRequest(peerIP, localIP))
	nextFrame(t, ep) // ARP reply

	body := []byte("ping body")
	msg := make([]byte, header.ICMPMinimumSize+len(body))
	header.ICMP(msg).Encode(&header.ICMPFields{Type: header.ICMPv4Echo, Ident: 9, Sequence: 1})
	copy(msg[header.ICMPMinimumSize:], body)
	header.ICMP(msg).SetChecksumV4()
	ep.Inject(buildIPv4Frame(peerIP, localIP, header.ProtocolICMPv4, msg))

	frame := nextFrame(t, ep)
	eth, _ := header.ParseEthernet(frame)
	if eth.Type() != header.EtherTypeIPv4 || eth.DestinationAddress() != peerMAC {
		t.Fatalf("bad reply framing %#x -> %s", eth.Type(), eth.DestinationAddress())
	}
	ip, err := header.ParseIPv4(eth.Payload())
	if err != nil {
		t.Fatalf("parse ipv4: %v", err)
	}
	if ip.SourceAddress() != localIP || ip.DestinationAddress() != peerIP {
		t.Fatalf("bad addresses %s -> %s", ip.SourceAddress(), ip.DestinationAddress())
	}
	m, err := header.ParseICMPv4(ip.Payload())
	if err != nil {
		t.Fatalf("parse icmp: %v", err)
	}
	if m.Type() != header.ICMPv4EchoReply || m.Ident() != 9 || m.Sequence() != 1 {
		t.Fatalf("bad echo reply type=%d id=%d seq=%d", m.Type(), m.Ident(), m.Sequence())
	}
	if !bytes.Equal(m.Payload(), body) {
		t.Fatalf("bad echo body %q", m.Payload())
	}
}

func TestSegmentForClosedPortGetsRst(t *testing.T) {
	_, ep := newRawStack(t)
	peerIP := netip.MustParseAddr("192.168.5.99")
	localIP := netip.MustParseAddr("192.168.5.1")

	ep.Inject(buildARPRequest(peerIP, localIP))
	nextFrame(t, ep)

	// SYN to a port nobody listens on.
	seg := make([]byte, header.TCPMinimumSize)
	tc := header.TCP(seg)
	tc.Encode(&header.TCPFields{
		SrcPort:    40000,
		DstPort:    9,
		SeqNum:     7000,
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagSyn,
		WindowSize: 65535,
	})
	tc.SetChecksum(peerIP, localIP)
	ep.Inject(buildIPv4Frame(peerIP, localIP, header.ProtocolTCP, seg))

	frame := nextFrame(t, ep)
	eth, _ := header.ParseEthernet(frame)
	ip, err := header.ParseIPv4(eth.Payload())
	if err != nil {
		t.Fatalf("parse ipv4: %v", err)
	}
	rst, err := header.ParseTCP(ip.Payload(), ip.SourceAddress(), ip.DestinationAddress(), false)
	if err != nil {
		t.Fatalf("parse tcp: %v", err)
	}
	if rst.Flags() != header.TCPFlagRst|header.TCPFlagAck {
		t.Fatalf("bad flags %#x", rst.Flags())
	}
	// A SYN without ACK is refused with RST acknowledging seq+1.
	if rst.AckNumber() != 7001 {
		t.Fatalf("bad ack %d", rst.AckNumber())
	}
	if rst.SourcePort() != 9 || rst.DestinationPort() != 40000 {
		t.Fatalf("bad ports %d -> %d", rst.SourcePort(), rst.DestinationPort())
	}
}

func TestCorruptedPacketsDroppedAndCounted(t *testing.T) {
	s, ep := newRawStack(t)
	peerIP := netip.MustParseAddr("192.168.5.99")
	localIP := netip.MustParseAddr("192.168.5.1")

	frame := buildIPv4Frame(peerIP, localIP, header.ProtocolICMPv4, make([]byte, header.ICMPMinimumSize))
	frame[header.EthernetMinimumSize+8] ^= 0xff // break the IP header checksum
	ep.Inject(frame)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Metrics().DroppedMalformed > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("malformed frame not counted")
}

// p2pEndpoint presents a channel endpoint as a point-to-point link, the way
// a TUN device does: no ARP or NDP, one fixed peer.
type p2pEndpoint struct{ *channel.Endpoint }

func (p2pEndpoint) PeerLinkAddr() core.LinkAddress { return peerMAC }

func TestPointToPointEgressSkipsResolution(t *testing.T) {
	s := New(Config{Workers: 1, PoolFrames: 64})
	ep := channel.New(1500)
	ep.SetPool(s.Pool())
	s.AddInterface(&core.Interface{
		Index:    1,
		Name:     "tun0",
		LinkAddr: stackMAC,
		Addrs:    []netip.Prefix{netip.MustParsePrefix("192.168.5.1/24")},
		Device:   p2pEndpoint{ep},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	peerIP := netip.MustParseAddr("192.168.5.99")
	localIP := netip.MustParseAddr("192.168.5.1")

	// Nothing ever primes the neighbor cache on this link; the reply must
	// still go straight out, addressed to the fixed peer.
	body := []byte("p2p ping")
	msg := make([]byte, header.ICMPMinimumSize+len(body))
	header.ICMP(msg).Encode(&header.ICMPFields{Type: header.ICMPv4Echo, Ident: 4, Sequence: 2})
	copy(msg[header.ICMPMinimumSize:], body)
	header.ICMP(msg).SetChecksumV4()
	ep.Inject(buildIPv4Frame(peerIP, localIP, header.ProtocolICMPv4, msg))

	frame := nextFrame(t, ep)
	eth, err := header.ParseEthernet(frame)
	if err != nil {
		t.Fatalf("parse ethernet: %v", err)
	}
	if eth.Type() == header.EtherTypeARP {
		t.Fatal("link-layer resolution attempted on a point-to-point link")
	}
	if eth.Type() != header.EtherTypeIPv4 || eth.DestinationAddress() != peerMAC {
		t.Fatalf("bad reply framing %#x -> %s", eth.Type(), eth.DestinationAddress())
	}
	ip, err := header.ParseIPv4(eth.Payload())
	if err != nil {
		t.Fatalf("parse ipv4: %v", err)
	}
	m, err := header.ParseICMPv4(ip.Payload())
	if err != nil {
		t.Fatalf("parse icmp: %v", err)
	}
	if m.Type() != header.ICMPv4EchoReply || !bytes.Equal(m.Payload(), body) {
		t.Fatalf("bad echo reply type=%d body=%q", m.Type(), m.Payload())
	}
}

func TestFragmentedPacketRejected(t *testing.T) {
	s, ep := newRawStack(t)
	peerIP := netip.MustParseAddr("192.168.5.99")
	localIP := netip.MustParseAddr("192.168.5.1")

	frame := buildIPv4Frame(peerIP, localIP, header.ProtocolUDP, make([]byte, 16))
	ipb := frame[header.EthernetMinimumSize:]
	header.IPv4(ipb).Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + 16),
		Flags:       header.IPv4FlagMoreFragments,
		TTL:         header.IPv4DefaultTTL,
		Protocol:    header.ProtocolUDP,
		SrcAddr:     peerIP,
		DstAddr:     localIP,
	})
	ep.Inject(frame)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Metrics().DroppedMalformed > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("fragment not dropped")
}
