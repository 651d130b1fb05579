package stack

import (
	"net/netip"
	"sync/atomic"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
	"github.com/irctrakz/ustack/pkg/logging"
	"github.com/irctrakz/ustack/pkg/tcp"
)

// ipIDSeq generates IPv4 identification values; a shared counter is fine
// because fragmentation is never produced locally.
var ipIDSeq uint32

// SendSegment implements tcp.Output: it encodes a TCP segment into a pooled
// frame, wraps it in IP and Ethernet, and routes it out. Failures (pool
// exhaustion, no route) drop the segment and count; TCP's own
// retransmission recovers the loss.
func (s *Stack) SendSegment(key core.FlowKey, fields *header.TCPFields, advMSS uint16, payload []byte) {
	tcpLen := int(fields.DataOffset) + len(payload)
	s.sendIP(key.Local, key.Remote, header.ProtocolTCP, tcpLen, func(tb []byte) {
		t := header.TCP(tb)
		t.Encode(fields)
		if advMSS > 0 {
			t.EncodeMSSOption(advMSS)
		}
		copy(tb[fields.DataOffset:], payload)
		t.SetChecksum(key.Local, key.Remote)
	})
}

// sendRstFor answers a segment that arrived for a nonexistent connection,
// per the standard reset generation rules.
func (s *Stack) sendRstFor(key core.FlowKey, seg tcp.Segment) {
	fields := header.TCPFields{
		SrcPort:    key.LocalPort,
		DstPort:    key.RemotePort,
		DataOffset: header.TCPMinimumSize,
	}
	if seg.Flags&header.TCPFlagAck != 0 {
		fields.SeqNum = seg.Ack
		fields.Flags = header.TCPFlagRst
	} else {
		segLen := uint32(len(seg.Payload))
		if seg.Flags&header.TCPFlagSyn != 0 {
			segLen++
		}
		if seg.Flags&header.TCPFlagFin != 0 {
			segLen++
		}
		fields.AckNum = seg.Seq + segLen
		fields.Flags = header.TCPFlagRst | header.TCPFlagAck
	}
	core.Inc(&s.metrics.ResetsSent)
	s.SendSegment(key, &fields, 0, nil)
}

// sendIP builds and transmits one IP packet. fill encodes the transport
// header and payload into the packet's transport region.
func (s *Stack) sendIP(src, dst netip.Addr, proto uint8, transLen int, fill func([]byte)) {
	r, err := s.routes.Lookup(dst)
	if err != nil {
		core.Inc(&s.metrics.DroppedUnreachable)
		return
	}
	ifc := s.iface(r.IfIndex)
	if ifc == nil {
		core.Inc(&s.metrics.DroppedUnreachable)
		return
	}

	ipLen := header.IPv4MinimumSize
	etherType := header.EtherTypeIPv4
	if dst.Is6() {
		ipLen = header.IPv6MinimumSize
		etherType = header.EtherTypeIPv6
	}
	total := header.EthernetMinimumSize + ipLen + transLen
	f, err := s.pool.Acquire(total)
	if err != nil {
		core.Inc(&s.metrics.DroppedExhausted)
		return
	}
	f.IfIndex = ifc.Index
	b := f.Bytes()

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{SrcAddr: ifc.LinkAddr, Type: etherType})

	ipb := b[header.EthernetMinimumSize:]
	if dst.Is4() {
		header.IPv4(ipb).Encode(&header.IPv4Fields{
			TotalLength: uint16(ipLen + transLen),
			ID:          uint16(atomic.AddUint32(&ipIDSeq, 1)),
			Flags:       header.IPv4FlagDontFragment,
			TTL:         header.IPv4DefaultTTL,
			Protocol:    proto,
			SrcAddr:     src,
			DstAddr:     dst,
		})
	} else {
		header.IPv6(ipb).Encode(&header.IPv6Fields{
			PayloadLength: uint16(transLen),
			NextHeader:    proto,
			HopLimit:      header.IPv6DefaultHopLimit,
			SrcAddr:       src,
			DstAddr:       dst,
		})
	}
	fill(ipb[ipLen:])

	// Point-to-point devices have exactly one peer; no resolution.
	if pp, ok := ifc.Device.(core.PointToPointDevice); ok {
		la := pp.PeerLinkAddr()
		copy(b[:6], la[:])
		s.writeFrame(ifc, f)
		return
	}

	// Multicast destinations (NDP) map straight to a link address.
	if dst.Is6() && dst.IsMulticast() {
		la := header.EthernetAddressFromMulticastIPv6(dst)
		copy(b[:6], la[:])
		s.writeFrame(ifc, f)
		return
	}

	nexthop := r.NextHop(dst)
	linkAddr, pending := s.neigh.Resolve(ifc.Index, nexthop, f)
	if pending {
		// Frame ownership moved to the neighbor cache's pending queue; it
		// is flushed on resolution or dropped on timeout.
		return
	}
	copy(b[:6], linkAddr[:])
	s.writeFrame(ifc, f)
}

func (s *Stack) writeFrame(ifc *core.Interface, f *core.Frame) {
	core.Inc(&s.metrics.FramesSent)
	core.Add(&s.metrics.BytesSent, uint64(f.Length()))
	if err := ifc.Device.WriteFrame(f); err != nil {
		logging.Debugf("egress %s: %v", ifc.Name, err)
	}
}

// sendARP transmits an ARP packet to the given link destination.
func (s *Stack) sendARP(ifc *core.Interface, fields *header.ARPFields, to core.LinkAddress) {
	f, err := s.pool.Acquire(header.EthernetMinimumSize + header.ARPSize)
	if err != nil {
		core.Inc(&s.metrics.DroppedExhausted)
		return
	}
	f.IfIndex = ifc.Index
	b := f.Bytes()
	header.Ethernet(b).Encode(&header.EthernetFields{
		DstAddr: to,
		SrcAddr: ifc.LinkAddr,
		Type:    header.EtherTypeARP,
	})
	header.ARP(b[header.EthernetMinimumSize:]).Encode(fields)
	s.writeFrame(ifc, f)
}

// SendNeighborRequest implements route.RequestSender: it emits an ARP
// request (IPv4) or NDP neighbor solicitation (IPv6) for target.
func (s *Stack) SendNeighborRequest(ifIndex int, target netip.Addr) {
	ifc := s.iface(ifIndex)
	if ifc == nil {
		return
	}
	if target.Is4() {
		var local netip.Addr
		for _, p := range ifc.Addrs {
			if p.Addr().Is4() {
				local = p.Addr()
				break
			}
		}
		s.sendARP(ifc, &header.ARPFields{
			Op:                 header.ARPRequest,
			SenderLinkAddr:     ifc.LinkAddr,
			SenderProtocolAddr: local,
			TargetProtocolAddr: target,
		}, core.BroadcastLinkAddress)
		return
	}

	// NDP neighbor solicitation to the solicited-node multicast group,
	// carrying our link address as the source option.
	var local netip.Addr
	for _, p := range ifc.Addrs {
		if p.Addr().Is6() {
			local = p.Addr()
			break
		}
	}
	if !local.IsValid() {
		return
	}
	group := header.SolicitedNodeMulticast(target)
	s.sendIP(local, group, header.ProtocolICMPv6, header.NDPNSSize+8, func(pb []byte) {
		m := header.ICMP(pb)
		m.Encode(&header.ICMPFields{Type: header.ICMPv6NeighborSolicitation})
		t := target.As16()
		copy(pb[header.NDPTargetOffset:], t[:])
		opt := pb[header.NDPNSSize:]
		opt[0] = header.NDPOptSourceLinkAddr
		opt[1] = 1
		copy(opt[2:8], ifc.LinkAddr[:])
		m.SetChecksumV6(local, group)
	})
}

// sendNeighborAdvert answers a neighbor solicitation for target.
func (s *Stack) sendNeighborAdvert(ifc *core.Interface, target, to netip.Addr) {
	s.sendIP(target, to, header.ProtocolICMPv6, header.NDPNASize+8, func(pb []byte) {
		m := header.ICMP(pb)
		m.Encode(&header.ICMPFields{Type: header.ICMPv6NeighborAdvertisement})
		pb[4] = header.NDPSolicitedFlag | header.NDPOverrideFlag
		t := target.As16()
		copy(pb[header.NDPTargetOffset:], t[:])
		opt := pb[header.NDPNASize:]
		opt[0] = header.NDPOptTargetLinkAddr
		opt[1] = 1
		copy(opt[2:8], ifc.LinkAddr[:])
		m.SetChecksumV6(target, to)
	})
}
