package stack

import (
	"net/netip"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
	"github.com/irctrakz/ustack/pkg/logging"
	"github.com/irctrakz/ustack/pkg/tcp"
)

// ProcessFrame is the ingress boundary: link devices call it with each
// received frame. It decodes in place, demultiplexes by protocol, and hands
// TCP segments to the owning shard. It never blocks; when a shard queue is
// full the frame is dropped and counted. Implements core.FrameProcessor.
func (s *Stack) ProcessFrame(f *core.Frame) error {
	core.Inc(&s.metrics.FramesReceived)
	core.Add(&s.metrics.BytesReceived, uint64(f.Length()))

	ifc := s.iface(f.IfIndex)
	if ifc == nil {
		f.Release()
		return nil
	}

	eth, err := header.ParseEthernet(f.Bytes())
	if err != nil {
		return s.dropMalformed(f)
	}

	switch eth.Type() {
	case header.EtherTypeARP:
		s.handleARP(ifc, eth.Payload())
		f.Release()
	case header.EtherTypeIPv4:
		return s.handleIPv4(ifc, f, eth.Payload())
	case header.EtherTypeIPv6:
		return s.handleIPv6(ifc, f, eth.Payload())
	default:
		f.Release()
	}
	return nil
}

func (s *Stack) dropMalformed(f *core.Frame) error {
	core.Inc(&s.metrics.DroppedMalformed)
	f.Release()
	return core.ErrMalformed
}

func (s *Stack) handleIPv4(ifc *core.Interface, f *core.Frame, b []byte) error {
	ip, err := header.ParseIPv4(b)
	if err != nil {
		return s.dropMalformed(f)
	}
	if ip.FragmentOffset() != 0 || ip.MoreFragments() {
		// Reassembly is out of the fast path; fragments are dropped.
		return s.dropMalformed(f)
	}
	dst := ip.DestinationAddress()
	if !ifc.HasAddr(dst) {
		f.Release()
		return nil
	}
	src := ip.SourceAddress()

	switch ip.Protocol() {
	case header.ProtocolICMPv4:
		s.handleICMPv4(ifc, src, dst, ip.Payload())
		f.Release()
	case header.ProtocolTCP:
		return s.deliverTCP(f, src, dst, ip.Payload())
	case header.ProtocolUDP:
		err := s.deliverUDP(src, dst, ip.Payload(), f.ChecksumVerified)
		f.Release()
		return err
	default:
		f.Release()
	}
	return nil
}

func (s *Stack) handleIPv6(ifc *core.Interface, f *core.Frame, b []byte) error {
	ip, err := header.ParseIPv6(b)
	if err != nil {
		return s.dropMalformed(f)
	}
	src := ip.SourceAddress()
	dst := ip.DestinationAddress()
	local := ifc.HasAddr(dst) || dst.IsMulticast()

	switch ip.NextHeader() {
	case header.ProtocolICMPv6:
		if local {
			s.handleICMPv6(ifc, src, dst, ip.Payload())
		}
		f.Release()
	case header.ProtocolTCP:
		if !ifc.HasAddr(dst) {
			f.Release()
			return nil
		}
		return s.deliverTCP(f, src, dst, ip.Payload())
	case header.ProtocolUDP:
		var err error
		if ifc.HasAddr(dst) {
			err = s.deliverUDP(src, dst, ip.Payload(), f.ChecksumVerified)
		}
		f.Release()
		return err
	default:
		f.Release()
	}
	return nil
}

// deliverTCP validates the segment and posts it to the owning shard. The
// frame's ownership moves with the event; the shard releases it after the
// actor has consumed the payload.
func (s *Stack) deliverTCP(f *core.Frame, src, dst netip.Addr, b []byte) error {
	t, err := header.ParseTCP(b, src, dst, f.ChecksumVerified)
	if err != nil {
		return s.dropMalformed(f)
	}
	key := core.FlowKey{
		Local:      dst,
		Remote:     src,
		LocalPort:  t.DestinationPort(),
		RemotePort: t.SourcePort(),
		Proto:      header.ProtocolTCP,
	}
	seg := tcp.Segment{
		Seq:     t.SequenceNumber(),
		Ack:     t.AckNumber(),
		Flags:   t.Flags(),
		Window:  uint32(t.WindowSize()),
		Payload: t.Payload(),
	}
	if seg.Flags&header.TCPFlagSyn != 0 {
		seg.MSS = t.ParsedMSS()
	}
	sh := s.shardFor(key)
	if !sh.post(shardEvent{frame: f, seg: segmentEvent{key: key, tcp: seg}}) {
		core.Inc(&s.metrics.DroppedQueueFull)
		f.Release()
	}
	return nil
}

// handleARP answers requests for local addresses and learns sender
// mappings, flushing any frames queued on the resolution.
func (s *Stack) handleARP(ifc *core.Interface, b []byte) {
	a, err := header.ParseARP(b)
	if err != nil {
		core.Inc(&s.metrics.DroppedMalformed)
		return
	}

	// Every valid ARP teaches us the sender's mapping.
	flushed := s.neigh.Learn(a.SenderProtocolAddress(), a.SenderLinkAddress())
	s.flushPending(flushed, a.SenderLinkAddress())

	if a.Op() == header.ARPRequest && ifc.HasAddr(a.TargetProtocolAddress()) {
		s.sendARP(ifc, &header.ARPFields{
			Op:                 header.ARPReply,
			SenderLinkAddr:     ifc.LinkAddr,
			SenderProtocolAddr: a.TargetProtocolAddress(),
			TargetLinkAddr:     a.SenderLinkAddress(),
			TargetProtocolAddr: a.SenderProtocolAddress(),
		}, a.SenderLinkAddress())
	}
}

func (s *Stack) handleICMPv4(ifc *core.Interface, src, dst netip.Addr, b []byte) {
	m, err := header.ParseICMPv4(b)
	if err != nil {
		core.Inc(&s.metrics.DroppedMalformed)
		return
	}
	if m.Type() != header.ICMPv4Echo {
		return
	}
	// Echo reply: same ident/sequence/payload, roles swapped.
	body := m.Payload()
	s.sendIP(dst, src, header.ProtocolICMPv4, header.ICMPMinimumSize+len(body), func(pb []byte) {
		reply := header.ICMP(pb)
		reply.Encode(&header.ICMPFields{
			Type:     header.ICMPv4EchoReply,
			Ident:    m.Ident(),
			Sequence: m.Sequence(),
		})
		copy(reply.Payload(), body)
		reply.SetChecksumV4()
	})
}

func (s *Stack) handleICMPv6(ifc *core.Interface, src, dst netip.Addr, b []byte) {
	m, err := header.ParseICMPv6(b, src, dst)
	if err != nil {
		core.Inc(&s.metrics.DroppedMalformed)
		return
	}
	switch m.Type() {
	case header.ICMPv6Echo:
		body := m.Payload()
		var local netip.Addr
		if ifc.HasAddr(dst) {
			local = dst
		} else if len(ifc.Addrs) > 0 {
			local = ifc.Addrs[0].Addr()
		} else {
			return
		}
		s.sendIP(local, src, header.ProtocolICMPv6, header.ICMPMinimumSize+len(body), func(pb []byte) {
			reply := header.ICMP(pb)
			reply.Encode(&header.ICMPFields{
				Type:     header.ICMPv6EchoReply,
				Ident:    m.Ident(),
				Sequence: m.Sequence(),
			})
			copy(reply.Payload(), body)
			reply.SetChecksumV6(local, src)
		})

	case header.ICMPv6NeighborSolicitation:
		if len(b) < header.NDPNSSize {
			return
		}
		target := m.NDPTarget()
		if !ifc.HasAddr(target) {
			return
		}
		if la, ok := m.NDPLinkAddrOption(header.NDPOptSourceLinkAddr); ok {
			s.flushPending(s.neigh.Learn(src, la), la)
		}
		s.sendNeighborAdvert(ifc, target, src)

	case header.ICMPv6NeighborAdvertisement:
		if len(b) < header.NDPNASize {
			return
		}
		target := m.NDPTarget()
		if la, ok := m.NDPLinkAddrOption(header.NDPOptTargetLinkAddr); ok {
			s.flushPending(s.neigh.Learn(target, la), la)
		}
	}
}

// flushPending transmits frames that were queued awaiting resolution, now
// that the destination link address is known.
func (s *Stack) flushPending(frames []*core.Frame, linkAddr core.LinkAddress) {
	for _, f := range frames {
		ifc := s.iface(f.IfIndex)
		if ifc == nil {
			f.Release()
			continue
		}
		copy(f.Bytes()[:6], linkAddr[:])
		s.writeFrame(ifc, f)
	}
	if len(frames) > 0 {
		logging.Debugf("neighbor resolved %s: flushed %d pending frames", linkAddr, len(frames))
	}
}
