package stack

import (
	"net/netip"
	"sync"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
)

const udpQueueLimit = 256

// UDPDatagram is one received datagram with its source.
type UDPDatagram struct {
	Remote     netip.Addr
	RemotePort uint16
	Payload    []byte
}

// UDPEndpoint is a connectionless endpoint bound to a local port. Receive
// never blocks; datagrams beyond the queue limit are dropped and counted.
type UDPEndpoint struct {
	stk  *Stack
	port uint16

	mu     sync.Mutex
	queue  []UDPDatagram
	closed bool
}

// OpenUDP binds an endpoint to port; 0 picks an ephemeral port.
func (s *Stack) OpenUDP(port uint16) (*UDPEndpoint, error) {
	if port == 0 {
		p, err := s.allocPort(header.ProtocolUDP)
		if err != nil {
			return nil, err
		}
		port = p
	}
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	if _, busy := s.udpEps[port]; busy {
		return nil, core.ErrExhausted
	}
	e := &UDPEndpoint{stk: s, port: port}
	s.udpEps[port] = e
	return e, nil
}

// SendTo transmits one datagram to remote:port.
func (e *UDPEndpoint) SendTo(remote netip.Addr, port uint16, b []byte) error {
	local, err := e.stk.localAddrFor(remote)
	if err != nil {
		core.Inc(&e.stk.metrics.DroppedUnreachable)
		return err
	}
	length := header.UDPMinimumSize + len(b)
	e.stk.sendIP(local, remote, header.ProtocolUDP, length, func(ub []byte) {
		u := header.UDP(ub)
		u.Encode(&header.UDPFields{
			SrcPort: e.port,
			DstPort: port,
			Length:  uint16(length),
		})
		copy(u.Payload(), b)
		u.SetChecksum(local, remote)
	})
	return nil
}

// Receive returns the next queued datagram or ErrWouldBlock.
func (e *UDPEndpoint) Receive() (UDPDatagram, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return UDPDatagram{}, core.ErrClosed
	}
	if len(e.queue) == 0 {
		return UDPDatagram{}, core.ErrWouldBlock
	}
	d := e.queue[0]
	e.queue = e.queue[1:]
	return d, nil
}

// Close unbinds the endpoint.
func (e *UDPEndpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.queue = nil
	e.mu.Unlock()

	e.stk.udpMu.Lock()
	delete(e.stk.udpEps, e.port)
	e.stk.udpMu.Unlock()
	e.stk.releasePort(header.ProtocolUDP, e.port)
}

// deliverUDP validates a datagram and queues it on the bound endpoint. The
// payload is copied because the frame is released by the caller.
func (s *Stack) deliverUDP(src, dst netip.Addr, b []byte, checksumVerified bool) error {
	u, err := header.ParseUDP(b, src, dst, checksumVerified)
	if err != nil {
		core.Inc(&s.metrics.DroppedMalformed)
		return core.ErrMalformed
	}
	s.udpMu.Lock()
	e := s.udpEps[u.DestinationPort()]
	s.udpMu.Unlock()
	if e == nil {
		core.Inc(&s.metrics.DroppedNoListener)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.queue) >= udpQueueLimit {
		core.Inc(&s.metrics.DroppedQueueFull)
		return nil
	}
	e.queue = append(e.queue, UDPDatagram{
		Remote:     src,
		RemotePort: u.SourcePort(),
		Payload:    append([]byte(nil), u.Payload()...),
	})
	return nil
}
