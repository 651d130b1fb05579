package core

import "net/netip"

// LinkAddress is an Ethernet MAC address.
type LinkAddress [6]byte

// BroadcastLinkAddress is the all-ones Ethernet address.
var BroadcastLinkAddress = LinkAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a LinkAddress) String() string {
	const hex = "0123456789abcdef"
	out := make([]byte, 0, 17)
	for i, b := range a {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hex[b>>4], hex[b&0xf])
	}
	return string(out)
}

// FrameProcessor consumes ingress frames from a link device. Implementations
// must not block: a frame that cannot be queued is dropped and counted.
type FrameProcessor interface {
	ProcessFrame(f *Frame) error
}

// LinkDevice is the frame-I/O collaborator boundary. TAP devices, in-memory
// channels for tests, and kernel-bypass drivers all present this interface;
// the stack assumes nothing about the backend beyond it.
type LinkDevice interface {
	// Start begins delivering ingress frames to the attached processor.
	Start() error

	// Stop halts frame delivery and releases backend resources.
	Stop() error

	// WriteFrame submits one egress frame. The device takes ownership of
	// the frame and releases it when transmission completes or fails.
	WriteFrame(f *Frame) error

	// SetProcessor attaches the ingress consumer. Must be called before
	// Start.
	SetProcessor(p FrameProcessor)

	// MTU returns the device payload limit in bytes (excluding the
	// Ethernet header).
	MTU() int
}

// PointToPointDevice is implemented by link devices with a single fixed
// peer, such as TUN adapters, where link-layer resolution has no meaning.
// Egress frames for such devices carry the peer address directly and no
// ARP or NDP is ever emitted.
type PointToPointDevice interface {
	PeerLinkAddr() LinkAddress
}

// Interface describes one configured network interface.
type Interface struct {
	// Index identifies the interface within the stack; frames carry it as
	// IfIndex.
	Index int

	// Name is the human-readable device name.
	Name string

	// LinkAddr is the interface MAC address.
	LinkAddr LinkAddress

	// Addrs are the local IP prefixes assigned to the interface.
	Addrs []netip.Prefix

	// Device is the frame transport bound to the interface.
	Device LinkDevice
}

// HasAddr reports whether ip is one of the interface's local addresses.
func (i *Interface) HasAddr(ip netip.Addr) bool {
	for _, p := range i.Addrs {
		if p.Addr() == ip {
			return true
		}
	}
	return false
}
