package core

import (
	"fmt"
	"net/netip"
)

// FlowKey identifies one TCP or UDP conversation by its 5-tuple, from the
// local endpoint's point of view. Immutable once a connection exists.
type FlowKey struct {
	Local      netip.Addr
	Remote     netip.Addr
	LocalPort  uint16
	RemotePort uint16
	Proto      uint8
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%d:%s:%d->%s:%d", k.Proto, k.Local, k.LocalPort, k.Remote, k.RemotePort)
}

// Hash returns a deterministic hash of the flow key. The same key always
// yields the same value for the life of the process, so repeated dispatch of
// a flow always selects the same shard.
func (k FlowKey) Hash() uint32 {
	// FNV-1a over the tuple bytes.
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	mix := func(b byte) {
		h ^= uint32(b)
		h *= prime32
	}
	for _, b := range k.Local.As16() {
		mix(b)
	}
	for _, b := range k.Remote.As16() {
		mix(b)
	}
	mix(byte(k.LocalPort >> 8))
	mix(byte(k.LocalPort))
	mix(byte(k.RemotePort >> 8))
	mix(byte(k.RemotePort))
	mix(k.Proto)
	return h
}

// Reversed returns the key as seen from the remote endpoint. Used when
// reflecting a segment (RST generation) back at its sender.
func (k FlowKey) Reversed() FlowKey {
	return FlowKey{
		Local:      k.Remote,
		Remote:     k.Local,
		LocalPort:  k.RemotePort,
		RemotePort: k.LocalPort,
		Proto:      k.Proto,
	}
}
