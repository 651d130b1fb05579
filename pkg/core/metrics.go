package core

import "sync/atomic"

// StackMetrics counts stack-wide events. All fields are updated atomically
// and may be read from any goroutine.
type StackMetrics struct {
	FramesReceived uint64
	FramesSent     uint64
	BytesReceived  uint64
	BytesSent      uint64

	// Drop counters by cause.
	DroppedMalformed   uint64
	DroppedExhausted   uint64
	DroppedUnreachable uint64
	DroppedNoListener  uint64
	DroppedQueueFull   uint64

	Retransmits     uint64
	FastRetransmits uint64

	ConnectionsCreated uint64
	ConnectionsClosed  uint64
	ResetsSent         uint64
	ResetsReceived     uint64
}

// Snapshot returns a copy of the counters read atomically.
func (m *StackMetrics) Snapshot() StackMetrics {
	return StackMetrics{
		FramesReceived:     atomic.LoadUint64(&m.FramesReceived),
		FramesSent:         atomic.LoadUint64(&m.FramesSent),
		BytesReceived:      atomic.LoadUint64(&m.BytesReceived),
		BytesSent:          atomic.LoadUint64(&m.BytesSent),
		DroppedMalformed:   atomic.LoadUint64(&m.DroppedMalformed),
		DroppedExhausted:   atomic.LoadUint64(&m.DroppedExhausted),
		DroppedUnreachable: atomic.LoadUint64(&m.DroppedUnreachable),
		DroppedNoListener:  atomic.LoadUint64(&m.DroppedNoListener),
		DroppedQueueFull:   atomic.LoadUint64(&m.DroppedQueueFull),
		Retransmits:        atomic.LoadUint64(&m.Retransmits),
		FastRetransmits:    atomic.LoadUint64(&m.FastRetransmits),
		ConnectionsCreated: atomic.LoadUint64(&m.ConnectionsCreated),
		ConnectionsClosed:  atomic.LoadUint64(&m.ConnectionsClosed),
		ResetsSent:         atomic.LoadUint64(&m.ResetsSent),
		ResetsReceived:     atomic.LoadUint64(&m.ResetsReceived),
	}
}

// Inc atomically increments a counter field.
func Inc(field *uint64) { atomic.AddUint64(field, 1) }

// Add atomically adds n to a counter field.
func Add(field *uint64, n uint64) { atomic.AddUint64(field, n) }
