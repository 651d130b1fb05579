// Package tcp implements the per-connection TCP state machine: the eleven
// protocol states, retransmission with RTT-derived timeouts, out-of-order
// reassembly, and congestion control. A Conn is an actor owned by exactly
// one shard; every method must be called from that shard's goroutine.
package tcp

// seqVal is a TCP sequence number with wraparound-aware comparisons.
type seqVal uint32

func (v seqVal) lessThan(w seqVal) bool { return int32(v-w) < 0 }

func (v seqVal) lessThanEq(w seqVal) bool { return v == w || v.lessThan(w) }

// inRange reports v ∈ [a, b) modulo 2^32.
func (v seqVal) inRange(a, b seqVal) bool { return v-a < b-a }

func (v seqVal) add(n uint32) seqVal { return v + seqVal(n) }

// size returns the length of [v, w).
func (v seqVal) size(w seqVal) uint32 { return uint32(w - v) }
