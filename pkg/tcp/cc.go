package tcp

// congestionControl governs how much unacknowledged data a connection may
// keep in flight. Implementations are single-goroutine (shard-owned), so no
// synchronization is needed.
type congestionControl interface {
	// Cwnd returns the current congestion window in bytes.
	Cwnd() int
	// OnAck informs the controller that n bytes were cumulatively ACKed.
	OnAck(n int)
	// OnLoss informs the controller of a loss event. timeout is true for an
	// RTO, false for fast retransmit.
	OnLoss(timeout bool)
}

// newCongestionControl constructs a controller by name; "reno" is the only
// algorithm currently implemented and the default.
func newCongestionControl(name string, mss, initialMSS int) congestionControl {
	switch name {
	default:
		return newReno(mss, initialMSS)
	}
}

// reno implements slow start and congestion avoidance with byte counting.
type reno struct {
	mss      int
	cwnd     int
	ssthresh int
	caAcc    int // additive-increase accumulator (bytes)
}

func newReno(mss, initialMSS int) *reno {
	if mss <= 0 {
		mss = 1460
	}
	if initialMSS <= 0 {
		initialMSS = 10
	}
	return &reno{
		mss:      mss,
		cwnd:     initialMSS * mss,
		ssthresh: 64 * 1024,
	}
}

func (r *reno) Cwnd() int { return r.cwnd }

func (r *reno) OnAck(acked int) {
	if acked <= 0 {
		return
	}
	if r.cwnd < r.ssthresh {
		// Slow start: grow by one MSS per MSS of data acked.
		inc := acked
		if inc > r.mss {
			inc = r.mss
		}
		r.cwnd += inc
		return
	}
	// Congestion avoidance: roughly one MSS per round trip, byte-counted
	// as (acked * MSS) / cwnd accumulated until a full MSS is earned.
	add := acked * r.mss / r.cwnd
	if add <= 0 {
		add = 1
	}
	r.caAcc += add
	if r.caAcc >= r.mss {
		r.cwnd += r.mss
		r.caAcc -= r.mss
	}
}

func (r *reno) OnLoss(timeout bool) {
	half := r.cwnd / 2
	if half < 2*r.mss {
		half = 2 * r.mss
	}
	r.ssthresh = half
	if timeout {
		// RTO: collapse to one segment and re-enter slow start.
		r.cwnd = r.mss
	} else {
		// Fast retransmit: halve instead of collapsing.
		r.cwnd = half
	}
	r.caAcc = 0
}
