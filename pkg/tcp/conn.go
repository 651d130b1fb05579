package tcp

import (
	"math/rand"
	"time"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
	"github.com/irctrakz/ustack/pkg/logging"
	"github.com/irctrakz/ustack/pkg/timer"
)

// State is the TCP connection state.
type State int

// TCP states.
const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD", "ESTABLISHED",
	"FIN_WAIT_1", "FIN_WAIT_2", "CLOSE_WAIT", "CLOSING", "LAST_ACK",
	"TIME_WAIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "INVALID"
}

// RTO bounds and defaults.
const (
	minRTO        = 200 * time.Millisecond
	maxRTO        = 60 * time.Second
	initialRTO    = time.Second
	probeInterval = 500 * time.Millisecond
	maxProbeIvl   = 30 * time.Second
)

// Config carries per-connection tuning, supplied by the stack from its
// configuration inputs.
type Config struct {
	MSS            int
	InitialCwndMSS int
	TimeWait       time.Duration
	MaxRetransmits int
	RecvBufSize    int
	SendBufSize    int
	DelayedAck     time.Duration
	KeepaliveIdle  time.Duration // 0 disables keepalive
}

func (c Config) withDefaults() Config {
	if c.MSS <= 0 {
		c.MSS = 1460
	}
	if c.InitialCwndMSS <= 0 {
		c.InitialCwndMSS = 10
	}
	if c.TimeWait <= 0 {
		c.TimeWait = 60 * time.Second
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = 8
	}
	if c.RecvBufSize <= 0 {
		c.RecvBufSize = 128 * 1024
	}
	if c.SendBufSize <= 0 {
		c.SendBufSize = 128 * 1024
	}
	if c.DelayedAck <= 0 {
		c.DelayedAck = 10 * time.Millisecond
	}
	return c
}

// Segment is one decoded inbound TCP segment, already validated by the
// codec. Payload aliases the frame buffer and must be consumed (copied into
// connection buffers) before the handler returns.
type Segment struct {
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint32
	Payload []byte
	MSS     uint16 // from the MSS option; SYN segments only
}

// Scheduler is the shard timer wheel surface the actor schedules against.
type Scheduler interface {
	Schedule(kind timer.Kind, owner interface{}, deadline time.Time) *timer.Entry
	Cancel(e *timer.Entry)
}

// Output encodes and transmits egress segments for an actor. Implemented by
// the stack; must not block.
type Output interface {
	SendSegment(key core.FlowKey, fields *header.TCPFields, advMSS uint16, payload []byte)
}

// Hooks observe actor lifecycle events from the owning shard.
type Hooks struct {
	// Established fires once when the handshake completes.
	Established func(*Conn)
	// Disposed fires when the actor reaches CLOSED and must be removed
	// from the connection table. Always called from the owning shard.
	Disposed func(*Conn)
}

type rtxSeg struct {
	seq    seqVal
	data   []byte
	syn    bool
	fin    bool
	sentAt time.Time
	rtx    bool // retransmitted at least once; excluded from RTT sampling
}

// Conn is one TCP connection actor. All state is owned exclusively by the
// shard goroutine that hosts the connection; nothing here is safe for
// concurrent use.
type Conn struct {
	key     core.FlowKey
	cfg     Config
	out     Output
	sched   Scheduler
	hooks   Hooks
	metrics *core.StackMetrics

	state State
	err   error

	// Send state.
	iss        seqVal
	sndUna     seqVal
	sndNxt     seqVal
	sndWnd     uint32
	mss        int
	sndBuf     []byte
	finQueued  bool
	finSent    bool
	finSeq     seqVal
	rtxQ       []rtxSeg
	retries    int
	passive    bool
	establishd bool

	// Receive state.
	irs     seqVal
	rcvNxt  seqVal
	rcvBuf  []byte
	peerFin bool
	reasm   *reassembler

	// RTT estimation (EWMA of RTT and deviation).
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	rttInit bool

	// Congestion control.
	cc      congestionControl
	dupAcks int

	timers       [timer.NumKinds]*timer.Entry
	probeBackoff time.Duration
	lastActivity time.Time
}

// NewActive creates an actor performing an active open: it sends SYN and
// enters SYN_SENT.
func NewActive(key core.FlowKey, cfg Config, out Output, sched Scheduler, hooks Hooks, metrics *core.StackMetrics, now time.Time) *Conn {
	c := newConn(key, cfg, out, sched, hooks, metrics, now)
	c.state = StateSynSent
	c.queueSpecial(true, false, now)
	return c
}

// NewPassive creates an actor for a SYN received on a listening port: it
// records the peer's ISN, replies SYN-ACK, and enters SYN_RCVD.
func NewPassive(key core.FlowKey, syn Segment, cfg Config, out Output, sched Scheduler, hooks Hooks, metrics *core.StackMetrics, now time.Time) *Conn {
	c := newConn(key, cfg, out, sched, hooks, metrics, now)
	c.passive = true
	c.state = StateSynRcvd
	c.irs = seqVal(syn.Seq)
	c.rcvNxt = c.irs.add(1)
	c.sndWnd = syn.Window
	c.applyPeerMSS(syn.MSS)
	c.queueSpecial(true, false, now)
	return c
}

func newConn(key core.FlowKey, cfg Config, out Output, sched Scheduler, hooks Hooks, metrics *core.StackMetrics, now time.Time) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		key:          key,
		cfg:          cfg,
		out:          out,
		sched:        sched,
		hooks:        hooks,
		metrics:      metrics,
		iss:          seqVal(rand.Uint32()),
		mss:          cfg.MSS,
		rto:          initialRTO,
		reasm:        newReassembler(cfg.RecvBufSize),
		lastActivity: now,
	}
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.cc = newCongestionControl("reno", c.mss, cfg.InitialCwndMSS)
	if metrics != nil {
		core.Inc(&metrics.ConnectionsCreated)
	}
	return c
}

// Key returns the connection's flow key.
func (c *Conn) Key() core.FlowKey { return c.key }

// State returns the current TCP state.
func (c *Conn) State() State { return c.state }

// Err returns the terminal error after an abort (reset or timeout), or nil.
func (c *Conn) Err() error { return c.err }

// SendNext exposes the next send sequence number, used by handshake tests
// and diagnostics.
func (c *Conn) SendNext() uint32 { return uint32(c.sndNxt) }

// RecvNext exposes the next expected receive sequence number.
func (c *Conn) RecvNext() uint32 { return uint32(c.rcvNxt) }

// --- Application surface (shard-executed) ---

// Send queues data for transmission. It accepts as many bytes as fit in the
// send buffer and returns the count; zero with ErrWouldBlock when the buffer
// is full. Never blocks.
func (c *Conn) Send(b []byte, now time.Time) (int, error) {
	switch c.state {
	case StateEstablished, StateCloseWait:
	case StateSynSent, StateSynRcvd:
		return 0, core.ErrWouldBlock
	default:
		if c.err != nil {
			return 0, c.err
		}
		return 0, core.ErrClosed
	}
	if c.finQueued {
		return 0, core.ErrClosed
	}
	space := c.cfg.SendBufSize - len(c.sndBuf) - int(c.sndUna.size(c.sndNxt))
	if space <= 0 {
		return 0, core.ErrWouldBlock
	}
	if len(b) > space {
		b = b[:space]
	}
	c.sndBuf = append(c.sndBuf, b...)
	c.trySend(now)
	return len(b), nil
}

// Receive copies in-order received data into b. Returns ErrWouldBlock when
// nothing is buffered, ErrClosed after the peer's FIN has been consumed, or
// the terminal error after an abort.
func (c *Conn) Receive(b []byte, now time.Time) (int, error) {
	if len(c.rcvBuf) > 0 {
		wasZero := c.recvSpace() == 0
		n := copy(b, c.rcvBuf)
		c.rcvBuf = c.rcvBuf[n:]
		if wasZero && c.recvSpace() > 0 {
			// Reopening a closed window: tell the peer immediately.
			c.sendAck(now)
		}
		return n, nil
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.peerFin || c.state == StateClosed {
		return 0, core.ErrClosed
	}
	return 0, core.ErrWouldBlock
}

// Close initiates an orderly close of the send direction. Received data
// still buffered may be drained afterwards.
func (c *Conn) Close(now time.Time) {
	switch c.state {
	case StateSynSent:
		c.dispose(now)
	case StateEstablished:
		c.state = StateFinWait1
		c.queueFin(now)
	case StateSynRcvd:
		c.state = StateFinWait1
		c.queueFin(now)
	case StateCloseWait:
		c.state = StateLastAck
		c.queueFin(now)
	default:
		// Already closing or closed.
	}
}

// Abort tears the connection down immediately with a RST.
func (c *Conn) Abort(now time.Time) {
	if c.state != StateClosed {
		c.sendRst(now)
		c.err = core.ErrClosed
		c.discardBuffers()
		c.dispose(now)
	}
}

// --- Segment input ---

// HandleSegment processes one validated inbound segment. Must run on the
// owning shard.
func (c *Conn) HandleSegment(seg Segment, now time.Time) {
	c.lastActivity = now

	switch c.state {
	case StateClosed:
		return
	case StateSynSent:
		c.handleSynSent(seg, now)
		return
	case StateSynRcvd:
		c.handleSynRcvd(seg, now)
		if c.state != StateEstablished {
			return
		}
		// Fall through so data riding the handshake ACK is processed.
	}

	if seg.Flags&header.TCPFlagRst != 0 {
		if c.metrics != nil {
			core.Inc(&c.metrics.ResetsReceived)
		}
		c.abort(core.ErrConnectionReset, false, now)
		return
	}
	if seg.Flags&header.TCPFlagSyn != 0 {
		// SYN on a synchronized connection is a protocol violation.
		c.abort(core.ErrConnectionReset, true, now)
		return
	}

	c.processAck(seg, now)
	if c.state == StateClosed {
		return
	}
	if len(seg.Payload) == 0 && seg.Flags&header.TCPFlagFin == 0 &&
		seqVal(seg.Seq).lessThan(c.rcvNxt) {
		// Keepalive or zero-window probe below the window edge; answer
		// with the current acknowledgment and window so the prober can
		// resynchronize.
		c.sendAck(now)
		return
	}
	c.processPayload(seg, now)
	if seg.Flags&header.TCPFlagFin != 0 {
		c.processFin(seg, now)
	}
}

func (c *Conn) handleSynSent(seg Segment, now time.Time) {
	flags := seg.Flags
	if flags&header.TCPFlagRst != 0 {
		if flags&header.TCPFlagAck != 0 && seqVal(seg.Ack) == c.iss.add(1) {
			if c.metrics != nil {
				core.Inc(&c.metrics.ResetsReceived)
			}
			c.abort(core.ErrConnectionReset, false, now)
		}
		return
	}
	if flags&header.TCPFlagSyn == 0 {
		return
	}
	if flags&header.TCPFlagAck != 0 {
		if seqVal(seg.Ack) != c.iss.add(1) {
			// Bogus ACK of our SYN; reflect a RST at the offending number.
			c.out.SendSegment(c.key, &header.TCPFields{
				SrcPort:    c.key.LocalPort,
				DstPort:    c.key.RemotePort,
				SeqNum:     seg.Ack,
				DataOffset: header.TCPMinimumSize,
				Flags:      header.TCPFlagRst,
			}, 0, nil)
			return
		}
		// SYN-ACK: handshake completes.
		c.irs = seqVal(seg.Seq)
		c.rcvNxt = c.irs.add(1)
		c.sndWnd = seg.Window
		c.applyPeerMSS(seg.MSS)
		c.ackSpecial(c.iss.add(1), now)
		c.enterEstablished(now)
		c.sendAck(now)
		return
	}
	// Simultaneous open: SYN without ACK.
	c.irs = seqVal(seg.Seq)
	c.rcvNxt = c.irs.add(1)
	c.sndWnd = seg.Window
	c.applyPeerMSS(seg.MSS)
	c.state = StateSynRcvd
	c.passive = true
	c.resendSpecial(now)
}

func (c *Conn) handleSynRcvd(seg Segment, now time.Time) {
	flags := seg.Flags
	if flags&header.TCPFlagRst != 0 {
		// A reset during the handshake returns a passive connection to
		// anonymity; no error surfaces because no one accepted it yet.
		if c.metrics != nil {
			core.Inc(&c.metrics.ResetsReceived)
		}
		c.discardBuffers()
		c.dispose(now)
		return
	}
	if flags&header.TCPFlagSyn != 0 {
		// Retransmitted SYN: repeat the SYN-ACK.
		c.resendSpecial(now)
		return
	}
	if flags&header.TCPFlagAck == 0 {
		return
	}
	if seqVal(seg.Ack) != c.iss.add(1) {
		c.out.SendSegment(c.key, &header.TCPFields{
			SrcPort:    c.key.LocalPort,
			DstPort:    c.key.RemotePort,
			SeqNum:     seg.Ack,
			DataOffset: header.TCPMinimumSize,
			Flags:      header.TCPFlagRst,
		}, 0, nil)
		return
	}
	c.sndWnd = seg.Window
	c.ackSpecial(c.iss.add(1), now)
	c.enterEstablished(now)
}

func (c *Conn) enterEstablished(now time.Time) {
	c.state = StateEstablished
	c.establishd = true
	c.retries = 0
	logging.Debugf("tcp %s: established", c.key)
	if c.cfg.KeepaliveIdle > 0 {
		c.resetTimer(timer.Keepalive, now.Add(c.cfg.KeepaliveIdle))
	}
	if c.hooks.Established != nil {
		c.hooks.Established(c)
	}
	c.trySend(now)
}

// processAck applies the acknowledgment and window fields of seg.
func (c *Conn) processAck(seg Segment, now time.Time) {
	if seg.Flags&header.TCPFlagAck == 0 {
		return
	}
	prevWnd := c.sndWnd
	c.sndWnd = seg.Window
	ack := seqVal(seg.Ack)

	switch {
	case ack.inRange(c.sndUna.add(1), c.sndNxt.add(1)):
		// New acknowledgment: slide the retransmission queue.
		acked := c.sndUna.size(ack)
		c.sampleRTT(ack, now)
		c.slideRtxQueue(ack)
		c.sndUna = ack
		c.retries = 0
		c.dupAcks = 0
		c.cc.OnAck(int(acked))

		c.cancelTimer(timer.Retransmit)
		if len(c.rtxQ) > 0 {
			c.resetTimer(timer.Retransmit, now.Add(c.rto))
		}

		if c.finSent && ack == c.finSeq.add(1) {
			c.onFinAcked(now)
			if c.state == StateClosed || c.state == StateTimeWait {
				return
			}
		}
		c.trySend(now)

	case ack == c.sndUna:
		inflight := c.sndUna.size(c.sndNxt)
		if seg.Window != prevWnd {
			// Pure window update; may unblock the sender.
			c.dupAcks = 0
			c.cancelTimer(timer.ZeroWindowProbe)
			c.probeBackoff = 0
			c.trySend(now)
		} else if len(seg.Payload) == 0 && inflight > 0 {
			c.dupAcks++
			if c.dupAcks == 3 {
				c.fastRetransmit(now)
			}
		}

	default:
		// Stale ACK for data we no longer track; ignore.
	}
}

func (c *Conn) processPayload(seg Segment, now time.Time) {
	if len(seg.Payload) == 0 {
		return
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}

	seq := seqVal(seg.Seq)
	data := seg.Payload
	end := seq.add(uint32(len(data)))

	if end.lessThanEq(c.rcvNxt) {
		// Entirely old data: duplicate. Re-ACK so the peer resynchronizes.
		c.sendAck(now)
		return
	}
	if seq.lessThan(c.rcvNxt) {
		// Partial overlap: trim the stale prefix.
		data = data[c.rcvNxt.size(seq):]
		seq = c.rcvNxt
	}

	if seq == c.rcvNxt {
		space := c.recvSpace()
		if len(data) > space {
			// No buffer space; the overflow is dropped and retransmitted
			// by the peer once the window reopens.
			data = data[:space]
		}
		if len(data) > 0 {
			c.rcvBuf = append(c.rcvBuf, data...)
			c.rcvNxt = c.rcvNxt.add(uint32(len(data)))
		}
		// Pull any now-contiguous out-of-order data through.
		if more := c.reasm.pop(&c.rcvNxt); len(more) > 0 {
			c.rcvBuf = append(c.rcvBuf, more...)
			// An out-of-order hole just closed; ACK immediately rather
			// than delaying.
			c.sendAck(now)
			return
		}
		c.scheduleDelayedAck(now)
		return
	}

	// Out-of-order: buffer and generate an immediate duplicate ACK so the
	// peer's fast-retransmit logic can engage.
	c.reasm.add(seq, data)
	c.sendAck(now)
}

func (c *Conn) processFin(seg Segment, now time.Time) {
	finSeq := seqVal(seg.Seq).add(uint32(len(seg.Payload)))
	if finSeq != c.rcvNxt {
		// FIN beyond a gap; the missing data will drag it in later.
		return
	}
	if c.peerFin {
		c.sendAck(now)
		return
	}
	c.rcvNxt = c.rcvNxt.add(1) // FIN consumes one sequence number
	c.peerFin = true
	c.sendAck(now)

	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		// Our FIN is unacked: simultaneous close.
		c.state = StateClosing
	case StateFinWait2:
		c.enterTimeWait(now)
	}
}

func (c *Conn) onFinAcked(now time.Time) {
	switch c.state {
	case StateFinWait1:
		c.state = StateFinWait2
	case StateClosing:
		c.enterTimeWait(now)
	case StateLastAck:
		c.dispose(now)
	}
}

// --- Timer events ---

// OnTimer dispatches an expired timer entry. Must run on the owning shard.
func (c *Conn) OnTimer(kind timer.Kind, now time.Time) {
	if c.state == StateClosed {
		return
	}
	switch kind {
	case timer.Retransmit:
		c.onRetransmitTimeout(now)
	case timer.DelayedAck:
		c.sendAck(now)
	case timer.Keepalive:
		c.onKeepalive(now)
	case timer.TimeWait:
		c.dispose(now)
	case timer.ZeroWindowProbe:
		c.onZeroWindowProbe(now)
	}
}

func (c *Conn) onRetransmitTimeout(now time.Time) {
	if len(c.rtxQ) == 0 {
		return
	}
	c.retries++
	if c.retries > c.cfg.MaxRetransmits {
		logging.Debugf("tcp %s: retransmission limit reached in %s", c.key, c.state)
		c.abort(core.ErrConnectionTimeout, false, now)
		return
	}

	// Exponential backoff, capped.
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
	c.cc.OnLoss(true)
	c.resendSeg(&c.rtxQ[0], now)
	if c.metrics != nil {
		core.Inc(&c.metrics.Retransmits)
	}
	c.resetTimer(timer.Retransmit, now.Add(c.rto))
}

func (c *Conn) onKeepalive(now time.Time) {
	if c.cfg.KeepaliveIdle <= 0 || c.state != StateEstablished {
		return
	}
	if now.Sub(c.lastActivity) >= time.Duration(c.cfg.MaxRetransmits)*c.cfg.KeepaliveIdle {
		c.abort(core.ErrConnectionTimeout, true, now)
		return
	}
	if now.Sub(c.lastActivity) >= c.cfg.KeepaliveIdle {
		// Probe with a stale sequence number to elicit an ACK.
		c.out.SendSegment(c.key, &header.TCPFields{
			SrcPort:    c.key.LocalPort,
			DstPort:    c.key.RemotePort,
			SeqNum:     uint32(c.sndNxt.add(^uint32(0))), // sndNxt-1
			AckNum:     uint32(c.rcvNxt),
			DataOffset: header.TCPMinimumSize,
			Flags:      header.TCPFlagAck,
			WindowSize: c.advertisedWindow(),
		}, 0, nil)
	}
	c.resetTimer(timer.Keepalive, now.Add(c.cfg.KeepaliveIdle))
}

func (c *Conn) onZeroWindowProbe(now time.Time) {
	if c.sndWnd != 0 || len(c.sndBuf) == 0 {
		c.probeBackoff = 0
		return
	}
	// Probe below the window edge: an unacceptable segment the peer must
	// answer with its current acknowledgment and window. A plain ACK at
	// sndNxt would be silently consumed and recover nothing if the window
	// update was lost.
	c.out.SendSegment(c.key, &header.TCPFields{
		SrcPort:    c.key.LocalPort,
		DstPort:    c.key.RemotePort,
		SeqNum:     uint32(c.sndNxt.add(^uint32(0))), // sndNxt-1
		AckNum:     uint32(c.rcvNxt),
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagAck,
		WindowSize: c.advertisedWindow(),
	}, 0, nil)
	if c.probeBackoff == 0 {
		c.probeBackoff = probeInterval
	} else if c.probeBackoff < maxProbeIvl {
		c.probeBackoff *= 2
	}
	c.resetTimer(timer.ZeroWindowProbe, now.Add(c.probeBackoff))
}

// --- Transmission ---

// trySend admits queued data for transmission up to
// min(congestion window, advertised window) beyond sndUna, then emits the
// FIN if one is queued and the buffer has drained.
func (c *Conn) trySend(now time.Time) {
	if c.state == StateClosed || c.state == StateTimeWait {
		return
	}
	for len(c.sndBuf) > 0 {
		if c.sndWnd == 0 {
			if !c.timers[timer.ZeroWindowProbe].Active() {
				if c.probeBackoff == 0 {
					c.probeBackoff = probeInterval
				}
				c.resetTimer(timer.ZeroWindowProbe, now.Add(c.probeBackoff))
			}
			return
		}
		inflight := int(c.sndUna.size(c.sndNxt))
		wnd := int(c.sndWnd)
		if cw := c.cc.Cwnd(); cw < wnd {
			wnd = cw
		}
		budget := wnd - inflight
		if budget <= 0 {
			return
		}
		n := len(c.sndBuf)
		if n > budget {
			n = budget
		}
		if n > c.mss {
			n = c.mss
		}
		data := append([]byte(nil), c.sndBuf[:n]...)
		c.sndBuf = c.sndBuf[n:]
		seg := rtxSeg{seq: c.sndNxt, data: data, sentAt: now}
		c.rtxQ = append(c.rtxQ, seg)
		c.sndNxt = c.sndNxt.add(uint32(n))
		c.sendData(&seg, now)
	}
	if c.finQueued && !c.finSent && len(c.sndBuf) == 0 {
		c.finSeq = c.sndNxt
		seg := rtxSeg{seq: c.sndNxt, fin: true, sentAt: now}
		c.rtxQ = append(c.rtxQ, seg)
		c.sndNxt = c.sndNxt.add(1)
		c.finSent = true
		c.resendSeg(&seg, now)
		if !c.timers[timer.Retransmit].Active() {
			c.resetTimer(timer.Retransmit, now.Add(c.rto))
		}
	}
}

func (c *Conn) sendData(seg *rtxSeg, now time.Time) {
	c.out.SendSegment(c.key, &header.TCPFields{
		SrcPort:    c.key.LocalPort,
		DstPort:    c.key.RemotePort,
		SeqNum:     uint32(seg.seq),
		AckNum:     uint32(c.rcvNxt),
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagAck | header.TCPFlagPsh,
		WindowSize: c.advertisedWindow(),
	}, 0, seg.data)
	// A pending delayed ACK piggybacked on this segment.
	c.cancelTimer(timer.DelayedAck)
	if !c.timers[timer.Retransmit].Active() {
		c.resetTimer(timer.Retransmit, now.Add(c.rto))
	}
}

// resendSeg transmits (or retransmits) one queued segment, including the
// SYN/SYN-ACK/FIN specials.
func (c *Conn) resendSeg(seg *rtxSeg, now time.Time) {
	switch {
	case seg.syn && c.passive:
		c.out.SendSegment(c.key, &header.TCPFields{
			SrcPort:    c.key.LocalPort,
			DstPort:    c.key.RemotePort,
			SeqNum:     uint32(seg.seq),
			AckNum:     uint32(c.rcvNxt),
			DataOffset: header.TCPMinimumSize + 4,
			Flags:      header.TCPFlagSyn | header.TCPFlagAck,
			WindowSize: c.advertisedWindow(),
		}, uint16(c.cfg.MSS), nil)
	case seg.syn:
		c.out.SendSegment(c.key, &header.TCPFields{
			SrcPort:    c.key.LocalPort,
			DstPort:    c.key.RemotePort,
			SeqNum:     uint32(seg.seq),
			DataOffset: header.TCPMinimumSize + 4,
			Flags:      header.TCPFlagSyn,
			WindowSize: c.advertisedWindow(),
		}, uint16(c.cfg.MSS), nil)
	case seg.fin:
		c.out.SendSegment(c.key, &header.TCPFields{
			SrcPort:    c.key.LocalPort,
			DstPort:    c.key.RemotePort,
			SeqNum:     uint32(seg.seq),
			AckNum:     uint32(c.rcvNxt),
			DataOffset: header.TCPMinimumSize,
			Flags:      header.TCPFlagFin | header.TCPFlagAck,
			WindowSize: c.advertisedWindow(),
		}, 0, nil)
	default:
		c.sendData(seg, now)
	}
	seg.rtx = true
}

// queueSpecial queues and transmits the connection's SYN (or SYN-ACK) and
// arms the retransmission timer.
func (c *Conn) queueSpecial(syn, fin bool, now time.Time) {
	seg := rtxSeg{seq: c.sndNxt, syn: syn, fin: fin, sentAt: now}
	c.rtxQ = append(c.rtxQ, seg)
	c.sndNxt = c.sndNxt.add(1)
	c.resendSeg(&seg, now)
	seg.rtx = false // first transmission is not a retransmit
	c.rtxQ[len(c.rtxQ)-1].rtx = false
	c.resetTimer(timer.Retransmit, now.Add(c.rto))
}

// ackSpecial acknowledges the SYN occupying [iss, ack) and clears it from
// the queue.
func (c *Conn) ackSpecial(ack seqVal, now time.Time) {
	c.sampleRTT(ack, now)
	c.slideRtxQueue(ack)
	c.sndUna = ack
	c.cancelTimer(timer.Retransmit)
	if len(c.rtxQ) > 0 {
		c.resetTimer(timer.Retransmit, now.Add(c.rto))
	}
}

// resendSpecial retransmits the oldest queued segment (used for repeated
// handshake segments).
func (c *Conn) resendSpecial(now time.Time) {
	if len(c.rtxQ) > 0 {
		c.resendSeg(&c.rtxQ[0], now)
	}
}

func (c *Conn) queueFin(now time.Time) {
	c.finQueued = true
	c.trySend(now)
}

func (c *Conn) fastRetransmit(now time.Time) {
	if len(c.rtxQ) == 0 {
		return
	}
	c.cc.OnLoss(false)
	c.resendSeg(&c.rtxQ[0], now)
	if c.metrics != nil {
		core.Inc(&c.metrics.FastRetransmits)
	}
	logging.Debugf("tcp %s: fast retransmit at seq %d", c.key, uint32(c.rtxQ[0].seq))
}

func (c *Conn) sendAck(now time.Time) {
	c.cancelTimer(timer.DelayedAck)
	c.out.SendSegment(c.key, &header.TCPFields{
		SrcPort:    c.key.LocalPort,
		DstPort:    c.key.RemotePort,
		SeqNum:     uint32(c.sndNxt),
		AckNum:     uint32(c.rcvNxt),
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagAck,
		WindowSize: c.advertisedWindow(),
	}, 0, nil)
}

func (c *Conn) sendRst(now time.Time) {
	c.out.SendSegment(c.key, &header.TCPFields{
		SrcPort:    c.key.LocalPort,
		DstPort:    c.key.RemotePort,
		SeqNum:     uint32(c.sndNxt),
		AckNum:     uint32(c.rcvNxt),
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagRst | header.TCPFlagAck,
	}, 0, nil)
	if c.metrics != nil {
		core.Inc(&c.metrics.ResetsSent)
	}
}

func (c *Conn) scheduleDelayedAck(now time.Time) {
	if !c.timers[timer.DelayedAck].Active() {
		c.resetTimer(timer.DelayedAck, now.Add(c.cfg.DelayedAck))
	}
}

// --- Internals ---

func (c *Conn) applyPeerMSS(peerMSS uint16) {
	if peerMSS > 0 && int(peerMSS) < c.mss {
		c.mss = int(peerMSS)
		c.cc = newCongestionControl("reno", c.mss, c.cfg.InitialCwndMSS)
	}
}

func (c *Conn) recvSpace() int {
	space := c.cfg.RecvBufSize - len(c.rcvBuf) - c.reasm.pending()
	if space < 0 {
		space = 0
	}
	return space
}

func (c *Conn) advertisedWindow() uint16 {
	space := c.recvSpace()
	if space > 0xffff {
		space = 0xffff
	}
	return uint16(space)
}

// sampleRTT takes an RTT measurement from the oldest queued segment fully
// covered by ack, skipping retransmitted segments (Karn's rule), and updates
// the smoothed estimator: RTO = srtt + 4*rttvar with exponential backoff
// applied elsewhere.
func (c *Conn) sampleRTT(ack seqVal, now time.Time) {
	for i := range c.rtxQ {
		s := &c.rtxQ[i]
		if !c.segEnd(s).lessThanEq(ack) {
			break
		}
		if s.rtx {
			continue
		}
		rtt := now.Sub(s.sentAt)
		if rtt <= 0 {
			return
		}
		if !c.rttInit {
			c.srtt = rtt
			c.rttvar = rtt / 2
			c.rttInit = true
		} else {
			diff := c.srtt - rtt
			if diff < 0 {
				diff = -diff
			}
			c.rttvar = (3*c.rttvar + diff) / 4
			c.srtt = (7*c.srtt + rtt) / 8
		}
		c.rto = c.srtt + 4*c.rttvar
		if c.rto < minRTO {
			c.rto = minRTO
		}
		if c.rto > maxRTO {
			c.rto = maxRTO
		}
		return
	}
}

func (c *Conn) segEnd(s *rtxSeg) seqVal {
	n := uint32(len(s.data))
	if s.syn || s.fin {
		n++
	}
	return s.seq.add(n)
}

func (c *Conn) slideRtxQueue(ack seqVal) {
	i := 0
	for ; i < len(c.rtxQ); i++ {
		if !c.segEnd(&c.rtxQ[i]).lessThanEq(ack) {
			break
		}
	}
	c.rtxQ = c.rtxQ[i:]
}

func (c *Conn) enterTimeWait(now time.Time) {
	c.state = StateTimeWait
	c.cancelAllTimers()
	c.resetTimer(timer.TimeWait, now.Add(c.cfg.TimeWait))
	logging.Debugf("tcp %s: TIME_WAIT for %v", c.key, c.cfg.TimeWait)
}

// abort terminates the connection on a protocol event: peer RST, protocol
// violation, or retransmission exhaustion. The error surfaces to the
// application on its next operation.
func (c *Conn) abort(err error, sendRst bool, now time.Time) {
	if sendRst {
		c.sendRst(now)
	}
	c.err = err
	c.discardBuffers()
	c.dispose(now)
}

func (c *Conn) discardBuffers() {
	c.sndBuf = nil
	c.rcvBuf = nil
	c.rtxQ = nil
	c.reasm.clear()
}

func (c *Conn) dispose(now time.Time) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.cancelAllTimers()
	if c.metrics != nil {
		core.Inc(&c.metrics.ConnectionsClosed)
	}
	if c.hooks.Disposed != nil {
		c.hooks.Disposed(c)
	}
}

func (c *Conn) resetTimer(kind timer.Kind, deadline time.Time) {
	c.sched.Cancel(c.timers[kind])
	c.timers[kind] = c.sched.Schedule(kind, c, deadline)
}

func (c *Conn) cancelTimer(kind timer.Kind) {
	c.sched.Cancel(c.timers[kind])
	c.timers[kind] = nil
}

func (c *Conn) cancelAllTimers() {
	for k := timer.Kind(0); k < timer.NumKinds; k++ {
		c.cancelTimer(k)
	}
}
