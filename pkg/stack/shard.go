package stack

import (
	"time"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
	"github.com/irctrakz/ustack/pkg/logging"
	"github.com/irctrakz/ustack/pkg/tcp"
	"github.com/irctrakz/ustack/pkg/timer"
)

const wheelTick = 10 * time.Millisecond

// shardEvent is one unit of work handed to a shard: either an ingress TCP
// segment or a closure (application request or cross-shard handoff). The
// event channel is the only way anything reaches a shard, which is what
// keeps its connection states single-writer.
type shardEvent struct {
	frame *core.Frame
	seg   segmentEvent
	fn    func(now time.Time)
}

type segmentEvent struct {
	key core.FlowKey
	tcp tcp.Segment
}

// shard owns one partition of the connection table, its timer wheel, and
// every connection actor hashed to it. All fields below are touched only by
// run().
type shard struct {
	id    int
	stk   *Stack
	conns map[core.FlowKey]*tcp.Conn
	wheel *timer.Wheel

	events chan shardEvent
	stopCh chan struct{}
}

func newShard(id int, stk *Stack, queue int) *shard {
	return &shard{
		id:     id,
		stk:    stk,
		conns:  make(map[core.FlowKey]*tcp.Conn),
		wheel:  timer.NewWheel(wheelTick, 512, time.Now()),
		events: make(chan shardEvent, queue),
		stopCh: make(chan struct{}),
	}
}

// post hands an event to the shard without blocking. Returns false when the
// queue is full; the caller drops and counts.
func (sh *shard) post(ev shardEvent) bool {
	select {
	case sh.events <- ev:
		return true
	default:
		return false
	}
}

// call runs fn on the shard goroutine and waits for it to complete. Used by
// the application surface so connection state is only ever mutated by the
// owning worker. fn itself must not block.
func (sh *shard) call(fn func(now time.Time)) {
	done := make(chan struct{})
	sh.events <- shardEvent{fn: func(now time.Time) {
		fn(now)
		close(done)
	}}
	<-done
}

func (sh *shard) run() {
	ticker := time.NewTicker(wheelTick)
	defer ticker.Stop()

	for {
		select {
		case <-sh.stopCh:
			return
		case now := <-ticker.C:
			sh.advanceTimers(now)
		case ev := <-sh.events:
			now := time.Now()
			switch {
			case ev.fn != nil:
				ev.fn(now)
			case ev.frame != nil:
				sh.handleSegment(ev, now)
			}
		}
	}
}

func (sh *shard) advanceTimers(now time.Time) {
	for _, e := range sh.wheel.Advance(now) {
		if c, ok := e.Owner.(*tcp.Conn); ok {
			c.OnTimer(e.Kind, now)
		}
	}
}

// handleSegment routes one ingress TCP segment to its owning actor,
// creating a passive actor for SYNs on listening ports and answering
// everything else unknown with RST.
func (sh *shard) handleSegment(ev shardEvent, now time.Time) {
	defer ev.frame.Release()

	key := ev.seg.key
	seg := ev.seg.tcp

	if c, ok := sh.conns[key]; ok {
		c.HandleSegment(seg, now)
		return
	}

	// Unknown flow. A SYN (and only a SYN) for a listening port creates a
	// passive actor; anything else is answered with RST and no state.
	const synOnly = header.TCPFlagSyn
	if seg.Flags&(header.TCPFlagSyn|header.TCPFlagAck|header.TCPFlagRst|header.TCPFlagFin) == synOnly {
		if l := sh.stk.lookupListener(key.LocalPort); l != nil {
			c := tcp.NewPassive(key, seg, sh.stk.connConfig(), sh.stk, sh, tcp.Hooks{
				Established: func(c *tcp.Conn) { l.deliver(newConnHandle(sh, c), time.Now()) },
				Disposed:    func(c *tcp.Conn) { delete(sh.conns, c.Key()) },
			}, &sh.stk.metrics, now)
			sh.conns[key] = c
			return
		}
		core.Inc(&sh.stk.metrics.DroppedNoListener)
		sh.stk.sendRstFor(key, seg)
		return
	}
	if seg.Flags&header.TCPFlagRst == 0 {
		sh.stk.sendRstFor(key, seg)
	}
	logging.Debugf("shard %d: dropped segment for unknown flow %s", sh.id, key)
}

// insertActive registers an actively opened connection. Runs on the shard.
func (sh *shard) insertActive(key core.FlowKey, now time.Time) *tcp.Conn {
	c := tcp.NewActive(key, sh.stk.connConfig(), sh.stk, sh, tcp.Hooks{
		Disposed: func(c *tcp.Conn) {
			delete(sh.conns, c.Key())
			sh.stk.releasePort(c.Key().Proto, c.Key().LocalPort)
		},
	}, &sh.stk.metrics, now)
	sh.conns[key] = c
	return c
}

// Schedule implements tcp.Scheduler on the shard's wheel.
func (sh *shard) Schedule(kind timer.Kind, owner interface{}, deadline time.Time) *timer.Entry {
	return sh.wheel.Schedule(kind, owner, deadline)
}

// Cancel implements tcp.Scheduler.
func (sh *shard) Cancel(e *timer.Entry) { sh.wheel.Cancel(e) }
