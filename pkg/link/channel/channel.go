// Package channel provides an in-memory link device: frames written on one
// endpoint surface as ingress on its peer. It backs tests and loopback
// wiring where no real interface exists.
package channel

import (
	"time"

	"github.com/irctrakz/ustack/pkg/buffer"
	"github.com/irctrakz/ustack/pkg/core"
)

const queueDepth = 512

// Endpoint is one side of an in-memory link. Unpaired endpoints expose
// written frames on Outbound and accept injected ingress via Inject, which
// is what protocol tests use to play both sides of the wire.
type Endpoint struct {
	mtu  int
	proc core.FrameProcessor
	pool *buffer.Pool
	peer *Endpoint

	in     chan []byte
	out    chan []byte
	stopCh chan struct{}
}

// New creates an unpaired endpoint.
func New(mtu int) *Endpoint {
	return &Endpoint{
		mtu:    mtu,
		in:     make(chan []byte, queueDepth),
		out:    make(chan []byte, queueDepth),
		stopCh: make(chan struct{}),
	}
}

// NewPipe creates two endpoints wired back to back.
func NewPipe(mtu int) (*Endpoint, *Endpoint) {
	a, b := New(mtu), New(mtu)
	a.peer, b.peer = b, a
	return a, b
}

// SetPool attaches the frame pool ingress frames are acquired from. Without
// a pool, frames are allocated ad hoc (fine for tests).
func (e *Endpoint) SetPool(p *buffer.Pool) { e.pool = p }

// SetProcessor implements core.LinkDevice.
func (e *Endpoint) SetProcessor(p core.FrameProcessor) { e.proc = p }

// MTU implements core.LinkDevice.
func (e *Endpoint) MTU() int { return e.mtu }

// Start launches the ingress delivery loop.
func (e *Endpoint) Start() error {
	go e.deliverLoop()
	return nil
}

// Stop halts delivery.
func (e *Endpoint) Stop() error {
	close(e.stopCh)
	return nil
}

// WriteFrame implements core.LinkDevice: the frame's bytes are copied to
// the peer (or the outbound queue) and the frame is released. A full queue
// drops the frame, as a saturated wire would.
func (e *Endpoint) WriteFrame(f *core.Frame) error {
	b := append([]byte(nil), f.Bytes()...)
	f.Release()
	dst := e.out
	if e.peer != nil {
		dst = e.peer.in
	}
	select {
	case dst <- b:
	default:
	}
	return nil
}

// Inject queues raw bytes as ingress on this endpoint.
func (e *Endpoint) Inject(b []byte) {
	select {
	case e.in <- append([]byte(nil), b...):
	default:
	}
}

// Outbound exposes frames written to an unpaired endpoint.
func (e *Endpoint) Outbound() <-chan []byte { return e.out }

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case b := <-e.in:
			if e.proc == nil {
				continue
			}
			f := e.wrap(b)
			if f == nil {
				continue
			}
			e.proc.ProcessFrame(f)
		}
	}
}

func (e *Endpoint) wrap(b []byte) *core.Frame {
	var f *core.Frame
	if e.pool != nil {
		pf, err := e.pool.Acquire(len(b))
		if err != nil {
			return nil // exhausted: drop, the pool counted it
		}
		copy(pf.Bytes(), b)
		f = pf
	} else {
		f = core.NewFrame(b, nil)
	}
	f.Timestamp = time.Now()
	return f
}
