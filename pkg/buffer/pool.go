// Package buffer provides the frame buffer pool. Buffers are fixed-size
// slabs reused across cycles so the per-packet path never allocates.
package buffer

import (
	"sync/atomic"

	"github.com/irctrakz/ustack/pkg/core"
)

// Slab size classes for common frame sizes.
const (
	slabSmall = 2048
	slabMed   = 4096
	slabLarge = 8192
	slabXL    = 16384
)

var slabClasses = [...]int{slabSmall, slabMed, slabLarge, slabXL}

// Pool hands out pooled frame slabs. Acquire and Release are safe for
// concurrent use from every worker; the free lists are channels, so no lock
// is held on the hot path. When a class runs dry Acquire reports
// core.ErrExhausted instead of blocking: ingress callers drop the frame and
// count the loss.
type Pool struct {
	free [len(slabClasses)]chan []byte

	exhausted uint64
	acquires  uint64
	releases  uint64
}

// NewPool creates a pool with framesPerClass preallocated slabs in each size
// class.
func NewPool(framesPerClass int) *Pool {
	if framesPerClass <= 0 {
		framesPerClass = 1024
	}
	p := &Pool{}
	for i, size := range slabClasses {
		p.free[i] = make(chan []byte, framesPerClass)
		for j := 0; j < framesPerClass; j++ {
			p.free[i] <- make([]byte, size)
		}
	}
	return p
}

// Acquire returns a frame with at least size valid bytes, or
// core.ErrExhausted when the matching size class is empty. Never blocks.
func (p *Pool) Acquire(size int) (*core.Frame, error) {
	ci := classFor(size)
	if ci < 0 {
		// Larger than any slab class; refuse rather than allocate on the
		// packet path.
		atomic.AddUint64(&p.exhausted, 1)
		return nil, core.ErrExhausted
	}
	select {
	case slab := <-p.free[ci]:
		atomic.AddUint64(&p.acquires, 1)
		f := core.NewFrame(slab[:size], func(b []byte) { p.put(ci, b) })
		return f, nil
	default:
		atomic.AddUint64(&p.exhausted, 1)
		return nil, core.ErrExhausted
	}
}

func (p *Pool) put(ci int, slab []byte) {
	atomic.AddUint64(&p.releases, 1)
	select {
	case p.free[ci] <- slab[:cap(slab)]:
	default:
		// Free list already full (double release guard); drop the slab.
	}
}

// Release returns a frame's slab to the pool. Equivalent to f.Release.
func (p *Pool) Release(f *core.Frame) { f.Release() }

// Stats reports pool counters: total acquires, releases, and exhaustion
// events.
func (p *Pool) Stats() (acquires, releases, exhausted uint64) {
	return atomic.LoadUint64(&p.acquires),
		atomic.LoadUint64(&p.releases),
		atomic.LoadUint64(&p.exhausted)
}

func classFor(n int) int {
	for i, size := range slabClasses {
		if n <= size {
			return i
		}
	}
	return -1
}
