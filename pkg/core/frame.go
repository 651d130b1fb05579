package core

import "time"

// Frame is one link-layer frame plus receive metadata. A frame is owned by
// exactly one processing stage at a time; ownership transfers down the
// pipeline and the final stage releases the frame back to its pool. Frames
// must never be mutated concurrently.
type Frame struct {
	data []byte // full slab; cap is the slab class size
	n    int    // valid bytes

	// IfIndex is the interface the frame arrived on (or departs from).
	IfIndex int

	// Timestamp is the receive time stamped by the ingress boundary.
	Timestamp time.Time

	// ChecksumVerified is set when the link device already validated the
	// transport checksum (offload); the codec then skips re-verification.
	ChecksumVerified bool

	releaser func([]byte)
}

// NewFrame wraps a slab as a Frame with an optional releaser. The releaser
// may be nil for frames whose storage is not pooled (tests, static replies).
// Do not mutate data through other references after passing it in.
func NewFrame(data []byte, releaser func([]byte)) *Frame {
	return &Frame{data: data, n: len(data), releaser: releaser}
}

// Bytes returns the valid portion of the frame.
func (f *Frame) Bytes() []byte { return f.data[:f.n] }

// Length returns the number of valid bytes.
func (f *Frame) Length() int { return f.n }

// Capacity returns the slab capacity available for encoding.
func (f *Frame) Capacity() int { return cap(f.data) }

// SetLength adjusts the valid length, growing into the slab capacity as
// needed when encoding in place.
func (f *Frame) SetLength(n int) {
	if n > cap(f.data) {
		n = cap(f.data)
	}
	f.data = f.data[:cap(f.data)]
	f.n = n
}

// Released reports whether the frame's slab has already been returned.
// Intended for sanity checks in processors to catch early release.
func (f *Frame) Released() bool { return f.data == nil }

// Release returns the frame's slab to its pool. Safe to call more than once;
// only the first call has effect.
func (f *Frame) Release() {
	if f.releaser != nil && f.data != nil {
		f.releaser(f.data[:cap(f.data)])
	}
	f.data = nil
	f.releaser = nil
	f.n = 0
}
