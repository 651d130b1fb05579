package tcp

// reassembler buffers out-of-order receive data by sequence number until a
// contiguous prefix becomes available. Segments are kept sorted and merged;
// duplicates and fully-overlapped ranges are discarded. Total buffered bytes
// are capped so a hostile sender cannot balloon memory.
type reassembler struct {
	segs []reasmSeg
	held int
	cap  int
}

type reasmSeg struct {
	seq  seqVal
	data []byte
}

func newReassembler(capBytes int) *reassembler {
	if capBytes <= 0 {
		capBytes = 128 * 1024
	}
	return &reassembler{cap: capBytes}
}

// add inserts a copy of data at seq. Data at or before rcvNxt has already
// been trimmed by the caller. Returns false when the buffer is full and the
// segment was dropped (the peer will retransmit).
func (r *reassembler) add(seq seqVal, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if r.held+len(data) > r.cap {
		return false
	}

	// Find insertion point, discarding anything fully covered by an
	// existing segment.
	i := 0
	for ; i < len(r.segs); i++ {
		s := r.segs[i]
		if seq.lessThan(s.seq) {
			break
		}
		if end := seq.add(uint32(len(data))); end.lessThanEq(s.seq.add(uint32(len(s.data)))) {
			return true // fully overlapped, nothing new
		}
	}

	// Trim overlap with the previous segment.
	if i > 0 {
		prev := r.segs[i-1]
		prevEnd := prev.seq.add(uint32(len(prev.data)))
		if seq.lessThan(prevEnd) {
			skip := seq.size(prevEnd)
			if skip >= uint32(len(data)) {
				return true
			}
			data = data[skip:]
			seq = prevEnd
		}
	}

	// Trim overlap with following segments.
	end := seq.add(uint32(len(data)))
	for i < len(r.segs) && r.segs[i].seq.lessThan(end) {
		next := r.segs[i]
		nextEnd := next.seq.add(uint32(len(next.data)))
		if end.lessThan(nextEnd) {
			// Keep our prefix up to next.seq; the rest is already held.
			data = data[:seq.size(next.seq)]
			end = seq.add(uint32(len(data)))
			break
		}
		// Existing segment fully covered by the new one; drop it.
		r.held -= len(next.data)
		r.segs = append(r.segs[:i], r.segs[i+1:]...)
	}
	if len(data) == 0 {
		return true
	}

	cp := append([]byte(nil), data...)
	r.segs = append(r.segs, reasmSeg{})
	copy(r.segs[i+1:], r.segs[i:])
	r.segs[i] = reasmSeg{seq: seq, data: cp}
	r.held += len(cp)
	return true
}

// pop removes and returns the contiguous run starting at nxt, advancing it.
// Returns nil when the head of the buffer still has a gap.
func (r *reassembler) pop(nxt *seqVal) []byte {
	var out []byte
	for len(r.segs) > 0 {
		s := r.segs[0]
		if (*nxt).lessThan(s.seq) {
			break
		}
		data := s.data
		if s.seq.lessThan(*nxt) {
			skip := s.seq.size(*nxt)
			if skip >= uint32(len(data)) {
				r.held -= len(data)
				r.segs = r.segs[1:]
				continue
			}
			data = data[skip:]
		}
		out = append(out, data...)
		*nxt = (*nxt).add(uint32(len(data)))
		r.held -= len(s.data)
		r.segs = r.segs[1:]
	}
	return out
}

// pending reports buffered out-of-order bytes.
func (r *reassembler) pending() int { return r.held }

// clear drops all buffered data.
func (r *reassembler) clear() {
	r.segs = nil
	r.held = 0
}
