package tcp

import (
	"bytes"
	"testing"
)

func TestReassemblerInOrderPop(t *testing.T) {
	r := newReassembler(1024)
	r.add(100, []byte("abc"))

	nxt := seqVal(100)
	out := r.pop(&nxt)
	if !bytes.Equal(out, []byte("abc")) {
		t.Fatalf("bad pop %q", out)
	}
	if nxt != 103 {
		t.Fatalf("bad nxt %d", nxt)
	}
	if r.pending() != 0 {
		t.Fatalf("bytes still held: %d", r.pending())
	}
}

func TestReassemblerHoldsAcrossGap(t *testing.T) {
	r := newReassembler(1024)
	r.add(110, []byte("late"))

	nxt := seqVal(100)
	if out := r.pop(&nxt); out != nil {
		t.Fatalf("popped across a gap: %q", out)
	}
	if nxt != 100 {
		t.Fatalf("nxt moved to %d", nxt)
	}

	// Filling the gap releases both runs in sequence order.
	r.add(100, []byte("0123456789"))
	out := r.pop(&nxt)
	if !bytes.Equal(out, []byte("0123456789late")) {
		t.Fatalf("bad pop %q", out)
	}
	if nxt != 114 {
		t.Fatalf("bad nxt %d", nxt)
	}
}

func TestReassemblerOverlapTrimmed(t *testing.T) {
	r := newReassembler(1024)
	r.add(100, []byte("abcdef"))
	r.add(103, []byte("defghi")) // suffix overlaps the first segment

	nxt := seqVal(100)
	out := r.pop(&nxt)
	if !bytes.Equal(out, []byte("abcdefghi")) {
		t.Fatalf("bad merged pop %q", out)
	}
}

func TestReassemblerDuplicateDiscarded(t *testing.T) {
	r := newReassembler(1024)
	r.add(100, []byte("abcdef"))
	held := r.pending()
	if !r.add(102, []byte("cd")) {
		t.Fatal("covered duplicate reported as dropped")
	}
	if r.pending() != held {
		t.Fatalf("duplicate grew buffer: %d -> %d", held, r.pending())
	}
}

func TestReassemblerCapBounds(t *testing.T) {
	r := newReassembler(8)
	if !r.add(100, []byte("12345678")) {
		t.Fatal("fill to cap rejected")
	}
	if r.add(200, []byte("x")) {
		t.Fatal("over-cap segment accepted")
	}
	r.clear()
	if r.pending() != 0 {
		t.Fatal("clear left bytes")
	}
	if !r.add(200, []byte("x")) {
		t.Fatal("add after clear rejected")
	}
}

func TestReassemblerSequenceWrap(t *testing.T) {
	r := newReassembler(1024)
	base := seqVal(0xfffffffe)
	r.add(base, []byte("wxyz")) // spans the 2^32 boundary

	nxt := base
	out := r.pop(&nxt)
	if !bytes.Equal(out, []byte("wxyz")) {
		t.Fatalf("bad pop %q", out)
	}
	if nxt != 2 {
		t.Fatalf("bad wrapped nxt %d", nxt)
	}
}
