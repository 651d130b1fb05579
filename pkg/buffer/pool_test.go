package buffer

import (
	"errors"
	"testing"

	"github.com/irctrakz/ustack/pkg/core"
)

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(2)

	f, err := p.Acquire(1500)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if f.Length() != 1500 {
		t.Fatalf("bad length %d", f.Length())
	}
	f.Release()

	acq, rel, exh := p.Stats()
	if acq != 1 || rel != 1 || exh != 0 {
		t.Fatalf("bad stats %d/%d/%d", acq, rel, exh)
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(2)

	a, err := p.Acquire(1500)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := p.Acquire(1500)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The 2048 class is empty now; the third acquire must fail fast
	// instead of blocking.
	if _, err := p.Acquire(1500); !errors.Is(err, core.ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}

	// Other classes are unaffected.
	big, err := p.Acquire(3000)
	if err != nil {
		t.Fatalf("acquire large: %v", err)
	}
	big.Release()

	// Releasing replenishes the class.
	a.Release()
	c, err := p.Acquire(2000)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	c.Release()
	b.Release()
}

func TestPoolOversizeRejected(t *testing.T) {
	p := NewPool(2)
	if _, err := p.Acquire(slabXL + 1); !errors.Is(err, core.ErrExhausted) {
		t.Fatalf("want ErrExhausted for oversize, got %v", err)
	}
}

func TestFrameReleaseIdempotent(t *testing.T) {
	p := NewPool(1)
	f, err := p.Acquire(100)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	f.Release()
	f.Release() // second release must be a no-op
	if !f.Released() {
		t.Fatal("frame not marked released")
	}
	_, rel, _ := p.Stats()
	if rel != 1 {
		t.Fatalf("double release reached pool: %d", rel)
	}
}
