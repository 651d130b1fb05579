package route

import (
	"net/netip"
	"testing"

	"github.com/irctrakz/ustack/pkg/core"
)

type recordingSender struct {
	requests []netip.Addr
}

func (s *recordingSender) SendNeighborRequest(ifIndex int, target netip.Addr) {
	s.requests = append(s.requests, target)
}

func TestResolveMissQueuesAndRequests(t *testing.T) {
	sender := &recordingSender{}
	c := NewNeighborCache(sender)
	nexthop := netip.MustParseAddr("192.168.1.1")

	f := core.NewFrame(make([]byte, 64), nil)
	_, pending := c.Resolve(1, nexthop, f)
	if !pending {
		t.Fatal("miss did not report pending")
	}
	if len(sender.requests) != 1 || sender.requests[0] != nexthop {
		t.Fatalf("bad requests %v", sender.requests)
	}
	if f.Released() {
		t.Fatal("queued frame was released")
	}
}

func TestLearnFlushesPending(t *testing.T) {
	sender := &recordingSender{}
	c := NewNeighborCache(sender)
	nexthop := netip.MustParseAddr("192.168.1.1")
	mac := core.LinkAddress{0x02, 0, 0, 0, 0, 9}

	f1 := core.NewFrame(make([]byte, 64), nil)
	f2 := core.NewFrame(make([]byte, 64), nil)
	c.Resolve(1, nexthop, f1)
	c.Resolve(1, nexthop, f2)

	flushed := c.Learn(nexthop, mac)
	if len(flushed) != 2 || flushed[0] != f1 || flushed[1] != f2 {
		t.Fatalf("bad flush set, got %d frames", len(flushed))
	}

	// Resolved now: no queueing, no new request.
	before := len(sender.requests)
	addr, pending := c.Resolve(1, nexthop, nil)
	if pending {
		t.Fatal("resolved entry reported pending")
	}
	if addr != mac {
		t.Fatalf("bad link address %s", addr)
	}
	if len(sender.requests) != before {
		t.Fatal("resolved entry triggered a request")
	}

	got, ok := c.Lookup(nexthop)
	if !ok || got != mac {
		t.Fatalf("lookup after learn: %s %v", got, ok)
	}
}

func TestPendingQueueOverflowDrops(t *testing.T) {
	sender := &recordingSender{}
	c := NewNeighborCache(sender)
	nexthop := netip.MustParseAddr("192.168.1.1")

	frames := make([]*core.Frame, maxPendingPerNeighbor+1)
	for i := range frames {
		frames[i] = core.NewFrame(make([]byte, 64), nil)
		c.Resolve(1, nexthop, frames[i])
	}

	// The overflow frame is dropped, not queued.
	last := frames[maxPendingPerNeighbor]
	if !last.Released() {
		t.Fatal("overflow frame not released")
	}
	if c.PendingDrops() != 1 {
		t.Fatalf("want 1 pending drop, got %d", c.PendingDrops())
	}

	flushed := c.Learn(nexthop, core.LinkAddress{1, 2, 3, 4, 5, 6})
	if len(flushed) != maxPendingPerNeighbor {
		t.Fatalf("want %d flushed, got %d", maxPendingPerNeighbor, len(flushed))
	}
}

func TestLookupMiss(t *testing.T) {
	c := NewNeighborCache(&recordingSender{})
	if _, ok := c.Lookup(netip.MustParseAddr("192.168.1.77")); ok {
		t.Fatal("lookup hit on empty cache")
	}
}
