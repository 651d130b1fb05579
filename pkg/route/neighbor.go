package route

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/logging"
)

// RequestSender emits an ARP request or NDP neighbor solicitation for
// target out of the given interface. Implemented by the stack.
type RequestSender interface {
	SendNeighborRequest(ifIndex int, target netip.Addr)
}

const (
	defaultNeighborTTL    = 60 * time.Second
	defaultResolveTimeout = 3 * time.Second
	maxPendingPerNeighbor = 16
)

type neighborEntry struct {
	linkAddr core.LinkAddress
	resolved bool
	expires  time.Time // validity deadline for resolved entries
	asked    time.Time // when the outstanding request was sent
	pending  []*core.Frame
}

// NeighborCache maps next-hop IP addresses to link addresses. On a miss it
// sends a resolution request and queues the frame; the queued frames are
// flushed when the reply arrives, or dropped when resolution times out.
// Entries expire after a fixed lifetime and are re-resolved lazily on next
// use.
type NeighborCache struct {
	mu      sync.Mutex
	entries map[netip.Addr]*neighborEntry
	sender  RequestSender
	ttl     time.Duration
	timeout time.Duration

	pendingDrops uint64
}

// NewNeighborCache creates a cache that resolves through sender.
func NewNeighborCache(sender RequestSender) *NeighborCache {
	return &NeighborCache{
		entries: make(map[netip.Addr]*neighborEntry),
		sender:  sender,
		ttl:     defaultNeighborTTL,
		timeout: defaultResolveTimeout,
	}
}

// Resolve returns the link address for nexthop when known and fresh. When
// unknown, it queues frame (taking ownership), issues a resolution request,
// and reports pending=true; the caller must not retry the frame. A nil
// frame just triggers resolution.
func (c *NeighborCache) Resolve(ifIndex int, nexthop netip.Addr, frame *core.Frame) (core.LinkAddress, bool) {
	now := time.Now()

	c.mu.Lock()
	e := c.entries[nexthop]
	if e != nil && e.resolved && now.Before(e.expires) {
		addr := e.linkAddr
		c.mu.Unlock()
		return addr, false
	}

	if e == nil || (e.resolved && !now.Before(e.expires)) {
		// Miss or stale entry: start a fresh resolution.
		e = &neighborEntry{asked: now}
		c.entries[nexthop] = e
	} else if now.Sub(e.asked) >= c.timeout {
		// Outstanding request timed out; drop what was queued and retry.
		dropped := e.pending
		e.pending = nil
		e.asked = now
		atomic.AddUint64(&c.pendingDrops, uint64(len(dropped)))
		c.mu.Unlock()
		for _, f := range dropped {
			f.Release()
		}
		logging.Debugf("neighbor %s: resolution timed out, dropped %d pending frames", nexthop, len(dropped))
		c.mu.Lock()
		e = c.entries[nexthop]
		if e == nil {
			e = &neighborEntry{asked: now}
			c.entries[nexthop] = e
		}
	}

	if frame != nil {
		if len(e.pending) >= maxPendingPerNeighbor {
			atomic.AddUint64(&c.pendingDrops, 1)
			c.mu.Unlock()
			frame.Release()
			c.sender.SendNeighborRequest(ifIndex, nexthop)
			return core.LinkAddress{}, true
		}
		e.pending = append(e.pending, frame)
	}
	c.mu.Unlock()

	c.sender.SendNeighborRequest(ifIndex, nexthop)
	return core.LinkAddress{}, true
}

// Learn records a resolved mapping (from an ARP reply, NDP advertisement,
// or gratuitous traffic) and returns any frames that were queued on it for
// the caller to transmit.
func (c *NeighborCache) Learn(nexthop netip.Addr, linkAddr core.LinkAddress) []*core.Frame {
	c.mu.Lock()
	e := c.entries[nexthop]
	if e == nil {
		e = &neighborEntry{}
		c.entries[nexthop] = e
	}
	e.linkAddr = linkAddr
	e.resolved = true
	e.expires = time.Now().Add(c.ttl)
	flushed := e.pending
	e.pending = nil
	c.mu.Unlock()
	return flushed
}

// Lookup returns the cached link address without triggering resolution.
func (c *NeighborCache) Lookup(nexthop netip.Addr) (core.LinkAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[nexthop]
	if e == nil || !e.resolved || !time.Now().Before(e.expires) {
		return core.LinkAddress{}, false
	}
	return e.linkAddr, true
}

// PendingDrops reports frames dropped due to resolution timeouts or queue
// overflow.
func (c *NeighborCache) PendingDrops() uint64 {
	return atomic.LoadUint64(&c.pendingDrops)
}
