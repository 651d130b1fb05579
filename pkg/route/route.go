// Package route provides next-hop selection and link-address resolution:
// a longest-prefix route table and an ARP/NDP neighbor cache with pending
// frame queues.
package route

import (
	"net/netip"
	"sync"

	"github.com/irctrakz/ustack/pkg/core"
)

// Route maps a destination prefix to an egress interface and optional
// gateway. A route without a gateway is on-link: the destination itself is
// the next hop.
type Route struct {
	Prefix  netip.Prefix
	Gateway netip.Addr // zero value means on-link
	IfIndex int
}

// NextHop returns the address the link layer must resolve for dst.
func (r Route) NextHop(dst netip.Addr) netip.Addr {
	if r.Gateway.IsValid() {
		return r.Gateway
	}
	return dst
}

// Table is the route table. Lookups are lock-free reads under RWMutex;
// updates take the write lock briefly.
type Table struct {
	mu     sync.RWMutex
	routes []Route
}

// NewTable creates an empty route table.
func NewTable() *Table { return &Table{} }

// Add inserts a route.
func (t *Table) Add(r Route) {
	t.mu.Lock()
	t.routes = append(t.routes, r)
	t.mu.Unlock()
}

// Lookup returns the longest-prefix match for dst, or core.ErrUnreachable
// when no route covers it.
func (t *Table) Lookup(dst netip.Addr) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := -1
	for i, r := range t.routes {
		if r.Prefix.Contains(dst) {
			if best < 0 || r.Prefix.Bits() > t.routes[best].Prefix.Bits() {
				best = i
			}
		}
	}
	if best < 0 {
		return Route{}, core.ErrUnreachable
	}
	return t.routes[best], nil
}
