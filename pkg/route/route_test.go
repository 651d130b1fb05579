package route

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/irctrakz/ustack/pkg/core"
)

func TestLongestPrefixMatch(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("192.168.1.1"), IfIndex: 1})
	tbl.Add(Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Gateway: netip.MustParseAddr("192.168.1.254"), IfIndex: 1})
	tbl.Add(Route{Prefix: netip.MustParsePrefix("10.1.0.0/16"), IfIndex: 2})

	r, err := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if r.IfIndex != 2 {
		t.Fatalf("want /16 route, got %+v", r)
	}

	r, err = tbl.Lookup(netip.MustParseAddr("10.2.0.1"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if r.Gateway != netip.MustParseAddr("192.168.1.254") {
		t.Fatalf("want /8 route, got %+v", r)
	}

	r, err = tbl.Lookup(netip.MustParseAddr("8.8.8.8"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if r.Gateway != netip.MustParseAddr("192.168.1.1") {
		t.Fatalf("want default route, got %+v", r)
	}
}

func TestLookupUnreachable(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: netip.MustParsePrefix("192.168.1.0/24"), IfIndex: 1})

	if _, err := tbl.Lookup(netip.MustParseAddr("8.8.8.8")); !errors.Is(err, core.ErrUnreachable) {
		t.Fatalf("want ErrUnreachable, got %v", err)
	}
	// Address families do not cross-match.
	if _, err := tbl.Lookup(netip.MustParseAddr("fd00::1")); !errors.Is(err, core.ErrUnreachable) {
		t.Fatalf("want ErrUnreachable for v6, got %v", err)
	}
}

func TestNextHop(t *testing.T) {
	dst := netip.MustParseAddr("10.1.2.3")

	onlink := Route{Prefix: netip.MustParsePrefix("10.1.0.0/16"), IfIndex: 1}
	if nh := onlink.NextHop(dst); nh != dst {
		t.Fatalf("on-link next hop should be the destination, got %s", nh)
	}

	gw := netip.MustParseAddr("10.1.0.1")
	viaGw := Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Gateway: gw, IfIndex: 1}
	if nh := viaGw.NextHop(dst); nh != gw {
		t.Fatalf("gatewayed next hop should be the gateway, got %s", nh)
	}
}
