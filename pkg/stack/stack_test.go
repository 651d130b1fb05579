package stack

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/link/channel"
	"github.com/irctrakz/ustack/pkg/tcp"
)

// newStackPair wires two stacks back to back over an in-memory link.
func newStackPair(t *testing.T) (*Stack, *Stack) {
	t.Helper()
	epA, epB := channel.NewPipe(1500)

	mk := func(name string, ep *channel.Endpoint, mac byte, addr string) *Stack {
		s := New(Config{Workers: 2, PoolFrames: 256, TimeWait: 100 * time.Millisecond})
		ep.SetPool(s.Pool())
		s.AddInterface(&core.Interface{
			Index:    1,
			Name:     name,
			LinkAddr: core.LinkAddress{0x02, 0, 0, 0, 0, mac},
			Addrs:    []netip.Prefix{netip.MustParsePrefix(addr)},
			Device:   ep,
		})
		if err := s.Start(); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
		t.Cleanup(func() { s.Stop() })
		return s
	}

	a := mk("a0", epA, 1, "192.168.1.1/24")
	b := mk("b0", epB, 2, "192.168.1.2/24")
	return a, b
}

func waitAccept(t *testing.T, l *Listener) *ConnHandle {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h, err := l.Accept(); err == nil {
			return h
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("accept timed out")
	return nil
}

func waitEstablished(t *testing.T, h *ConnHandle) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.State() == tcp.StateEstablished {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connection stuck in %s, err=%v", h.State(), h.Err())
}

func sendAll(t *testing.T, h *ConnHandle, data []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(data) > 0 && time.Now().Before(deadline) {
		n, err := h.Send(data)
		if err != nil && !errors.Is(err, core.ErrWouldBlock) {
			t.Fatalf("send: %v", err)
		}
		data = data[n:]
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if len(data) > 0 {
		t.Fatal("send timed out")
	}
}

func recvN(t *testing.T, h *ConnHandle, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		got, err := h.Receive(buf)
		if err != nil && !errors.Is(err, core.ErrWouldBlock) {
			t.Fatalf("receive after %d/%d bytes: %v", len(out), n, err)
		}
		out = append(out, buf[:got]...)
		if got == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if len(out) < n {
		t.Fatalf("receive timed out at %d/%d bytes", len(out), n)
	}
	return out
}

func TestConnectAcceptEcho(t *testing.T) {
	a, b := newStackPair(t)

	l, err := a.Listen(8080)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	client, err := b.OpenActive(netip.MustParseAddr("192.168.1.1"), 8080)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	server := waitAccept(t, l)
	waitEstablished(t, client)

	// Client to server.
	msg := []byte("hello from the active side")
	sendAll(t, client, msg)
	if got := recvN(t, server, len(msg)); !bytes.Equal(got, msg) {
		t.Fatalf("server got %q", got)
	}

	// Server to client, larger than one MSS so it segments.
	big := bytes.Repeat([]byte("0123456789abcdef"), 512) // 8 KiB
	sendAll(t, server, big)
	if got := recvN(t, client, len(big)); !bytes.Equal(got, big) {
		t.Fatalf("client payload mismatch (%d bytes)", len(got))
	}

	// Orderly close propagates end of stream to the peer.
	client.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := server.Receive(make([]byte, 16))
		if errors.Is(err, core.ErrClosed) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	server.Close()

	if a.Metrics().ConnectionsCreated == 0 || b.Metrics().ConnectionsCreated == 0 {
		t.Fatal("connection counters not incremented")
	}
}

func TestConnectToClosedPortFails(t *testing.T) {
	_, b := newStackPair(t)

	client, err := b.OpenActive(netip.MustParseAddr("192.168.1.1"), 4242)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if errors.Is(client.Err(), core.ErrConnectionReset) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no reset surfaced: state=%s err=%v", client.State(), client.Err())
}

func TestListenerPortConflict(t *testing.T) {
	a, _ := newStackPair(t)
	l, err := a.Listen(9000)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := a.Listen(9000); !errors.Is(err, core.ErrExhausted) {
		t.Fatalf("duplicate listen: %v", err)
	}
	l.Close()
	l2, err := a.Listen(9000)
	if err != nil {
		t.Fatalf("listen after close: %v", err)
	}
	l2.Close()
}

func TestUDPExchange(t *testing.T) {
	a, b := newStackPair(t)

	srv, err := a.OpenUDP(5300)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	cli, err := b.OpenUDP(0)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}

	if err := cli.SendTo(netip.MustParseAddr("192.168.1.1"), 5300, []byte("query")); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	var d UDPDatagram
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		if d, err = srv.Receive(); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !bytes.Equal(d.Payload, []byte("query")) {
		t.Fatalf("server got %q", d.Payload)
	}
	if d.Remote != netip.MustParseAddr("192.168.1.2") {
		t.Fatalf("bad source %s", d.Remote)
	}

	// Reply to the observed source port.
	if err := srv.SendTo(d.Remote, d.RemotePort, []byte("answer")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r, err := cli.Receive(); err == nil {
			if !bytes.Equal(r.Payload, []byte("answer")) {
				t.Fatalf("client got %q", r.Payload)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("reply never arrived")
}

func TestUDPReceiveAfterClose(t *testing.T) {
	a, _ := newStackPair(t)
	ep, err := a.OpenUDP(6000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ep.Close()
	if _, err := ep.Receive(); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	// The port is free again.
	ep2, err := a.OpenUDP(6000)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	ep2.Close()
}
