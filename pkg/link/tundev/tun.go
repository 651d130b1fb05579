// Package tundev adapts a kernel TUN interface to the stack's link device
// contract. TUN hands us raw IP packets, so the adapter synthesizes an
// Ethernet header on ingress and strips it on egress. The device is
// point-to-point: egress addresses the fixed peer below and the stack
// never attempts ARP or NDP on it.
package tundev

import (
	"fmt"
	"sync/atomic"

	wtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/ustack/pkg/buffer"
	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
	"github.com/irctrakz/ustack/pkg/logging"
)

// PeerLinkAddress is the synthetic link address of the TUN peer. Any stable
// unicast value works; the kernel routes by IP and never sees it.
var PeerLinkAddress = core.LinkAddress{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

// Device wraps a wireguard-go TUN device as a core.LinkDevice.
type Device struct {
	dev  wtun.Device
	mtu  int
	pool *buffer.Pool
	proc core.FrameProcessor

	closed uint32
	doneCh chan struct{}
}

// New opens (or creates) the named TUN interface.
func New(name string, mtu int, pool *buffer.Pool) (*Device, error) {
	dev, err := wtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %s: %w", name, err)
	}
	if m, err := dev.MTU(); err == nil && m > 0 {
		mtu = m
	}
	return &Device{dev: dev, mtu: mtu, pool: pool, doneCh: make(chan struct{})}, nil
}

// SetProcessor implements core.LinkDevice.
func (d *Device) SetProcessor(p core.FrameProcessor) { d.proc = p }

// MTU implements core.LinkDevice.
func (d *Device) MTU() int { return d.mtu }

// PeerLinkAddr implements core.PointToPointDevice.
func (d *Device) PeerLinkAddr() core.LinkAddress { return PeerLinkAddress }

// Start launches the read loop.
func (d *Device) Start() error {
	go d.readLoop()
	return nil
}

// Stop closes the device and waits for the read loop to exit.
func (d *Device) Stop() error {
	if !atomic.CompareAndSwapUint32(&d.closed, 0, 1) {
		return nil
	}
	err := d.dev.Close()
	<-d.doneCh
	return err
}

// WriteFrame implements core.LinkDevice: the Ethernet header is dropped and
// the inner IP packet handed to the kernel.
func (d *Device) WriteFrame(f *core.Frame) error {
	defer f.Release()
	b := f.Bytes()
	if len(b) <= header.EthernetMinimumSize {
		return core.ErrMalformed
	}
	if _, err := d.dev.Write([][]byte{b[header.EthernetMinimumSize:]}, 0); err != nil {
		return fmt.Errorf("tun write: %w", err)
	}
	return nil
}

func (d *Device) readLoop() {
	defer close(d.doneCh)

	batch := d.dev.BatchSize()
	bufs := make([][]byte, batch)
	sizes := make([]int, batch)
	for i := range bufs {
		bufs[i] = make([]byte, d.mtu+header.EthernetMinimumSize)
	}

	for {
		n, err := d.dev.Read(bufs, sizes, 0)
		if err != nil {
			if atomic.LoadUint32(&d.closed) == 0 {
				logging.Errorf("tun read: %v", err)
			}
			return
		}
		for i := 0; i < n; i++ {
			d.deliver(bufs[i][:sizes[i]])
		}
	}
}

// deliver frames one IP packet and hands it to the stack. The frame comes
// from the pool so ingress shares the same backpressure as everything else.
func (d *Device) deliver(pkt []byte) {
	if len(pkt) == 0 || d.proc == nil {
		return
	}
	etherType := header.EtherTypeIPv4
	if header.IPVersion(pkt) == 6 {
		etherType = header.EtherTypeIPv6
	}

	f, err := d.pool.Acquire(header.EthernetMinimumSize + len(pkt))
	if err != nil {
		return // pool counted the drop
	}
	b := f.Bytes()
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: PeerLinkAddress,
		Type:    etherType,
	})
	copy(b[header.EthernetMinimumSize:], pkt)
	d.proc.ProcessFrame(f)
}
