// Package stack ties the protocol core together: it demultiplexes ingress
// frames to per-worker shards, owns the sharded connection table, and
// presents the non-blocking application surface (open/listen/accept/send/
// receive/close). Each shard is a single goroutine with exclusive ownership
// of its connection actors; the buffer pool and the route/neighbor tables
// are the only structures shared across workers.
package stack

import (
	"fmt"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/irctrakz/ustack/pkg/buffer"
	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/header"
	"github.com/irctrakz/ustack/pkg/logging"
	"github.com/irctrakz/ustack/pkg/route"
	"github.com/irctrakz/ustack/pkg/tcp"
)

// Config carries the stack-wide tuning consumed, not owned, by the core.
type Config struct {
	Workers        int
	MSS            int
	InitialCwndMSS int
	TimeWait       time.Duration
	MaxRetransmits int
	PoolFrames     int
	ShardQueue     int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.MSS <= 0 {
		c.MSS = 1460
	}
	if c.InitialCwndMSS <= 0 {
		c.InitialCwndMSS = 10
	}
	if c.TimeWait <= 0 {
		c.TimeWait = 60 * time.Second
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = 8
	}
	if c.PoolFrames <= 0 {
		c.PoolFrames = 2048
	}
	if c.ShardQueue <= 0 {
		c.ShardQueue = 1024
	}
	return c
}

// Stack is the userspace TCP/IP protocol engine.
type Stack struct {
	cfg    Config
	pool   *buffer.Pool
	routes *route.Table
	neigh  *route.NeighborCache
	shards []*shard

	ifMu   sync.RWMutex
	ifaces map[int]*core.Interface

	lnMu      sync.Mutex
	listeners map[uint16]*Listener

	portMu    sync.Mutex
	nextPort  uint16
	portsBusy map[portKey]bool

	udpMu  sync.Mutex
	udpEps map[uint16]*UDPEndpoint

	metrics core.StackMetrics
	started bool
}

type portKey struct {
	proto uint8
	port  uint16
}

// New creates a stack with the given tuning.
func New(cfg Config) *Stack {
	cfg = cfg.withDefaults()
	s := &Stack{
		cfg:       cfg,
		pool:      buffer.NewPool(cfg.PoolFrames),
		routes:    route.NewTable(),
		ifaces:    make(map[int]*core.Interface),
		listeners: make(map[uint16]*Listener),
		nextPort:  49152,
		portsBusy: make(map[portKey]bool),
		udpEps:    make(map[uint16]*UDPEndpoint),
	}
	s.neigh = route.NewNeighborCache(s)
	s.shards = make([]*shard, cfg.Workers)
	for i := range s.shards {
		s.shards[i] = newShard(i, s, cfg.ShardQueue)
	}
	return s
}

// AddInterface registers an interface and installs its on-link routes. The
// device begins delivering frames once Start is called.
func (s *Stack) AddInterface(ifc *core.Interface) {
	s.ifMu.Lock()
	s.ifaces[ifc.Index] = ifc
	s.ifMu.Unlock()
	for _, p := range ifc.Addrs {
		s.routes.Add(route.Route{Prefix: p.Masked(), IfIndex: ifc.Index})
	}
	ifc.Device.SetProcessor(ifProcessor{s: s, index: ifc.Index})
}

// ifProcessor stamps the receiving interface onto each ingress frame before
// the shared demultiplexer sees it.
type ifProcessor struct {
	s     *Stack
	index int
}

func (p ifProcessor) ProcessFrame(f *core.Frame) error {
	f.IfIndex = p.index
	return p.s.ProcessFrame(f)
}

// AddRoute installs an additional route (e.g. a default via a gateway).
func (s *Stack) AddRoute(r route.Route) { s.routes.Add(r) }

// Pool exposes the stack's frame pool to link devices for ingress acquire.
func (s *Stack) Pool() *buffer.Pool { return s.pool }

// Metrics returns a snapshot of the stack counters.
func (s *Stack) Metrics() core.StackMetrics { return s.metrics.Snapshot() }

// Start launches the shard workers and the interface devices.
func (s *Stack) Start() error {
	if s.started {
		return nil
	}
	for _, sh := range s.shards {
		go sh.run()
	}
	s.ifMu.RLock()
	defer s.ifMu.RUnlock()
	for _, ifc := range s.ifaces {
		if err := ifc.Device.Start(); err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}
	}
	s.started = true
	logging.Infof("stack started: %d shards, %d interfaces", len(s.shards), len(s.ifaces))
	return nil
}

// Stop halts devices and shard workers.
func (s *Stack) Stop() error {
	s.ifMu.RLock()
	for _, ifc := range s.ifaces {
		ifc.Device.Stop()
	}
	s.ifMu.RUnlock()
	for _, sh := range s.shards {
		close(sh.stopCh)
	}
	s.started = false
	return nil
}

func (s *Stack) connConfig() tcp.Config {
	return tcp.Config{
		MSS:            s.cfg.MSS,
		InitialCwndMSS: s.cfg.InitialCwndMSS,
		TimeWait:       s.cfg.TimeWait,
		MaxRetransmits: s.cfg.MaxRetransmits,
	}
}

func (s *Stack) shardFor(key core.FlowKey) *shard {
	return s.shards[key.Hash()%uint32(len(s.shards))]
}

func (s *Stack) iface(index int) *core.Interface {
	s.ifMu.RLock()
	defer s.ifMu.RUnlock()
	return s.ifaces[index]
}

// localAddrFor picks the local source address for reaching remote.
func (s *Stack) localAddrFor(remote netip.Addr) (netip.Addr, error) {
	r, err := s.routes.Lookup(remote)
	if err != nil {
		return netip.Addr{}, err
	}
	ifc := s.iface(r.IfIndex)
	if ifc == nil {
		return netip.Addr{}, core.ErrUnreachable
	}
	for _, p := range ifc.Addrs {
		if p.Addr().Is4() == remote.Is4() {
			return p.Addr(), nil
		}
	}
	return netip.Addr{}, core.ErrUnreachable
}

func (s *Stack) allocPort(proto uint8) (uint16, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	for i := 0; i < 16384; i++ {
		p := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = 49152
		}
		if !s.portsBusy[portKey{proto, p}] {
			s.portsBusy[portKey{proto, p}] = true
			return p, nil
		}
	}
	return 0, core.ErrExhausted
}

func (s *Stack) releasePort(proto uint8, port uint16) {
	s.portMu.Lock()
	delete(s.portsBusy, portKey{proto, port})
	s.portMu.Unlock()
}

// --- TCP application surface ---

// ConnHandle is the application-facing handle for one TCP connection. Its
// methods marshal onto the owning shard so the actor stays single-writer;
// none of them block on network progress.
type ConnHandle struct {
	sh *shard
	tc *tcp.Conn
}

func newConnHandle(sh *shard, tc *tcp.Conn) *ConnHandle {
	return &ConnHandle{sh: sh, tc: tc}
}

// Send queues bytes for transmission, returning how many were accepted.
// ErrWouldBlock when the send buffer is full or the handshake is still in
// flight.
func (h *ConnHandle) Send(b []byte) (n int, err error) {
	h.sh.call(func(now time.Time) { n, err = h.tc.Send(b, now) })
	return n, err
}

// Receive copies available in-order data into b. ErrWouldBlock when none is
// buffered; ErrClosed at end of stream.
func (h *ConnHandle) Receive(b []byte) (n int, err error) {
	h.sh.call(func(now time.Time) { n, err = h.tc.Receive(b, now) })
	return n, err
}

// Close initiates an orderly close.
func (h *ConnHandle) Close() {
	h.sh.call(func(now time.Time) { h.tc.Close(now) })
}

// Abort resets the connection immediately.
func (h *ConnHandle) Abort() {
	h.sh.call(func(now time.Time) { h.tc.Abort(now) })
}

// State returns the connection's TCP state.
func (h *ConnHandle) State() (st tcp.State) {
	h.sh.call(func(time.Time) { st = h.tc.State() })
	return st
}

// Err returns the terminal error after an abort, or nil.
func (h *ConnHandle) Err() (err error) {
	h.sh.call(func(time.Time) { err = h.tc.Err() })
	return err
}

// OpenActive starts an active connection to remote:port and returns its
// handle immediately; the handshake completes in the background and Send
// reports ErrWouldBlock until then.
func (s *Stack) OpenActive(remote netip.Addr, port uint16) (*ConnHandle, error) {
	local, err := s.localAddrFor(remote)
	if err != nil {
		core.Inc(&s.metrics.DroppedUnreachable)
		return nil, err
	}
	lport, err := s.allocPort(header.ProtocolTCP)
	if err != nil {
		return nil, err
	}
	key := core.FlowKey{
		Local:      local,
		Remote:     remote,
		LocalPort:  lport,
		RemotePort: port,
		Proto:      header.ProtocolTCP,
	}
	sh := s.shardFor(key)
	var h *ConnHandle
	sh.call(func(now time.Time) {
		h = newConnHandle(sh, sh.insertActive(key, now))
	})
	return h, nil
}

// Listener accepts passive opens on a local TCP port.
type Listener struct {
	stk  *Stack
	port uint16

	mu      sync.Mutex
	backlog []*ConnHandle
	closed  bool
}

// Listen registers a listener on port.
func (s *Stack) Listen(port uint16) (*Listener, error) {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if _, busy := s.listeners[port]; busy {
		return nil, core.ErrExhausted
	}
	l := &Listener{stk: s, port: port}
	s.listeners[port] = l
	return l, nil
}

func (s *Stack) lookupListener(port uint16) *Listener {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	return s.listeners[port]
}

const listenBacklog = 128

// deliver queues an established passive connection for Accept. Runs on the
// owning shard goroutine, so a rejected connection is aborted directly on
// the actor rather than through the handle (which would re-enter the shard).
func (l *Listener) deliver(h *ConnHandle, now time.Time) {
	l.mu.Lock()
	if l.closed || len(l.backlog) >= listenBacklog {
		l.mu.Unlock()
		h.tc.Abort(now)
		return
	}
	l.backlog = append(l.backlog, h)
	l.mu.Unlock()
}

// Accept returns the next established connection, or ErrWouldBlock when the
// backlog is empty.
func (l *Listener) Accept() (*ConnHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, core.ErrClosed
	}
	if len(l.backlog) == 0 {
		return nil, core.ErrWouldBlock
	}
	h := l.backlog[0]
	l.backlog = l.backlog[1:]
	return h, nil
}

// Close unregisters the listener. Connections already accepted are
// unaffected.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	backlog := l.backlog
	l.backlog = nil
	l.mu.Unlock()

	l.stk.lnMu.Lock()
	delete(l.stk.listeners, l.port)
	l.stk.lnMu.Unlock()

	for _, h := range backlog {
		h.Abort()
	}
}
