package main

import (
	"flag"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/ustack/pkg/config"
	"github.com/irctrakz/ustack/pkg/core"
	"github.com/irctrakz/ustack/pkg/link/channel"
	"github.com/irctrakz/ustack/pkg/link/tundev"
	"github.com/irctrakz/ustack/pkg/logging"
	"github.com/irctrakz/ustack/pkg/route"
	"github.com/irctrakz/ustack/pkg/stack"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML or JSON config file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		if err := config.LoadFromFile(*cfgPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}

	s := stack.New(stack.Config{
		Workers:        cfg.Stack.Workers,
		MSS:            cfg.Stack.MSS,
		InitialCwndMSS: cfg.Stack.InitialCwndMSS,
		TimeWait:       cfg.Stack.TimeWait,
		MaxRetransmits: cfg.Stack.MaxRetransmits,
		PoolFrames:     cfg.Stack.PoolFrames,
		ShardQueue:     cfg.Stack.ShardQueue,
	})

	for i, ic := range cfg.Interfaces {
		ifc, err := buildInterface(s, i+1, ic)
		if err != nil {
			log.Fatalf("interface %s: %v", ic.Name, err)
		}
		s.AddInterface(ifc)
		logging.Infof("interface %s up: %s mtu=%d", ic.Name, strings.Join(ic.Addrs, ","), ic.MTU)
	}

	if gw := strings.TrimSpace(os.Getenv("USTACK_GATEWAY")); gw != "" {
		addRoutes(s, gw)
	}

	if err := s.Start(); err != nil {
		log.Fatalf("stack start: %v", err)
	}
	defer s.Stop()

	// Optional TCP echo service, handy for poking the stack from the far end.
	if p := strings.TrimSpace(os.Getenv("USTACK_ECHO_PORT")); p != "" {
		if port, err := strconv.ParseUint(p, 10, 16); err == nil {
			go runEchoService(s, uint16(port))
		}
	}

	if iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL")); iv != "" {
		go runMetricsReporter(s, iv)
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
}

func buildInterface(s *stack.Stack, index int, ic config.InterfaceConfig) (*core.Interface, error) {
	mac, err := config.ParseMAC(ic.MAC)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Prefix, 0, len(ic.Addrs))
	for _, a := range ic.Addrs {
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, p)
	}

	var dev core.LinkDevice
	switch ic.Backend {
	case "tun":
		d, err := tundev.New(ic.Name, ic.MTU, s.Pool())
		if err != nil {
			return nil, err
		}
		dev = d
	case "channel":
		e := channel.New(ic.MTU)
		e.SetPool(s.Pool())
		dev = e
	}

	return &core.Interface{
		Index:    index,
		Name:     ic.Name,
		LinkAddr: mac,
		Addrs:    addrs,
		Device:   dev,
	}, nil
}

// addRoutes installs a default route via the given gateway on interface 1.
func addRoutes(s *stack.Stack, gw string) {
	addr, err := netip.ParseAddr(gw)
	if err != nil {
		logging.Warnf("bad USTACK_GATEWAY %q: %v", gw, err)
		return
	}
	prefix := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	if addr.Is6() {
		prefix = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
	}
	s.AddRoute(route.Route{Prefix: prefix, Gateway: addr, IfIndex: 1})
}

// runEchoService accepts connections on port and echoes whatever arrives.
// The application surface is non-blocking, so it polls.
func runEchoService(s *stack.Stack, port uint16) {
	l, err := s.Listen(port)
	if err != nil {
		logging.Errorf("echo listen %d: %v", port, err)
		return
	}
	logging.Infof("echo service on port %d", port)
	buf := make([]byte, 64*1024)
	var conns []*stack.ConnHandle
	for {
		if h, err := l.Accept(); err == nil {
			conns = append(conns, h)
		}
		live := conns[:0]
		for _, h := range conns {
			n, err := h.Receive(buf)
			if n > 0 {
				h.Send(buf[:n])
			}
			if err != nil && err != core.ErrWouldBlock {
				h.Close()
				continue
			}
			live = append(live, h)
		}
		conns = live
		time.Sleep(time.Millisecond)
	}
}
