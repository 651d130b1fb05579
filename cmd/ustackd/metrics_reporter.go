package main

import (
	"encoding/json"
	"runtime"
	"strings"
	"time"

	"github.com/irctrakz/ustack/pkg/logging"
	"github.com/irctrakz/ustack/pkg/stack"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Frames    map[string]uint64 `json:"frames"`
	Drops     map[string]uint64 `json:"drops"`
	TCP       map[string]uint64 `json:"tcp"`
	Mem       map[string]uint64 `json:"mem"`
}

func runMetricsReporter(s *stack.Stack, interval string) {
	d, err := time.ParseDuration(interval)
	if err != nil {
		d = 30 * time.Second
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		dumpMetrics(s)
		<-ticker.C
	}
}

func dumpMetrics(s *stack.Stack) {
	m := s.Metrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Frames: map[string]uint64{
			"rx":       m.FramesReceived,
			"tx":       m.FramesSent,
			"rx_bytes": m.BytesReceived,
			"tx_bytes": m.BytesSent,
		},
		Drops: map[string]uint64{
			"malformed":   m.DroppedMalformed,
			"exhausted":   m.DroppedExhausted,
			"unreachable": m.DroppedUnreachable,
			"no_listener": m.DroppedNoListener,
			"queue_full":  m.DroppedQueueFull,
		},
		TCP: map[string]uint64{
			"conns_created": m.ConnectionsCreated,
			"conns_closed":  m.ConnectionsClosed,
			"retransmits":   m.Retransmits,
			"fast_rtx":      m.FastRetransmits,
			"rst_tx":        m.ResetsSent,
			"rst_rx":        m.ResetsReceived,
		},
		Mem: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	logging.Infof("metrics %s", strings.TrimSpace(string(b)))
}
