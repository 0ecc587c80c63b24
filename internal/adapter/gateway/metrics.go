package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"chatrelay/internal/domain"
)

// Metrics holds gateway-level counters.
type Metrics struct {
	ChatRequests  atomic.Int64
	ContentFrames atomic.Int64
	StatusFrames  atomic.Int64
	ErrorFrames   atomic.Int64
}

func (m *Metrics) observe(ev domain.StreamEvent) {
	switch ev.Kind {
	case domain.KindContent:
		m.ContentFrames.Add(1)
	case domain.KindStatus:
		m.StatusFrames.Add(1)
	case domain.KindError:
		m.ErrorFrames.Add(1)
	}
}

var breakerStateValue = map[string]int{"closed": 0, "half-open": 1, "open": 2}

// handleMetrics serves GET /metrics in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m := s.metrics

	fmt.Fprintf(w, "# HELP chatrelay_chat_requests_total Chat requests accepted by the gateway.\n")
	fmt.Fprintf(w, "# TYPE chatrelay_chat_requests_total counter\n")
	fmt.Fprintf(w, "chatrelay_chat_requests_total %d\n", m.ChatRequests.Load())

	fmt.Fprintf(w, "# HELP chatrelay_frames_total Stream frames written to clients.\n")
	fmt.Fprintf(w, "# TYPE chatrelay_frames_total counter\n")
	fmt.Fprintf(w, "chatrelay_frames_total{kind=\"content\"} %d\n", m.ContentFrames.Load())
	fmt.Fprintf(w, "chatrelay_frames_total{kind=\"status\"} %d\n", m.StatusFrames.Load())
	fmt.Fprintf(w, "chatrelay_frames_total{kind=\"error\"} %d\n", m.ErrorFrames.Load())

	if s.deps.Stats != nil {
		snap := s.deps.Stats.Snapshot()

		fmt.Fprintf(w, "# HELP chatrelay_relays_total Relays by provider and outcome.\n")
		fmt.Fprintf(w, "# TYPE chatrelay_relays_total counter\n")
		for _, p := range snap {
			fmt.Fprintf(w, "chatrelay_relays_total{provider=%q,outcome=\"started\"} %d\n", p.Provider, p.Started)
			fmt.Fprintf(w, "chatrelay_relays_total{provider=%q,outcome=\"completed\"} %d\n", p.Provider, p.Completed)
			fmt.Fprintf(w, "chatrelay_relays_total{provider=%q,outcome=\"failed\"} %d\n", p.Provider, p.Failed)
		}

		fmt.Fprintf(w, "# HELP chatrelay_relay_failures_total Failed relays by provider and error code.\n")
		fmt.Fprintf(w, "# TYPE chatrelay_relay_failures_total counter\n")
		for _, p := range snap {
			codes := make([]string, 0, len(p.Failures))
			for code := range p.Failures {
				codes = append(codes, string(code))
			}
			sort.Strings(codes)
			for _, code := range codes {
				fmt.Fprintf(w, "chatrelay_relay_failures_total{provider=%q,code=%q} %d\n", p.Provider, code, p.Failures[domain.ErrorCode(code)])
			}
		}

		fmt.Fprintf(w, "# HELP chatrelay_content_chars_total Characters relayed by provider.\n")
		fmt.Fprintf(w, "# TYPE chatrelay_content_chars_total counter\n")
		for _, p := range snap {
			fmt.Fprintf(w, "chatrelay_content_chars_total{provider=%q} %d\n", p.Provider, p.Chars)
		}
	}

	if s.deps.Breakers != nil {
		fmt.Fprintf(w, "# HELP chatrelay_circuit_state Circuit breaker state (0 closed, 1 half-open, 2 open).\n")
		fmt.Fprintf(w, "# TYPE chatrelay_circuit_state gauge\n")
		for _, b := range s.deps.Breakers.States() {
			fmt.Fprintf(w, "chatrelay_circuit_state{provider=%q} %d\n", b.Provider, breakerStateValue[b.State])
		}
	}

	fmt.Fprintf(w, "# HELP chatrelay_uptime_seconds Seconds since the gateway started.\n")
	fmt.Fprintf(w, "# TYPE chatrelay_uptime_seconds gauge\n")
	fmt.Fprintf(w, "chatrelay_uptime_seconds %.0f\n", time.Since(s.started).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
}
