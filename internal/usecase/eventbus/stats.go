package eventbus

import (
	"context"
	"sort"
	"sync"

	"chatrelay/internal/domain"
)

// ProviderStats counts relay outcomes for one provider.
type ProviderStats struct {
	Provider  string
	Started   int64
	Completed int64
	Failed    int64
	Chars     int64
	Failures  map[domain.ErrorCode]int64
}

// Stats tallies relay lifecycle events per provider.
type Stats struct {
	mu    sync.Mutex
	byID  map[string]*ProviderStats
	unsub func()
}

// NewStats subscribes a counter to bus.
func NewStats(bus domain.EventBus) *Stats {
	s := &Stats{byID: make(map[string]*ProviderStats)}
	s.unsub = bus.SubscribeAll(s.handle)
	return s
}

func (s *Stats) handle(_ context.Context, e domain.Event) {
	p, err := DecodeRelay(e)
	if err != nil || p.Provider == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.byID[p.Provider]
	if !ok {
		ps = &ProviderStats{Provider: p.Provider, Failures: make(map[domain.ErrorCode]int64)}
		s.byID[p.Provider] = ps
	}
	switch e.Type {
	case domain.EventRelayStarted:
		ps.Started++
	case domain.EventRelayCompleted:
		ps.Completed++
		ps.Chars += int64(p.Chars)
	case domain.EventRelayFailed:
		ps.Failed++
		ps.Failures[p.Code]++
	}
}

// Snapshot returns a copy of the counters sorted by provider.
func (s *Stats) Snapshot() []ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ProviderStats, 0, len(s.byID))
	for _, ps := range s.byID {
		cp := *ps
		cp.Failures = make(map[domain.ErrorCode]int64, len(ps.Failures))
		for k, v := range ps.Failures {
			cp.Failures[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Stop detaches the counter from the bus.
func (s *Stats) Stop() { s.unsub() }
