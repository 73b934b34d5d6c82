package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/admission/domain"
)

type Counters struct {
	Pass      int64
	Block     int64
	Exception int64
	Complete  int64
	// TotalRT é a soma do tempo das entries completadas.
	TotalRT time.Duration
}

func (c *Counters) add(ev domain.StatsEvent) {
	switch ev.Kind {
	case domain.StatsPass:
		c.Pass++
	case domain.StatsBlock:
		c.Block++
	case domain.StatsException:
		c.Exception++
	case domain.StatsComplete:
		c.Complete++
		c.TotalRT += ev.RT
	}
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      Counters
	byResource map[string]Counters
	byOrigin   map[string]Counters
	byReason   map[domain.BlockReason]int64

	trackOrigins bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackOrigins(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackOrigins = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byResource: make(map[string]Counters),
		byOrigin:   make(map[string]Counters),
		byReason:   make(map[domain.BlockReason]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)

	c := s.byResource[ev.Resource]
	c.add(ev)
	s.byResource[ev.Resource] = c

	if ev.Kind == domain.StatsBlock {
		s.byReason[ev.Reason]++
	}

	if s.trackOrigins {
		o := s.byOrigin[ev.Origin]
		o.add(ev)
		s.byOrigin[ev.Origin] = o
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByResource() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byResource))
	for k, v := range s.byResource {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByOrigin() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byOrigin))
	for k, v := range s.byOrigin {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) BlocksByReason() map[domain.BlockReason]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.BlockReason]int64, len(s.byReason))
	for k, v := range s.byReason {
		out[k] = v
	}
	return out
}
