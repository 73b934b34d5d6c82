package infra

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Store é uma implementação de infra baseada em token-bucket (x/time/rate)
// com cache por recurso e limpeza periódica.
//
// Cada recurso tem seu próprio limiter; se a regra mudar (rps/burst), o
// limiter existente é ajustado em vez de recriado.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*storeEntry
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type storeEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type StoreOption func(*Store)

func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *Store) { s.cleanupEvery = d }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries:      make(map[string]*storeEntry),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CleanupEvery() time.Duration { return s.cleanupEvery }

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get devolve o limiter do recurso, criando ou ajustando conforme rps/burst.
func (s *Store) Get(resource string, rps float64, burst int) *rate.Limiter {
	now := time.Now()
	limit := rate.Limit(rps)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[resource]; ok {
		ent.lastSeen = now
		if ent.lim.Limit() != limit {
			ent.lim.SetLimitAt(now, limit)
		}
		if ent.lim.Burst() != burst {
			ent.lim.SetBurstAt(now, burst)
		}
		return ent.lim
	}

	lim := rate.NewLimiter(limit, burst)
	s.entries[resource] = &storeEntry{lim: lim, lastSeen: now}
	return lim
}

func (s *Store) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa recursos inativos periodicamente.
// Pare cancelando o contexto.
func (s *Store) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}
