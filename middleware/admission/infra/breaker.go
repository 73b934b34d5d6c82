package infra

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker/v2"

	"admission-gateway/middleware/admission/domain"
)

type breakerHolder struct {
	rule domain.CircuitRule
	cb   *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// breakerRegistry mantém um circuit breaker de duas etapas por recurso.
//
// O LRU limita a memória quando há muitos recursos; um breaker despejado
// recomeça fechado.
type breakerRegistry struct {
	mu            sync.Mutex
	cache         *lru.Cache[string, *breakerHolder]
	onStateChange func(name string, from, to gobreaker.State)
}

func newBreakerRegistry(size int, onStateChange func(name string, from, to gobreaker.State)) (*breakerRegistry, error) {
	cache, err := lru.New[string, *breakerHolder](size)
	if err != nil {
		return nil, err
	}
	return &breakerRegistry{cache: cache, onStateChange: onStateChange}, nil
}

// Get devolve o breaker do recurso. Se a regra mudou, um breaker novo (fechado)
// substitui o anterior.
func (r *breakerRegistry) Get(rule domain.CircuitRule) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.cache.Get(rule.Resource); ok && h.rule == rule {
		return h.cb
	}
	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](r.settings(rule))
	r.cache.Add(rule.Resource, &breakerHolder{rule: rule, cb: cb})
	return cb
}

func (r *breakerRegistry) State(resource string) (gobreaker.State, bool) {
	h, ok := r.cache.Peek(resource)
	if !ok {
		return gobreaker.StateClosed, false
	}
	return h.cb.State(), true
}

func (r *breakerRegistry) Retain(keep func(resource string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.cache.Keys() {
		if !keep(k) {
			r.cache.Remove(k)
		}
	}
}

func (r *breakerRegistry) settings(rule domain.CircuitRule) gobreaker.Settings {
	return gobreaker.Settings{
		Name:          rule.Resource,
		MaxRequests:   rule.HalfOpenRequests,
		Interval:      rule.Interval,
		Timeout:       rule.Timeout,
		ReadyToTrip:   readyToTrip(rule),
		OnStateChange: r.onStateChange,
		IsExcluded:    domain.IsBlocked,
	}
}

func readyToTrip(rule domain.CircuitRule) func(gobreaker.Counts) bool {
	return func(c gobreaker.Counts) bool {
		if rule.ConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.ConsecutiveFailures {
			return true
		}
		// rejeições excluídas não entram na razão
		requests := c.Requests
		if c.TotalExclusions < requests {
			requests -= c.TotalExclusions
		} else {
			requests = 0
		}
		if rule.FailureRatio > 0 && requests > 0 && requests >= rule.MinRequests {
			return float64(c.TotalFailures)/float64(requests) >= rule.FailureRatio
		}
		return false
	}
}
