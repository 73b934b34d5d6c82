package infra

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis_rate/v10"

	"admission-gateway/middleware/admission/domain"
)

// slot é uma etapa da cadeia de admissão.
//
// entry devolve uma função chamada no Exit (com o erro registrado na entry, ou
// errDiscarded em rollback e Discard), ou nil quando o slot não segura nada. Rejeição é um *domain.BlockError.
type slot interface {
	entry(ctx context.Context, rules *ruleIndex, e *entry) (exit func(failure error), err error)
}

func block(e *entry, reason domain.BlockReason, retryAfter time.Duration, cause error) *domain.BlockError {
	return &domain.BlockError{
		Resource:   e.resource,
		Origin:     e.origin,
		Reason:     reason,
		RetryAfter: retryAfter,
		Cause:      cause,
	}
}

func releaseOnExit(release func()) func(error) {
	return func(error) { release() }
}

// authoritySlot aplica listas de origens permitidas/bloqueadas.
type authoritySlot struct{}

func (authoritySlot) entry(_ context.Context, rules *ruleIndex, e *entry) (func(error), error) {
	rule, ok := rules.authority[e.resource]
	if !ok || rule.allows(e.origin) {
		return nil, nil
	}
	return nil, block(e, domain.ReasonAuthority, 0, nil)
}

// systemSlot limita as entries de entrada em andamento no processo.
type systemSlot struct{ f *Facility }

func (s systemSlot) entry(ctx context.Context, rules *ruleIndex, e *entry) (func(error), error) {
	if e.typ != domain.EntryIn || rules.system.MaxConcurrency <= 0 {
		return nil, nil
	}
	pool := s.f.systemSlotPool(rules.system.MaxConcurrency)
	release, ok := pool.Acquire(ctx, rules.system.AcquireTimeout)
	if !ok {
		return nil, block(e, domain.ReasonSystem, 0, nil)
	}
	return releaseOnExit(release), nil
}

// flowSlot aplica token bucket local por recurso.
type flowSlot struct{ f *Facility }

func (s flowSlot) entry(_ context.Context, rules *ruleIndex, e *entry) (func(error), error) {
	rule, ok := rules.flow[e.resource]
	if !ok {
		return nil, nil
	}
	lim := s.f.flow.Get(e.resource, rule.QPS, rule.Burst)

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, block(e, domain.ReasonFlow, 0, nil)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, block(e, domain.ReasonFlow, delay, nil)
	}
	// o token só volta ao bucket se a entry for desfeita sem uso; CancelAt
	// precisa do instante da reserva, senão o limiter ignora o estorno
	return func(failure error) {
		if errors.Is(failure, errDiscarded) {
			r.CancelAt(now)
		}
	}, nil
}

// quotaSlot aplica quota distribuída via Redis (GCRA do redis_rate).
// Erros de Redis não bloqueiam a requisição (fail-open).
type quotaSlot struct {
	f      *Facility
	prefix string
}

func (s quotaSlot) entry(ctx context.Context, rules *ruleIndex, e *entry) (func(error), error) {
	rule, ok := rules.quota[e.resource]
	if !ok {
		return nil, nil
	}
	res, err := s.f.quota.Allow(ctx, s.prefix+e.resource, redis_rate.Limit{
		Rate:   rule.Limit,
		Burst:  rule.Burst,
		Period: rule.Period,
	})
	if err != nil {
		s.f.logger.Warn("admission: quota check failed, allowing request",
			"resource", e.resource, "error", err)
		return nil, nil
	}
	if res.Allowed == 0 {
		return nil, block(e, domain.ReasonQuota, res.RetryAfter, nil)
	}
	return nil, nil
}

// concurrencySlot limita invocações simultâneas por recurso.
type concurrencySlot struct{ f *Facility }

func (s concurrencySlot) entry(ctx context.Context, rules *ruleIndex, e *entry) (func(error), error) {
	rule, ok := rules.concurrency[e.resource]
	if !ok {
		return nil, nil
	}
	release, acquired := s.f.pools.Get(e.resource, rule.MaxConcurrency).Acquire(ctx, rule.AcquireTimeout)
	if !acquired {
		return nil, block(e, domain.ReasonConcurrency, 0, nil)
	}
	return releaseOnExit(release), nil
}

// circuitSlot consulta o circuit breaker do recurso. O resultado (sucesso ou
// falha) é informado no Exit, a partir do erro registrado com Trace.
type circuitSlot struct{ f *Facility }

func (s circuitSlot) entry(_ context.Context, rules *ruleIndex, e *entry) (func(error), error) {
	rule, ok := rules.circuit[e.resource]
	if !ok {
		return nil, nil
	}
	done, err := s.f.breakers.Get(rule).Allow()
	if err != nil {
		return nil, block(e, domain.ReasonCircuit, rule.Timeout, err)
	}
	// rejeições (inclusive errDiscarded) são excluídas via Settings.IsExcluded
	return done, nil
}
