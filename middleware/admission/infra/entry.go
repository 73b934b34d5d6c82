package infra

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"admission-gateway/middleware/admission/domain"
)

// errDiscarded é passado aos exits dos slots quando a entry é desfeita sem
// ter sido usada (rollback ou Discard). É uma rejeição: o circuit breaker a
// exclui das contagens e o flow devolve o token.
var errDiscarded = fmt.Errorf("%w: entry discarded", domain.ErrBlocked)

// entry implementa domain.Entry e domain.Discarder.
type entry struct {
	f *Facility
	// ctx não é cancelado junto com a requisição: as estatísticas de Exit
	// precisam ser gravadas mesmo se o cliente já desconectou.
	ctx      context.Context
	resource string
	typ      domain.EntryType
	origin   string
	tc       *tracingContext

	// exits são chamados em ordem reversa com o erro registrado (ou nil).
	exits []func(failure error)

	start  time.Time
	span   trace.Span
	err    error
	exited atomic.Bool
}

func (e *entry) Resource() string { return e.resource }

// Trace registra um erro de negócio. nil e rejeições de admissão são ignorados.
func (e *entry) Trace(err error) {
	if err == nil || domain.IsBlocked(err) || e.exited.Load() {
		return
	}
	e.err = err
	e.span.RecordError(err)
	e.span.SetStatus(codes.Error, err.Error())
	e.f.metrics.recordException(e.ctx, e.resource)
	e.f.record(e.ctx, domain.StatsEvent{
		Resource: e.resource,
		Origin:   e.origin,
		Kind:     domain.StatsException,
	})
}

// Exit libera as vagas e fecha a entry. Chamadas repetidas são ignoradas.
func (e *entry) Exit() {
	if !e.exited.CompareAndSwap(false, true) {
		return
	}
	rt := time.Since(e.start)
	e.runExits(e.err)
	if e.tc != nil {
		e.tc.open.Add(-1)
	}

	e.f.metrics.recordRT(e.ctx, e.resource, rt)
	e.f.record(e.ctx, domain.StatsEvent{
		Resource: e.resource,
		Origin:   e.origin,
		Kind:     domain.StatsComplete,
		RT:       rt,
	})
	e.span.End()
}

// Discard libera as vagas sem reportar a invocação como concluída: nada de
// RT, StatsComplete ou resultado no circuit breaker. Usado quando a requisição
// foi rejeitada por outra entry depois desta ter sido aberta.
func (e *entry) Discard() {
	if !e.exited.CompareAndSwap(false, true) {
		return
	}
	e.runExits(errDiscarded)
	if e.tc != nil {
		e.tc.open.Add(-1)
	}
	e.span.SetAttributes(attribute.Bool("admission.discarded", true))
	e.span.End()
}

func (e *entry) runExits(failure error) {
	for i := len(e.exits) - 1; i >= 0; i-- {
		e.exits[i](failure)
	}
}

func (e *entry) open(ctx context.Context) {
	e.start = time.Now()
	if e.tc != nil {
		e.tc.open.Add(1)
	}

	kind := trace.SpanKindServer
	if e.typ == domain.EntryOut {
		kind = trace.SpanKindClient
	}
	_, e.span = e.f.tracer.Start(ctx, "admission.entry",
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("admission.resource", e.resource),
			attribute.String("admission.origin", e.origin),
			attribute.String("admission.entry_type", e.typ.String()),
		))

	e.f.metrics.recordPass(ctx, e.resource)
	e.f.record(e.ctx, domain.StatsEvent{
		Resource: e.resource,
		Origin:   e.origin,
		Kind:     domain.StatsPass,
	})
}

// rollback desfaz as aquisições dos slots que já passaram quando um slot posterior rejeita.
func (e *entry) rollback() {
	e.runExits(errDiscarded)
	e.exits = nil
}
