package infra

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

type tracingContextKey struct{}

// tracingContext agrupa as entries de uma mesma requisição lógica.
type tracingContext struct {
	id     string
	name   string
	origin string

	open   atomic.Int32
	exited atomic.Bool
}

// ContextInfo é a visão pública do contexto de rastreio aberto em ctx.
type ContextInfo struct {
	ID     string
	Name   string
	Origin string
	// OpenEntries é o número de entries ainda abertas no contexto.
	OpenEntries int
}

// ContextFrom devolve o contexto de rastreio aberto em ctx, se houver.
func ContextFrom(ctx context.Context) (ContextInfo, bool) {
	tc := activeContext(ctx)
	if tc == nil {
		return ContextInfo{}, false
	}
	return ContextInfo{ID: tc.id, Name: tc.name, Origin: tc.origin, OpenEntries: int(tc.open.Load())}, true
}

func activeContext(ctx context.Context) *tracingContext {
	if ctx == nil {
		return nil
	}
	tc, _ := ctx.Value(tracingContextKey{}).(*tracingContext)
	if tc == nil || tc.exited.Load() {
		return nil
	}
	return tc
}

// EnterContext implementa domain.Facility.
//
// Se ctx já tem um contexto aberto (ex: dois middlewares encadeados), ele é
// reaproveitado e name/origin são ignorados.
func (f *Facility) EnterContext(ctx context.Context, name, origin string) context.Context {
	if activeContext(ctx) != nil {
		return ctx
	}
	tc := &tracingContext{id: uuid.NewString(), name: name, origin: origin}
	return context.WithValue(ctx, tracingContextKey{}, tc)
}

// ExitContext implementa domain.Facility.
//
// Só fecha o contexto quando não há entries abertas nele; assim um
// interceptor interno não fecha o contexto do externo. Sem contexto é no-op.
func (f *Facility) ExitContext(ctx context.Context) {
	tc := activeContext(ctx)
	if tc == nil {
		return
	}
	if tc.open.Load() > 0 {
		return
	}
	tc.exited.Store(true)
}
