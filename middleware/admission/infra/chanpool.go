package infra

import (
	"context"
	"sync"
	"time"
)

// chanPool é um semáforo simples baseado em channel.
//
// Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type chanPool struct {
	sem chan struct{}
}

func newChanPool(max int) *chanPool {
	return &chanPool{sem: make(chan struct{}, max)}
}

func (p *chanPool) Cap() int { return cap(p.sem) }

func (p *chanPool) InUse() int { return len(p.sem) }

// Acquire tenta adquirir uma vaga.
//   - Se `timeout <= 0`, só tenta uma vez (sem esperar).
//   - Se `timeout > 0`, espera até o timeout (ou até ctx cancelar).
//
// Retorna (release, ok). Se ok=false, nenhuma vaga foi adquirida.
func (p *chanPool) Acquire(ctx context.Context, timeout time.Duration) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
		return p.releaseFunc(), true
	default:
	}
	if timeout <= 0 {
		return nil, false
	}

	acqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case p.sem <- struct{}{}:
		return p.releaseFunc(), true
	case <-acqCtx.Done():
		return nil, false
	}
}

func (p *chanPool) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(func() { <-p.sem }) }
}

// poolRegistry mantém um chanPool por recurso. Quando a capacidade da regra
// muda, um pool novo substitui o antigo; quem segura vaga no antigo libera nele.
type poolRegistry struct {
	mu    sync.Mutex
	pools map[string]*chanPool
}

func newPoolRegistry() *poolRegistry {
	return &poolRegistry{pools: make(map[string]*chanPool)}
}

func (r *poolRegistry) Get(resource string, max int) *chanPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[resource]; ok && p.Cap() == max {
		return p
	}
	p := newChanPool(max)
	r.pools[resource] = p
	return p
}

// Retain descarta os pools de recursos que não têm mais regra.
func (r *poolRegistry) Retain(keep func(resource string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.pools {
		if !keep(k) {
			delete(r.pools, k)
		}
	}
}
