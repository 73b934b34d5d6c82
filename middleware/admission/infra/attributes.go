package infra

import "sync"

// Attributes é o armazenamento de atributos de uma requisição.
//
// Normalmente só a goroutine da requisição acessa, mas o handler pode
// repassar a requisição para outras goroutines; por isso o mutex.
type Attributes struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]any)}
}

func (a *Attributes) Get(name string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.values[name]
	return v, ok
}

func (a *Attributes) Set(name string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[name] = value
}

func (a *Attributes) Remove(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.values, name)
}

func (a *Attributes) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.values)
}
