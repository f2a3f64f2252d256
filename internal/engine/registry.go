package engine

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for handle registration.  Callers match them with
// errors.Is; the wrapped message carries the offending handle.
var (
	ErrAlreadyRegistered = errors.New("engine: handle already registered")
	ErrNotFound          = errors.New("engine: handle not registered")
)

// registry is one handle-keyed table.  Each object kind gets its own
// registry with its own lock, so contention on one kind never blocks
// another.
type registry[K ~uint64, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func newRegistry[K ~uint64, V any]() *registry[K, V] {
	return &registry[K, V]{m: make(map[K]V)}
}

func (r *registry[K, V]) insert(k K, v V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[k]; ok {
		return fmt.Errorf("%w: 0x%x", ErrAlreadyRegistered, uint64(k))
	}
	r.m[k] = v
	return nil
}

func (r *registry[K, V]) erase(k K) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[k]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: 0x%x", ErrNotFound, uint64(k))
	}
	delete(r.m, k)
	return v, nil
}

func (r *registry[K, V]) lookup(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[k]
	return v, ok
}

// getOrInsert returns the registered value, creating it with mk on first
// use.  mk runs under the write lock, so it must not call back into the
// same registry.
func (r *registry[K, V]) getOrInsert(k K, mk func() (V, error)) (V, error) {
	r.mu.RLock()
	v, ok := r.m[k]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.m[k]; ok {
		return v, nil
	}
	v, err := mk()
	if err != nil {
		return v, err
	}
	r.m[k] = v
	return v, nil
}

func (r *registry[K, V]) snapshot() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.m))
	for _, v := range r.m {
		out = append(out, v)
	}
	return out
}
