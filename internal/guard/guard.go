// Package guard pairs a mutable field group with the lock that protects it,
// so a caller cannot touch the fields without going through the lock.
package guard

import "sync"

// Cell holds a value behind a mutex.  The only way to the value is With,
// which runs f with the lock held.
type Cell[T any] struct {
	mu sync.Mutex
	v  T
}

// With locks the cell and runs f on the guarded value.
func (c *Cell[T]) With(f func(*T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.v)
}

// WithE is With for callbacks that can fail.
func (c *Cell[T]) WithE(f func(*T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(&c.v)
}

// Load returns a copy of the guarded value.
func (c *Cell[T]) Load() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Store replaces the guarded value.
func (c *Cell[T]) Store(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = v
}

// RW is Cell with a reader/writer lock for read-mostly field groups.
type RW[T any] struct {
	mu sync.RWMutex
	v  T
}

// Read runs f on the guarded value with the read lock held.  f must not
// mutate the value.
func (g *RW[T]) Read(f func(*T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f(&g.v)
}

// Write runs f on the guarded value with the write lock held.
func (g *RW[T]) Write(f func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f(&g.v)
}

// WriteE is Write for callbacks that can fail.
func (g *RW[T]) WriteE(f func(*T) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return f(&g.v)
}
