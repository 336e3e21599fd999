package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager keeps an ordered set of callbacks.
// Callbacks are returned in the registration order, removal is idempotent.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callback[T]
	nextID uint64
}

type callback[T any] struct {
	id uint64
	cb T
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns the function that removes it.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.cbs = append(m.cbs, callback[T]{id, cb})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.cbs = slices.DeleteFunc(m.cbs, func(e callback[T]) bool { return e.id == id })
		m.mu.Unlock()
	}
}

// All returns an iterator over a snapshot of the registered callbacks.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		cbs := slices.Clone(m.cbs)
		m.mu.RUnlock()

		for _, e := range cbs {
			if !yield(e.cb) {
				return
			}
		}
	}
}
