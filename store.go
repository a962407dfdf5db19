package realtime

import (
	"sync"
)

// table is a mutex-protected map keyed by int64 identities. Unlike a plain
// map it exposes swap semantics: Put returns the previous value so callers
// can close a replaced connection outside the lock.
type table[T any] struct {
	mutex sync.RWMutex
	items map[int64]T
}

func newTable[T any]() *table[T] {
	return &table[T]{items: make(map[int64]T)}
}

// Put stores value under key and returns the previous value, if any.
func (t *table[T]) Put(key int64, value T) (T, bool) {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	prev, existed := t.items[key]
	t.items[key] = value
	return prev, existed
}

func (t *table[T]) Get(key int64) (T, bool) {
	t.mutex.RLock()

	defer t.mutex.RUnlock()

	value, ok := t.items[key]
	return value, ok
}

// Delete removes key and returns the removed value, if any.
func (t *table[T]) Delete(key int64) (T, bool) {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	prev, existed := t.items[key]
	if existed {
		delete(t.items, key)
	}
	return prev, existed
}

// DeleteIf removes key only when pred accepts the current value. It returns
// the removed value, if any. Used for compare-and-delete during sweeps so a
// replacement registered between snapshot and removal is not evicted.
func (t *table[T]) DeleteIf(key int64, pred func(T) bool) (T, bool) {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	var zero T
	current, existed := t.items[key]
	if !existed || !pred(current) {
		return zero, false
	}
	delete(t.items, key)

	return current, true
}

// Snapshot copies the current entries. Iteration over the copy never holds
// the table lock, so a slow consumer cannot stall writers.
func (t *table[T]) Snapshot() map[int64]T {
	t.mutex.RLock()

	defer t.mutex.RUnlock()

	result := make(map[int64]T, len(t.items))
	for key, value := range t.items {
		result[key] = value
	}
	return result
}

func (t *table[T]) Len() int {
	t.mutex.RLock()

	defer t.mutex.RUnlock()

	return len(t.items)
}
