// Package table provides the correlation table shared by both engines: a map
// from request id to whatever the owning side needs to finish that request.
//
// All access goes through one mutex held only for the map operation itself,
// never across a channel send, a write or a handler call. Remove is the single
// atomic remove-and-check used to decide who owns the terminal outcome of a
// request: whoever removes the entry first wins, everybody else backs off.
package table

import (
	"errors"
	"sync"
)

var (
	ErrDuplicate = errors.New("table: id already registered")
	ErrExhausted = errors.New("table: no free id")
)

// Table maps request ids to values of type V.
type Table[V comparable] struct {
	mu      sync.Mutex
	entries map[uint32]V
}

func New[V comparable]() *Table[V] {
	return &Table[V]{entries: make(map[uint32]V)}
}

// Insert registers v under id. It fails if id is already present.
func (t *Table[V]) Insert(id uint32, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return ErrDuplicate
	}
	t.entries[id] = v
	return nil
}

// Allocate registers v under the next free id of seq and returns that id.
func (t *Table[V]) Allocate(seq *Sequence, v V) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := seq.next(func(id uint32) bool {
		_, used := t.entries[id]
		return used
	})
	if !ok {
		return 0, ErrExhausted
	}
	t.entries[id] = v
	return id, nil
}

func (t *Table[V]) Lookup(id uint32) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[id]
	return v, ok
}

// Remove deletes id and returns the value it held. ok is false when another
// caller removed it first.
func (t *Table[V]) Remove(id uint32) (v V, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok = t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return v, ok
}

// CompareAndRemove deletes id only while it still maps to v.
func (t *Table[V]) CompareAndRemove(id uint32, v V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[id]; !ok || cur != v {
		return false
	}
	delete(t.entries, id)
	return true
}

// Drain empties the table and returns what it held.
func (t *Table[V]) Drain() map[uint32]V {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := t.entries
	t.entries = make(map[uint32]V)
	return drained
}

// Values returns a snapshot of the values currently registered.
func (t *Table[V]) Values() []V {
	t.mu.Lock()
	defer t.mu.Unlock()

	values := make([]V, 0, len(t.entries))
	for _, v := range t.entries {
		values = append(values, v)
	}
	return values
}

func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
