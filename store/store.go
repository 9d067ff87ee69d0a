// Package store provides an observable state container. A Store holds one
// immutable snapshot at a time and publishes every replacement to its
// subscribers. Snapshots must never be mutated after they are published;
// callers derive a new value from the previous one and hand it to Next.
package store

import (
	"reflect"
	"sync"
)

// Listener receives the newly published snapshot and the one it replaced.
// On the initial call made by Subscribe, prev is the zero value.
type Listener[T any] func(next, prev T)

type subscription[T any] struct {
	id       uint64
	listener Listener[T]
}

type publication[T any] struct {
	next, prev T
	subs       []subscription[T]
}

// Store is a generic observable snapshot holder. All methods are safe for
// concurrent use. Listeners run outside the store lock, so a listener may
// read the store or publish a follow-up value.
//
// Publications reach listeners one at a time and in the order the values
// were stored. While one goroutine is delivering, a concurrent or nested
// publish only queues its value and returns; the delivering goroutine
// hands it out after the current one.
type Store[T any] struct {
	mu     sync.Mutex
	value  T
	subs   []subscription[T]
	nextID uint64

	pending    []publication[T]
	delivering bool
}

// New returns a store seeded with initial.
func New[T any](initial T) *Store[T] {
	return &Store[T]{value: initial}
}

// GetLatestValue returns the current snapshot.
func (s *Store[T]) GetLatestValue() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.value
}

// Next computes a new snapshot from the previous one and publishes it.
func (s *Store[T]) Next(update func(prev T) T) {
	s.mu.Lock()
	prev := s.value
	next := update(prev)
	s.value = next
	s.publishLocked(next, prev)
}

// Update is Next for updates that may decide nothing changed. The snapshot
// is only replaced and published when update reports a change.
func (s *Store[T]) Update(update func(prev T) (T, bool)) bool {
	s.mu.Lock()
	prev := s.value

	next, changed := update(prev)
	if !changed {
		s.mu.Unlock()
		return false
	}

	s.value = next
	s.publishLocked(next, prev)

	return true
}

// publishLocked queues a publication and delivers the queue unless another
// call is already doing so. It must be called with mu held and releases it.
func (s *Store[T]) publishLocked(next, prev T) {
	s.pending = append(s.pending, publication[T]{
		next: next,
		prev: prev,
		subs: append([]subscription[T](nil), s.subs...),
	})

	if s.delivering {
		s.mu.Unlock()
		return
	}

	s.delivering = true
	done := false

	// A panicking listener must not leave the store stuck in delivery.
	defer func() {
		if !done {
			s.mu.Lock()
			s.delivering = false
			s.mu.Unlock()
		}
	}()

	for len(s.pending) > 0 {
		p := s.pending[0]
		s.pending[0] = publication[T]{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		for _, sub := range p.subs {
			sub.listener(p.next, p.prev)
		}

		s.mu.Lock()
	}

	s.delivering = false
	done = true
	s.mu.Unlock()
}

// Set publishes value as the new snapshot.
func (s *Store[T]) Set(value T) {
	s.Next(func(T) T { return value })
}

// PartialNext publishes a shallow copy of the current snapshot with the
// fields assigned by patch. The published snapshot is never touched; patch
// only ever sees the copy.
func (s *Store[T]) PartialNext(patch func(draft *T)) {
	s.Next(func(prev T) T {
		draft := prev
		patch(&draft)

		return draft
	})
}

// Subscribe registers listener and immediately invokes it with the current
// snapshot. The returned function detaches the listener; calling it more
// than once is a no-op.
func (s *Store[T]) Subscribe(listener Listener[T]) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription[T]{id: id, listener: listener})
	current := s.value
	s.mu.Unlock()

	var zero T

	listener(current, zero)

	var once sync.Once

	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Store[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Len reports how many listeners are attached.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}

// SubscribeWithSelector registers listener against a projection of the
// snapshot. The listener fires once immediately and afterwards only when the
// selected projection differs by reference from the previous projection:
// slices, maps, pointers, channels and funcs compare by identity, struct
// projections compare field by field, everything else by value.
func SubscribeWithSelector[T, S any](s *Store[T], selector func(T) S, listener func(next, prev S)) func() {
	var (
		mu       sync.Mutex
		prev     S
		hasPrev  bool
		callback = func(next T, _ T) {
			selected := selector(next)

			mu.Lock()
			if hasPrev && Identical(prev, selected) {
				mu.Unlock()
				return
			}

			old := prev
			prev = selected
			hasPrev = true
			mu.Unlock()

			listener(selected, old)
		}
	)

	return s.Subscribe(callback)
}

// Identical reports whether a and b are the same by reference in the sense
// used by SubscribeWithSelector.
func Identical[S any](a, b S) bool {
	return identical(reflect.ValueOf(&a).Elem(), reflect.ValueOf(&b).Elem())
}

func identical(a, b reflect.Value) bool {
	if a.Type() != b.Type() {
		return false
	}

	switch a.Kind() {
	case reflect.Slice:
		return a.Pointer() == b.Pointer() && a.Len() == b.Len()
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return a.Pointer() == b.Pointer()
	case reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() == b.IsNil()
		}

		if a.Elem().Type() != b.Elem().Type() {
			return false
		}

		return identical(a.Elem(), b.Elem())
	case reflect.Struct:
		for i := range a.NumField() {
			if !identical(a.Field(i), b.Field(i)) {
				return false
			}
		}

		return true
	case reflect.Array:
		for i := range a.Len() {
			if !identical(a.Index(i), b.Index(i)) {
				return false
			}
		}

		return true
	default:
		return a.Equal(b)
	}
}
