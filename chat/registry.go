package chat

import "sync"

// Registry hands out one instance per key. Applications that need a
// single client per API key and user hold a Registry[*Client] in their
// composition root instead of relying on a package-level instance.
type Registry[T any] struct {
	mu    sync.Mutex
	items map[string]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// GetOrCreate returns the instance for key, calling factory to build it on
// first use. A failed factory call registers nothing.
func (r *Registry[T]) GetOrCreate(key string, factory func() (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.items[key]; ok {
		return v, nil
	}

	v, err := factory()
	if err != nil {
		var zero T
		return zero, err
	}

	r.items[key] = v

	return v, nil
}

// Remove forgets key and returns the instance it held.
func (r *Registry[T]) Remove(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.items[key]
	delete(r.items, key)

	return v, ok
}
