// Package registry implements the process-wide (type, name) -> object
// store described in spec.md §3 ("ownership: owned by the TypeRegistry
// keyed by (type, name); lifetime = process lifetime") and §9's
// cyclic-graph note: objects refer to each other by name and resolve
// through this registry instead of holding pointers, so Checkable,
// Notification, and User can reference one another without a reference
// cycle the garbage collector has to reason about.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Key identifies an object by its type tag and name, e.g. ("service",
// "host!http") or ("user", "jdoe").
type Key struct {
	Type string
	Name string
}

func (k Key) String() string { return k.Type + "\t" + k.Name }

// Registry is a read-heavy (type, name) -> object map guarded by a
// read-write mutex, per spec.md §5's shared-resource policy.
type Registry[T any] struct {
	mu      sync.RWMutex
	objects map[Key]T
}

// New constructs an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{objects: make(map[Key]T)}
}

// Register adds obj under key, returning an error if the key is already
// taken; registration is rare relative to lookup, hence the narrower
// write-lock window.
func (r *Registry[T]) Register(key Key, obj T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.objects[key]; exists {
		return fmt.Errorf("registry: %s already registered", key)
	}
	r.objects[key] = obj
	return nil
}

// Unregister removes key, if present.
func (r *Registry[T]) Unregister(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, key)
}

// Get resolves key, used pervasively to turn a stored name back into the
// live object instead of following a pointer across a reference cycle.
func (r *Registry[T]) Get(key Key) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.objects[key]
	return v, ok
}

// All returns every registered object, sorted by key, for callers (the
// Scheduler's heap rebuild, the AuthorityManager's per-tick sweep) that
// need a deterministic full scan.
func (r *Registry[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.objects))
	for k := range r.objects {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Name < keys[j].Name
	})

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.objects[k])
	}
	return out
}

// Len reports the number of registered objects.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
