package mvstore

import (
	"cmp"
	"fmt"
	"sync"
)

// AnyMap is the type-erased view of a Map[K, V] the Registry needs for
// bookkeeping (recovery, listing, size estimation) without knowing K/V.
type AnyMap interface {
	ID() int32
	Name() string
	SizeAsLong() int64
	Clear()
}

// Registry is the store's mapId → map lookup (spec.md §3 "mapRegistry"),
// plus the name bindings spec.md §6 calls out: "openTransactions",
// "undoLog.<slot>", "temp.<n>".
type Registry struct {
	mu     sync.Mutex
	byID   map[int32]AnyMap
	byName map[string]int32
	nextID int32
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int32]AnyMap),
		byName: make(map[string]int32),
	}
}

// HasMap reports whether name is currently bound.
func (r *Registry) HasMap(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	return ok
}

// MapName returns the catalog name for a map id.
func (r *Registry) MapName(id int32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return m.Name(), true
}

// ByID returns the type-erased map for an id, for recovery code that
// just needs to Clear() or inspect a temp map.
func (r *Registry) ByID(id int32) (AnyMap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	return m, ok
}

// RemoveMap drops the name binding and returns the map that was bound,
// if any. The caller is responsible for discarding the concrete Map.
func (r *Registry) RemoveMap(name string) (AnyMap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	m := r.byID[id]
	delete(r.byName, name)
	delete(r.byID, id)
	return m, true
}

// Names lists every currently-bound map name, for temp.<n> cleanup on
// startup (spec.md §4.1 init()).
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// bind registers an already-constructed map, failing if the name is
// bound to a different map already (a type mismatch on re-open).
func (r *Registry) bind(name string, m AnyMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		if existing := r.byID[id]; existing != m {
			return fmt.Errorf("mvstore: map %q already open with a different type", name)
		}
		return nil
	}
	r.byName[name] = m.ID()
	r.byID[m.ID()] = m
	return nil
}

func (r *Registry) allocID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *Registry) lookup(name string) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// OpenMap opens (or creates) a named map of key type K and value type
// V. Go methods can't carry their own type parameters, so this is a
// free function over *Registry rather than a Registry method — the
// same shape as H2's Store.openMap(name, keyType, valueType) generic
// factory, expressed with Go generics instead of reflection.
func OpenMap[K cmp.Ordered, V any](r *Registry, name string) (*Map[K, V], error) {
	if id, ok := r.lookup(name); ok {
		m, _ := r.ByID(id)
		typed, ok := m.(*Map[K, V])
		if !ok {
			return nil, fmt.Errorf("mvstore: map %q already open with a different type", name)
		}
		return typed, nil
	}
	id := r.allocID()
	m := NewMap[K, V](id, name)
	if err := r.bind(name, m); err != nil {
		return nil, err
	}
	return m, nil
}
