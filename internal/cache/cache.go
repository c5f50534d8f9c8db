// Package cache holds read models keyed by entity kind, with explicit optimistic updates.
package cache

import (
	"context"
	"reflect"
	"sync"
)

// Cache is a read-through cache partitioned by entity kind. The zero value is not usable; call New.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]any
	gen     map[string]uint64
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]map[string]any),
		gen:     make(map[string]uint64),
	}
}

func (c *Cache) Get(kind, key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[kind][key]
	return v, ok
}

func (c *Cache) Put(kind, key string, v any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(kind, key, v)
}

func (c *Cache) put(kind, key string, v any) {
	if c.entries[kind] == nil {
		c.entries[kind] = make(map[string]any)
	}
	c.entries[kind][key] = v
}

func (c *Cache) remove(kind, key string) {
	delete(c.entries[kind], key)
}

// Invalidate drops every entry of the given kinds.
func (c *Cache) Invalidate(kinds ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range kinds {
		delete(c.entries, k)
		c.gen[k]++
	}
}

// Len returns the number of cached entries of kind.
func (c *Cache) Len(kind string) int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[kind])
}

// Load returns the cached value or calls fetch and caches its result.
// A result fetched across an invalidation of kind is returned but not cached.
func Load[T any](ctx context.Context, c *Cache, kind, key string, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(kind, key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	if c == nil {
		return fetch(ctx)
	}
	c.mu.RLock()
	gen := c.gen[kind]
	c.mu.RUnlock()

	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	c.mu.Lock()
	if c.gen[kind] == gen {
		c.put(kind, key, v)
	}
	c.mu.Unlock()
	return v, nil
}

// Outcome reports how an optimistic update was settled.
type Outcome int

const (
	// Confirmed means the confirmed result equals the optimistic view.
	Confirmed Outcome = iota
	// Corrected means the confirmed result differed and replaced the optimistic view.
	Corrected
	// RolledBack means the write failed and the previous entry was restored.
	RolledBack
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Corrected:
		return "corrected"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Optimistic is an applied but unconfirmed view of one entry.
type Optimistic[T any] struct {
	c       *Cache
	kind    string
	key     string
	prev    any
	hadPrev bool
	applied T
	equal   func(a, b T) bool
	done    bool
}

// Apply installs view as the entry for (kind, key) until Reconcile settles it.
// A nil equal compares with reflect.DeepEqual.
func Apply[T any](c *Cache, kind, key string, view T, equal func(a, b T) bool) *Optimistic[T] {
	if equal == nil {
		equal = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}
	o := &Optimistic[T]{c: c, kind: kind, key: key, applied: view, equal: equal}
	if c == nil {
		return o
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o.prev, o.hadPrev = c.entries[kind][key]
	c.put(kind, key, view)
	return o
}

// Reconcile settles the optimistic view against the write result.
// On error the previous entry is restored. On a result that differs from the applied view the
// confirmed result replaces it.
func (o *Optimistic[T]) Reconcile(confirmed T, err error) Outcome {
	if o.done {
		if err != nil {
			return RolledBack
		}
		return Confirmed
	}
	o.done = true
	if err != nil {
		o.rollback()
		return RolledBack
	}
	if o.equal(o.applied, confirmed) {
		return Confirmed
	}
	if o.c != nil {
		o.c.mu.Lock()
		o.c.put(o.kind, o.key, confirmed)
		o.c.mu.Unlock()
	}
	return Corrected
}

// Rollback restores the previous entry without a write result.
func (o *Optimistic[T]) Rollback() {
	if o.done {
		return
	}
	o.done = true
	o.rollback()
}

func (o *Optimistic[T]) rollback() {
	if o.c == nil {
		return
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	if o.hadPrev {
		o.c.put(o.kind, o.key, o.prev)
		return
	}
	o.c.remove(o.kind, o.key)
}
