// Package feed delivers committed store changes to in-process subscribers.
package feed

import (
	"sync"
)

// Change types.
const (
	Create = "create"
	Update = "update"
	Delete = "delete"
)

// Change describes one committed mutation of a record.
type Change struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Record any    `json:"record,omitempty"`
}

// Handler receives changes. It runs on the publisher's goroutine and must not block.
type Handler func(Change)

// Broker fans changes out to subscribers keyed by entity kind.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers fn for changes of kind. An empty kind receives every change.
// The returned function removes the subscription and is safe to call more than once.
func (b *Broker) Subscribe(kind string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	b.subs[kind][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[kind], id)
		})
	}
}

// Publish delivers c to subscribers of c.Kind and to wildcard subscribers.
func (b *Broker) Publish(c Change) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[c.Kind])+len(b.subs[""]))
	for _, fn := range b.subs[c.Kind] {
		handlers = append(handlers, fn)
	}
	if c.Kind != "" {
		for _, fn := range b.subs[""] {
			handlers = append(handlers, fn)
		}
	}
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(c)
	}
}

// Subscribers returns the number of live subscriptions for kind.
func (b *Broker) Subscribers(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
