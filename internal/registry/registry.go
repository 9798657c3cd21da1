// Package registry maps opaque channel keys to the endpoint currently
// responsible for delivering to that channel.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for keys with no live endpoint. It is an expected
// race (the view went away), never a fatal condition.
var ErrNotFound = errors.New("registry: no endpoint for key")

// Endpoint delivers serialized envelopes to one peer. Done is closed when the
// peer goes away; the registry then forgets every key routed to it.
//
// Implementations must be comparable (pointer receivers in practice).
type Endpoint interface {
	ID() string
	Deliver(data []byte) error
	Done() <-chan struct{}
}

// entry is one route. evicted is closed when the route is overwritten or
// removed, which releases its watcher goroutine.
type entry struct {
	ep      Endpoint
	evicted chan struct{}
}

// Registry is a last-write-wins route table safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	routes map[string]*entry

	observe func(size int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithSizeObserver calls fn with the new route count after every change.
// fn runs outside the registry lock.
func WithSizeObserver(fn func(size int)) Option {
	return func(r *Registry) { r.observe = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{routes: make(map[string]*entry)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register routes key to ep, replacing any previous endpoint. Registering the
// same pair again is a no-op.
func (r *Registry) Register(key string, ep Endpoint) {
	r.mu.Lock()
	cur, ok := r.routes[key]
	if ok && cur.ep == ep {
		r.mu.Unlock()
		return
	}
	if ok {
		close(cur.evicted)
	}
	e := &entry{ep: ep, evicted: make(chan struct{})}
	r.routes[key] = e
	size := len(r.routes)
	r.mu.Unlock()

	r.notify(size)
	go r.watch(key, e)
}

// watch removes the route once its endpoint is done, unless the route has
// already been replaced.
func (r *Registry) watch(key string, e *entry) {
	select {
	case <-e.ep.Done():
	case <-e.evicted:
		return
	}

	r.mu.Lock()
	cur, ok := r.routes[key]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.routes, key)
	close(e.evicted)
	size := len(r.routes)
	r.mu.Unlock()

	r.notify(size)
}

// Resolve returns the endpoint for key, or ErrNotFound.
func (r *Registry) Resolve(key string) (Endpoint, error) {
	r.mu.Lock()
	e, ok := r.routes[key]
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return e.ep, nil
}

// Send resolves key and delivers data to its endpoint.
func (r *Registry) Send(key string, data []byte) error {
	ep, err := r.Resolve(key)
	if err != nil {
		return err
	}
	if err := ep.Deliver(data); err != nil {
		return fmt.Errorf("deliver to %s: %w", ep.ID(), err)
	}
	return nil
}

// Unregister removes key. Unknown keys are ignored.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	e, ok := r.routes[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.routes, key)
	close(e.evicted)
	size := len(r.routes)
	r.mu.Unlock()

	r.notify(size)
}

// Len returns the number of live routes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// Keys returns the routed keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

func (r *Registry) notify(size int) {
	if r.observe != nil {
		r.observe(size)
	}
}
