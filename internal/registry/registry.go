// Package registry caches one client handle per region.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// Closer is implemented by every cached handle.
type Closer interface {
	Close() error
}

// Factory builds a handle for a region. It must not perform network calls.
type Factory[H Closer] func(region string) (H, error)

// Registry lazily creates and caches handles keyed by region.
// Concurrent first use of a region may build more than one handle; only
// the first stored handle is ever returned and the extras are closed.
type Registry[H Closer] struct {
	factory Factory[H]
	handles sync.Map // region -> H
}

// New creates a registry that builds handles with factory.
func New[H Closer](factory Factory[H]) *Registry[H] {
	return &Registry[H]{factory: factory}
}

// Get returns the cached handle for region, creating it on first use.
func (r *Registry[H]) Get(region string) (H, error) {
	if h, ok := r.handles.Load(region); ok {
		return h.(H), nil
	}

	created, err := r.factory(region)
	if err != nil {
		var zero H
		return zero, fmt.Errorf("create client for %s: %w", region, err)
	}

	actual, loaded := r.handles.LoadOrStore(region, created)
	if loaded {
		_ = created.Close()
	}
	return actual.(H), nil
}

// Regions returns the regions with a cached handle.
func (r *Registry[H]) Regions() []string {
	var regions []string
	r.handles.Range(func(key, _ any) bool {
		regions = append(regions, key.(string))
		return true
	})
	return regions
}

// Clear closes every cached handle and empties the cache. A failing Close
// does not stop the others; all failures are returned joined.
func (r *Registry[H]) Clear() error {
	var errs []error
	r.handles.Range(func(key, value any) bool {
		r.handles.Delete(key)
		if err := value.(H).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client for %s: %w", key, err))
		}
		return true
	})
	return errors.Join(errs...)
}
