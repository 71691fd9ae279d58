// Package bindings holds named, lazily built per-worker instances that the
// lifecycle listeners warm before an operation and flush after it.
//
// A Registry of factories is built once at startup and shared by every
// worker. Each worker owns a Container; instances never cross workers.
package bindings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var ErrUnknownBinding = errors.New("bindings: unknown binding")

// Factory builds a fresh instance of one binding.
type Factory func(ctx context.Context) (any, error)

// Registry maps binding identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// NewContainer returns an empty container resolving against r.
func (r *Registry) NewContainer() *Container {
	return &Container{registry: r, instances: make(map[string]any)}
}

// Container is a worker-local set of resolved instances. It is used by one
// worker goroutine at a time, the mutex only guards admin reads.
type Container struct {
	registry *Registry

	mu        sync.Mutex
	instances map[string]any
	builds    map[string]int
}

// Resolve returns the cached instance for name, building it on first use.
func (c *Container) Resolve(ctx context.Context, name string) (any, error) {
	c.mu.Lock()
	if v, ok := c.instances[name]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	f, ok := c.registry.factory(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBinding, name)
	}
	v, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("bindings: build %q: %w", name, err)
	}

	c.mu.Lock()
	c.instances[name] = v
	if c.builds == nil {
		c.builds = make(map[string]int)
	}
	c.builds[name]++
	c.mu.Unlock()
	return v, nil
}

// Warm resolves every name in order so the next operation finds them built.
func (c *Container) Warm(ctx context.Context, names []string) error {
	for _, n := range names {
		if _, err := c.Resolve(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Flush discards the named instances, closing those that implement
// io.Closer. Names that were never resolved are skipped.
func (c *Container) Flush(names ...string) error {
	c.mu.Lock()
	var drop []any
	for _, n := range names {
		if v, ok := c.instances[n]; ok {
			drop = append(drop, v)
			delete(c.instances, n)
		}
	}
	c.mu.Unlock()
	return closeAll(drop)
}

// FlushAll discards every instance.
func (c *Container) FlushAll() error {
	c.mu.Lock()
	drop := make([]any, 0, len(c.instances))
	for _, v := range c.instances {
		drop = append(drop, v)
	}
	c.instances = make(map[string]any)
	c.mu.Unlock()
	return closeAll(drop)
}

// Resolved reports whether name currently has a live instance.
func (c *Container) Resolved(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instances[name]
	return ok
}

// Names returns the identifiers that currently have a live instance, sorted.
func (c *Container) Names() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.instances))
	for n := range c.instances {
		out = append(out, n)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Builds returns how many times name has been built in this container.
func (c *Container) Builds(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds[name]
}

func closeAll(vs []any) error {
	var errs []error
	for _, v := range vs {
		if cl, ok := v.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
