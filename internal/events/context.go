package events

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/hotworker/internal/bindings"
	"github.com/ChuLiYu/hotworker/internal/table"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// Context is the value passed to every listener of a fired event. Listeners
// may mutate it; the worker reads Retire, Terminated and Err back after the
// chain has run.
type Context struct {
	Event      Event
	WorkerID   string
	Operation  *types.Operation // nil for WorkerStarting / WorkerStopping
	Result     any
	Err        error
	ErrorCount int // failures seen by this worker so far

	Bindings *bindings.Container // worker-local
	Tables   *table.Store        // shared by every worker

	Terminated bool // the operation was cut short (timeout or failure)
	Retire     bool // set by a retirement listener

	values    map[string]any
	mu        sync.Mutex
	resources []resource
	closed    bool
}

// ErrContextClosed is returned by Track once the operation has ended.
var ErrContextClosed = errors.New("events: operation context closed")

type resource struct {
	name    string
	release func() error
}

// Set stores a scratch value for later listeners of the same operation.
func (c *Context) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Value returns a scratch value set by an earlier listener.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Track registers a resource acquired during the operation. It is released
// by ReleaseAll, which the OperationTerminated listeners call on every exit
// path.
//
// After Close the resource is released at once and Track returns
// ErrContextClosed joined with any release error. This covers application
// code still running after its operation was abandoned.
func (c *Context) Track(name string, release func() error) error {
	c.mu.Lock()
	if !c.closed {
		c.resources = append(c.resources, resource{name: name, release: release})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return errors.Join(ErrContextClosed, release())
}

// Pending returns the names of resources not yet released.
func (c *Context) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.resources))
	for i, r := range c.resources {
		out[i] = r.name
	}
	return out
}

// ReleaseAll releases tracked resources in reverse acquisition order.
// Every release runs even if an earlier one fails.
func (c *Context) ReleaseAll() error {
	c.mu.Lock()
	rs := c.resources
	c.resources = nil
	c.mu.Unlock()

	var errs []error
	for i := len(rs) - 1; i >= 0; i-- {
		if err := rs[i].release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close ends the operation: remaining resources are released and any
// later Track releases immediately. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.ReleaseAll()
}

// Closed reports whether Close has run.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Kind returns the operation kind, or "" for worker events.
func (c *Context) Kind() types.OperationKind {
	if c.Operation == nil {
		return ""
	}
	return c.Operation.Kind
}

type contextKey struct{}

// WithContext returns a context carrying ec, so application code can track
// resources for the operation it is running.
func WithContext(ctx context.Context, ec *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ec)
}

// FromContext returns the event context stored by WithContext.
func FromContext(ctx context.Context) (*Context, bool) {
	ec, ok := ctx.Value(contextKey{}).(*Context)
	return ec, ok
}
