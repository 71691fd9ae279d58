// ============================================================================
// hotworker Event Pipeline - Ordered Lifecycle Hooks
// ============================================================================
//
// Package: internal/events
// File: pipeline.go
// Purpose: Registry of lifecycle events, each holding an ordered chain of
//          listeners that the worker fires at well-defined points
//
// Ordering:
//   Listeners of one event run strictly in registration order. RegisterAt
//   inserts at an explicit position; nothing reorders a chain afterwards.
//
// Failure:
//   The first listener that returns an error (or panics) stops the chain.
//   Fire returns *AbortedError carrying the event, the listener index and
//   the original cause. Interpreting it is the worker's job:
//     - abort on WorkerErrorOccurred → worker retired
//     - abort anywhere else          → operation failure
//
// Registration window:
//   Registration happens at startup only. Seal() freezes the registry,
//   after which Fire needs no write lock and Register returns ErrSealed.
//
// ============================================================================

package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	ErrSealed          = errors.New("events: pipeline is sealed")
	ErrInvalidPosition = errors.New("events: listener position out of range")
	ErrUnknownEvent    = errors.New("events: unknown event")
)

// Listener handles one lifecycle event.
type Listener interface {
	Handle(ctx context.Context, ec *Context) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ec *Context) error

func (f ListenerFunc) Handle(ctx context.Context, ec *Context) error {
	return f(ctx, ec)
}

// AbortedError reports the listener that stopped a chain.
type AbortedError struct {
	Event Event
	Index int
	Cause error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("events: %s listener %d aborted: %v", e.Event, e.Index, e.Cause)
}

func (e *AbortedError) Unwrap() error {
	return e.Cause
}

// ListenerPanic is the cause recorded when a listener panics.
type ListenerPanic struct {
	Value any
	Stack []byte
}

func (p *ListenerPanic) Error() string {
	return fmt.Sprintf("listener panic: %v", p.Value)
}

// Chain is an ordered listener sequence.
type Chain []Listener

// Run invokes the listeners in order and stops at the first failure.
func (c Chain) Run(ctx context.Context, ev Event, ec *Context) error {
	for i, l := range c {
		if err := invoke(ctx, l, ec); err != nil {
			return &AbortedError{Event: ev, Index: i, Cause: err}
		}
	}
	return nil
}

func invoke(ctx context.Context, l Listener, ec *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerPanic{Value: r, Stack: debug.Stack()}
		}
	}()
	return l.Handle(ctx, ec)
}

// Pipeline maps each event to its chain.
type Pipeline struct {
	mu     sync.RWMutex
	chains [numEvents]Chain
	sealed bool
}

// NewPipeline 建立空的 Pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register appends l to the chain of ev.
func (p *Pipeline) Register(ev Event, l Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLocked(ev); err != nil {
		return err
	}
	p.chains[ev] = append(p.chains[ev], l)
	return nil
}

// RegisterAt inserts l so that exactly pos listeners precede it.
func (p *Pipeline) RegisterAt(ev Event, l Listener, pos int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLocked(ev); err != nil {
		return err
	}
	chain := p.chains[ev]
	if pos < 0 || pos > len(chain) {
		return fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidPosition, pos, len(chain))
	}
	next := make(Chain, 0, len(chain)+1)
	next = append(next, chain[:pos]...)
	next = append(next, l)
	next = append(next, chain[pos:]...)
	p.chains[ev] = next
	return nil
}

func (p *Pipeline) checkLocked(ev Event) error {
	if p.sealed {
		return ErrSealed
	}
	if !ev.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownEvent, int(ev))
	}
	return nil
}

// Seal freezes the registry.
func (p *Pipeline) Seal() {
	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (p *Pipeline) Sealed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sealed
}

// Len returns the number of listeners registered for ev.
func (p *Pipeline) Len(ev Event) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !ev.Valid() {
		return 0
	}
	return len(p.chains[ev])
}

// Fire runs the chain of ev against ec. ec.Event is set before the first
// listener runs.
func (p *Pipeline) Fire(ctx context.Context, ev Event, ec *Context) error {
	if !ev.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownEvent, int(ev))
	}
	p.mu.RLock()
	chain := p.chains[ev]
	p.mu.RUnlock()

	ec.Event = ev
	return chain.Run(ctx, ev, ec)
}
