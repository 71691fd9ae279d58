// ============================================================================
// hotworker Timeout Enforcer - 單一操作的截止時間追蹤
// ============================================================================
//
// Package: internal/timeout
// File: enforcer.go
// Purpose: Track the deadline of the operation a worker is running
//
// Model:
//   Start(parent, deadline) derives a context that is cancelled with cause
//   ErrExpired when the clock passes the deadline. The application polls
//   Check(ctx) (or watches ctx.Done()) at safe points. The enforcer never
//   interrupts running code; tearing down an overrun belongs to the worker.
//
//   Cancel() before expiry ends tracking: Check() then returns nil for the
//   rest of the operation even if the clock later passes the deadline.
//
// One Enforcer per worker, reused across operations. Start resets it.
//
// ============================================================================

package timeout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrExpired is the cause attached to an operation that outlived its deadline.
var ErrExpired = errors.New("timeout: max execution time exceeded")

type Enforcer struct {
	clock clock.Clock

	mu        sync.Mutex
	deadline  time.Time
	active    bool
	expired   bool
	cancelled bool
	gen       uint64
	timer     *clock.Timer
	cancel    context.CancelCauseFunc
}

// New returns an enforcer driven by c; nil means the wall clock.
func New(c clock.Clock) *Enforcer {
	if c == nil {
		c = clock.New()
	}
	return &Enforcer{clock: c}
}

// Start begins tracking deadline. A zero deadline means no limit. The
// returned stop function releases the derived context and must be called
// once the operation is done.
func (e *Enforcer) Start(parent context.Context, deadline time.Time) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)

	e.mu.Lock()
	e.stopLocked()
	e.deadline = deadline
	e.active = true
	e.expired = false
	e.cancelled = false
	e.cancel = cancel
	e.gen++
	if !deadline.IsZero() {
		gen := e.gen
		e.timer = e.clock.AfterFunc(deadline.Sub(e.clock.Now()), func() { e.expire(gen) })
	}
	e.mu.Unlock()

	ctx = context.WithValue(ctx, enforcerKey{}, e)
	return ctx, func() {
		e.mu.Lock()
		e.stopLocked()
		e.active = false
		e.mu.Unlock()
		cancel(context.Canceled)
	}
}

func (e *Enforcer) expire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || !e.active || e.cancelled {
		e.mu.Unlock()
		return
	}
	e.expired = true
	cancel := e.cancel
	e.mu.Unlock()
	cancel(ErrExpired)
}

func (e *Enforcer) stopLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Check returns ErrExpired once the deadline has passed, nil otherwise.
func (e *Enforcer) Check() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		return nil
	}
	if e.expired {
		return ErrExpired
	}
	if e.active && !e.deadline.IsZero() && !e.clock.Now().Before(e.deadline) {
		// 計時器尚未觸發，但時間已過
		e.expired = true
		e.cancel(ErrExpired)
		return ErrExpired
	}
	return nil
}

// Cancel stops tracking. It has no effect once the deadline has expired.
func (e *Enforcer) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired {
		return
	}
	e.cancelled = true
	e.stopLocked()
}

// Deadline returns the tracked deadline and whether one is set.
func (e *Enforcer) Deadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline, e.active && !e.deadline.IsZero()
}

// Expired reports whether the current operation ran past its deadline.
func (e *Enforcer) Expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expired
}

// ----------------------------------------------------------------------------
// Context helpers
// ----------------------------------------------------------------------------

type enforcerKey struct{}

// FromContext returns the enforcer tracking the operation running under ctx.
func FromContext(ctx context.Context) (*Enforcer, bool) {
	e, ok := ctx.Value(enforcerKey{}).(*Enforcer)
	return e, ok
}

// Check is the cooperative poll used by application code. It reports
// ErrExpired when the operation running under ctx is past its deadline and
// ctx.Err() for any other cancellation.
func Check(ctx context.Context) error {
	if e, ok := FromContext(ctx); ok {
		if err := e.Check(); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return ctx.Err()
	}
	return nil
}

// Expired reports whether err carries ErrExpired.
func Expired(err error) bool {
	return errors.Is(err, ErrExpired)
}
