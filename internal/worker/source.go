// ============================================================================
// hotworker Operation Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for fetching operations and reporting
//          their completion.
//
// Motivation:
//   The supervisor does not own a transport. Anything that produces work
//   (an HTTP endpoint, a tick timer, a queue consumer) implements Source and
//   is driven by Supervisor.Serve.
//
//   - Poll blocks until an operation is available or ctx is done.
//   - Acknowledge receives the completion signal for every operation Poll
//     returned, including those that failed or timed out.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/hotworker/pkg/types"
)

// Source defines the interface for fetching operations and reporting status.
type Source interface {
	// Poll returns the next operation. It blocks and respects ctx.
	Poll(ctx context.Context) (*types.Operation, error)

	// Acknowledge reports the completion of an operation returned by Poll.
	Acknowledge(ctx context.Context, c types.Completion) error
}

// Serve pulls operations from src and submits them until ctx is cancelled,
// the source fails or the supervisor stops. Completions are acknowledged
// asynchronously; Serve waits for outstanding acknowledgements before it
// returns.
func (s *Supervisor) Serve(ctx context.Context, src Source) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		op, err := src.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if op == nil {
			continue
		}

		done, err := s.Submit(ctx, op)
		if err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("submit failed", "operation", op.ID, "error", err)
			continue
		}

		wg.Add(1)
		go func(op *types.Operation) {
			defer wg.Done()
			c := <-done
			if err := src.Acknowledge(context.WithoutCancel(ctx), c); err != nil {
				s.logger.Warn("acknowledge failed", "operation", op.ID, "error", err)
			}
		}(op)
	}
}

// ----------------------------------------------------------------------------
// TickSource
// ----------------------------------------------------------------------------

// TickSource emits one tick operation per interval.
type TickSource struct {
	ticker *clock.Ticker

	mu     sync.Mutex
	failed int
}

// NewTickSource returns a source ticking every interval on c.
func NewTickSource(c clock.Clock, interval time.Duration) *TickSource {
	if c == nil {
		c = clock.New()
	}
	return &TickSource{ticker: c.Ticker(interval)}
}

func (t *TickSource) Poll(ctx context.Context) (*types.Operation, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case at := <-t.ticker.C:
		op := types.NewOperation(types.KindTick, at)
		return op, nil
	}
}

func (t *TickSource) Acknowledge(ctx context.Context, c types.Completion) error {
	if !c.Succeeded() {
		t.mu.Lock()
		t.failed++
		t.mu.Unlock()
	}
	return nil
}

// Failed returns how many ticks did not complete normally.
func (t *TickSource) Failed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Stop releases the ticker.
func (t *TickSource) Stop() {
	t.ticker.Stop()
}
