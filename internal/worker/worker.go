// ============================================================================
// hotworker Worker - 長駐的操作執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One long-lived execution unit. Each worker runs in its own
//           goroutine, owns its application instance and processes one
//           operation at a time to completion
//
// State machine:
//
//   Starting ──WorkerStarting ok──→ Idle ←──────────────────────┐
//      │                             │ op delivered             │
//      │ WorkerStarting failed       ↓                          │ recovered
//      │                          Running ──failure/timeout──→ ErrorHandling
//      │                             │ success                  │
//      │                             └─────────→ Idle           │ retire
//      ↓                                                        ↓
//   Stopped ←──────────────── Stopping ←── shutdown / reload / retire
//
// Per operation, in order:
//   1. <Kind>Received
//   2. application Handle under the timeout enforcer
//   3a. success: RequestHandled (requests only), <Kind>Terminated
//   3b. failure: WorkerErrorOccurred, retirement decision
//   4. OperationTerminated (every exit path)
//   5. GC bookkeeping, completion delivered
//
// Hard bound:
//   When the deadline passes the application's context is cancelled with
//   cause timeout.ErrExpired. If Handle has not returned within the grace
//   period its goroutine is abandoned, the worker is tainted and retired
//   after the cleanup listeners ran. A tainted worker never takes another
//   operation.
//
// Resource Management:
//   - worker-local bindings are flushed on Stopped
//   - a retired worker is never reset; the supervisor builds a new one
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/hotworker/internal/bindings"
	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/gc"
	"github.com/ChuLiYu/hotworker/internal/timeout"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// 退役原因，用於日誌與指標標籤
const (
	reasonShutdown     = "shutdown"
	reasonReload       = "reload"
	reasonStartFailed  = "start_failed"
	reasonPolicy       = "policy"
	reasonErrorAborted = "error_listener_aborted"
	reasonTainted      = "tainted"
	reasonMaxRequests  = "max_requests"
)

// Worker represents one long-lived execution unit.
type Worker struct {
	id        string
	sup       *Supervisor
	app       Application
	enforcer  *timeout.Enforcer
	counter   gc.Counter
	container *bindings.Container
	logger    *slog.Logger
	startedAt time.Time

	state   atomic.Int32
	handled atomic.Int64
	errors  atomic.Int64
	tainted bool // only touched by the worker goroutine

	quit     chan struct{}
	quitOnce sync.Once
}

func newWorker(id string, s *Supervisor, app Application) *Worker {
	w := &Worker{
		id:        id,
		sup:       s,
		app:       app,
		enforcer:  timeout.New(s.clock),
		container: s.registry.NewContainer(),
		logger:    s.logger.With("worker", id),
		startedAt: s.clock.Now(),
		quit:      make(chan struct{}),
	}
	w.state.Store(int32(types.StateStarting))
	return w
}

// gc.Subject
func (w *Worker) ID() string                    { return w.id }
func (w *Worker) Counter() *gc.Counter          { return &w.counter }
func (w *Worker) Bindings() *bindings.Container { return w.container }

func (w *Worker) State() types.WorkerState {
	return types.WorkerState(w.state.Load())
}

func (w *Worker) setState(st types.WorkerState) {
	w.state.Store(int32(st))
}

// Status returns a snapshot for status output.
func (w *Worker) Status() types.WorkerStatus {
	st := w.State()
	return types.WorkerStatus{
		ID:        w.id,
		State:     st,
		StateName: st.String(),
		Handled:   int(w.handled.Load()),
		Errors:    int(w.errors.Load()),
		StartedAt: w.startedAt,
	}
}

// retire asks the worker to stop after its current operation.
func (w *Worker) retire() {
	w.quitOnce.Do(func() { close(w.quit) })
}

func (w *Worker) newContext(op *types.Operation) *events.Context {
	return &events.Context{
		WorkerID:   w.id,
		Operation:  op,
		ErrorCount: int(w.errors.Load()),
		Bindings:   w.container,
		Tables:     w.sup.tables,
	}
}

func (w *Worker) fire(ctx context.Context, ev events.Event, ec *events.Context) error {
	err := w.sup.pipeline.Fire(ctx, ev, ec)
	if err != nil {
		w.sup.metrics.RecordAbort(ev.String())
		w.logger.Warn("listener chain aborted", "event", ev.String(), "error", err)
	}
	return err
}

// ----------------------------------------------------------------------------
// Main loop
// ----------------------------------------------------------------------------

// run is the worker goroutine. It returns the reason the worker left the pool.
func (w *Worker) run() string {
	ctx := context.Background()

	if err := w.fire(ctx, events.WorkerStarting, w.newContext(nil)); err != nil {
		// 啟動失敗的 worker 不會進入 Idle
		w.logger.Error("worker failed to start", "error", err)
		w.setState(types.StateStopped)
		w.release()
		return reasonStartFailed
	}
	w.setState(types.StateIdle)
	w.logger.Debug("worker ready")

	for {
		select {
		case <-w.sup.stopCh:
			return w.shutdown(ctx, reasonShutdown)
		case <-w.quit:
			return w.shutdown(ctx, reasonReload)
		case env := <-w.sup.opCh:
			if reason := w.process(env); reason != "" {
				return w.shutdown(ctx, reason)
			}
		}
	}
}

func (w *Worker) shutdown(ctx context.Context, reason string) string {
	w.setState(types.StateStopping)
	if err := w.fire(ctx, events.WorkerStopping, w.newContext(nil)); err != nil {
		w.logger.Error("worker stopping listeners failed", "error", err)
	}
	w.setState(types.StateStopped)
	w.release()
	w.logger.Info("worker stopped", "reason", reason, "handled", w.handled.Load())
	return reason
}

func (w *Worker) release() {
	if err := w.container.FlushAll(); err != nil {
		w.logger.Warn("flush bindings on stop", "error", err)
	}
}

// ----------------------------------------------------------------------------
// Operation processing
// ----------------------------------------------------------------------------

// process runs one operation through the lifecycle and delivers its
// completion. It returns a non-empty retirement reason when the worker
// must leave the pool.
func (w *Worker) process(env envelope) string {
	s := w.sup
	op := env.op
	w.setState(types.StateRunning)

	start := s.clock.Now()
	if op.StartedAt.IsZero() {
		op.StartedAt = start
	}
	if op.Deadline.IsZero() && s.cfg.MaxExecutionTime > 0 {
		op.Deadline = op.StartedAt.Add(s.cfg.MaxExecutionTime)
	}

	ctx, span := s.tracer.Start(context.Background(), "operation."+string(op.Kind),
		trace.WithAttributes(
			attribute.String("operation.id", string(op.ID)),
			attribute.String("operation.kind", string(op.Kind)),
			attribute.String("worker.id", w.id),
		))
	defer span.End()

	ec := w.newContext(op)
	var (
		result any
		err    error
	)
	if err = w.fire(ctx, events.ReceivedFor(op.Kind), ec); err == nil {
		result, err = w.execute(events.WithContext(ctx, ec), op)
		ec.Result = result
	}
	if err == nil && op.Kind == types.KindRequest {
		err = w.fire(ctx, events.RequestHandled, ec)
	}
	if err == nil {
		err = w.fire(ctx, events.TerminatedFor(op.Kind), ec)
	}

	var retire string
	if err != nil {
		err = &OperationError{OperationID: op.ID, Kind: op.Kind, Cause: err}
		retire = w.handleError(ctx, ec, err)
	}

	// 所有路徑都要跑 OperationTerminated，確保資源釋放
	if terr := w.fire(ctx, events.OperationTerminated, ec); terr != nil && err == nil {
		err = &OperationError{OperationID: op.ID, Kind: op.Kind, Cause: terr}
	}
	// 之後才 Track 的資源（例如被放棄的執行）會立即釋放
	if cerr := ec.Close(); cerr != nil {
		w.logger.Warn("release operation resources", "operation", op.ID, "error", cerr)
	}
	if w.tainted && retire == "" {
		retire = reasonTainted
	}

	s.gc.RecordOperation(w)
	if s.gc.ShouldRun(w) {
		if gerr := s.gc.Run(ctx, w); gerr != nil {
			w.logger.Warn("hygiene pass failed", "error", gerr)
		}
	}

	handled := w.handled.Add(1)
	if retire == "" && s.cfg.MaxRequests > 0 && handled >= int64(s.cfg.MaxRequests) {
		retire = reasonMaxRequests
	}

	c := types.Completion{
		OperationID: op.ID,
		Kind:        op.Kind,
		Outcome:     types.OutcomeSucceeded,
		Result:      result,
		Err:         err,
		Duration:    s.clock.Since(start),
		WorkerID:    w.id,
	}
	if err != nil {
		c.Outcome = types.OutcomeFailed
		c.Result = nil
		var oe *OperationError
		if errors.As(err, &oe) && oe.TimedOut() {
			c.Outcome = types.OutcomeTimedOut
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(c.Outcome))
	}
	span.SetAttributes(attribute.String("operation.outcome", string(c.Outcome)))
	s.metrics.RecordOperation(string(op.Kind), string(c.Outcome), c.Duration.Seconds())

	if retire == "" {
		w.setState(types.StateIdle)
	}
	env.done <- c
	return retire
}

// handleError runs the ErrorHandling state and decides retirement.
func (w *Worker) handleError(ctx context.Context, ec *events.Context, err error) string {
	w.setState(types.StateErrorHandling)
	n := w.errors.Add(1)
	ec.Err = err
	ec.ErrorCount = int(n)
	ec.Terminated = true

	w.logger.Warn("operation failed",
		"operation", ec.Operation.ID,
		"kind", ec.Operation.Kind,
		"error", err,
	)

	if ferr := w.fire(ctx, events.WorkerErrorOccurred, ec); ferr != nil {
		// 錯誤處理本身失敗，無條件退役避免錯誤迴圈
		return reasonErrorAborted
	}
	if w.tainted {
		return reasonTainted
	}
	if ec.Retire {
		return reasonPolicy
	}
	return ""
}

type execResult struct {
	value any
	err   error
}

// execute calls the application under the enforcer and the grace bound.
func (w *Worker) execute(parent context.Context, op *types.Operation) (any, error) {
	ctx, stop := w.enforcer.Start(parent, op.Deadline)
	defer stop()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := w.app.Handle(ctx, op)
		done <- execResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		return w.settle(r)
	case <-ctx.Done():
	}

	// 已逾時：給應用程式寬限期返回
	grace := w.sup.cfg.TimeoutGrace
	select {
	case r := <-done:
		return w.settle(r)
	case <-w.sup.clock.After(grace):
	}

	w.tainted = true
	w.logger.Error("operation overran grace period, abandoning execution",
		"operation", op.ID, "grace", grace)
	return nil, fmt.Errorf("%w: %w", timeout.ErrExpired, ErrAbandoned)
}

// settle maps what the application returned onto the enforcer's verdict.
func (w *Worker) settle(r execResult) (any, error) {
	if !w.enforcer.Expired() {
		if err := w.enforcer.Check(); err == nil {
			w.enforcer.Cancel()
			return r.value, r.err
		}
	}
	// 逾時後返回：除非應用程式回報了自己的錯誤，一律視為逾時
	switch {
	case errors.Is(r.err, timeout.ErrExpired):
		return nil, r.err
	case r.err == nil, errors.Is(r.err, context.Canceled), errors.Is(r.err, context.DeadlineExceeded):
		return nil, timeout.ErrExpired
	}
	return nil, fmt.Errorf("%w: %w", timeout.ErrExpired, r.err)
}
