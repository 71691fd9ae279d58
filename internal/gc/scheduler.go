// ============================================================================
// hotworker GC Scheduler - 週期性記憶體清理
// ============================================================================
//
// Package: internal/gc
// File: scheduler.go
// Purpose: Count completed operations per worker and run a hygiene pass
//          every `interval` operations
//
// Hygiene pass, in order:
//   1. flush the configured bindings from the worker's container
//   2. run the hygiene hook chain (stops on the first failing hook)
//   3. optionally force runtime.GC + debug.FreeOSMemory
//   4. sample process RSS (gopsutil) for the metrics gauge
//   5. reset the worker's counter to zero
//
// The counter is reset even when a step fails, so a broken hook cannot make
// every following operation trigger another pass.
//
// Counters are worker local. The scheduler itself is shared and stateless
// apart from its configuration.
//
// ============================================================================

package gc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ChuLiYu/hotworker/internal/bindings"
	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/metrics"
)

// Config feeds the scheduler.
type Config struct {
	Enabled    bool
	Interval   int  // operations between passes
	ForceSweep bool // run runtime.GC + FreeOSMemory during a pass
	Flush      []string
}

// Counter 每個 worker 自己的操作計數
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Value() int64 { return c.n.Load() }

func (c *Counter) inc() int64 { return c.n.Add(1) }

func (c *Counter) reset() { c.n.Store(0) }

// Subject is the view of a worker the scheduler needs.
type Subject interface {
	ID() string
	Counter() *Counter
	Bindings() *bindings.Container
}

// Scheduler decides when a worker runs a hygiene pass and runs it.
type Scheduler struct {
	cfg     Config
	hooks   events.Chain
	logger  *slog.Logger
	metrics *metrics.Collector
	proc    *process.Process
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHooks sets the hygiene hook chain.
func WithHooks(hooks events.Chain) Option {
	return func(s *Scheduler) { s.hooks = hooks }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New returns a scheduler for cfg. An enabled config with a non-positive
// interval is treated as disabled.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Enabled = false
	}
	s := &Scheduler{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		s.logger.Warn("gc: rss sampling unavailable", "error", err)
	}
	return s
}

// Enabled reports whether passes can ever run.
func (s *Scheduler) Enabled() bool { return s.cfg.Enabled }

// Interval returns the configured interval.
func (s *Scheduler) Interval() int { return s.cfg.Interval }

// RecordOperation counts one completed operation for w.
func (s *Scheduler) RecordOperation(w Subject) {
	w.Counter().inc()
}

// ShouldRun reports whether w is due for a hygiene pass.
func (s *Scheduler) ShouldRun(w Subject) bool {
	if !s.cfg.Enabled {
		return false
	}
	return w.Counter().Value() >= int64(s.cfg.Interval)
}

// Run performs a hygiene pass for w and resets its counter.
func (s *Scheduler) Run(ctx context.Context, w Subject) error {
	defer w.Counter().reset()

	var errs []error
	if len(s.cfg.Flush) > 0 && w.Bindings() != nil {
		if err := w.Bindings().Flush(s.cfg.Flush...); err != nil {
			errs = append(errs, err)
		}
	}
	if len(s.hooks) > 0 {
		// 清理在 OperationTerminated 之後執行，中斷時以該事件回報
		ec := &events.Context{WorkerID: w.ID(), Bindings: w.Bindings()}
		if err := s.hooks.Run(ctx, events.OperationTerminated, ec); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.ForceSweep {
		runtime.GC()
		debug.FreeOSMemory()
	}

	rss := s.sampleRSS(ctx)
	s.metrics.RecordGCPass(rss)
	s.logger.Debug("gc: hygiene pass",
		"worker", w.ID(),
		"operations", w.Counter().Value(),
		"rss_bytes", rss,
	)
	return errors.Join(errs...)
}

func (s *Scheduler) sampleRSS(ctx context.Context) uint64 {
	if s.proc == nil {
		return 0
	}
	mi, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0
	}
	return mi.RSS
}
