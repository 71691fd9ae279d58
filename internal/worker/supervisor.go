// ============================================================================
// hotworker Supervisor - 長駐 worker pool 的生命週期管理
// ============================================================================
//
// Package: internal/worker
// 文件: supervisor.go
// 功能: 維持固定數量的長駐 worker，分發操作並在 worker 退役時補充新 worker
//
// 架構組件:
//   ┌─────────────┐
//   │ Transport   │ --Submit()--> opCh ──┐
//   └─────────────┘                      │
//         ↑                              ↓
//    Completion          ┌──────────── Supervisor ────────────┐
//         │              │  ┌────────┐                        │
//         └──────────────│──│Worker 1│←── opCh                │
//                        │  │Worker 2│←── opCh                │
//                        │  │Worker N│←── opCh                │
//                        │  └────────┘                        │
//                        │  supervise loop: refill on exit    │
//                        └────────────────────────────────────┘
//
// 生命週期:
//   1. New()    - 建立 Supervisor，註冊表尚可修改
//   2. Start()  - 封存事件註冊表，啟動 N 個 worker 與 supervise loop
//   3. Submit() - 放入共享佇列，回傳該操作的完成通道
//   4. Stop()   - 停止接受新操作，等待 worker 完成目前操作後退出
//
// 自我修復:
//   worker 退役後 supervise loop 立即補充，補充速率受 token bucket
//   (golang.org/x/time/rate) 限制。無法維持目標大小時 Degraded() 為 true，
//   並由 ticker 週期性重試。
//
// 並發控制:
//   - opCh: 帶緩衝 channel，所有 worker 共享
//   - stopCh: 關閉即廣播停止
//   - inflight: 追蹤正在 Submit 的呼叫，Stop 等它們結束後才清空佇列
//   - mu: 保護 started/stopped 與 worker 名冊
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/hotworker/internal/bindings"
	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/gc"
	"github.com/ChuLiYu/hotworker/internal/metrics"
	"github.com/ChuLiYu/hotworker/internal/table"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// Supervisor 管理 worker pool
type Supervisor struct {
	cfg      Config
	pipeline *events.Pipeline
	factory  ApplicationFactory

	gc       *gc.Scheduler
	tables   *table.Store
	registry *bindings.Registry
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	limiter  *rate.Limiter

	opCh     chan envelope
	stopCh   chan struct{}
	stopDone chan struct{} // 佇列清空後關閉
	wake     chan struct{} // 有 worker 離開時通知 supervise loop

	inflight sync.WaitGroup // 正在 Submit 的呼叫
	workerWg sync.WaitGroup
	loopWg   sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
	workers map[string]*Worker

	degraded atomic.Bool
	spawned  atomic.Uint64
	retired  atomic.Uint64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithClock(c clock.Clock) Option           { return func(s *Supervisor) { s.clock = c } }
func WithLogger(l *slog.Logger) Option         { return func(s *Supervisor) { s.logger = l } }
func WithMetrics(m *metrics.Collector) Option  { return func(s *Supervisor) { s.metrics = m } }
func WithTracer(t trace.Tracer) Option         { return func(s *Supervisor) { s.tracer = t } }
func WithTables(t *table.Store) Option         { return func(s *Supervisor) { s.tables = t } }
func WithBindings(r *bindings.Registry) Option { return func(s *Supervisor) { s.registry = r } }
func WithScheduler(g *gc.Scheduler) Option     { return func(s *Supervisor) { s.gc = g } }

// New 建立 Supervisor
//
// 參數：
//   - cfg: pool 大小與每個操作的限制
//   - pipeline: 生命週期事件註冊表，Start 時封存
//   - factory: 為每個新 worker 建立應用程式實例
func New(cfg Config, pipeline *events.Pipeline, factory ApplicationFactory, opts ...Option) (*Supervisor, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("worker: pipeline is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("worker: application factory is required")
	}
	cfg = cfg.withDefaults()

	s := &Supervisor{
		cfg:      cfg,
		pipeline: pipeline,
		factory:  factory,
		clock:    clock.New(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/ChuLiYu/hotworker/internal/worker"),
		opCh:     make(chan envelope, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		workers:  make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tables == nil {
		s.tables = table.NewStore()
	}
	if s.registry == nil {
		s.registry = bindings.NewRegistry()
	}
	if s.gc == nil {
		s.gc = gc.New(gc.Config{}, gc.WithLogger(s.logger))
	}
	s.limiter = rate.NewLimiter(rate.Every(cfg.RespawnInterval), cfg.RespawnBurst)
	return s, nil
}

// Tables returns the shared table store.
func (s *Supervisor) Tables() *table.Store { return s.tables }

// Start 封存註冊表並啟動 worker
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return ErrStopped
	}
	s.pipeline.Seal()
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.spawnLocked()
	}
	if len(s.workers) < s.cfg.Workers {
		s.degraded.Store(true)
		s.metrics.SetDegraded(true)
	}

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.superviseLoop()
	}()

	s.logger.Info("supervisor started",
		"workers", s.cfg.Workers,
		"queue_size", s.cfg.QueueSize,
		"max_execution_time", s.cfg.MaxExecutionTime,
	)
	return nil
}

func (s *Supervisor) spawnLocked() bool {
	id := uuid.NewString()
	app, err := s.factory(id)
	if err != nil {
		s.logger.Error("application factory failed", "worker", id, "error", err)
		return false
	}
	w := newWorker(id, s, app)
	s.workers[id] = w
	s.spawned.Add(1)
	s.metrics.RecordWorkerStarted()

	s.workerWg.Add(1)
	go func() {
		defer s.workerWg.Done()
		reason := w.run()
		s.onExit(w, reason)
	}()
	return true
}

func (s *Supervisor) onExit(w *Worker, reason string) {
	s.mu.Lock()
	delete(s.workers, w.id)
	s.mu.Unlock()

	s.retired.Add(1)
	s.metrics.RecordWorkerRetired(reason)
	if reason != reasonShutdown {
		s.logger.Info("worker retired", "worker", w.id, "reason", reason)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// superviseLoop 在 worker 離開或 ticker 觸發時補足 pool
func (s *Supervisor) superviseLoop() {
	ticker := s.clock.Ticker(s.cfg.RespawnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.refill()
	}
}

func (s *Supervisor) refill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	for len(s.workers) < s.cfg.Workers {
		if !s.limiter.AllowN(s.clock.Now(), 1) {
			break
		}
		if !s.spawnLocked() {
			break
		}
	}

	degraded := len(s.workers) < s.cfg.Workers
	if s.degraded.Swap(degraded) != degraded {
		if degraded {
			s.logger.Warn("pool degraded", "live", len(s.workers), "target", s.cfg.Workers)
		} else {
			s.logger.Info("pool restored", "live", len(s.workers))
		}
	}
	s.metrics.SetDegraded(degraded)
}

// Degraded reports whether the pool is below its target size and could not
// be refilled.
func (s *Supervisor) Degraded() bool {
	return s.degraded.Load()
}

// Submit 提交操作到共享佇列
//
// 返回值：
//   - <-chan types.Completion: 操作完成時恰好收到一個值
//   - error: ErrNotStarted / ErrStopped / ctx.Err()
func (s *Supervisor) Submit(ctx context.Context, op *types.Operation) (<-chan types.Completion, error) {
	if op == nil || !op.Kind.Valid() {
		return nil, fmt.Errorf("worker: invalid operation")
	}
	if op.ID == "" {
		op.ID = types.NewOperation(op.Kind, nil).ID
	}

	s.mu.RLock()
	if !s.started {
		s.mu.RUnlock()
		return nil, ErrNotStarted
	}
	if s.stopped {
		s.mu.RUnlock()
		return nil, ErrStopped
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	env := envelope{op: op, done: make(chan types.Completion, 1)}
	select {
	case s.opCh <- env:
		return env.done, nil
	case <-s.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do 提交操作並等待完成
func (s *Supervisor) Do(ctx context.Context, op *types.Operation) (types.Completion, error) {
	done, err := s.Submit(ctx, op)
	if err != nil {
		return types.Completion{}, err
	}
	select {
	case c := <-done:
		return c, nil
	case <-ctx.Done():
		return types.Completion{}, ctx.Err()
	}
}

// Reload retires every live worker after its current operation. The
// supervise loop replaces them with fresh workers.
func (s *Supervisor) Reload() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		w.retire()
	}
	s.logger.Info("reloading workers", "count", len(s.workers))
}

// Stop 優雅地關閉 Supervisor
// 關閉流程：
//  1. 設定 stopped 標誌，關閉 stopCh
//  2. 等待進行中的 Submit 返回，停止 supervise loop
//  3. 等待所有 worker 完成目前操作並觸發 WorkerStopping
//  4. 佇列中未執行的操作以 ErrStopped 完成
//
// ctx 只限制呼叫端等待的時間：即使 Stop 因 ctx 到期而返回，步驟 2-4
// 仍在背景完成。之後再呼叫 Stop 會等待同一個關閉流程。
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	first := !s.stopped
	s.stopped = true
	s.mu.Unlock()

	if first {
		close(s.stopCh)
		go s.shutdown()
	}

	select {
	case <-s.stopDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: stop: %w", ctx.Err())
	}
}

// shutdown waits for every goroutine to exit, then fails what is left in
// the queue so each submitted operation still receives its completion.
func (s *Supervisor) shutdown() {
	defer close(s.stopDone)

	s.inflight.Wait()
	s.loopWg.Wait()
	s.workerWg.Wait()

	for {
		select {
		case env := <-s.opCh:
			env.done <- types.Completion{
				OperationID: env.op.ID,
				Kind:        env.op.Kind,
				Outcome:     types.OutcomeFailed,
				Err:         &OperationError{OperationID: env.op.ID, Kind: env.op.Kind, Cause: ErrStopped},
			}
		default:
			s.metrics.SetDegraded(false)
			s.logger.Info("supervisor stopped", "spawned", s.spawned.Load(), "retired", s.retired.Load())
			return
		}
	}
}

// Workers 返回目前 worker 的狀態快照，依啟動時間排序
func (s *Supervisor) Workers() []types.WorkerStatus {
	s.mu.RLock()
	out := make([]types.WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Status())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stats 返回 pool 統計
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	live := len(s.workers)
	s.mu.RUnlock()
	return Stats{
		Target:   s.cfg.Workers,
		Live:     live,
		Queued:   len(s.opCh),
		Started:  s.spawned.Load(),
		Retired:  s.retired.Load(),
		Degraded: s.Degraded(),
	}
}
