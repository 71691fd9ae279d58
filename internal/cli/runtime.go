package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/hotworker/internal/admin"
	"github.com/ChuLiYu/hotworker/internal/bindings"
	"github.com/ChuLiYu/hotworker/internal/cache"
	"github.com/ChuLiYu/hotworker/internal/config"
	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/gc"
	"github.com/ChuLiYu/hotworker/internal/listeners"
	"github.com/ChuLiYu/hotworker/internal/metrics"
	"github.com/ChuLiYu/hotworker/internal/table"
	"github.com/ChuLiYu/hotworker/internal/watch"
	"github.com/ChuLiYu/hotworker/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	healthInterval  = time.Second
)

// builtinBindings 二進位檔內建的 binding，名稱可用於 warm / flush
var builtinBindings = map[string]func(r *Runtime) bindings.Factory{
	"config": func(r *Runtime) bindings.Factory {
		return func(context.Context) (any, error) { return r.Config, nil }
	},
	"log": func(r *Runtime) bindings.Factory {
		return func(context.Context) (any, error) { return r.Logger, nil }
	},
	"tables": func(r *Runtime) bindings.Factory {
		return func(context.Context) (any, error) { return r.Tables, nil }
	},
	"cache": func(r *Runtime) bindings.Factory {
		return func(context.Context) (any, error) { return r.Cache.Default(), nil }
	},
}

// catalog 提供設定驗證所需的識別碼
func catalog() config.Catalog {
	return config.Catalog{
		Listener: listeners.Known,
		Binding: func(name string) bool {
			_, ok := builtinBindings[name]
			return ok
		},
	}
}

// Options tune how a Runtime is assembled.
type Options struct {
	Root    string // watch 的根目錄
	Watch   bool
	Clock   clock.Clock
	Factory worker.ApplicationFactory // nil 使用示範應用程式
	Output  io.Writer                 // 日誌輸出，nil 為 stderr
}

// Runtime holds every assembled component of a running hotworker.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
	Tables     *table.Store
	Cache      *cache.Manager
	Bindings   *bindings.Registry
	Pipeline   *events.Pipeline
	GC         *gc.Scheduler
	Supervisor *worker.Supervisor
	Tracer     *sdktrace.TracerProvider
	Admin      *admin.Server
	Health     *admin.Health
	Watcher    *watch.Watcher // nil unless watching

	clock clock.Clock
}

// newLogger builds the slog logger described by the log section.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// buildTables creates the configured tables and cache tables.
func buildTables(cfg *config.Config, c clock.Clock) (*table.Store, *cache.Manager, error) {
	ts := table.NewStore()
	defs, err := cfg.TableSpecs()
	if err != nil {
		return nil, nil, err
	}
	for _, d := range defs {
		if _, err := ts.CreateTable(d.Spec.Name, d.Schema, d.Spec.Capacity, d.Spec.Policy); err != nil {
			return nil, nil, err
		}
	}
	specs, err := cfg.CacheSpecs()
	if err != nil {
		return nil, nil, err
	}
	mgr, err := cache.NewManager(cfg.Cache.Driver, ts, specs, c)
	if err != nil {
		return nil, nil, err
	}
	return ts, mgr, nil
}

// NewRuntime validates cfg and wires every component. Nothing is started.
func NewRuntime(cfg *config.Config, opts Options) (*Runtime, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if err := cfg.Validate(catalog()); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg, opts.Output)
	if err != nil {
		return nil, err
	}
	r := &Runtime{Config: cfg, Logger: logger, clock: opts.Clock}

	if r.Tables, r.Cache, err = buildTables(cfg, opts.Clock); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	r.Registry = prometheus.NewRegistry()
	r.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.Metrics = metrics.NewCollector(r.Registry)

	r.Bindings = bindings.NewRegistry()
	for name, mk := range builtinBindings {
		r.Bindings.Register(name, mk(r))
	}

	deps := listeners.Deps{
		Logger:    logger,
		Metrics:   r.Metrics,
		Warm:      cfg.Warm,
		Flush:     cfg.Flush,
		UploadDir: cfg.Worker.UploadDir,
		Retire:    listeners.DefaultRetirePolicy{MaxErrors: cfg.Worker.MaxErrors},
	}
	if r.Pipeline, err = listeners.Build(cfg.Listeners, deps); err != nil {
		return nil, err
	}
	hooks, err := listeners.Chain(cfg.GarbageCollection.Hooks, deps)
	if err != nil {
		return nil, err
	}
	r.GC = gc.New(gc.Config{
		Enabled:    cfg.GarbageCollection.Enabled,
		Interval:   cfg.GarbageCollection.Interval,
		ForceSweep: cfg.GarbageCollection.ForceSweep,
		Flush:      cfg.Flush,
	}, gc.WithHooks(hooks), gc.WithLogger(logger), gc.WithMetrics(r.Metrics))

	r.Tracer = sdktrace.NewTracerProvider(sdktrace.WithResource(resource.NewSchemaless(
		attribute.String("service.name", "hotworker"),
		attribute.String("hotworker.server", cfg.Server),
		attribute.Bool("hotworker.https", cfg.HTTPS),
	)))

	factory := opts.Factory
	if factory == nil {
		factory = demoFactory(logger)
	}
	r.Supervisor, err = worker.New(worker.Config{
		Workers:          cfg.Worker.Count,
		QueueSize:        cfg.Worker.QueueSize,
		MaxExecutionTime: cfg.MaxExecution(),
		TimeoutGrace:     cfg.Worker.TimeoutGrace.Duration,
		MaxRequests:      cfg.Worker.MaxRequests,
		RespawnInterval:  cfg.Worker.RespawnInterval.Duration,
		RespawnBurst:     cfg.Worker.RespawnBurst,
	}, r.Pipeline, factory,
		worker.WithClock(opts.Clock),
		worker.WithLogger(logger),
		worker.WithMetrics(r.Metrics),
		worker.WithTracer(r.Tracer.Tracer("github.com/ChuLiYu/hotworker")),
		worker.WithTables(r.Tables),
		worker.WithBindings(r.Bindings),
		worker.WithScheduler(r.GC),
	)
	if err != nil {
		return nil, err
	}

	r.Admin = admin.NewServer(cfg.Admin.Addr, r.Supervisor, r.Tables, r.Metrics.Handler(), logger)
	r.Health = admin.NewHealth(r.Supervisor, opts.Clock, logger)

	if opts.Watch && len(cfg.Watch) > 0 {
		root := opts.Root
		if root == "" {
			root = "."
		}
		if r.Watcher, err = watch.New(root, cfg.Watch, r.Supervisor, watch.WithClock(opts.Clock), watch.WithLogger(logger)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run starts the supervisor and every enabled adapter, blocks until ctx is
// cancelled or an adapter fails, then shuts everything down.
func (r *Runtime) Run(ctx context.Context) error {
	cfg := r.Config
	if err := r.Supervisor.Start(); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	r.Logger.Info("hotworker started",
		"server", cfg.Server,
		"workers", cfg.Worker.Count,
		"max_execution_time", cfg.MaxExecution(),
		"gc_interval", cfg.GarbageCollection.Interval,
		"tables", len(r.Tables.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Addr != "" {
		g.Go(func() error { return r.Admin.Run(gctx) })
	}
	if cfg.Admin.GRPCAddr != "" {
		g.Go(func() error { return r.Health.Serve(gctx, cfg.Admin.GRPCAddr) })
	}
	g.Go(func() error {
		r.Health.Watch(gctx, healthInterval)
		return nil
	})
	if cfg.Tick.Enabled {
		src := worker.NewTickSource(r.clock, cfg.Tick.Interval.Duration)
		g.Go(func() error {
			defer src.Stop()
			err := r.Supervisor.Serve(gctx, src)
			if errors.Is(err, context.Canceled) || errors.Is(err, worker.ErrStopped) {
				return nil
			}
			return err
		})
	}
	if r.Watcher != nil {
		g.Go(func() error { return r.Watcher.Run(gctx) })
	}

	err := g.Wait()

	r.Logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := r.Supervisor.Stop(stopCtx); serr != nil {
		err = errors.Join(err, fmt.Errorf("failed to stop supervisor: %w", serr))
	}
	if terr := r.Tracer.Shutdown(stopCtx); terr != nil {
		err = errors.Join(err, terr)
	}
	r.Logger.Info("hotworker stopped")
	return err
}
