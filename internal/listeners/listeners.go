// ============================================================================
// hotworker Built-in Listeners
// ============================================================================
//
// Package: internal/listeners
// File: listeners.go
// Purpose: The listeners that configuration can refer to by identifier,
//          and the builder that loads the `listeners` mapping into a
//          pipeline at startup
//
// Identifiers:
//
//   WorkerStarting
//     EnsureUploadedFilesAreValid       upload dir exists and is a directory
//     EnsureUploadedFilesCanBeMoved     upload dir is writable
//
//   *Received
//     PrepareApplicationForNextOperation  warm the `warm` bindings
//     PrepareApplicationForNextRequest    drop the `flush` bindings
//
//   *Terminated / OperationTerminated
//     FlushTemporaryContainerInstances  drop every non-warm binding
//     FlushUploadedFiles                release resources tracked by the op
//     DisconnectFromDatabases           drop bindings named db or db.*
//     CollectGarbage                    runtime.GC above a heap threshold
//
//   WorkerErrorOccurred
//     ReportException                   log the failure
//     StopWorkerIfNecessary             consult the RetirePolicy
//
// ============================================================================

package listeners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/metrics"
)

var ErrUnknownListener = errors.New("listeners: unknown listener")

// DefaultGarbageThreshold is the heap size above which CollectGarbage runs
// a collection.
const DefaultGarbageThreshold = 50 << 20

// Deps are the collaborators built-in listeners may need.
type Deps struct {
	Logger           *slog.Logger
	Metrics          *metrics.Collector
	Warm             []string
	Flush            []string
	UploadDir        string
	GarbageThreshold uint64
	Retire           RetirePolicy
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.UploadDir == "" {
		d.UploadDir = os.TempDir()
	}
	if d.GarbageThreshold == 0 {
		d.GarbageThreshold = DefaultGarbageThreshold
	}
	if d.Retire == nil {
		d.Retire = DefaultRetirePolicy{}
	}
	return d
}

type builder func(d Deps) events.Listener

var catalog = map[string]builder{
	"EnsureUploadedFilesAreValid":        func(d Deps) events.Listener { return EnsureUploadedFilesAreValid{Dir: d.UploadDir} },
	"EnsureUploadedFilesCanBeMoved":      func(d Deps) events.Listener { return EnsureUploadedFilesCanBeMoved{Dir: d.UploadDir} },
	"PrepareApplicationForNextOperation": func(d Deps) events.Listener { return PrepareApplicationForNextOperation{Warm: d.Warm} },
	"PrepareApplicationForNextRequest":   func(d Deps) events.Listener { return PrepareApplicationForNextRequest{Flush: d.Flush} },
	"FlushTemporaryContainerInstances":   func(d Deps) events.Listener { return FlushTemporaryContainerInstances{Warm: d.Warm} },
	"FlushUploadedFiles":                 func(d Deps) events.Listener { return FlushUploadedFiles{Logger: d.Logger} },
	"DisconnectFromDatabases":            func(d Deps) events.Listener { return DisconnectFromDatabases{} },
	"CollectGarbage":                     func(d Deps) events.Listener { return CollectGarbage{Threshold: d.GarbageThreshold} },
	"ReportException":                    func(d Deps) events.Listener { return ReportException{Logger: d.Logger, Metrics: d.Metrics} },
	"StopWorkerIfNecessary":              func(d Deps) events.Listener { return StopWorkerIfNecessary{Policy: d.Retire} },
}

// Names returns every known listener identifier, sorted.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for n := range catalog {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Known reports whether id names a built-in listener.
func Known(id string) bool {
	_, ok := catalog[id]
	return ok
}

// New builds the listener named id.
func New(id string, d Deps) (events.Listener, error) {
	b, ok := catalog[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownListener, id)
	}
	return b(d.withDefaults()), nil
}

// Chain builds the listeners named by ids, in order.
func Chain(ids []string, d Deps) (events.Chain, error) {
	chain := make(events.Chain, 0, len(ids))
	for _, id := range ids {
		l, err := New(id, d)
		if err != nil {
			return nil, err
		}
		chain = append(chain, l)
	}
	return chain, nil
}

// Build loads an event name → listener ids mapping into a new pipeline.
// Events are registered in declaration order so the result does not depend
// on map iteration.
func Build(mapping map[string][]string, d Deps) (*events.Pipeline, error) {
	for name := range mapping {
		if _, err := events.Parse(name); err != nil {
			return nil, err
		}
	}
	p := events.NewPipeline()
	for _, ev := range events.All() {
		chain, err := Chain(mapping[ev.String()], d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ev, err)
		}
		for _, l := range chain {
			if err := p.Register(ev, l); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// ----------------------------------------------------------------------------
// WorkerStarting
// ----------------------------------------------------------------------------

// EnsureUploadedFilesAreValid fails worker start when the upload directory
// exists but is not a directory. A missing directory is created.
type EnsureUploadedFilesAreValid struct {
	Dir string
}

func (l EnsureUploadedFilesAreValid) Handle(ctx context.Context, ec *events.Context) error {
	fi, err := os.Stat(l.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(l.Dir, 0o750)
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("upload dir %s is not a directory", l.Dir)
	}
	return nil
}

// EnsureUploadedFilesCanBeMoved fails worker start when the upload
// directory is not writable.
type EnsureUploadedFilesCanBeMoved struct {
	Dir string
}

func (l EnsureUploadedFilesCanBeMoved) Handle(ctx context.Context, ec *events.Context) error {
	f, err := os.CreateTemp(l.Dir, ".hotworker-probe-*")
	if err != nil {
		return fmt.Errorf("upload dir %s is not writable: %w", l.Dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// TrackUpload creates a temporary file in dir whose removal is tracked by
// ec, so FlushUploadedFiles deletes it when the operation ends.
func TrackUpload(ec *events.Context, dir, pattern string) (*os.File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	path := f.Name()
	err = ec.Track("upload:"+filepath.Base(path), func() error {
		f.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ----------------------------------------------------------------------------
// *Received
// ----------------------------------------------------------------------------

// PrepareApplicationForNextOperation warms the configured bindings.
type PrepareApplicationForNextOperation struct {
	Warm []string
}

func (l PrepareApplicationForNextOperation) Handle(ctx context.Context, ec *events.Context) error {
	if ec.Bindings == nil {
		return nil
	}
	return ec.Bindings.Warm(ctx, l.Warm)
}

// PrepareApplicationForNextRequest drops the configured flush bindings so
// the request resolves fresh instances.
type PrepareApplicationForNextRequest struct {
	Flush []string
}

func (l PrepareApplicationForNextRequest) Handle(ctx context.Context, ec *events.Context) error {
	if ec.Bindings == nil || len(l.Flush) == 0 {
		return nil
	}
	return ec.Bindings.Flush(l.Flush...)
}

// ----------------------------------------------------------------------------
// *Terminated / OperationTerminated
// ----------------------------------------------------------------------------

// FlushTemporaryContainerInstances drops every resolved binding that is not
// in the warm list.
type FlushTemporaryContainerInstances struct {
	Warm []string
}

func (l FlushTemporaryContainerInstances) Handle(ctx context.Context, ec *events.Context) error {
	if ec.Bindings == nil {
		return nil
	}
	keep := make(map[string]bool, len(l.Warm))
	for _, n := range l.Warm {
		keep[n] = true
	}
	var drop []string
	for _, n := range ec.Bindings.Names() {
		if !keep[n] {
			drop = append(drop, n)
		}
	}
	return ec.Bindings.Flush(drop...)
}

// FlushUploadedFiles releases everything the operation tracked.
type FlushUploadedFiles struct {
	Logger *slog.Logger
}

func (l FlushUploadedFiles) Handle(ctx context.Context, ec *events.Context) error {
	pending := len(ec.Pending())
	if err := ec.ReleaseAll(); err != nil {
		return err
	}
	if pending > 0 && l.Logger != nil {
		l.Logger.Debug("released operation resources", "worker", ec.WorkerID, "count", pending)
	}
	return nil
}

// DisconnectFromDatabases drops the bindings named "db" or "db.<name>".
type DisconnectFromDatabases struct{}

func (DisconnectFromDatabases) Handle(ctx context.Context, ec *events.Context) error {
	if ec.Bindings == nil {
		return nil
	}
	var drop []string
	for _, n := range ec.Bindings.Names() {
		if n == "db" || strings.HasPrefix(n, "db.") {
			drop = append(drop, n)
		}
	}
	return ec.Bindings.Flush(drop...)
}

// CollectGarbage runs a collection once the live heap passes Threshold.
type CollectGarbage struct {
	Threshold uint64
}

func (l CollectGarbage) Handle(ctx context.Context, ec *events.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > l.Threshold {
		runtime.GC()
	}
	return nil
}

// ----------------------------------------------------------------------------
// WorkerErrorOccurred
// ----------------------------------------------------------------------------

// ReportException logs the operation failure and counts it by kind.
type ReportException struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector // 可為 nil
}

func (l ReportException) Handle(ctx context.Context, ec *events.Context) error {
	attrs := []any{"worker", ec.WorkerID, "errors", ec.ErrorCount, "error", ec.Err}
	if ec.Operation != nil {
		attrs = append(attrs, "operation", ec.Operation.ID, "kind", ec.Operation.Kind)
	}
	l.Logger.ErrorContext(ctx, "operation failed", attrs...)
	l.Metrics.RecordException(string(ec.Kind()))
	return nil
}

// StopWorkerIfNecessary marks the worker for retirement when the policy
// says so.
type StopWorkerIfNecessary struct {
	Policy RetirePolicy
}

func (l StopWorkerIfNecessary) Handle(ctx context.Context, ec *events.Context) error {
	if l.Policy.ShouldRetire(ec) {
		ec.Retire = true
	}
	return nil
}
