package listeners

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hotworker/internal/bindings"
	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/metrics"
	"github.com/ChuLiYu/hotworker/internal/worker"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newRegistry() *bindings.Registry {
	r := bindings.NewRegistry()
	for _, n := range []string{"auth", "config", "db", "db.replica", "view"} {
		r.Register(n, func(ctx context.Context) (any, error) { return new(int), nil })
	}
	return r
}

func defaultMapping() map[string][]string {
	return map[string][]string{
		"WorkerStarting":      {"EnsureUploadedFilesAreValid", "EnsureUploadedFilesCanBeMoved"},
		"RequestReceived":     {"PrepareApplicationForNextOperation", "PrepareApplicationForNextRequest"},
		"TaskReceived":        {"PrepareApplicationForNextOperation"},
		"TickReceived":        {"PrepareApplicationForNextOperation"},
		"OperationTerminated": {"FlushUploadedFiles"},
		"WorkerErrorOccurred": {"ReportException", "StopWorkerIfNecessary"},
	}
}

// ============================================================================
// Build Tests
// ============================================================================

func TestBuildLoadsMappingInOrder(t *testing.T) {
	p, err := Build(defaultMapping(), Deps{UploadDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, 2, p.Len(events.WorkerStarting))
	assert.Equal(t, 2, p.Len(events.RequestReceived))
	assert.Equal(t, 1, p.Len(events.OperationTerminated))
	assert.Equal(t, 2, p.Len(events.WorkerErrorOccurred))
	assert.Equal(t, 0, p.Len(events.WorkerStopping))
	assert.False(t, p.Sealed())
}

func TestBuildRejectsUnknownIdentifiers(t *testing.T) {
	_, err := Build(map[string][]string{"RequestReceived": {"FlushEverything"}}, Deps{})
	assert.ErrorIs(t, err, ErrUnknownListener)

	_, err = Build(map[string][]string{"RequestExploded": {"ReportException"}}, Deps{})
	assert.ErrorIs(t, err, events.ErrUnknownEvent)
}

func TestNamesAreKnown(t *testing.T) {
	names := Names()
	require.Len(t, names, 10)
	for _, n := range names {
		assert.True(t, Known(n), n)
	}
	assert.False(t, Known("nope"))
}

// ============================================================================
// Binding Listener Tests
// ============================================================================

func TestPrepareListenersWarmAndFlush(t *testing.T) {
	c := newRegistry().NewContainer()
	ec := &events.Context{Bindings: c}
	ctx := context.Background()

	require.NoError(t, PrepareApplicationForNextOperation{Warm: []string{"auth", "config"}}.Handle(ctx, ec))
	assert.Equal(t, []string{"auth", "config"}, c.Names())

	require.NoError(t, PrepareApplicationForNextRequest{Flush: []string{"auth"}}.Handle(ctx, ec))
	assert.Equal(t, []string{"config"}, c.Names())
}

func TestWarmUnknownBindingFails(t *testing.T) {
	ec := &events.Context{Bindings: newRegistry().NewContainer()}
	err := PrepareApplicationForNextOperation{Warm: []string{"cache"}}.Handle(context.Background(), ec)
	assert.ErrorIs(t, err, bindings.ErrUnknownBinding)
}

func TestFlushTemporaryContainerInstancesKeepsWarm(t *testing.T) {
	c := newRegistry().NewContainer()
	require.NoError(t, c.Warm(context.Background(), []string{"auth", "view", "db"}))

	ec := &events.Context{Bindings: c}
	require.NoError(t, FlushTemporaryContainerInstances{Warm: []string{"auth"}}.Handle(context.Background(), ec))
	assert.Equal(t, []string{"auth"}, c.Names())
}

func TestDisconnectFromDatabases(t *testing.T) {
	c := newRegistry().NewContainer()
	require.NoError(t, c.Warm(context.Background(), []string{"auth", "db", "db.replica"}))

	require.NoError(t, DisconnectFromDatabases{}.Handle(context.Background(), &events.Context{Bindings: c}))
	assert.Equal(t, []string{"auth"}, c.Names())
}

// ============================================================================
// Upload Listener Tests
// ============================================================================

func TestEnsureUploadedFilesAreValid(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, EnsureUploadedFilesAreValid{Dir: dir}.Handle(context.Background(), &events.Context{}))
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	assert.Error(t, EnsureUploadedFilesAreValid{Dir: file}.Handle(context.Background(), &events.Context{}))
}

func TestEnsureUploadedFilesCanBeMoved(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureUploadedFilesCanBeMoved{Dir: dir}.Handle(context.Background(), &events.Context{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Error(t, EnsureUploadedFilesCanBeMoved{Dir: filepath.Join(dir, "missing")}.Handle(context.Background(), &events.Context{}))
}

func TestFlushUploadedFilesRemovesTrackedUploads(t *testing.T) {
	dir := t.TempDir()
	ec := &events.Context{}
	f, err := TrackUpload(ec, dir, "upload-*")
	require.NoError(t, err)
	_, err = f.WriteString("payload")
	require.NoError(t, err)

	require.NoError(t, FlushUploadedFiles{}.Handle(context.Background(), ec))
	_, err = os.Stat(f.Name())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, ec.Pending())
}

func TestTrackUploadAfterOperationEnded(t *testing.T) {
	dir := t.TempDir()
	ec := &events.Context{}
	require.NoError(t, ec.Close())

	f, err := TrackUpload(ec, dir, "late-*")
	assert.Nil(t, f)
	assert.ErrorIs(t, err, events.ErrContextClosed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// ============================================================================
// Retirement Tests
// ============================================================================

func TestReportExceptionCountsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, err := New("ReportException", Deps{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.NewCollector(reg),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, kind := range []types.OperationKind{types.KindRequest, types.KindRequest, types.KindTask} {
		ec := &events.Context{Operation: types.NewOperation(kind, nil), Err: errors.New("boom")}
		require.NoError(t, l.Handle(ctx, ec))
	}

	expected := `
# HELP hotworker_exceptions_reported_total Operation failures reported by the ReportException listener, by kind
# TYPE hotworker_exceptions_reported_total counter
hotworker_exceptions_reported_total{kind="request"} 2
hotworker_exceptions_reported_total{kind="task"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "hotworker_exceptions_reported_total"))

	// 沒有 collector 時只記錄日誌
	quiet := ReportException{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	assert.NoError(t, quiet.Handle(ctx, &events.Context{Err: errors.New("boom")}))
}

func TestDefaultRetirePolicy(t *testing.T) {
	op := &types.Operation{ID: "op", Kind: types.KindRequest}
	wrap := func(err error) error {
		return &worker.OperationError{OperationID: op.ID, Kind: op.Kind, Cause: err}
	}

	testCases := []struct {
		name   string
		policy DefaultRetirePolicy
		ec     *events.Context
		want   bool
	}{
		{"no error", DefaultRetirePolicy{}, &events.Context{}, false},
		{"ordinary failure", DefaultRetirePolicy{}, &events.Context{Err: wrap(errors.New("x")), ErrorCount: 1}, false},
		{"panic", DefaultRetirePolicy{}, &events.Context{Err: wrap(&worker.PanicError{Value: "boom"})}, true},
		{"fatal", DefaultRetirePolicy{}, &events.Context{Err: wrap(worker.Fatal(errors.New("x")))}, true},
		{"below max errors", DefaultRetirePolicy{MaxErrors: 3}, &events.Context{Err: wrap(errors.New("x")), ErrorCount: 2}, false},
		{"at max errors", DefaultRetirePolicy{MaxErrors: 3}, &events.Context{Err: wrap(errors.New("x")), ErrorCount: 3}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.ShouldRetire(tc.ec))

			require.NoError(t, StopWorkerIfNecessary{Policy: tc.policy}.Handle(context.Background(), tc.ec))
			assert.Equal(t, tc.want, tc.ec.Retire)
		})
	}
}

// ============================================================================
// Integration Tests
// ============================================================================

func TestDefaultPipelineWithSupervisor(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry()
	p, err := Build(defaultMapping(), Deps{
		UploadDir: dir,
		Warm:      []string{"config"},
		Flush:     []string{"auth"},
		Retire:    DefaultRetirePolicy{MaxErrors: 10},
	})
	require.NoError(t, err)

	var uploads []string
	app := worker.ApplicationFunc(func(ctx context.Context, op *types.Operation) (any, error) {
		ec, ok := events.FromContext(ctx)
		if !ok {
			return nil, errors.New("no event context")
		}
		f, err := TrackUpload(ec, dir, "req-*")
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, f.Name())
		if op.Payload == "panic" {
			panic("exploded")
		}
		return "ok", nil
	})

	s, err := worker.New(worker.Config{Workers: 1}, p,
		func(string) (worker.Application, error) { return app, nil },
		worker.WithBindings(reg))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	}()

	ctx := context.Background()
	ok, err := s.Do(ctx, types.NewOperation(types.KindRequest, "x"))
	require.NoError(t, err)
	assert.True(t, ok.Succeeded())

	failed, err := s.Do(ctx, types.NewOperation(types.KindRequest, "panic"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, failed.Outcome)

	// 兩個操作的暫存檔都已刪除
	require.Len(t, uploads, 2)
	for _, u := range uploads {
		_, err := os.Stat(u)
		assert.True(t, errors.Is(err, os.ErrNotExist), u)
	}

	// panic 依預設策略讓 worker 退役
	require.Eventually(t, func() bool {
		ws := s.Workers()
		return len(ws) == 1 && ws[0].ID != failed.WorkerID
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ok.WorkerID, failed.WorkerID)
}
