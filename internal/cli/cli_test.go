package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hotworker/internal/config"
	"github.com/ChuLiYu/hotworker/internal/timeout"
	"github.com/ChuLiYu/hotworker/internal/worker"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hotworker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := BuildCLI()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Admin.Addr = ""
	cfg.Worker.Count = 2
	cfg.Worker.UploadDir = t.TempDir()
	cfg.Watch = nil
	return cfg
}

// ============================================================================
// Command Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "hotworker", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "validate", "tables", "status"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestValidateCommand(t *testing.T) {
	out, _, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")

	path := writeConfig(t, `
listeners:
  RequestReceived: [FlushEverything]
cache:
  driver: redis
`)
	_, errOut, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.True(t, isConfigError(err))
	assert.Contains(t, errOut, "FlushEverything")
	assert.Contains(t, errOut, "redis")
}

func TestTablesCommand(t *testing.T) {
	path := writeConfig(t, `
tables:
  "users:50:lru":
    name: "string:32"
    votes: int
`)
	out, _, err := execute(t, "tables", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "users")
	assert.Contains(t, out, "lru")
	assert.Contains(t, out, "cache.example (cache)")
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/stats":
			_ = json.NewEncoder(w).Encode(worker.Stats{Target: 2, Live: 1, Degraded: true})
		case "/v1/workers":
			_ = json.NewEncoder(w).Encode([]types.WorkerStatus{{ID: "w-abc", StateName: "idle", Handled: 7}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, _, err := execute(t, "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "1/2 workers live")
	assert.Contains(t, out, "DEGRADED")
	assert.Contains(t, out, "w-abc")

	out, _, err = execute(t, "status", "--addr", srv.URL, "--json")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "workers")

	_, _, err = execute(t, "status", "--addr", srv.URL+"/missing")
	assert.Error(t, err)
}

// ============================================================================
// Runtime Tests
// ============================================================================

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Warm = []string{"session"}

	_, err := NewRuntime(cfg, Options{Output: io.Discard})
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestRuntimeServesOperations(t *testing.T) {
	rt, err := NewRuntime(testConfig(t), Options{Output: io.Discard})
	require.NoError(t, err)
	assert.Equal(t, []string{"cache.example", "example"}, rt.Tables.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool { return rt.Supervisor.Stats().Live == 2 }, 2*time.Second, 5*time.Millisecond)

	submit := func(payload string) types.Completion {
		opCtx, opCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer opCancel()
		c, err := rt.Supervisor.Do(opCtx, types.NewOperation(types.KindRequest, json.RawMessage(payload)))
		require.NoError(t, err)
		return c
	}

	first := submit(`{"hit":"visits","echo":"hi"}`)
	require.True(t, first.Succeeded(), "%v", first.Err)
	second := submit(`{"hit":"visits"}`)
	require.True(t, second.Succeeded(), "%v", second.Err)

	assert.Equal(t, int64(1), first.Result.(result).Hits)
	assert.JSONEq(t, `"hi"`, string(first.Result.(result).Echo))
	// 所有 worker 共用同一張快取表
	assert.Equal(t, int64(2), second.Result.(result).Hits)

	failed := submit(`{"fail":"nope"}`)
	assert.Equal(t, types.OutcomeFailed, failed.Outcome)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.Equal(t, 0, rt.Supervisor.Stats().Live)
}

func TestDemoAppHonoursTimeout(t *testing.T) {
	app := &demoApp{workerID: "w"}
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(timeout.ErrExpired)

	_, err := app.Handle(ctx, types.NewOperation(types.KindRequest, json.RawMessage(`{"sleep":"1h"}`)))
	assert.ErrorIs(t, err, timeout.ErrExpired)

	_, err = app.Handle(context.Background(), types.NewOperation(types.KindRequest, json.RawMessage(`{"fatal":"disk gone"}`)))
	assert.ErrorIs(t, err, worker.ErrFatal)

	res, err := app.Handle(context.Background(), types.NewOperation(types.KindTick, time.Now()))
	assert.NoError(t, err)
	assert.Nil(t, res)
}
