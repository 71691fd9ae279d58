package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReloader struct{ n atomic.Int32 }

func (r *countingReloader) Reload() { r.n.Add(1) }

var octanePatterns = []string{
	"app", "bootstrap", "config", "database",
	"public/**/*.php", "resources/**/*.php", "routes",
	"composer.lock", ".env",
}

func TestPatternMatch(t *testing.T) {
	w, err := New(".", octanePatterns, &countingReloader{})
	require.NoError(t, err)

	testCases := []struct {
		path string
		want bool
	}{
		{"app", true},
		{"app/Http/Kernel.php", true},
		{"application/x.php", false},
		{"composer.lock", true},
		{"composer.json", false},
		{".env", true},
		{"public/index.php", true},
		{"public/js/deep/a.php", true},
		{"public/app.js", false},
		{"resources/views/home.blade.php", true},
		{"storage/logs/laravel.log", false},
		{"routes/web.php", true},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, w.Matches(tc.path))
		})
	}
}

func TestParsePatternRejectsBadInput(t *testing.T) {
	for _, bad := range []string{"", ".", "../outside", "/etc", "public/[.php"} {
		_, err := ParsePattern(bad)
		assert.Error(t, err, bad)
	}
}

func TestNotifyDebounces(t *testing.T) {
	mock := clock.NewMock()
	r := &countingReloader{}
	w, err := New(".", []string{"app"}, r, WithClock(mock), WithDebounce(100*time.Millisecond))
	require.NoError(t, err)

	assert.True(t, w.Notify("app/a.go"))
	mock.Add(50 * time.Millisecond)
	assert.True(t, w.Notify("app/b.go"))
	mock.Add(50 * time.Millisecond)
	assert.Equal(t, int32(0), r.n.Load())

	mock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool { return r.n.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, w.Reloads())

	assert.False(t, w.Notify("storage/x.log"))
	mock.Add(time.Second)
	assert.Equal(t, int32(1), r.n.Load())
}

func TestRunReloadsOnChange(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "Http"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "storage"), 0o755))

	r := &countingReloader{}
	w, err := New(root, []string{"app"}, r,
		WithDebounce(10*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// 等待 watcher 完成初始註冊
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "storage", "ignored.log"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "Http", "Kernel.php"), []byte("<?php"), 0o600))

	require.Eventually(t, func() bool { return r.n.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}
