// ============================================================================
// hotworker File Watcher - 開發模式下檔案變更觸發 worker 重新載入
// ============================================================================
//
// Package: internal/watch
// File: watch.go
// Purpose: Watch the `watch` paths and ask the supervisor to recycle its
//          workers when a matching file changes
//
// Pattern 語法（相對於 root，使用 "/" 分隔）:
//   app                 app 本身或其下任何檔案
//   composer.lock       單一檔案
//   public/**/*.php     "**" 匹配零或多層目錄，其餘段落使用 path.Match
//
// Debounce:
//   連續的變更只觸發一次 Reload，在最後一次變更後等待 debounce 時間
//
// ============================================================================

package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce 預設的合併時間
const DefaultDebounce = 200 * time.Millisecond

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true}

// Reloader is notified once per burst of matching changes.
type Reloader interface {
	Reload()
}

// Pattern is one parsed watch entry.
type Pattern struct {
	raw      string
	segments []string
	glob     bool
}

// ParsePattern validates a watch entry.
func ParsePattern(raw string) (Pattern, error) {
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(raw), "./"))
	if clean == "." || clean == "" || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return Pattern{}, fmt.Errorf("watch: pattern %q must be a relative path", raw)
	}
	p := Pattern{raw: raw, segments: strings.Split(clean, "/")}
	for _, seg := range p.segments {
		if seg == "**" || strings.ContainsAny(seg, "*?[") {
			p.glob = true
		}
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return Pattern{}, fmt.Errorf("watch: pattern %q: %w", raw, err)
		}
	}
	return p, nil
}

func (p Pattern) String() string { return p.raw }

// Match reports whether rel, a slash separated path relative to the root,
// is covered by the pattern.
func (p Pattern) Match(rel string) bool {
	parts := strings.Split(path.Clean(filepath.ToSlash(rel)), "/")
	if !p.glob {
		// 非 glob 視為目錄或檔案前綴
		if len(parts) < len(p.segments) {
			return false
		}
		for i, seg := range p.segments {
			if parts[i] != seg {
				return false
			}
		}
		return true
	}
	return matchSegments(p.segments, parts)
}

func matchSegments(pat, parts []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(parts); i++ {
				if matchSegments(rest, parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], parts[0]); !ok {
			return false
		}
		pat, parts = pat[1:], parts[1:]
	}
	return len(parts) == 0
}

// prefix returns the leading segments without glob characters.
func (p Pattern) prefix() []string {
	for i, seg := range p.segments {
		if seg == "**" || strings.ContainsAny(seg, "*?[") {
			return p.segments[:i]
		}
	}
	return p.segments
}

// relevantDir reports whether files inside dir could match the pattern.
func (p Pattern) relevantDir(rel string) bool {
	if rel == "." {
		return true
	}
	parts := strings.Split(rel, "/")
	pre := p.prefix()
	n := min(len(parts), len(pre))
	for i := 0; i < n; i++ {
		if parts[i] != pre[i] {
			return false
		}
	}
	return true
}

// Watcher 監看 root 下的 pattern
type Watcher struct {
	root     string
	patterns []Pattern
	target   Reloader
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *clock.Timer
	reloads int
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }
func WithClock(c clock.Clock) Option      { return func(w *Watcher) { w.clock = c } }
func WithLogger(l *slog.Logger) Option    { return func(w *Watcher) { w.logger = l } }

// New parses patterns and returns a watcher over root.
func New(root string, patterns []string, target Reloader, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		root:     root,
		target:   target,
		debounce: DefaultDebounce,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, raw := range patterns {
		p, err := ParsePattern(raw)
		if err != nil {
			return nil, err
		}
		w.patterns = append(w.patterns, p)
	}
	return w, nil
}

// Matches reports whether rel is covered by any pattern.
func (w *Watcher) Matches(rel string) bool {
	for _, p := range w.patterns {
		if p.Match(rel) {
			return true
		}
	}
	return false
}

// Reloads returns how many reloads the watcher has triggered.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Notify records a change to rel and schedules a reload if it matches.
func (w *Watcher) Notify(rel string) bool {
	if !w.Matches(rel) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, w.fire)
	return true
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.reloads++
	w.timer = nil
	w.mu.Unlock()

	w.logger.Info("watched files changed, reloading workers")
	w.target.Reload()
}

// Run watches the file system until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.patterns) == 0 {
		<-ctx.Done()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching files", "root", w.root, "patterns", len(w.patterns))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if ev.Has(fsnotify.Create) {
		// 新建立的目錄也要加入監看
		if err := w.addTree(fw, ev.Name); err != nil {
			w.logger.Debug("watch add", "path", rel, "error", err)
		}
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	if w.Notify(rel) {
		w.logger.Debug("file changed", "path", rel, "op", ev.Op.String())
	}
}

// addTree adds every relevant directory under dir.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skipDirs[d.Name()] && rel != "." {
			return filepath.SkipDir
		}
		if !w.relevant(rel) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", rel, err)
		}
		return nil
	})
}

func (w *Watcher) relevant(rel string) bool {
	for _, p := range w.patterns {
		if p.relevantDir(rel) {
			return true
		}
	}
	return false
}
