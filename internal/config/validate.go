package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ChuLiYu/hotworker/internal/cache"
	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/table"
)

// ErrConfiguration is wrapped by every validation failure.
var ErrConfiguration = errors.New("configuration error")

// Error describes one invalid configuration key.
type Error struct {
	Key    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Unwrap exposes both ErrConfiguration and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// Catalog tells Validate which identifiers exist. A nil func skips that
// check.
type Catalog struct {
	Listener func(id string) bool
	Binding  func(name string) bool
}

// TableDef is one parsed entry of the tables section.
type TableDef struct {
	Spec   table.Spec
	Schema table.Schema
}

// Validate checks the whole configuration and returns every problem found,
// joined.
func (c *Config) Validate(cat Catalog) error {
	var errs []error
	add := func(key, reason string, err error) {
		errs = append(errs, &Error{Key: key, Reason: reason, Err: err})
	}

	if !cache.KnownDriver(c.Cache.Driver) {
		add("cache.driver", fmt.Sprintf("unknown driver %q", c.Cache.Driver), cache.ErrUnknownDriver)
	}
	if _, err := table.ParsePolicy(c.TablePolicy); err != nil {
		add("table_policy", "invalid policy", err)
	}
	if _, err := c.TableSpecs(); err != nil {
		add("tables", "invalid table", err)
	}
	if _, err := c.CacheSpecs(); err != nil {
		add("cache.tables", "invalid cache table", err)
	}

	for _, name := range sortedKeys(c.Listeners) {
		if _, err := events.Parse(name); err != nil {
			add("listeners."+name, "unknown event", err)
			continue
		}
		for _, id := range c.Listeners[name] {
			if cat.Listener != nil && !cat.Listener(id) {
				add("listeners."+name, fmt.Sprintf("unknown listener %q", id), nil)
			}
		}
	}
	for _, id := range c.GarbageCollection.Hooks {
		if cat.Listener != nil && !cat.Listener(id) {
			add("garbage_collection.hooks", fmt.Sprintf("unknown listener %q", id), nil)
		}
	}
	for key, names := range map[string][]string{"warm": c.Warm, "flush": c.Flush} {
		for _, n := range names {
			if cat.Binding != nil && !cat.Binding(n) {
				add(key, fmt.Sprintf("unknown binding %q", n), nil)
			}
		}
	}

	if c.GarbageCollection.Interval < 0 {
		add("garbage_collection.interval", "must not be negative", nil)
	}
	if c.MaxExecutionTime < 0 {
		add("max_execution_time", "must not be negative", nil)
	}
	if c.Worker.Count < 1 {
		add("worker.count", "must be at least 1", nil)
	}
	for key, v := range map[string]int{
		"worker.queue_size":    c.Worker.QueueSize,
		"worker.max_requests":  c.Worker.MaxRequests,
		"worker.max_errors":    c.Worker.MaxErrors,
		"worker.respawn_burst": c.Worker.RespawnBurst,
	} {
		if v < 0 {
			add(key, "must not be negative", nil)
		}
	}
	if c.Worker.TimeoutGrace.Duration < 0 {
		add("worker.timeout_grace", "must not be negative", nil)
	}
	if c.Tick.Enabled && c.Tick.Interval.Duration <= 0 {
		add("tick.interval", "must be positive when tick is enabled", nil)
	}
	if _, err := c.LogLevel(); err != nil {
		add("log.level", "invalid level", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), nil)
	}

	// map 走訪順序不固定，排序後輸出才穩定
	sort.SliceStable(errs, func(i, j int) bool {
		return errs[i].(*Error).Key < errs[j].(*Error).Key
	})
	return errors.Join(errs...)
}

// TableSpecs parses the tables section, sorted by table name.
func (c *Config) TableSpecs() ([]TableDef, error) {
	policy, err := table.ParsePolicy(c.TablePolicy)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(c.Tables))
	defs := make([]TableDef, 0, len(c.Tables))
	for _, key := range sortedKeys(c.Tables) {
		sp, err := table.ParseSpec(key, policy)
		if err != nil {
			return nil, err
		}
		if seen[sp.Name] {
			return nil, fmt.Errorf("%w: %q", table.ErrDuplicateTable, sp.Name)
		}
		seen[sp.Name] = true
		schema, err := table.ParseSchema(c.Tables[key])
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", sp.Name, err)
		}
		defs = append(defs, TableDef{Spec: sp, Schema: schema})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Spec.Name < defs[j].Spec.Name })
	return defs, nil
}

// CacheSpecs parses cache.tables in file order; the first entry is the
// default cache store.
func (c *Config) CacheSpecs() ([]table.Spec, error) {
	policy, err := table.ParsePolicy(c.TablePolicy)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(c.Cache.Tables))
	out := make([]table.Spec, 0, len(c.Cache.Tables))
	for _, raw := range c.Cache.Tables {
		sp, err := table.ParseSpec(raw, policy)
		if err != nil {
			return nil, err
		}
		if seen[sp.Name] {
			return nil, fmt.Errorf("%w: cache table %q", table.ErrDuplicateTable, sp.Name)
		}
		seen[sp.Name] = true
		out = append(out, sp)
	}
	return out, nil
}

// LogLevel parses log.level; the empty string is info.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	err := lvl.UnmarshalText([]byte(c.Log.Level))
	return lvl, err
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
