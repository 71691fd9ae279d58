// ============================================================================
// hotworker Configuration - 設定檔結構、預設值與載入
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Decode the configuration surface from YAML or TOML, apply
//          environment overrides and expose the parsed table/cache specs
//
// 載入順序:
//   1. Default()              內建預設值（與原始 octane 設定相同）
//   2. 設定檔                  依副檔名選擇 yaml.v3 或 go-toml/v2，覆蓋預設值
//   3. 環境變數                viper 綁定 OCTANE_* 變數，覆蓋設定檔
//   4. Validate(catalog)      啟動前檢查，失敗時回傳 *Error
//
// 環境變數:
//   OCTANE_SERVER, OCTANE_HTTPS, OCTANE_CACHE_DRIVER,
//   OCTANE_GC_ENABLED, OCTANE_GC_INTERVAL, OCTANE_MAX_EXECUTION_TIME,
//   HOTWORKER_LOG_LEVEL, HOTWORKER_ADMIN_ADDR
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration surface.
type Config struct {
	Server    string              `yaml:"server" toml:"server" json:"server"`
	HTTPS     bool                `yaml:"https" toml:"https" json:"https"`
	Listeners map[string][]string `yaml:"listeners" toml:"listeners" json:"listeners"`
	Warm      []string            `yaml:"warm" toml:"warm" json:"warm"`
	Flush     []string            `yaml:"flush" toml:"flush" json:"flush"`

	Cache struct {
		Driver string   `yaml:"driver" toml:"driver" json:"driver"`
		Tables []string `yaml:"tables" toml:"tables" json:"tables"`
	} `yaml:"cache" toml:"cache" json:"cache"`

	// "name:capacity[:policy]" → column name → "string:N" | "int" | "float"
	Tables      map[string]map[string]string `yaml:"tables" toml:"tables" json:"tables"`
	TablePolicy string                       `yaml:"table_policy" toml:"table_policy" json:"table_policy"`

	Watch []string `yaml:"watch" toml:"watch" json:"watch"`

	GarbageCollection struct {
		Enabled    bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
		Interval   int      `yaml:"interval" toml:"interval" json:"interval"` // 操作數
		ForceSweep bool     `yaml:"force_sweep" toml:"force_sweep" json:"force_sweep"`
		Hooks      []string `yaml:"hooks" toml:"hooks" json:"hooks"`
	} `yaml:"garbage_collection" toml:"garbage_collection" json:"garbage_collection"`

	MaxExecutionTime int `yaml:"max_execution_time" toml:"max_execution_time" json:"max_execution_time"` // 秒，0 表示不限制

	Worker struct {
		Count           int      `yaml:"count" toml:"count" json:"count"`
		QueueSize       int      `yaml:"queue_size" toml:"queue_size" json:"queue_size"`
		MaxRequests     int      `yaml:"max_requests" toml:"max_requests" json:"max_requests"`
		MaxErrors       int      `yaml:"max_errors" toml:"max_errors" json:"max_errors"`
		TimeoutGrace    Duration `yaml:"timeout_grace" toml:"timeout_grace" json:"timeout_grace"`
		RespawnInterval Duration `yaml:"respawn_interval" toml:"respawn_interval" json:"respawn_interval"`
		RespawnBurst    int      `yaml:"respawn_burst" toml:"respawn_burst" json:"respawn_burst"`
		UploadDir       string   `yaml:"upload_dir" toml:"upload_dir" json:"upload_dir"`
	} `yaml:"worker" toml:"worker" json:"worker"`

	Tick struct {
		Enabled  bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
		Interval Duration `yaml:"interval" toml:"interval" json:"interval"`
	} `yaml:"tick" toml:"tick" json:"tick"`

	Admin struct {
		Addr     string `yaml:"addr" toml:"addr" json:"addr"`
		GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" json:"grpc_addr"`
	} `yaml:"admin" toml:"admin" json:"admin"`

	Log struct {
		Level  string `yaml:"level" toml:"level" json:"level"`
		Format string `yaml:"format" toml:"format" json:"format"` // text | json
	} `yaml:"log" toml:"log" json:"log"`
}

// DefaultWarm names the bindings the binary registers and warms by default.
var DefaultWarm = []string{"cache", "config", "log", "tables"}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Server: "hotworker",
		Listeners: map[string][]string{
			"WorkerStarting":      {"EnsureUploadedFilesAreValid", "EnsureUploadedFilesCanBeMoved"},
			"RequestReceived":     {"PrepareApplicationForNextOperation", "PrepareApplicationForNextRequest"},
			"TaskReceived":        {"PrepareApplicationForNextOperation"},
			"TickReceived":        {"PrepareApplicationForNextOperation"},
			"OperationTerminated": {"FlushUploadedFiles"},
			"WorkerErrorOccurred": {"ReportException", "StopWorkerIfNecessary"},
		},
		Warm:  append([]string(nil), DefaultWarm...),
		Flush: []string{},
		Tables: map[string]map[string]string{
			"example:1000": {"name": "string:1000", "votes": "int"},
		},
		TablePolicy: "reject",
		Watch: []string{
			"app", "bootstrap", "config", "database",
			"public/**/*.php", "resources/**/*.php", "routes",
			"composer.lock", ".env",
		},
		MaxExecutionTime: 30,
	}
	cfg.Cache.Driver = "octane"
	cfg.Cache.Tables = []string{"example:1000"}

	cfg.GarbageCollection.Enabled = true
	cfg.GarbageCollection.Interval = 500

	cfg.Worker.Count = 4
	cfg.Worker.TimeoutGrace = Duration{5 * time.Second}
	cfg.Worker.RespawnInterval = Duration{time.Second}

	cfg.Tick.Interval = Duration{time.Second}

	cfg.Admin.Addr = ":8089"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path on top of Default() and applies environment overrides.
// An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, b, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg, viper.New())
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	// map 欄位整個取代預設值，而不是合併
	resetMaps := func(probe *Config) {
		if probe.Listeners != nil {
			cfg.Listeners = nil
		}
		if probe.Tables != nil {
			cfg.Tables = nil
		}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var probe Config
		if err := yaml.Unmarshal(b, &probe); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		resetMaps(&probe)
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".toml":
		var probe Config
		if err := toml.Unmarshal(b, &probe); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		resetMaps(&probe)
		if err := toml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return &Error{Key: "config", Reason: fmt.Sprintf("unsupported config extension %q", ext)}
	}
	return nil
}

// applyEnv overrides cfg with the OCTANE_* and HOTWORKER_* variables.
func applyEnv(cfg *Config, v *viper.Viper) {
	bind := map[string]string{
		"server":             "OCTANE_SERVER",
		"https":              "OCTANE_HTTPS",
		"cache.driver":       "OCTANE_CACHE_DRIVER",
		"gc.enabled":         "OCTANE_GC_ENABLED",
		"gc.interval":        "OCTANE_GC_INTERVAL",
		"max_execution_time": "OCTANE_MAX_EXECUTION_TIME",
		"log.level":          "HOTWORKER_LOG_LEVEL",
		"admin.addr":         "HOTWORKER_ADMIN_ADDR",
	}
	for key, env := range bind {
		_ = v.BindEnv(key, env)
	}

	if v.IsSet("server") {
		cfg.Server = v.GetString("server")
	}
	if v.IsSet("https") {
		cfg.HTTPS = v.GetBool("https")
	}
	if v.IsSet("cache.driver") {
		cfg.Cache.Driver = v.GetString("cache.driver")
	}
	if v.IsSet("gc.enabled") {
		cfg.GarbageCollection.Enabled = v.GetBool("gc.enabled")
	}
	if v.IsSet("gc.interval") {
		cfg.GarbageCollection.Interval = v.GetInt("gc.interval")
	}
	if v.IsSet("max_execution_time") {
		cfg.MaxExecutionTime = v.GetInt("max_execution_time")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("admin.addr") {
		cfg.Admin.Addr = v.GetString("admin.addr")
	}
}

// MaxExecution returns max_execution_time as a duration; 0 means unlimited.
func (c *Config) MaxExecution() time.Duration {
	return time.Duration(c.MaxExecutionTime) * time.Second
}

// Duration is a time.Duration written as "5s" or "250ms" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}
