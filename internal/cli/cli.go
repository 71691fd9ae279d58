// ============================================================================
// hotworker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   hotworker                      # Root command
//   ├── run                        # Start the supervisor and its adapters
//   │   ├── --watch                # Reload workers when watched files change
//   │   └── --root                 # Directory the watch patterns are relative to
//   ├── validate                   # Check the configuration and exit
//   ├── tables                     # Show the configured tables
//   ├── status                     # Query a running instance
//   │   ├── --addr                 # Admin API base URL
//   │   └── --json                 # Raw JSON output
//   ├── --config, -c               # Config file (.yaml/.yml/.toml), empty = defaults
//   └── --version
//
// run Command:
//   1. Load config (file + OCTANE_* environment overrides)
//   2. Validate it; configuration errors abort startup
//   3. Wire tables, cache, listeners, GC scheduler and supervisor
//   4. Start admin HTTP API, gRPC health, tick source and watcher
//   5. On SIGINT / SIGTERM stop gracefully:
//      stop accepting operations, let in-flight ones finish, retire workers
//
// Examples:
//   ./hotworker run -c hotworker.yaml
//   ./hotworker run --watch
//   ./hotworker status --addr http://localhost:8089
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/hotworker/internal/cache"
	"github.com/ChuLiYu/hotworker/internal/config"
	"github.com/ChuLiYu/hotworker/internal/worker"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// Version is set at build time.
var Version = "0.1.0"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "hotworker",
		Short: "hotworker: a persistent-worker lifecycle supervisor",
		Long: `hotworker keeps long-lived application workers alive across many
operations with:
- ordered lifecycle listeners per event
- shared fixed-schema tables and a table-backed cache
- per-operation execution time limits
- periodic memory hygiene passes`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.yaml, .yml or .toml)")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildValidateCommand(&configFile))
	rootCmd.AddCommand(buildTablesCommand(&configFile))
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code: 0 on success,
// 2 for configuration errors, 1 otherwise.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if isConfigError(err) {
			return 2
		}
		return 1
	}
	return 0
}

func buildRunCommand(configFile *string) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the hotworker supervisor",
		Long:  "Start the worker pool, the admin API and every enabled adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.Output = cmd.ErrOrStderr()
			rt, err := NewRuntime(cfg, opts)
			if err != nil {
				return err
			}
			slog.SetDefault(rt.Logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return rt.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload workers when watched files change")
	cmd.Flags().StringVar(&opts.Root, "root", ".", "directory the watch patterns are relative to")

	return cmd
}

func buildValidateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(catalog()); err != nil {
				out := cmd.ErrOrStderr()
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintln(out, "  ✗", line)
				}
				return fmt.Errorf("configuration is invalid: %w", config.ErrConfiguration)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
}

func buildTablesCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "Show the configured tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ts, _, err := buildTables(cfg, nil)
			if err != nil {
				return err
			}

			tw := tablewriter.NewWriter(cmd.OutOrStdout())
			tw.Header("Name", "Capacity", "Policy", "Columns")
			for _, info := range ts.Describe() {
				name := info.Name
				if strings.HasPrefix(name, cache.TablePrefix) {
					name += " (cache)"
				}
				if err := tw.Append(name, strconv.Itoa(info.Capacity), string(info.Policy), info.Columns); err != nil {
					return err
				}
			}
			return tw.Render()
		},
	}
}

func buildStatusCommand() *cobra.Command {
	var (
		addr    string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running instance",
		Long:  "Query the admin API for pool statistics and worker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), strings.TrimRight(addr, "/"), asJSON)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8089", "admin API base URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func showStatus(ctx context.Context, out io.Writer, base string, asJSON bool) error {
	var (
		stats   worker.Stats
		workers []types.WorkerStatus
	)
	if err := getJSON(ctx, base+"/v1/stats", &stats); err != nil {
		return err
	}
	if err := getJSON(ctx, base+"/v1/workers", &workers); err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Stats   worker.Stats         `json:"stats"`
			Workers []types.WorkerStatus `json:"workers"`
		}{stats, workers})
	}

	health := "healthy"
	if stats.Degraded {
		health = "DEGRADED"
	}
	fmt.Fprintf(out, "Pool: %d/%d workers live, %d queued, %s\n", stats.Live, stats.Target, stats.Queued, health)
	fmt.Fprintf(out, "      %d started, %d retired\n\n", stats.Started, stats.Retired)

	if len(workers) == 0 {
		fmt.Fprintln(out, "No live workers")
		return nil
	}
	tw := tablewriter.NewWriter(out)
	tw.Header("ID", "State", "Handled", "Errors", "Up Since")
	for _, w := range workers {
		if err := tw.Append(w.ID, w.StateName, strconv.Itoa(w.Handled), strconv.Itoa(w.Errors), w.StartedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return tw.Render()
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}

// isConfigError reports whether err came from configuration handling.
func isConfigError(err error) bool {
	return errors.Is(err, config.ErrConfiguration)
}
