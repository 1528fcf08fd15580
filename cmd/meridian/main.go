// Package main provides the meridian binary entry point. Meridian is a
// single-user assistant runtime: a persistent job queue, a signed
// message router, and a planner/validator/executor pipeline with
// sandboxed tool processes.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian/lifecycle"
	"github.com/meridianhq/meridian/model"
)

const (
	appName   = "meridian"
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Local-first assistant runtime",
		Long: `Meridian runs the Axis core: a persistent job queue, a signed
message router, and the planner → validator → approval → executor →
reflector pipeline. Tool executions run in sandboxed child processes
described by gear manifests.

All state lives under the data directory; the NATS substrate is
embedded by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, dataDir, logLevel)
			if err != nil {
				return err
			}
			return newApp(cfg, setupLogging(cfg.LogLevel)).Run(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	doctor := &cobra.Command{
		Use:   "doctor",
		Short: "Run self-diagnostics and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, dataDir, logLevel)
			if err != nil {
				return err
			}
			results := lifecycle.RunDiagnostics(cfg)
			for _, r := range results {
				fmt.Printf("%-18s %-8s %s\n", r.Name, r.Severity, r.Detail)
			}
			if lifecycle.HasAbort(results) {
				return fmt.Errorf("diagnostics failed")
			}
			return nil
		},
	}
	cmd.AddCommand(doctor)

	return cmd
}

// loadConfig overlays the config file onto defaults, then applies flag
// overrides.
func loadConfig(configPath, dataDir, logLevel string) (*model.Config, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
