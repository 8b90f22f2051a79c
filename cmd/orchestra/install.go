package main

import (
	"flag"
	"fmt"
)

// runInstall writes settings.json from flags. The vault key stays out of it;
// pass it through ORCHESTRA_VAULT_KEY.
func runInstall(args []string) error {
	def := defaultConfig()

	fs := flag.NewFlagSet("install", flag.ExitOnError)
	transport := fs.String("transport", def.Transport, "MCP transport: stdio or sse")
	listenAddr := fs.String("listen-addr", def.ListenAddr, "SSE listen address")
	baseURL := fs.String("base-url", "", "public base URL (derived from listen-addr if empty)")
	metricsAddr := fs.String("metrics-addr", "", "address for /metrics (empty disables)")
	dbPath := fs.String("db-path", def.DBPath, "database path")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", def.PoolSize, "engine worker pool size")
	taskPool := fs.Int("task-pool-size", def.TaskPool, "task worker pool size")
	allowShell := fs.Bool("allow-shell", false, "enable the shell task runner")
	sweep := fs.String("sweep-schedule", def.SweepSchedule, "timeout sweep schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := def
	cfg.Transport = *transport
	cfg.ListenAddr = *listenAddr
	cfg.BaseURL = *baseURL
	cfg.MetricsAddr = *metricsAddr
	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel
	cfg.PoolSize = *poolSize
	cfg.TaskPool = *taskPool
	cfg.AllowShell = *allowShell
	cfg.SweepSchedule = *sweep
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	path, err := writeSettings(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
