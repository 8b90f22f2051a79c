package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/timeout"
	"github.com/rendis/orchestra/pkg/schema"
)

const (
	transportStdio = "stdio"
	transportSSE   = "sse"
)

// Config holds all orchestra server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Transport   string `json:"transport"`
	ListenAddr  string `json:"listen_addr"`
	BaseURL     string `json:"base_url"`
	MetricsAddr string `json:"metrics_addr"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	TaskPool    int    `json:"task_pool_size"`

	// TaskTimeout bounds a dispatched task that sets no timeout, e.g. "10m".
	TaskTimeout string `json:"task_timeout"`
	AllowShell  bool   `json:"allow_shell"`

	BreakerThreshold int    `json:"breaker_threshold"`
	BreakerCooldown  string `json:"breaker_cooldown"`

	SweepSchedule string `json:"sweep_schedule"`
	SweepBatch    int    `json:"sweep_batch"`

	NotifyQueue int `json:"notify_queue"`

	// VaultKey is never written to settings.json.
	VaultKey string `json:"-"`
}

func defaultConfig() Config {
	breaker := dispatch.DefaultBreakerConfig()
	return Config{
		Transport:        transportStdio,
		ListenAddr:       ":4100",
		DBPath:           filepath.Join(orchestraDir(), "orchestra.db"),
		LogLevel:         "info",
		PoolSize:         10,
		TaskPool:         10,
		TaskTimeout:      dispatch.DefaultTaskTimeout.String(),
		BreakerThreshold: breaker.FailureThreshold,
		BreakerCooldown:  breaker.Cooldown.String(),
		SweepSchedule:    timeout.DefaultSchedule,
		SweepBatch:       timeout.DefaultBatchSize,
		NotifyQueue:      256,
	}
}

func orchestraDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestra"
	}
	return filepath.Join(home, ".orchestra")
}

func settingsPath() string {
	return filepath.Join(orchestraDir(), "settings.json")
}

func saltPath() string {
	return filepath.Join(orchestraDir(), "vault.salt")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg)

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

func applyEnv(cfg *Config) {
	envString("ORCHESTRA_TRANSPORT", &cfg.Transport)
	envString("ORCHESTRA_LISTEN_ADDR", &cfg.ListenAddr)
	envString("ORCHESTRA_BASE_URL", &cfg.BaseURL)
	envString("ORCHESTRA_METRICS_ADDR", &cfg.MetricsAddr)
	envString("ORCHESTRA_DB_PATH", &cfg.DBPath)
	envString("ORCHESTRA_LOG_LEVEL", &cfg.LogLevel)
	envInt("ORCHESTRA_POOL_SIZE", &cfg.PoolSize)
	envInt("ORCHESTRA_TASK_POOL_SIZE", &cfg.TaskPool)
	envString("ORCHESTRA_TASK_TIMEOUT", &cfg.TaskTimeout)
	if v := os.Getenv("ORCHESTRA_ALLOW_SHELL"); v != "" {
		cfg.AllowShell = v == "true" || v == "1"
	}
	envInt("ORCHESTRA_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envString("ORCHESTRA_BREAKER_COOLDOWN", &cfg.BreakerCooldown)
	envString("ORCHESTRA_SWEEP_SCHEDULE", &cfg.SweepSchedule)
	envInt("ORCHESTRA_SWEEP_BATCH", &cfg.SweepBatch)
	envInt("ORCHESTRA_NOTIFY_QUEUE", &cfg.NotifyQueue)
	envString("ORCHESTRA_VAULT_KEY", &cfg.VaultKey)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate rejects settings the server cannot start with.
func (c Config) validate() error {
	switch c.Transport {
	case transportStdio, transportSSE:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "transport must be %q or %q, got %q", transportStdio, transportSSE, c.Transport)
	}
	if c.DBPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "db_path is required")
	}
	if _, err := c.taskTimeout(); err != nil {
		return err
	}
	if _, err := c.breaker(); err != nil {
		return err
	}
	return nil
}

func (c Config) taskTimeout() (time.Duration, error) {
	if c.TaskTimeout == "" {
		return dispatch.DefaultTaskTimeout, nil
	}
	d, err := time.ParseDuration(c.TaskTimeout)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid task_timeout %q", c.TaskTimeout)
	}
	return d, nil
}

func (c Config) breaker() (dispatch.BreakerConfig, error) {
	bc := dispatch.DefaultBreakerConfig()
	bc.FailureThreshold = c.BreakerThreshold
	if c.BreakerCooldown != "" {
		d, err := time.ParseDuration(c.BreakerCooldown)
		if err != nil || d < 0 {
			return bc, schema.NewErrorf(schema.ErrCodeValidation, "invalid breaker_cooldown %q", c.BreakerCooldown)
		}
		bc.Cooldown = d
	}
	return bc, nil
}

// writeSettings persists cfg as the settings.json layer.
func writeSettings(cfg Config) (string, error) {
	if err := os.MkdirAll(orchestraDir(), 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", orchestraDir(), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
