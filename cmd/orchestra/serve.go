package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/interrupts"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/notify"
	"github.com/rendis/orchestra/internal/secrets"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/internal/timeout"
	"github.com/rendis/orchestra/internal/validation"
	"github.com/rendis/orchestra/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

func runServe(args []string) error {
	cfg := loadConfig()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "MCP transport: stdio or sse")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "SSE listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for /metrics (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout belongs to the stdio transport.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	logger.Info("orchestra started", "version", version, "transport", cfg.Transport, "db_path", cfg.DBPath)

	switch cfg.Transport {
	case transportSSE:
		err = app.server.ServeSSE(ctx, cfg.ListenAddr, cfg.BaseURL)
	default:
		err = app.server.Serve(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// app owns every long lived component of the serve command.
type app struct {
	logger     *slog.Logger
	db         *store.LibSQLStore
	taskPool   *engine.WorkerPool
	dispatcher *dispatch.LocalDispatcher
	engine     *engine.Engine
	hooks      *notify.Hooks
	sweeper    *timeout.Sweeper
	metricsSrv *http.Server
	server     *mcp.Server
	stopHub    func()
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := os.MkdirAll(orchestraDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", orchestraDir(), err)
	}

	a.db, err = store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := a.db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	vault, err := openVault(cfg, a.db)
	if err != nil {
		return nil, err
	}

	stepReg := steps.NewRegistry()
	if err := steps.RegisterBuiltins(stepReg); err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.New(stepReg, cel)
	if err != nil {
		return nil, err
	}

	taskTimeout, _ := cfg.taskTimeout()
	breaker, _ := cfg.breaker()
	a.taskPool = engine.NewWorkerPool(cfg.TaskPool, engine.WithPanicHandler(func(r any) {
		logger.Error("task panic", "recovered", r)
	}))
	a.dispatcher = dispatch.NewLocalDispatcher(dispatch.LocalConfig{
		Pool:           a.taskPool,
		DefaultTimeout: taskTimeout,
		Breaker:        &breaker,
		Logger:         logger,
	})
	if err := a.dispatcher.Register(dispatch.TaskTypeHTTP, dispatch.NewHTTPRunner(dispatch.HTTPConfig{DefaultTimeout: taskTimeout})); err != nil {
		return nil, err
	}
	if cfg.AllowShell {
		if err := a.dispatcher.Register(dispatch.TaskTypeShell, dispatch.NewShellRunner(dispatch.ShellConfig{DefaultTimeout: taskTimeout})); err != nil {
			return nil, err
		}
	}

	engCfg := engine.Config{
		PoolSize:   cfg.PoolSize,
		Logger:     logger,
		Metrics:    rec,
		Dispatcher: a.dispatcher,
		Validator:  validator,
	}
	if vault != nil {
		engCfg.Vault = vault
	}
	a.engine, err = engine.New(a.db, stepReg, engCfg)
	if err != nil {
		return nil, err
	}
	manager := interrupts.NewManager(a.db, a.engine, interrupts.Config{Logger: logger, Metrics: rec})

	sessions := mcp.NewSessionRegistry()
	a.server = mcp.NewServer(mcp.ServerDeps{
		Runner:     a.engine,
		Interrupts: manager,
		Loader:     validator,
		Store:      a.db,
		Sessions:   sessions,
		Logger:     logger,
	})

	hub := streaming.NewMemoryHub()
	a.hooks = notify.New(notify.Config{QueueSize: cfg.NotifyQueue, Logger: logger, Metrics: rec})
	a.hooks.Subscribe("hub", notify.NewHubNotifier(hub))
	a.hooks.Subscribe("mcp", mcp.NewMCPNotifier(a.server.MCPServer(), sessions))
	a.engine.Transitioner().OnNode(a.hooks.ObserveNode)
	a.engine.Transitioner().OnPlan(a.hooks.ObservePlan)

	if a.stopHub, err = logHubEvents(ctx, hub, logger); err != nil {
		return nil, err
	}

	a.sweeper, err = timeout.NewSweeper(a.db, manager, timeout.Config{
		Schedule:  cfg.SweepSchedule,
		BatchSize: cfg.SweepBatch,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := a.sweeper.Start(ctx); err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	return a, nil
}

// close stops the components in reverse start order. Safe on a partly built app.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.sweeper != nil {
		if err := a.sweeper.Stop(ctx); err != nil {
			a.logger.Warn("sweeper stop", "error", err)
		}
	}
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown", "error", err)
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Shutdown(ctx); err != nil {
			a.logger.Warn("dispatcher shutdown", "error", err)
		}
	}
	if a.taskPool != nil {
		a.taskPool.Shutdown()
	}
	if a.hooks != nil {
		if err := a.hooks.Close(ctx); err != nil {
			a.logger.Warn("notification drain", "error", err)
		}
	}
	if a.stopHub != nil {
		a.stopHub()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("store close", "error", err)
		}
	}
}

// openVault builds the secret vault when a passphrase is configured.
func openVault(cfg Config, s secrets.SecretStore) (*secrets.AESVault, error) {
	if cfg.VaultKey == "" {
		return nil, nil
	}
	salt, err := loadSalt(saltPath())
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(s, secrets.VaultConfig{Passphrase: cfg.VaultKey, Salt: salt})
}

// loadSalt reads the vault salt, creating it on first use.
func loadSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

// logHubEvents mirrors every pipeline event to the debug log.
func logHubEvents(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) (func(), error) {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{streaming.AllEvents}})
	if err != nil {
		return nil, err
	}
	go func() {
		for ev := range events {
			logger.Debug("pipeline event",
				"event", ev.EventType,
				"plan_execution_id", ev.PlanExecutionID,
				"node_execution_id", ev.NodeExecutionID,
				"status", ev.Status,
			)
		}
	}()
	return unsubscribe, nil
}
