// Package timeout expires node executions that outlive their deadline.
//
// A cron job periodically lists flowing nodes whose timeoutAt has passed and
// issues a MARK_EXPIRED interrupt for each. Expiry goes through the interrupt
// subsystem so it races safely with natural completion and operators.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/orchestra/internal/interrupts"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

const (
	DefaultSchedule  = "@every 30s"
	DefaultBatchSize = 100
	// IssuedBy marks the interrupts the sweeper registers.
	IssuedBy = "timeout-sweeper"
)

// NodeLister lists node executions.
type NodeLister interface {
	ListNodes(ctx context.Context, filter store.NodeFilter) ([]*store.NodeExecution, error)
}

// Issuer registers and processes an interrupt. interrupts.Manager satisfies it.
type Issuer interface {
	Issue(ctx context.Context, req interrupts.Request) (*store.Interrupt, error)
}

// Config configures a Sweeper.
type Config struct {
	// Schedule is a cron spec or descriptor such as "@every 10s".
	Schedule  string
	BatchSize int
	Logger    *slog.Logger
	// Now is the sweeper clock. Defaults to time.Now.
	Now func() time.Time
}

// Sweeper expires timed out nodes on a cron schedule.
type Sweeper struct {
	nodes     NodeLister
	issuer    Issuer
	schedule  cron.Schedule
	spec      string
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{} // node ids being expired
}

// NewSweeper validates the schedule and creates a stopped sweeper.
func NewSweeper(nodes NodeLister, issuer Issuer, cfg Config) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sweep schedule %q", cfg.Schedule).WithCause(err)
	}
	return &Sweeper{
		nodes:     nodes,
		issuer:    issuer,
		schedule:  sched,
		spec:      cfg.Schedule,
		batchSize: cfg.BatchSize,
		logger:    logger,
		now:       cfg.Now,
		inflight:  make(map[string]struct{}),
	}, nil
}

// Start runs Sweep on the schedule until Stop. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("timeout sweeper already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("timeout sweep failed", "error", err)
		}
	}))
	c.Start()

	s.cron = c
	s.running = cancel
	s.logger.Info("timeout sweeper started", "schedule", s.spec)
	return nil
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.running
	s.cron, s.running = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	cancel()
	select {
	case <-done.Done():
		s.logger.Info("timeout sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep expires every flowing node whose deadline has passed and returns how
// many were expired. Nodes that completed first are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.nodes.ListNodes(ctx, store.NodeFilter{
		Statuses:       schema.Flowing,
		ExcludeRetried: true,
		TimeoutBefore:  &now,
		Limit:          s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list timed out nodes: %w", err)
	}

	expired := 0
	var errs []error
	for _, n := range due {
		if !s.tryAcquire(n.ID) {
			continue
		}
		ok, err := s.expire(ctx, n)
		s.release(n.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Sweeper) expire(ctx context.Context, n *store.NodeExecution) (bool, error) {
	ctx = logging.WithNode(ctx, n.PlanExecutionID, n.ID)
	in, err := s.issuer.Issue(ctx, interrupts.Request{
		PlanExecutionID: n.PlanExecutionID,
		NodeExecutionID: n.ID,
		Type:            schema.InterruptMarkExpired,
		Parameters:      map[string]any{"timeout_at": n.TimeoutAt.UTC().Format(time.RFC3339Nano)},
		IssuedBy:        IssuedBy,
	})
	if err != nil {
		return false, fmt.Errorf("expire node %s: %w", n.ID, err)
	}
	log := logging.LogWith(ctx, s.logger)
	if in.State != schema.InterruptProcessedSuccessfully {
		log.Debug("node not expired", "reason", in.Reason)
		return false, nil
	}
	log.Info("node execution expired", "identifier", n.Node.Identifier, "timeout_at", n.TimeoutAt)
	return true, nil
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
