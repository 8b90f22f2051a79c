package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/pkg/schema"
)

// DefaultTaskTimeout bounds a task whose request carries no timeout.
const DefaultTaskTimeout = 10 * time.Minute

// ErrDispatcherClosed is returned by Submit after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// Pool runs jobs with bounded concurrency. engine.WorkerPool satisfies it.
type Pool interface {
	Submit(ctx context.Context, fn func(ctx context.Context) error) error
}

// LocalConfig configures a LocalDispatcher.
type LocalConfig struct {
	// Pool runs the tasks. Nil runs every task on its own goroutine.
	Pool           Pool
	DefaultTimeout time.Duration
	// Breaker nil uses DefaultBreakerConfig.
	Breaker *BreakerConfig
	Logger  *slog.Logger
}

// LocalDispatcher runs tasks in process through registered Runners. Submit
// returns at once; the answer reaches the sink when the runner returns.
// Aborted tasks get no answer.
type LocalDispatcher struct {
	pool     Pool
	timeout  time.Duration
	breakers *Breakers
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	runners  map[string]Runner
	inflight map[string]context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

var (
	_ Dispatcher = (*LocalDispatcher)(nil)
	_ Aborter    = (*LocalDispatcher)(nil)
)

// NewLocalDispatcher creates a dispatcher with no runners.
func NewLocalDispatcher(cfg LocalConfig) *LocalDispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskTimeout
	}
	bc := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		bc = *cfg.Breaker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		pool:     cfg.Pool,
		timeout:  cfg.DefaultTimeout,
		breakers: NewBreakers(bc),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		runners:  make(map[string]Runner),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Register binds a runner to a task type.
func (d *LocalDispatcher) Register(taskType string, r Runner) error {
	if taskType == "" || r == nil {
		return schema.NewError(schema.ErrCodeValidation, "runner registration needs a task type and a runner")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.runners[taskType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runner for task type %q already registered", taskType)
	}
	d.runners[taskType] = r
	return nil
}

// TaskTypes lists the registered task types.
func (d *LocalDispatcher) TaskTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.runners))
	for t := range d.runners {
		out = append(out, t)
	}
	return out
}

// Breakers exposes the per task type circuits.
func (d *LocalDispatcher) Breakers() *Breakers { return d.breakers }

func (d *LocalDispatcher) Submit(_ context.Context, task Task, sink ResponseSink) (string, error) {
	taskType := task.Request.TaskType
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrDispatcherClosed
	}
	runner, ok := d.runners[taskType]
	if !ok {
		d.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeDispatch, "no runner for task type %q", taskType).
			WithNode(task.NodeExecutionID)
	}
	if err := d.breakers.Allow(taskType); err != nil {
		d.mu.Unlock()
		return "", err
	}

	handle := uuid.NewString()
	timeout := task.Request.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	taskCtx, cancel := context.WithTimeout(d.ctx, timeout)
	d.inflight[handle] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	taskCtx = logging.WithNode(taskCtx, task.PlanExecutionID, task.NodeExecutionID)
	go d.schedule(taskCtx, handle, runner, task, sink)
	return handle, nil
}

// schedule hands the task to the pool. It runs on its own goroutine so that
// Submit never waits for pool capacity.
func (d *LocalDispatcher) schedule(ctx context.Context, handle string, runner Runner, task Task, sink ResponseSink) {
	job := func(context.Context) error {
		defer d.wg.Done()
		return d.run(ctx, handle, runner, task, sink)
	}
	if d.pool == nil {
		_ = job(ctx)
		return
	}
	if err := d.pool.Submit(ctx, job); err != nil {
		defer d.wg.Done()
		aborted := d.wasAborted(ctx)
		d.finish(handle)
		if aborted {
			return
		}
		d.deliver(ctx, task, sink, steps.ResponseData{Error: fmt.Sprintf("task not scheduled: %v", err)})
	}
}

func (d *LocalDispatcher) run(ctx context.Context, handle string, runner Runner, task Task, sink ResponseSink) (err error) {
	log := logging.LogWith(ctx, d.logger).With("task_type", task.Request.TaskType, "task_handle", handle)
	var data any
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task runner panicked", "recovered", r)
				err = fmt.Errorf("task runner panicked: %v", r)
			}
		}()
		data, err = runner.Run(ctx, task)
	}()
	aborted := d.wasAborted(ctx)
	d.finish(handle)

	if aborted {
		log.Info("task aborted")
		return context.Canceled
	}
	resp := steps.ResponseData{Success: err == nil, Data: data}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			resp.Error = "task timed out: " + err.Error()
		} else {
			resp.Error = errorMessage(err)
		}
		if d.breakers.Failure(task.Request.TaskType) == CircuitOpen {
			log.Warn("task circuit opened", "error", resp.Error)
		}
	} else {
		d.breakers.Success(task.Request.TaskType)
	}
	log.Debug("task finished", "success", resp.Success)
	d.deliver(ctx, task, sink, resp)
	return err
}

func (d *LocalDispatcher) deliver(ctx context.Context, task Task, sink ResponseSink, resp steps.ResponseData) {
	// The task context may already be done; delivery uses the dispatcher's.
	if err := sink.DeliverTaskResponse(d.ctx, task.NodeExecutionID, resp); err != nil {
		logging.LogWith(ctx, d.logger).Warn("task response not delivered", "error", err)
	}
}

// wasAborted reports whether ctx was cancelled by Abort or Shutdown rather
// than by its deadline.
func (d *LocalDispatcher) wasAborted(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func (d *LocalDispatcher) finish(handle string) {
	d.mu.Lock()
	cancel, ok := d.inflight[handle]
	delete(d.inflight, handle)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Abort cancels the task behind handle. Unknown or finished handles are ignored.
func (d *LocalDispatcher) Abort(_ context.Context, handle string) error {
	d.mu.Lock()
	cancel, ok := d.inflight[handle]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown cancels every in-flight task and waits for the runners to return.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorMessage(err error) string {
	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		return oe.Message
	}
	return err.Error()
}
