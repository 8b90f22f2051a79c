package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

const (
	DefaultQueueSize     = 256
	DefaultNotifyTimeout = 10 * time.Second
)

// Notification results recorded in metrics.
const (
	resultDelivered     = "delivered"
	resultFailed        = "failed"
	resultDropped       = "dropped"
	resultNotifierPanic = "panic"
)

// Config configures Hooks.
type Config struct {
	QueueSize  int
	Timeout    time.Duration
	Classifier Classifier
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

type subscription struct {
	name     string
	notifier Notifier
	events   []schema.PipelineEventType
}

func (s subscription) wants(ev schema.PipelineEventType) bool {
	return len(s.events) == 0 ||
		slices.Contains(s.events, schema.EventAllEvents) ||
		slices.Contains(s.events, ev)
}

type job struct {
	ctx     context.Context
	amb     ambiance.Ambiance
	event   schema.PipelineEventType
	payload Payload
}

// Hooks observes committed transitions and delivers the resulting pipeline
// events to the subscribed notifiers on a single goroutine. The queue is
// bounded; when it is full events are dropped, never the transition.
type Hooks struct {
	classify Classifier
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder

	subMu sync.RWMutex
	subs  []subscription

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// New starts the delivery goroutine. Call Close to stop it.
func New(cfg Config) *Hooks {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNotifyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hooks{
		classify: cfg.Classifier,
		timeout:  cfg.Timeout,
		logger:   logger,
		metrics:  cfg.Metrics,
		queue:    make(chan job, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go h.drain()
	return h
}

// Subscribe registers n for events. No events, or ALL_EVENTS, means every event.
func (h *Hooks) Subscribe(name string, n Notifier, events ...schema.PipelineEventType) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.subs = append(h.subs, subscription{name: name, notifier: n, events: events})
}

// ObserveNode is an engine node observer.
func (h *Hooks) ObserveNode(ctx context.Context, node *store.NodeExecution, from schema.Status) {
	for _, ev := range NodeEvents(node, from, h.classify) {
		h.enqueue(ctx, node.Ambiance, ev, nodePayload(node, from))
	}
}

// ObservePlan is an engine plan observer.
func (h *Hooks) ObservePlan(ctx context.Context, plan *store.PlanExecution, from schema.Status) {
	events := PlanEvents(plan.Status, from)
	if len(events) == 0 {
		return
	}
	amb := planAmbiance(plan)
	for _, ev := range events {
		h.enqueue(ctx, amb, ev, planPayload(plan, from))
	}
}

func (h *Hooks) enqueue(ctx context.Context, amb ambiance.Ambiance, ev schema.PipelineEventType, p Payload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- job{ctx: context.WithoutCancel(ctx), amb: amb, event: ev, payload: p}:
	default:
		h.metrics.Notification(string(ev), resultDropped)
		logging.LogWith(ctx, h.logger).Warn("notification queue full, event dropped", "event", ev)
	}
}

func (h *Hooks) drain() {
	defer close(h.done)
	for j := range h.queue {
		h.deliver(j)
	}
}

func (h *Hooks) deliver(j job) {
	h.subMu.RLock()
	subs := slices.Clone(h.subs)
	h.subMu.RUnlock()

	for _, s := range subs {
		if !s.wants(j.event) {
			continue
		}
		result := resultDelivered
		if err := h.call(j, s); err != nil {
			result = resultFailed
			if errors.As(err, new(panicError)) {
				result = resultNotifierPanic
			}
			logging.LogWith(j.ctx, h.logger).Warn("notifier failed",
				"notifier", s.name, "event", j.event, "error", err)
		}
		h.metrics.Notification(string(j.event), result)
	}
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("notifier panicked: %v", p.v) }

func (h *Hooks) call(j job, s subscription) (err error) {
	ctx, cancel := context.WithTimeout(j.ctx, h.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = panicError{v: r}
		}
	}()
	return s.notifier.Notify(ctx, j.amb, j.event, j.payload)
}

// Close stops accepting events and waits until the queued ones are delivered.
func (h *Hooks) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
