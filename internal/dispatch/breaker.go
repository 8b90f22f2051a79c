package dispatch

import (
	"sync"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// CircuitState is the state of one task type's circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per task type circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed tasks that opens
	// the circuit. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects submissions.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe tasks let through after the cooldown.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker settings used by NewLocalDispatcher.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers tracks one circuit per task type. A task type whose runner keeps
// failing is rejected at submission until its cooldown passes.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakers creates a breaker set with cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: cfg}
}

// Allow reports whether a task of taskType may be submitted. It returns a
// DISPATCH_ERROR while the circuit is open.
func (b *Breakers) Allow(taskType string) error {
	if b.config.FailureThreshold <= 0 {
		return nil
	}
	cb := b.get(taskType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeDispatch,
			"circuit open for task type %q after %d consecutive failures", taskType, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"task_type":            taskType,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (b.config.Cooldown - time.Since(cb.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeDispatch,
				"circuit half-open for task type %q: probe already in flight", taskType)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit of taskType.
func (b *Breakers) Success(taskType string) {
	cb := b.get(taskType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure counts a failed task and returns the resulting state.
func (b *Breakers) Failure(taskType string) CircuitState {
	cb := b.get(taskType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = time.Now()
	switch {
	case b.config.FailureThreshold <= 0:
	case cb.state == CircuitHalfOpen, cb.consecutiveFailures >= b.config.FailureThreshold:
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of taskType's circuit.
func (b *Breakers) State(taskType string) CircuitState {
	cb := b.get(taskType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= b.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (b *Breakers) get(taskType string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[taskType]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.breakers[taskType] = cb
	}
	return cb
}
