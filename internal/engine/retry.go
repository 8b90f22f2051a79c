package engine

import (
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Supports constant, linear and exponential backoff with an optional cap.
func ComputeBackoff(fs *schema.FailureStrategy, attempt int) time.Duration {
	if fs == nil || fs.RetryInterval == "" {
		return 0
	}
	base, err := time.ParseDuration(fs.RetryInterval)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch fs.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt && delay < time.Hour*24; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if fs.MaxInterval != "" {
		if maxDelay, perr := time.ParseDuration(fs.MaxInterval); perr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// failureAction decides what happens to a node that ended broke after
// attempts previous retries.
func failureAction(fs *schema.FailureStrategy, attempts int) schema.FailureAction {
	if fs == nil || fs.Action == "" {
		return schema.ActionMarkAsFailed
	}
	if fs.Action != schema.ActionRetry {
		return fs.Action
	}
	if attempts < fs.RetryCount {
		return schema.ActionRetry
	}
	if fs.OnRetryFailure != "" && fs.OnRetryFailure != schema.ActionRetry {
		return fs.OnRetryFailure
	}
	return schema.ActionMarkAsFailed
}
