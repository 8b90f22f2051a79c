package schema

import "slices"

// Status is the lifecycle state shared by plan and node executions.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusTimedWaiting        Status = "TIMED_WAITING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusPausing             Status = "PAUSING"
	StatusPaused              Status = "PAUSED"
	StatusSkipped             Status = "SKIPPED"
	StatusSuspended           Status = "SUSPENDED"
	StatusAborted             Status = "ABORTED"
	StatusErrored             Status = "ERRORED"
	StatusFailed              Status = "FAILED"
	StatusExpired             Status = "EXPIRED"
	StatusSucceeded           Status = "SUCCEEDED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusQueued, StatusRunning, StatusInterventionWaiting, StatusTimedWaiting,
	StatusAsyncWaiting, StatusTaskWaiting, StatusDiscontinuing, StatusPausing,
	StatusPaused, StatusSkipped, StatusSuspended, StatusAborted, StatusErrored,
	StatusFailed, StatusExpired, StatusSucceeded,
}

// StatusSet is an immutable group of statuses.
type StatusSet []Status

// Contains reports whether s is a member of the set.
func (ss StatusSet) Contains(s Status) bool {
	return slices.Contains(ss, s)
}

// Status groups. Treat as read-only.
var (
	Finalizable = StatusSet{
		StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting, StatusInterventionWaiting,
		StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing, StatusPausing,
	}
	Positive = StatusSet{StatusSucceeded, StatusSkipped, StatusSuspended}
	Broke    = StatusSet{StatusFailed, StatusErrored}
	Resumable = StatusSet{
		StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusInterventionWaiting,
	}
	Flowing = StatusSet{
		StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing,
	}
	// Final holds the statuses a node can rest in without further engine action.
	// A queued node that never started is tracked by its record, not by QUEUED,
	// so QUEUED is excluded here.
	Final = StatusSet{
		StatusSkipped, StatusPaused, StatusAborted, StatusErrored, StatusFailed,
		StatusExpired, StatusSuspended, StatusSucceeded,
	}
	// Terminal is Final without PAUSED: statuses no transition ever leaves.
	Terminal = StatusSet{
		StatusSkipped, StatusAborted, StatusErrored, StatusFailed,
		StatusExpired, StatusSuspended, StatusSucceeded,
	}
	Retryable = StatusSet{StatusInterventionWaiting, StatusFailed, StatusErrored, StatusExpired}
)

var waitingSources = StatusSet{StatusRunning}

var nodeAllowedStart = map[Status]StatusSet{
	StatusRunning: {
		StatusQueued, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusInterventionWaiting, StatusPaused,
	},
	StatusInterventionWaiting: Broke,
	StatusAsyncWaiting:        waitingSources,
	StatusTaskWaiting:         waitingSources,
	StatusTimedWaiting:        waitingSources,
	StatusPausing: {
		StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
	},
	StatusPaused: {StatusQueued, StatusPausing},
	StatusQueued: {StatusPaused, StatusPausing},
	StatusDiscontinuing: {
		StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusInterventionWaiting, StatusPausing, StatusPaused,
	},
	StatusSkipped:   {StatusQueued},
	StatusAborted:   Finalizable,
	StatusSucceeded: Finalizable,
	StatusErrored:   Finalizable,
	StatusSuspended: Finalizable,
	StatusFailed:    Finalizable,
	StatusExpired:   Finalizable,
}

var planAllowedStart = func() map[Status]StatusSet {
	m := make(map[Status]StatusSet, len(nodeAllowedStart))
	for k, v := range nodeAllowedStart {
		m[k] = v
	}
	m[StatusInterventionWaiting] = StatusSet{StatusRunning}
	return m
}()

// NodeAllowedStartSet returns the statuses a node must hold to enter target.
// The second result is false when no transition into target is defined.
func NodeAllowedStartSet(target Status) (StatusSet, bool) {
	s, ok := nodeAllowedStart[target]
	return slices.Clone(s), ok
}

// PlanAllowedStartSet is NodeAllowedStartSet for plan executions.
func PlanAllowedStartSet(target Status) (StatusSet, bool) {
	s, ok := planAllowedStart[target]
	return slices.Clone(s), ok
}

// CanTransition reports whether a node in from may move to target.
func CanTransition(from, target Status) bool {
	return nodeAllowedStart[target].Contains(from)
}

// CanTransitionPlan reports whether a plan in from may move to target.
func CanTransitionPlan(from, target Status) bool {
	return planAllowedStart[target].Contains(from)
}

// IsFinal reports whether s is in the Final group.
func (s Status) IsFinal() bool { return Final.Contains(s) }

// IsTerminal reports whether s can never be left.
func (s Status) IsTerminal() bool { return Terminal.Contains(s) }

func (s Status) IsPositive() bool { return Positive.Contains(s) }

func (s Status) IsBroke() bool { return Broke.Contains(s) }

func (s Status) IsFinalizable() bool { return Finalizable.Contains(s) }

func (s Status) IsFlowing() bool { return Flowing.Contains(s) }

func (s Status) IsRetryable() bool { return Retryable.Contains(s) }
