package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectedNodeTable mirrors the documented allowed-predecessor table.
func expectedNodeTable() map[Status][]Status {
	finalizable := []Status{
		StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting, StatusInterventionWaiting,
		StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing, StatusPausing,
	}
	return map[Status][]Status{
		StatusRunning: {
			StatusQueued, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
			StatusInterventionWaiting, StatusPaused,
		},
		StatusInterventionWaiting: {StatusFailed, StatusErrored},
		StatusAsyncWaiting:        {StatusRunning},
		StatusTaskWaiting:         {StatusRunning},
		StatusTimedWaiting:        {StatusRunning},
		StatusPausing:             {StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting},
		StatusPaused:              {StatusQueued, StatusPausing},
		StatusQueued:              {StatusPaused, StatusPausing},
		StatusDiscontinuing: {
			StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
			StatusInterventionWaiting, StatusPausing, StatusPaused,
		},
		StatusSkipped:   {StatusQueued},
		StatusAborted:   finalizable,
		StatusSucceeded: finalizable,
		StatusErrored:   finalizable,
		StatusSuspended: finalizable,
		StatusFailed:    finalizable,
		StatusExpired:   finalizable,
	}
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestNodeTransitions_Exhaustive(t *testing.T) {
	table := expectedNodeTable()
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := contains(table[to], from)
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				assert.Equal(t, want, CanTransition(from, to))
			})
		}
	}
}

func TestPlanTransitions_Exhaustive(t *testing.T) {
	table := expectedNodeTable()
	table[StatusInterventionWaiting] = []Status{StatusRunning}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := contains(table[to], from)
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				assert.Equal(t, want, CanTransitionPlan(from, to))
			})
		}
	}
}

func TestAllowedStartSet_EveryStatusHasEntry(t *testing.T) {
	for _, s := range AllStatuses {
		_, ok := NodeAllowedStartSet(s)
		assert.True(t, ok, "node table missing %s", s)
		_, ok = PlanAllowedStartSet(s)
		assert.True(t, ok, "plan table missing %s", s)
	}
	_, ok := NodeAllowedStartSet(Status("BOGUS"))
	assert.False(t, ok)
}

func TestAllowedStartSet_ReturnsCopy(t *testing.T) {
	set, ok := NodeAllowedStartSet(StatusSucceeded)
	require.True(t, ok)
	set[0] = StatusSucceeded

	again, _ := NodeAllowedStartSet(StatusSucceeded)
	assert.Equal(t, StatusQueued, again[0])
	assert.False(t, CanTransition(StatusSucceeded, StatusSucceeded))
}

func TestStatusGroups(t *testing.T) {
	assert.True(t, StatusSucceeded.IsPositive())
	assert.True(t, StatusSkipped.IsPositive())
	assert.True(t, StatusErrored.IsBroke())
	assert.True(t, StatusExpired.IsRetryable())
	assert.False(t, StatusSucceeded.IsRetryable())
	assert.True(t, StatusPaused.IsFinal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.False(t, StatusQueued.IsFinal())
	assert.True(t, StatusDiscontinuing.IsFlowing())
	assert.True(t, StatusPausing.IsFinalizable())

	for _, s := range Terminal {
		assert.True(t, s.IsFinal(), "%s terminal but not final", s)
		assert.False(t, s.IsFinalizable(), "%s terminal but finalizable", s)
	}
}
