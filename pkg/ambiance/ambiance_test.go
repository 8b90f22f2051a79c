package ambiance

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func level(id string, cat StepCategory) Level {
	return Level{
		SetupID:    "setup-" + id,
		RuntimeID:  "runtime-" + id,
		Identifier: id,
		StepType:   StepType{Type: "Test", Category: cat},
		StartTS:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testAmbiance() Ambiance {
	a := New("plan-exec-1", "plan-1", map[string]string{
		KeyAccountID:         "acc",
		KeyOrgIdentifier:     "org",
		KeyProjectIdentifier: "proj",
	}, Metadata{TriggerType: "MANUAL", TriggeredBy: "alice"})
	return a.CloneForChild(level("pipeline", CategoryPipeline))
}

func TestCloneForChild_AppendsLevel(t *testing.T) {
	a := testAmbiance()
	child := a.CloneForChild(level("stage", CategoryStage))

	require.Len(t, child.Levels, 2)
	assert.Len(t, a.Levels, 1, "parent must not change")

	cur, ok := child.ObtainCurrentLevel()
	require.True(t, ok)
	assert.Equal(t, "stage", cur.Identifier)
	assert.Equal(t, "runtime-stage", child.ObtainCurrentRuntimeID())
	assert.Equal(t, "setup-stage", child.ObtainCurrentSetupID())
	assert.True(t, child.IsStageLevel())
}

func TestCloneLaw_FinishAfterChildIsIdentity(t *testing.T) {
	base := testAmbiance()
	for depth := 0; depth < 5; depth++ {
		t.Run(fmt.Sprintf("depth_%d", depth), func(t *testing.T) {
			a := base
			for i := 0; i < depth; i++ {
				a = a.CloneForChild(level(fmt.Sprintf("n%d", i), CategoryStep))
			}
			got := a.CloneForChild(level("extra", CategoryStep)).CloneForFinish()
			assert.True(t, got.Equal(a))
			assert.Equal(t, a, got)
		})
	}
}

func TestCloneForChild_SiblingsDoNotShareBackingArray(t *testing.T) {
	a := testAmbiance()
	left := a.CloneForChild(level("left", CategoryStep))
	right := a.CloneForChild(level("right", CategoryStep))

	assert.Equal(t, "left", left.ObtainStepIdentifier())
	assert.Equal(t, "right", right.ObtainStepIdentifier())

	left.SetupAbstractions[KeyAccountID] = "mutated"
	assert.Equal(t, "acc", a.AccountID())
	assert.Equal(t, "acc", right.AccountID())
}

func TestCloneForFinish_Empty(t *testing.T) {
	a := New("pe", "p", nil, Metadata{})
	got := a.CloneForFinish()
	assert.Empty(t, got.Levels)
	_, ok := got.ObtainCurrentLevel()
	assert.False(t, ok)
	assert.Equal(t, "", got.ObtainCurrentRuntimeID())
}

func TestClone_KeepsPrefix(t *testing.T) {
	a := testAmbiance().
		CloneForChild(level("stage", CategoryStage)).
		CloneForChild(level("step", CategoryStep))

	got := a.Clone(1)
	require.Len(t, got.Levels, 1)
	assert.Equal(t, "pipeline", got.ObtainStepIdentifier())

	assert.Len(t, a.Clone(-1).Levels, 3)
	assert.Len(t, a.Clone(10).Levels, 3)
}

func TestStageLevel(t *testing.T) {
	a := testAmbiance().
		CloneForChild(level("stage", CategoryStage)).
		CloneForChild(level("step", CategoryStep))

	stage, ok := a.StageLevel()
	require.True(t, ok)
	assert.Equal(t, "stage", stage.Identifier)
	assert.False(t, a.IsStageLevel())

	_, ok = testAmbiance().StageLevel()
	assert.False(t, ok)
}

func TestSetupAbstractionGetters(t *testing.T) {
	a := testAmbiance()
	assert.Equal(t, "acc", a.AccountID())
	assert.Equal(t, "org", a.OrgIdentifier())
	assert.Equal(t, "proj", a.ProjectIdentifier())
	assert.Equal(t, CategoryPipeline, a.CurrentStepType().Category)
	assert.Equal(t, "", a.CurrentGroup())
}
