// Package ambiance models the execution context path of a running plan.
//
// An Ambiance is a stack of Levels, one per nested node instance, plus the
// plan-wide metadata every node needs. Values are copy-on-extend: every
// operation returns a new Ambiance and never mutates its receiver, so an
// Ambiance can be handed to any number of goroutines.
package ambiance

import (
	"maps"
	"time"
)

// Setup abstraction keys shared by every node of a plan execution.
const (
	KeyAccountID         = "accountId"
	KeyOrgIdentifier     = "orgIdentifier"
	KeyProjectIdentifier = "projectIdentifier"
)

// StepCategory classifies a node in the plan hierarchy.
type StepCategory string

const (
	CategoryPipeline  StepCategory = "PIPELINE"
	CategoryStages    StepCategory = "STAGES"
	CategoryStage     StepCategory = "STAGE"
	CategoryStepGroup StepCategory = "STEP_GROUP"
	CategoryStep      StepCategory = "STEP"
	CategoryFork      StepCategory = "FORK"
)

// StepType names the executable kind of a node and its category.
type StepType struct {
	Type     string       `json:"type" yaml:"type"`
	Category StepCategory `json:"category" yaml:"category"`
}

// Level is one frame of the ambiance stack. It identifies a single node instance.
type Level struct {
	SetupID    string    `json:"setup_id"`
	RuntimeID  string    `json:"runtime_id"`
	Identifier string    `json:"identifier"`
	StepType   StepType  `json:"step_type"`
	Group      string    `json:"group,omitempty"`
	StartTS    time.Time `json:"start_ts"`
}

// Metadata describes how the plan execution was triggered.
type Metadata struct {
	TriggerType string `json:"trigger_type,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	RunSequence int    `json:"run_sequence,omitempty"`
}

// Ambiance is the immutable execution context path handed to executables.
type Ambiance struct {
	PlanExecutionID        string            `json:"plan_execution_id"`
	PlanID                 string            `json:"plan_id,omitempty"`
	SetupAbstractions      map[string]string `json:"setup_abstractions,omitempty"`
	Levels                 []Level           `json:"levels,omitempty"`
	ExpressionFunctorToken int64             `json:"expression_functor_token,omitempty"`
	Metadata               Metadata          `json:"metadata"`
}

// New creates a root ambiance with no levels.
func New(planExecutionID, planID string, setup map[string]string, meta Metadata) Ambiance {
	return Ambiance{
		PlanExecutionID:        planExecutionID,
		PlanID:                 planID,
		SetupAbstractions:      maps.Clone(setup),
		ExpressionFunctorToken: time.Now().UnixNano(),
		Metadata:               meta,
	}
}

// CloneForChild returns a copy with level appended as the new current position.
func (a Ambiance) CloneForChild(level Level) Ambiance {
	out := a.Clone(len(a.Levels))
	out.Levels = append(out.Levels, level)
	return out
}

// CloneForFinish returns a copy with the current level removed.
func (a Ambiance) CloneForFinish() Ambiance {
	if len(a.Levels) == 0 {
		return a.Clone(0)
	}
	return a.Clone(len(a.Levels) - 1)
}

// Clone returns a deep copy that keeps only the first levelsToKeep levels.
// A negative or oversized count keeps every level.
func (a Ambiance) Clone(levelsToKeep int) Ambiance {
	if levelsToKeep < 0 || levelsToKeep > len(a.Levels) {
		levelsToKeep = len(a.Levels)
	}
	out := a
	out.SetupAbstractions = maps.Clone(a.SetupAbstractions)
	out.Levels = nil
	if levelsToKeep > 0 {
		out.Levels = make([]Level, levelsToKeep, levelsToKeep+1)
		copy(out.Levels, a.Levels[:levelsToKeep])
	}
	return out
}

// ObtainCurrentLevel returns the last level, or false if the ambiance is empty.
func (a Ambiance) ObtainCurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// ObtainCurrentRuntimeID returns the runtime id of the current level.
func (a Ambiance) ObtainCurrentRuntimeID() string {
	l, _ := a.ObtainCurrentLevel()
	return l.RuntimeID
}

// ObtainCurrentSetupID returns the setup id of the current level.
func (a Ambiance) ObtainCurrentSetupID() string {
	l, _ := a.ObtainCurrentLevel()
	return l.SetupID
}

// ObtainStepIdentifier returns the identifier of the current level.
func (a Ambiance) ObtainStepIdentifier() string {
	l, _ := a.ObtainCurrentLevel()
	return l.Identifier
}

func (a Ambiance) CurrentStepType() StepType {
	l, _ := a.ObtainCurrentLevel()
	return l.StepType
}

func (a Ambiance) CurrentGroup() string {
	l, _ := a.ObtainCurrentLevel()
	return l.Group
}

// IsStageLevel reports whether the current level is a stage.
func (a Ambiance) IsStageLevel() bool {
	return a.CurrentStepType().Category == CategoryStage
}

// StageLevel returns the innermost stage level on the path, if any.
func (a Ambiance) StageLevel() (Level, bool) {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].StepType.Category == CategoryStage {
			return a.Levels[i], true
		}
	}
	return Level{}, false
}

func (a Ambiance) AccountID() string {
	return a.SetupAbstractions[KeyAccountID]
}

func (a Ambiance) OrgIdentifier() string {
	return a.SetupAbstractions[KeyOrgIdentifier]
}

func (a Ambiance) ProjectIdentifier() string {
	return a.SetupAbstractions[KeyProjectIdentifier]
}

// Equal reports whether two ambiances describe the same context path.
func (a Ambiance) Equal(b Ambiance) bool {
	if a.PlanExecutionID != b.PlanExecutionID || a.PlanID != b.PlanID ||
		a.ExpressionFunctorToken != b.ExpressionFunctorToken || a.Metadata != b.Metadata {
		return false
	}
	if !maps.Equal(a.SetupAbstractions, b.SetupAbstractions) || len(a.Levels) != len(b.Levels) {
		return false
	}
	for i := range a.Levels {
		if !a.Levels[i].equal(b.Levels[i]) {
			return false
		}
	}
	return true
}

func (l Level) equal(o Level) bool {
	return l.SetupID == o.SetupID && l.RuntimeID == o.RuntimeID && l.Identifier == o.Identifier &&
		l.StepType == o.StepType && l.Group == o.Group && l.StartTS.Equal(o.StartTS)
}
