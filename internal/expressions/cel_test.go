package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

func testScope() *Scope {
	amb := ambiance.New("pe-1", "deploy", map[string]string{ambiance.KeyAccountID: "acc"}, ambiance.Metadata{TriggerType: "MANUAL", RunSequence: 7})
	amb = amb.CloneForChild(ambiance.Level{
		SetupID: "stage-1", RuntimeID: "rt-stage", Identifier: "build",
		StepType: ambiance.StepType{Type: "SECTION", Category: ambiance.CategoryStage},
	})
	return &Scope{
		Inputs:   map[string]any{"env": "prod", "count": 3, "tags": []any{"a", "b"}},
		Ambiance: amb,
		Node:     schema.NodeRef{SetupID: "stage-1", Identifier: "build", StepType: ambiance.StepType{Type: "SECTION", Category: ambiance.CategoryStage}},
		Outcomes: map[string]map[string]any{"lint": {"ok": true}},
	}
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestCEL_Conditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	vars := testScope().Vars()
	ctx := context.Background()

	tests := []struct {
		expr string
		want bool
	}{
		{`inputs.env == "prod"`, true},
		{`inputs.count > 2`, true},
		{`ambiance.accountId == "acc" && ambiance.stageIdentifier == "build"`, true},
		{`node.category == "STAGE"`, true},
		{`outcomes.lint.ok`, true},
		{`"c" in inputs.tags`, false},
		{`ambiance.runSequence == 7`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateBool(ctx, tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	got, err := e.EvaluateBool(context.Background(), `size(inputs) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	err = e.Check(`inputs.env ==`)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	err = e.Check(`unknown.x == 1`)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.EvaluateBool(ctx, `"not a bool"`, nil)
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))

	_, err = e.Evaluate(ctx, `inputs.missing == 1`, map[string]any{"inputs": map[string]any{}})
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	vars := testScope().Vars()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.EvaluateBool(context.Background(), `inputs.env == "prod"`, vars)
			assert.NoError(t, err)
			assert.True(t, got)
		}()
	}
	wg.Wait()
}
