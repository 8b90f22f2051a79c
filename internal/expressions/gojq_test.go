package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

type deployResult struct {
	Status   string   `json:"status"`
	Replicas []string `json:"replicas"`
}

func TestGoJQ_Select(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Select(ctx, ".body.id", map[string]any{"body": map[string]any{"id": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	out, err = e.Select(ctx, ".replicas | length", deployResult{Status: "ok", Replicas: []string{"a", "b"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)

	out, err = e.Select(ctx, ".[]", []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)

	out, err = e.Select(ctx, "empty", "anything")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EnvIsHidden(t *testing.T) {
	t.Setenv("ORCHESTRA_TEST_SECRET", "leak")
	e := NewGoJQEngine()

	out, err := e.Select(context.Background(), `$ENV.ORCHESTRA_TEST_SECRET`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Select(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(e.Check(".a | ")))

	_, err = e.Select(ctx, `error("bad")`, nil)
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))

	_, err = e.Select(ctx, ".", func() {})
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))
}
