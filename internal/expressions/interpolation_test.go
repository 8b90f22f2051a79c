package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/secrets"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

func testVault(t *testing.T) secrets.Vault {
	t.Helper()
	v, err := secrets.NewAESVault(store.NewMemoryStore(), secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, v.Store(context.Background(), "acc/token", []byte("s3cr3t")))
	return v
}

func TestInterpolator_Resolve(t *testing.T) {
	in := NewInterpolator(NewExprEngine(), testVault(t))
	params := map[string]any{
		"count":   "<+inputs.count>",
		"big":     "<+inputs.count > 2>",
		"url":     "https://<+inputs.env>.example.com/<+ambiance.stageIdentifier>",
		"quoted":  `a <+"x>y"> b`,
		"auth":    "Bearer <+secrets.token>",
		"nested":  map[string]any{"list": []any{"<+node.identifier>", 5}},
		"literal": "plain",
		"number":  42,
	}

	resolved, masked, err := in.Resolve(context.Background(), params, testScope())
	require.NoError(t, err)

	assert.Equal(t, 3, resolved["count"])
	assert.Equal(t, true, resolved["big"])
	assert.Equal(t, "https://prod.example.com/build", resolved["url"])
	assert.Equal(t, "a x>y b", resolved["quoted"])
	assert.Equal(t, "Bearer s3cr3t", resolved["auth"])
	assert.Equal(t, []any{"build", 5}, resolved["nested"].(map[string]any)["list"])
	assert.Equal(t, "plain", resolved["literal"])
	assert.Equal(t, 42, resolved["number"])

	assert.Equal(t, "Bearer ******", masked["auth"])
	assert.Equal(t, 3, masked["count"])

	assert.Equal(t, "<+inputs.count>", params["count"])
}

func TestInterpolator_Errors(t *testing.T) {
	ctx := context.Background()
	scope := testScope()

	noVault := NewInterpolator(nil, nil)
	_, _, err := noVault.Resolve(ctx, map[string]any{"x": "<+secrets.token>"}, scope)
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))

	in := NewInterpolator(nil, testVault(t))
	_, _, err = in.Resolve(ctx, map[string]any{"x": "<+secrets.absent>"}, scope)
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))

	_, _, err = in.Resolve(ctx, map[string]any{"x": "pre <+inputs.env"}, scope)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCode(err))

	_, _, err = in.Resolve(ctx, map[string]any{"x": "<+>"}, scope)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCode(err))

	_, _, err = in.Resolve(ctx, map[string]any{"x": "<+1 +>"}, scope)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCode(err))

	out, _, err := in.Resolve(ctx, nil, scope)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHasExpressions(t *testing.T) {
	assert.False(t, HasExpressions(map[string]any{"a": "b", "n": 1}))
	assert.True(t, HasExpressions(map[string]any{"a": []any{"x", "<+inputs.a>"}}))
	assert.False(t, HasExpressions(nil))
}

func TestScopeVars(t *testing.T) {
	s := testScope()
	vars := s.Vars()

	amb := vars["ambiance"].(map[string]any)
	assert.Equal(t, "pe-1", amb["planExecutionId"])
	assert.Equal(t, "acc", amb["accountId"])
	assert.Equal(t, "build", amb["stageIdentifier"])
	assert.Equal(t, "rt-stage", amb["runtimeId"])
	assert.Equal(t, 1, amb["depth"])

	vars["inputs"].(map[string]any)["env"] = "mutated"
	assert.Equal(t, "prod", s.Inputs["env"])

	var nilScope *Scope
	assert.Equal(t, map[string]any{}, nilScope.Vars()["inputs"])
}
