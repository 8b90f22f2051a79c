package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExamplePlansValidate(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "examples", "*", "plan.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	v, err := newValidator()
	require.NoError(t, err)

	for _, f := range files {
		t.Run(filepath.Base(filepath.Dir(f)), func(t *testing.T) {
			plan, err := v.LoadPlanFile(f)
			require.NoError(t, err)
			result := v.Validate(plan)
			assert.True(t, result.Valid(), "%+v", result.Errors)
			require.NoError(t, v.ValidateInputs(plan, plan.Inputs))
		})
	}
}

func TestRunValidate_Usage(t *testing.T) {
	err := runValidate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
}

func TestRunDiagram_WritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "release.mmd")
	plan := filepath.Join("..", "..", "examples", "release-pipeline", "plan.yaml")

	require.NoError(t, runDiagram(context.Background(), []string{"-format", "mermaid", "-o", out, plan}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "graph TD"))
	assert.Contains(t, text, "canary-us")
	assert.Contains(t, text, "gate")
}

func TestRunDiagram_UnsupportedFormat(t *testing.T) {
	plan := filepath.Join("..", "..", "examples", "release-pipeline", "plan.yaml")
	err := runDiagram(context.Background(), []string{"-format", "pdf", "-o", filepath.Join(t.TempDir(), "x"), plan})
	require.Error(t, err)
}
