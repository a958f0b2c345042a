package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: smoke
description: creates one object and checks the index
schemas: |
  schemas: {item: {fields: {text: {type: "string", required: true}}}}
flow:
  - op: create
    schema: item
    data: {text: "hello"}
assertions:
  - type: object_count
    schema: item
    count: 1
`

const failingScenario = `name: wrong-count
description: expects an index entry that never exists
schemas: |
  schemas: {item: {fields: {text: "string"}}}
flow:
  - op: seed
assertions:
  - type: object_count
    schema: item
    count: 3
`

func writeScenarioDir(t *testing.T, scenarios map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range scenarios {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
	return dir
}

func TestTestCommandPassing(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"smoke.yaml": passingScenario})

	out, _, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ smoke")
	assert.Contains(t, out, "1/1 scenario(s) passed")
}

func TestTestCommandFailing(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"smoke.yaml": passingScenario,
		"wrong.yaml": failingScenario,
	})

	out, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong-count")
	assert.Contains(t, out, "1/2 scenario(s) passed")
}

func TestTestCommandEmptyDir(t *testing.T) {
	_, _, err := execute(t, "test", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
