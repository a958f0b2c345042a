package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario(t *testing.T) {
	src := []byte(`
name: minimal
description: parses a minimal scenario
schemas: |
  schemas: {item: {fields: {text: "string"}}}
flow:
  - op: create
    schema: item
    data: {text: "hello"}
assertions:
  - type: object_count
    schema: item
    count: 1
`)
	scenario, err := ParseScenario(src)
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, OpCreate, scenario.Flow[0].Op)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertObjectCount, scenario.Assertions[0].Type)
}

func TestParseScenarioRejectsUnknownFields(t *testing.T) {
	// Typo: "assertion" instead of "assertions".
	src := []byte(`
name: typo
description: has a misspelled section
flow:
  - op: seed
assertion:
  - type: resolves
    key: k
`)
	_, err := ParseScenario(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "missing name",
			src: `
description: d
flow: [{op: seed}]
`,
			want: "name is required",
		},
		{
			name: "empty flow",
			src: `
name: n
description: d
`,
			want: "flow list is required",
		},
		{
			name: "create without schema",
			src: `
name: n
description: d
flow: [{op: create, data: {a: 1}}]
`,
			want: "schema is required for create",
		},
		{
			name: "update without key",
			src: `
name: n
description: d
flow: [{op: update, data: {a: 1}}]
`,
			want: "key is required for update",
		},
		{
			name: "unknown op",
			src: `
name: n
description: d
flow: [{op: explode}]
`,
			want: `unknown op "explode"`,
		},
		{
			name: "register outside create",
			src: `
name: n
description: d
flow: [{op: delete, key: k, register: x}]
`,
			want: "register is only valid on create",
		},
		{
			name: "setup step expecting a fault",
			src: `
name: n
description: d
setup: [{op: delete, key: k, expect: {error: NOT_FOUND}}]
flow: [{op: seed}]
`,
			want: "setup steps must succeed",
		},
		{
			name: "assertion without type",
			src: `
name: n
description: d
flow: [{op: seed}]
assertions: [{key: k}]
`,
			want: "type is required",
		},
		{
			name: "object_state without expect",
			src: `
name: n
description: d
flow: [{op: seed}]
assertions: [{type: object_state, key: k}]
`,
			want: "expect is required for object_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/no-such-scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
