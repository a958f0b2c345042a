package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/crdt"
)

func TestLoadString(t *testing.T) {
	specs, err := LoadString(`
schemas: {
	task: {
		fields: {
			title: {type: "string", required: true}
			done:  "bool"
		}
	}
	log: {
		kind: "list"
	}
	feed: {
		kind: "stream"
		fields: {
			body: "string"
		}
	}
}
`)
	require.NoError(t, err)
	require.Len(t, specs, 3)

	byName := make(map[string]*Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	task := byName["task"]
	require.NotNil(t, task)
	assert.Equal(t, crdt.KindMap, task.Kind, "kind defaults to map")
	assert.Equal(t, Field{Type: TypeString, Required: true}, task.Fields["title"])
	assert.Equal(t, Field{Type: TypeBool}, task.Fields["done"], "bare string form declares an optional field")

	log := byName["log"]
	require.NotNil(t, log)
	assert.Equal(t, crdt.KindList, log.Kind)
	assert.Empty(t, log.Fields, "list schemas may omit fields")

	feed := byName["feed"]
	require.NotNil(t, feed)
	assert.Equal(t, crdt.KindStream, feed.Kind)
	assert.Equal(t, Field{Type: TypeString}, feed.Fields["body"])
}

func TestLoadStringErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing schemas struct", `other: {}`},
		{"reserved name", `schemas: "$registry": fields: x: "int"`},
		{"map schema without fields", `schemas: empty: {}`},
		{"unknown field type", `schemas: bad: fields: x: "float"`},
		{"unknown field type in struct form", `schemas: bad: fields: x: {type: "decimal"}`},
		{"unknown kind", `schemas: bad: {kind: "set", fields: x: "int"}`},
		{"field struct without type", `schemas: bad: fields: x: {required: true}`},
		{"syntax error", `schemas: { task: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.src)
			assert.Error(t, err)
		})
	}
}

func TestCompileErrorCarriesPosition(t *testing.T) {
	_, err := LoadString(`schemas: bad: fields: x: "float"`)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad", ce.Schema)
	assert.Equal(t, "x", ce.Field)
	assert.Contains(t, ce.Error(), "float")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
	// Multiple files unify into one schemas struct.
	write("tasks.cue", `schemas: task: fields: title: {type: "string", required: true}`)
	write("notes.cue", `schemas: note: fields: body: "string"`)

	specs, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, specs, 2)
}

func TestLoadDirErrors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "schemas.cue")
	require.NoError(t, os.WriteFile(file, []byte(`schemas: {}`), 0o644))
	_, err = LoadDir(file)
	assert.Error(t, err, "a plain file is not a schema directory")
}
