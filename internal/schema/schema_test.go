package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

func taskSpec() *Spec {
	return &Spec{
		Name: "task",
		Kind: crdt.KindMap,
		Fields: map[string]Field{
			"title": {Type: TypeString, Required: true},
			"done":  {Type: TypeBool},
			"tags":  {Type: TypeList},
			"meta":  {Type: TypeMap},
			"rank":  {Type: TypeInt},
		},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate(t *testing.T) {
	spec := taskSpec()

	tests := []struct {
		name      string
		data      value.Map
		partial   bool
		wantCodes []string
	}{
		{
			name: "valid full payload",
			data: value.Map{
				"title": value.String("report"),
				"done":  value.Bool(false),
				"tags":  value.List{value.String("work")},
				"meta":  value.Map{"nested": value.Int(1)},
				"rank":  value.Int(3),
			},
		},
		{
			name: "null allowed for any declared field",
			data: value.Map{"title": value.String("x"), "done": value.Null{}},
		},
		{
			name:      "missing required field",
			data:      value.Map{"done": value.Bool(true)},
			wantCodes: []string{ErrMissingField},
		},
		{
			name:    "partial skips required check",
			data:    value.Map{"done": value.Bool(true)},
			partial: true,
		},
		{
			name:      "undeclared field",
			data:      value.Map{"title": value.String("x"), "ghost": value.Int(1)},
			wantCodes: []string{ErrUnknownField},
		},
		{
			name:      "wrong type",
			data:      value.Map{"title": value.Int(7)},
			wantCodes: []string{ErrWrongType},
		},
		{
			name:      "reserved field",
			data:      value.Map{"title": value.String("x"), "id": value.String("co_x")},
			wantCodes: []string{ErrReservedField},
		},
		{
			name:      "multiple errors reported together",
			data:      value.Map{"ghost": value.Int(1), "done": value.String("yes")},
			wantCodes: []string{ErrUnknownField, ErrWrongType, ErrMissingField},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := spec.Validate(tt.data, tt.partial)
			assert.ElementsMatch(t, tt.wantCodes, codes(errs))
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("task"))
	assert.Error(t, ValidateName("$registry"))
	assert.Error(t, ValidateName(""))
}

func TestDefinitionRoundTrip(t *testing.T) {
	spec := taskSpec()
	back, err := SpecFromDefinition(spec.Definition())
	require.NoError(t, err)
	assert.Equal(t, spec.Name, back.Name)
	assert.Equal(t, spec.Kind, back.Kind)
	assert.Equal(t, spec.Fields, back.Fields)
}

func TestSpecFromDefinitionErrors(t *testing.T) {
	_, err := SpecFromDefinition(value.Map{
		"name": value.String("x"), "kind": value.String("tree"), "fields": value.Map{},
	})
	assert.Error(t, err)

	_, err = SpecFromDefinition(value.Map{
		"name": value.String("x"), "kind": value.String("map"),
		"fields": value.Map{"f": value.String("not a struct")},
	})
	assert.Error(t, err)
}

func TestFingerprintTracksContent(t *testing.T) {
	a := taskSpec()
	b := taskSpec()

	fpA, err := a.Fingerprint()
	require.NoError(t, err)
	fpB, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB, "identical specs fingerprint identically")

	b.Fields["done"] = Field{Type: TypeBool, Required: true}
	fpChanged, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpChanged)
}

func TestCatalog(t *testing.T) {
	cat := NewCatalog(taskSpec())

	got, err := cat.Get("task")
	require.NoError(t, err)
	assert.Equal(t, "task", got.Name)

	_, err = cat.Get("ghost")
	assert.True(t, fault.IsNotFound(err))

	cat.Register(&Spec{Name: "note", Kind: crdt.KindMap, Fields: map[string]Field{"body": {Type: TypeString}}})
	assert.Equal(t, []string{"note", "task"}, cat.Names())

	// Register replaces an existing spec.
	cat.Register(&Spec{Name: "task", Kind: crdt.KindMap, Fields: map[string]Field{"renamed": {Type: TypeString}}})
	got, err = cat.Get("task")
	require.NoError(t, err)
	_, ok := got.Fields["renamed"]
	assert.True(t, ok)
}
