package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/strata/internal/crdt"
)

// Schema definitions are written in CUE under a top-level "schemas" struct:
//
//	schemas: {
//		item: {
//			kind: "map"
//			fields: {
//				text: {type: "string", required: true}
//				done: "bool"
//			}
//		}
//	}
//
// A field may be declared as a bare type string (optional field) or as a
// struct with "type" and "required".

// CompileError represents a schema compilation error with CUE position.
type CompileError struct {
	Schema  string
	Field   string
	Message string
	Pos     token.Pos
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: schema %q: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Schema, e.Field, e.Message)
	}
	return fmt.Sprintf("schema %q: %s: %s", e.Schema, e.Field, e.Message)
}

// CompileSpecs parses the "schemas" struct of a CUE value into Specs.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
func CompileSpecs(v cue.Value) ([]*Spec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("schemas"))
	if !root.Exists() {
		return nil, &CompileError{
			Field:   "schemas",
			Message: `top-level "schemas" struct is required`,
			Pos:     v.Pos(),
		}
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []*Spec
	for iter.Next() {
		name := iter.Selector().Unquoted()
		spec, err := compileSpec(name, iter.Value())
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func compileSpec(name string, v cue.Value) (*Spec, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	spec := &Spec{Name: name, Kind: crdt.KindMap, Fields: make(map[string]Field)}

	// kind is optional, defaults to "map"
	if kindVal := v.LookupPath(cue.ParsePath("kind")); kindVal.Exists() {
		kindName, err := kindVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		kind, err := crdt.ParseKind(kindName)
		if err != nil {
			return nil, &CompileError{Schema: name, Field: "kind", Message: err.Error(), Pos: kindVal.Pos()}
		}
		spec.Kind = kind
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		iter, err := fieldsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			fieldName := iter.Selector().Unquoted()
			field, err := compileField(name, fieldName, iter.Value())
			if err != nil {
				return nil, err
			}
			spec.Fields[fieldName] = field
		}
	}

	// Map schemas need at least one field; list/stream schemas describe
	// their element payloads and may leave fields empty.
	if spec.Kind == crdt.KindMap && len(spec.Fields) == 0 {
		return nil, &CompileError{
			Schema: name, Field: "fields",
			Message: "at least one field is required for a map schema",
			Pos:     v.Pos(),
		}
	}

	return spec, nil
}

func compileField(schemaName, fieldName string, v cue.Value) (Field, error) {
	// Bare string form: done: "bool"
	if typeName, err := v.String(); err == nil {
		ft, err := ParseFieldType(typeName)
		if err != nil {
			return Field{}, &CompileError{Schema: schemaName, Field: fieldName, Message: err.Error(), Pos: v.Pos()}
		}
		return Field{Type: ft}, nil
	}

	// Struct form: text: {type: "string", required: true}
	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return Field{}, &CompileError{
			Schema: schemaName, Field: fieldName,
			Message: "field must be a type string or a struct with a type",
			Pos:     v.Pos(),
		}
	}
	typeName, err := typeVal.String()
	if err != nil {
		return Field{}, formatCUEError(err)
	}
	ft, err := ParseFieldType(typeName)
	if err != nil {
		return Field{}, &CompileError{Schema: schemaName, Field: fieldName, Message: err.Error(), Pos: typeVal.Pos()}
	}

	field := Field{Type: ft}
	if reqVal := v.LookupPath(cue.ParsePath("required")); reqVal.Exists() {
		required, err := reqVal.Bool()
		if err != nil {
			return Field{}, formatCUEError(err)
		}
		field.Required = required
	}
	return field, nil
}

// LoadString compiles schema definitions from CUE source text.
func LoadString(src string) ([]*Spec, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	return CompileSpecs(v)
}

// LoadDir loads and compiles every CUE file in a directory.
func LoadDir(dir string) ([]*Spec, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("schema directory not found: %s", dir)
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE files in %s", dir)
	}
	if instances[0].Err != nil {
		return nil, formatCUEError(instances[0].Err)
	}

	ctx := cuecontext.New()
	v := ctx.BuildInstance(instances[0])
	return CompileSpecs(v)
}

// formatCUEError converts a CUE error into a positioned CompileError.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	positions := cueerrors.Positions(err)
	pos := token.NoPos
	if len(positions) > 0 {
		pos = positions[0]
	}
	return &CompileError{Message: cueerrors.Details(err, nil), Pos: pos}
}
