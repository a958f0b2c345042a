// Package schema compiles CUE schema definitions into specs and validates
// object payloads against them. A schema declares a container kind and a
// field table; the store stamps the schema id into the object header at
// creation and it never changes afterwards.
package schema

import (
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/value"
)

// FieldType is the closed set of declarable field types.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeMap    FieldType = "map"
)

// ParseFieldType validates a declared type name.
func ParseFieldType(s string) (FieldType, error) {
	switch FieldType(s) {
	case TypeString, TypeInt, TypeBool, TypeList, TypeMap:
		return FieldType(s), nil
	default:
		return "", fmt.Errorf("unknown field type %q", s)
	}
}

// Field is one declared field.
type Field struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// Spec is a compiled schema definition.
type Spec struct {
	Name   string           `json:"name"`
	Kind   crdt.Kind        `json:"-"`
	Fields map[string]Field `json:"fields"`
}

// Validation error codes (E200-E219)
const (
	ErrReservedName  = "E200" // schema name uses the reserved "$" prefix
	ErrNoFields      = "E201" // at least one field required for map schemas
	ErrUnknownField  = "E202" // payload field not declared
	ErrMissingField  = "E203" // required field absent
	ErrWrongType     = "E204" // payload field type mismatch
	ErrReservedField = "E205" // payload writes a reserved field
)

// Reserved payload keys. Flattened reads always populate these, so payloads
// may not set them.
var reservedFields = map[string]bool{
	"id":     true,
	"schema": true,
	"kind":   true,
}

// ValidationError represents a payload or definition validation error.
type ValidationError struct {
	Schema  string `json:"schema"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Schema, e.Field, e.Message)
}

// Validate checks a payload against the spec. Returns all errors found
// (does not fail-fast). With partial set, absent required fields are not an
// error - updates validate only the supplied fields.
func (s *Spec) Validate(data value.Map, partial bool) []ValidationError {
	var errs []ValidationError

	for name := range data {
		if reservedFields[name] {
			errs = append(errs, ValidationError{
				Schema: s.Name, Field: name, Code: ErrReservedField,
				Message: "field name is reserved",
			})
			continue
		}
		field, declared := s.Fields[name]
		if !declared {
			errs = append(errs, ValidationError{
				Schema: s.Name, Field: name, Code: ErrUnknownField,
				Message: "field is not declared by the schema",
			})
			continue
		}
		if !typeMatches(field.Type, data[name]) {
			errs = append(errs, ValidationError{
				Schema: s.Name, Field: name, Code: ErrWrongType,
				Message: fmt.Sprintf("expected %s, got %s", field.Type, typeName(data[name])),
			})
		}
	}

	if !partial {
		for name, field := range s.Fields {
			if field.Required {
				if _, present := data[name]; !present {
					errs = append(errs, ValidationError{
						Schema: s.Name, Field: name, Code: ErrMissingField,
						Message: "required field is missing",
					})
				}
			}
		}
	}

	return errs
}

// ValidateName rejects reserved schema ids. Internal containers use
// "$"-prefixed schemas and must never be declarable by applications.
func ValidateName(name string) error {
	if strings.HasPrefix(name, "$") {
		return ValidationError{
			Schema: name, Field: "name", Code: ErrReservedName,
			Message: `schema names starting with "$" are reserved`,
		}
	}
	if name == "" {
		return ValidationError{
			Schema: name, Field: "name", Code: ErrReservedName,
			Message: "schema name is required",
		}
	}
	return nil
}

func typeMatches(ft FieldType, v value.Value) bool {
	switch v.(type) {
	case nil, value.Null:
		return true // explicit null is allowed for any declared field
	case value.String:
		return ft == TypeString
	case value.Int:
		return ft == TypeInt
	case value.Bool:
		return ft == TypeBool
	case value.List:
		return ft == TypeList
	case value.Map:
		return ft == TypeMap
	default:
		return false
	}
}

func typeName(v value.Value) string {
	switch v.(type) {
	case nil, value.Null:
		return "null"
	case value.String:
		return "string"
	case value.Int:
		return "int"
	case value.Bool:
		return "bool"
	case value.List:
		return "list"
	case value.Map:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Definition encodes the spec as a value.Map for storage in a definition
// object and for fingerprinting. Field order is irrelevant: canonical
// marshaling sorts keys, so the fingerprint is stable.
func (s *Spec) Definition() value.Map {
	fields := make(value.Map, len(s.Fields))
	for name, f := range s.Fields {
		fields[name] = value.Map{
			"type":     value.String(string(f.Type)),
			"required": value.Bool(f.Required),
		}
	}
	return value.Map{
		"name":   value.String(s.Name),
		"kind":   value.String(s.Kind.String()),
		"fields": fields,
	}
}

// Fingerprint computes the spec's content fingerprint. Seeding compares it
// against the stored definition to decide whether an existing schema id can
// be reused unchanged.
func (s *Spec) Fingerprint() (string, error) {
	return value.Fingerprint(value.DomainSchema, s.Definition())
}

// SpecFromDefinition decodes a stored definition back into a Spec.
func SpecFromDefinition(def value.Map) (*Spec, error) {
	name, _ := def["name"].(value.String)
	kindName, _ := def["kind"].(value.String)
	kind, err := crdt.ParseKind(string(kindName))
	if err != nil {
		return nil, fmt.Errorf("definition %q: %w", name, err)
	}
	fieldsVal, _ := def["fields"].(value.Map)
	fields := make(map[string]Field, len(fieldsVal))
	for fname, fv := range fieldsVal {
		fm, ok := fv.(value.Map)
		if !ok {
			return nil, fmt.Errorf("definition %q: field %q is not a map", name, fname)
		}
		typeName, _ := fm["type"].(value.String)
		ft, err := ParseFieldType(string(typeName))
		if err != nil {
			return nil, fmt.Errorf("definition %q: field %q: %w", name, fname, err)
		}
		required, _ := fm["required"].(value.Bool)
		fields[fname] = Field{Type: ft, Required: bool(required)}
	}
	return &Spec{Name: string(name), Kind: kind, Fields: fields}, nil
}
