package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: seed a fresh tenant with
// schema definitions, run a sequence of store operations, and assert on the
// resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It doubles as the golden
	// file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schemas is inline CUE schema definition source, seeded before any
	// step runs.
	Schemas string `yaml:"schemas"`

	// Setup contains operations that establish initial state. Setup
	// steps must succeed; a fault aborts the scenario.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the main operations with expected outcomes.
	Flow []Step `yaml:"flow"`

	// Assertions validate final state after the flow completes.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one store operation.
type Step struct {
	// Op names the operation: create, update, delete, append, read,
	// resolve, or seed.
	Op string `yaml:"op"`

	// Schema selects the object schema (create) or the index (read).
	Schema string `yaml:"schema,omitempty"`

	// Key is a registered key naming the target object.
	Key string `yaml:"key,omitempty"`

	// Data carries field values for create and update.
	Data map[string]interface{} `yaml:"data,omitempty"`

	// Items carries elements for append.
	Items []interface{} `yaml:"items,omitempty"`

	// Filter is an equality filter for query reads.
	Filter map[string]interface{} `yaml:"filter,omitempty"`

	// Register binds the created object's id to a registry key so later
	// steps can address it. Create only.
	Register string `yaml:"register,omitempty"`

	// Expect specifies the expected outcome. Nil means the step must
	// succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	// Error is the expected fault code (e.g. "VALIDATION_FAILED").
	// Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Value contains expected response field values. Subset match:
	// only the listed fields are compared.
	Value map[string]interface{} `yaml:"value,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of object_count, object_state, or resolves.
	Type string `yaml:"type"`

	// Schema selects the index (object_count).
	Schema string `yaml:"schema,omitempty"`

	// Count is the expected number of indexed objects (object_count).
	Count int `yaml:"count,omitempty"`

	// Key names the target (object_state, resolves).
	Key string `yaml:"key,omitempty"`

	// Expect contains expected field values, subset-matched against the
	// object's flattened value (object_state).
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertObjectCount = "object_count"
	AssertObjectState = "object_state"
	AssertResolves    = "resolves"
)

// Step operation constants.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpAppend  = "append"
	OpRead    = "read"
	OpResolve = "resolve"
	OpSeed    = "seed"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected to catch typos like "assertion:" for "assertions:".
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML bytes with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Error != "" {
			return fmt.Errorf("setup[%d]: setup steps must succeed, expected error %q is not allowed", i, step.Expect.Error)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(&a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step *Step) error {
	switch step.Op {
	case OpCreate:
		if step.Schema == "" {
			return fmt.Errorf("schema is required for create")
		}
		if step.Data == nil {
			return fmt.Errorf("data is required for create (use empty map if no fields)")
		}
	case OpUpdate:
		if step.Key == "" {
			return fmt.Errorf("key is required for update")
		}
		if step.Data == nil {
			return fmt.Errorf("data is required for update")
		}
	case OpDelete, OpResolve:
		if step.Key == "" {
			return fmt.Errorf("key is required for %s", step.Op)
		}
	case OpAppend:
		if step.Key == "" {
			return fmt.Errorf("key is required for append")
		}
		if len(step.Items) == 0 {
			return fmt.Errorf("items list is required for append")
		}
	case OpRead:
		if step.Key == "" && step.Schema == "" {
			return fmt.Errorf("read requires a key or a schema")
		}
	case OpSeed:
		// no required fields
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	if step.Register != "" && step.Op != OpCreate {
		return fmt.Errorf("register is only valid on create")
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertObjectCount:
		if a.Schema == "" {
			return fmt.Errorf("schema is required for object_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for object_count")
		}
	case AssertObjectState:
		if a.Key == "" {
			return fmt.Errorf("key is required for object_state")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for object_state")
		}
	case AssertResolves:
		if a.Key == "" {
			return fmt.Errorf("key is required for resolves")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
