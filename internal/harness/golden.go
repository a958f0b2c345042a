package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/strata/internal/value"
)

// TraceSnapshot captures the trace of one scenario execution. Serialized
// with canonical JSON so golden files are byte-stable.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
}

// toValue converts the snapshot to a value.Map for canonical serialization.
func (s *TraceSnapshot) toValue() value.Map {
	events := make(value.List, len(s.Trace))
	for i, e := range s.Trace {
		event := value.Map{
			"op":      value.String(e.Op),
			"outcome": value.String(e.Outcome),
		}
		if e.Target != "" {
			event["target"] = value.String(e.Target)
		}
		events[i] = event
	}
	return value.Map{
		"scenario_name": value.String(s.ScenarioName),
		"trace":         events,
	}
}

// RunWithGolden executes a scenario and compares its trace against the
// golden file testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares a result's trace against the named golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	traceJSON, err := value.MarshalCanonical(snapshot.toValue())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
