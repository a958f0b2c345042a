// Package harness runs conformance scenarios against a fresh store.
//
// Each scenario gets its own in-memory replica and tenant: schema
// definitions are seeded from inline CUE source, setup and flow steps
// dispatch real store operations, and assertions check the final state
// through the same read paths the application runtime uses. Deterministic
// node ids keep traces byte-stable for golden comparison.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/localnode"
	"github.com/roach88/strata/internal/reactive"
	"github.com/roach88/strata/internal/testutil"
	"github.com/roach88/strata/internal/value"
)

// stepTimeout bounds how long a step waits for a reactive store to settle.
const stepTimeout = 5 * time.Second

// Harness executes one scenario against one tenant.
type Harness struct {
	tenant *dispatch.Tenant
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory replica for isolation. A
// setup fault aborts the run; flow faults are matched against the step's
// expect clause and recorded in the trace.
func Run(scenario *Scenario) (*Result, error) {
	node, err := localnode.New(
		localnode.WithActor("harness"),
		localnode.WithIDGenerator(testutil.NewSequentialIDGenerator()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replica: %w", err)
	}
	defer node.Close()

	ctx := context.Background()
	tenant, err := dispatch.NewTenant(ctx, node, node.AccountID(), testutil.SilentLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	if _, err := tenant.Dispatch(ctx, dispatch.Seed{Source: scenario.Schemas}); err != nil {
		return nil, fmt.Errorf("failed to seed schemas: %w", err)
	}

	h := &Harness{tenant: tenant}
	result := NewResult()

	for i, step := range scenario.Setup {
		if _, err := h.executeStep(ctx, &step); err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Op, err)
		}
	}
	for i, step := range scenario.Flow {
		h.executeFlowStep(ctx, i, &step, result)
	}

	evaluateAssertions(ctx, h.tenant, scenario.Assertions, result)
	return result, nil
}

// executeFlowStep runs one flow step, records its trace event, and checks
// the expect clause.
func (h *Harness) executeFlowStep(ctx context.Context, i int, step *Step, result *Result) {
	got, err := h.executeStep(ctx, step)

	outcome := "ok"
	if err != nil {
		outcome = string(fault.CodeOf(err))
	}
	result.AddTrace(step.Op, stepTarget(step), outcome)

	wantErr := ""
	if step.Expect != nil {
		wantErr = step.Expect.Error
	}
	switch {
	case wantErr == "" && err != nil:
		result.AddError(fmt.Sprintf("flow[%d] %s: unexpected fault: %v", i, step.Op, err))
	case wantErr != "" && err == nil:
		result.AddError(fmt.Sprintf("flow[%d] %s: expected fault %s, step succeeded", i, step.Op, wantErr))
	case wantErr != "" && string(fault.CodeOf(err)) != wantErr:
		result.AddError(fmt.Sprintf("flow[%d] %s: expected fault %s, got %v", i, step.Op, wantErr, err))
	}

	if step.Expect != nil && step.Expect.Value != nil && err == nil {
		if msg := matchSubset(got, step.Expect.Value); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Op, msg))
		}
	}
}

// executeStep dispatches one step and returns the settled response value.
func (h *Harness) executeStep(ctx context.Context, step *Step) (value.Value, error) {
	op, err := buildOperation(step)
	if err != nil {
		return nil, err
	}
	resp, err := h.tenant.Dispatch(ctx, op)
	if err != nil {
		return nil, err
	}

	if step.Op == OpCreate && step.Register != "" {
		if err := h.tenant.Registry.Register(ctx, step.Register, resp.ID); err != nil {
			return nil, err
		}
	}

	if resp.Store != nil {
		if err := reactive.WaitForReady(ctx, resp.Store, stepTimeout); err != nil {
			return nil, err
		}
		return resp.Store.Value(), nil
	}
	return resp.Value, nil
}

// buildOperation converts a YAML step into a dispatch operation.
func buildOperation(step *Step) (dispatch.Operation, error) {
	switch step.Op {
	case OpCreate:
		data, err := value.MapFromAny(step.Data)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		return dispatch.Create{Schema: step.Schema, Data: data}, nil
	case OpUpdate:
		data, err := value.MapFromAny(step.Data)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		return dispatch.Update{Key: step.Key, Data: data}, nil
	case OpDelete:
		return dispatch.Delete{Key: step.Key}, nil
	case OpAppend:
		items := make([]value.Value, len(step.Items))
		for i, raw := range step.Items {
			item, err := value.FromAny(raw)
			if err != nil {
				return nil, fmt.Errorf("items[%d]: %w", i, err)
			}
			items[i] = item
		}
		return dispatch.Append{Key: step.Key, Items: items}, nil
	case OpRead:
		var filter value.Map
		if step.Filter != nil {
			f, err := value.MapFromAny(step.Filter)
			if err != nil {
				return nil, fmt.Errorf("filter: %w", err)
			}
			filter = f
		}
		return dispatch.Read{Schema: step.Schema, Key: step.Key, Filter: filter}, nil
	case OpResolve:
		return dispatch.ResolveKey{Key: step.Key}, nil
	case OpSeed:
		return dispatch.Seed{}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

func stepTarget(step *Step) string {
	if step.Key != "" {
		return step.Key
	}
	return step.Schema
}

// matchSubset compares expected fields against an actual map value.
// Returns an empty string on match, otherwise a failure description.
func matchSubset(actual value.Value, expected map[string]interface{}) string {
	actualMap, ok := actual.(value.Map)
	if !ok {
		return fmt.Sprintf("expected a map value, got %T", actual)
	}
	for key, raw := range expected {
		want, err := value.FromAny(raw)
		if err != nil {
			return fmt.Sprintf("expected value for %q: %v", key, err)
		}
		got, present := actualMap[key]
		if !present {
			return fmt.Sprintf("field %q missing from value", key)
		}
		if !value.Equal(got, want) {
			return fmt.Sprintf("field %q: got %v, want %v", key, value.ToAny(got), value.ToAny(want))
		}
	}
	return ""
}
