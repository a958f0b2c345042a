package harness

import (
	"context"
	"fmt"

	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/reactive"
)

// evaluateAssertions checks every assertion against the tenant's final
// state and records failures into the result.
func evaluateAssertions(ctx context.Context, tenant *dispatch.Tenant, assertions []Assertion, result *Result) {
	for i, a := range assertions {
		var msg string
		switch a.Type {
		case AssertObjectCount:
			msg = assertObjectCount(ctx, tenant, &a)
		case AssertObjectState:
			msg = assertObjectState(ctx, tenant, &a)
		case AssertResolves:
			msg = assertResolves(ctx, tenant, &a)
		default:
			msg = fmt.Sprintf("unknown assertion type %q", a.Type)
		}
		if msg != "" {
			result.AddError(fmt.Sprintf("assertions[%d] %s: %s", i, a.Type, msg))
		}
	}
}

// assertObjectCount checks the schema index holds exactly Count entries.
func assertObjectCount(ctx context.Context, tenant *dispatch.Tenant, a *Assertion) string {
	items, err := tenant.Index.Items(ctx, a.Schema)
	if err != nil {
		return fmt.Sprintf("failed to read index for %q: %v", a.Schema, err)
	}
	if len(items) != a.Count {
		return fmt.Sprintf("schema %q: got %d indexed objects, want %d", a.Schema, len(items), a.Count)
	}
	return ""
}

// assertObjectState reads the object behind a registered key and
// subset-matches the expected fields against its flattened value.
func assertObjectState(ctx context.Context, tenant *dispatch.Tenant, a *Assertion) string {
	id, err := tenant.Registry.Resolve(ctx, a.Key)
	if err != nil {
		return fmt.Sprintf("failed to resolve %q: %v", a.Key, err)
	}
	store, err := tenant.Reader.ReadID(ctx, id)
	if err != nil {
		return fmt.Sprintf("failed to read %q: %v", a.Key, err)
	}
	if err := reactive.WaitForReady(ctx, store, stepTimeout); err != nil {
		return fmt.Sprintf("object %q did not become ready: %v", a.Key, err)
	}
	if msg := matchSubset(store.Value(), a.Expect); msg != "" {
		return fmt.Sprintf("object %q: %s", a.Key, msg)
	}
	return ""
}

// assertResolves checks a registered key maps to some identifier.
func assertResolves(ctx context.Context, tenant *dispatch.Tenant, a *Assertion) string {
	if _, err := tenant.Registry.Resolve(ctx, a.Key); err != nil {
		return fmt.Sprintf("key %q did not resolve: %v", a.Key, err)
	}
	return ""
}
