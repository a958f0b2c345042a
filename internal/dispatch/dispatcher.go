package dispatch

import (
	"context"
	"fmt"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/reactive"
	"github.com/roach88/strata/internal/value"
)

// Response is a dispatch outcome. Mutating operations populate Value (a
// plain value); Read populates Store.
type Response struct {
	ID    crdt.NodeID
	Value value.Value
	Store *reactive.Store
}

// Dispatch executes one operation against the tenant. The switch is
// exhaustive over the sealed Operation union.
func (t *Tenant) Dispatch(ctx context.Context, op Operation) (*Response, error) {
	switch op := op.(type) {
	case Read:
		var id crdt.NodeID
		if op.Key != "" {
			resolved, err := t.Registry.Resolve(ctx, op.Key)
			if err != nil {
				return nil, err
			}
			id = resolved
		}
		store, err := t.Objects.Read(ctx, op.Schema, id, op.Filter)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Store: store}, nil

	case Create:
		res, err := t.Objects.Create(ctx, op.Schema, op.Data)
		if err != nil {
			return nil, err
		}
		return &Response{ID: res.ID, Value: res.Value}, nil

	case Update:
		id, err := t.Registry.Resolve(ctx, op.Key)
		if err != nil {
			return nil, err
		}
		res, err := t.Objects.Update(ctx, id, op.Data)
		if err != nil {
			return nil, err
		}
		return &Response{ID: res.ID, Value: res.Value}, nil

	case Delete:
		id, err := t.Registry.Resolve(ctx, op.Key)
		if err != nil {
			return nil, err
		}
		res, err := t.Objects.Delete(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Response{ID: res.ID}, nil

	case Append:
		id, err := t.Registry.Resolve(ctx, op.Key)
		if err != nil {
			return nil, err
		}
		res, err := t.Objects.Append(ctx, id, op.Items)
		if err != nil {
			return nil, err
		}
		return &Response{ID: res.ID, Value: res.Value}, nil

	case ResolveKey:
		id, err := t.Registry.Resolve(ctx, op.Key)
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Value: value.String(string(id))}, nil

	case LoadSchema:
		spec, err := t.LoadSchema(ctx, op.Name)
		if err != nil {
			return nil, err
		}
		return &Response{Value: spec.Definition()}, nil

	case Seed:
		if err := t.Seed(ctx, op.Source); err != nil {
			return nil, err
		}
		return &Response{Value: value.Bool(true)}, nil

	default:
		// Unreachable: Operation is sealed.
		return nil, fmt.Errorf("unhandled operation %T", op)
	}
}
