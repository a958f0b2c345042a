// Package dispatch exposes the store to the application runtime as a
// single entrypoint over a closed set of operations.
//
// Operation is a sum type: each kind carries its own typed payload and the
// dispatcher switches exhaustively. There is no string-keyed dispatch - an
// unknown operation is unrepresentable.
package dispatch

import (
	"github.com/roach88/strata/internal/value"
)

// Operation is the sealed operation union.
type Operation interface {
	isOperation()
}

// Read returns a reactive store over one object or a filtered schema query.
type Read struct {
	// Schema selects the index for a query read. Ignored when Key is set.
	Schema string
	// Key is an object id or a registered key; empty means query.
	Key string
	// Filter is an equality filter over flattened field values; nil
	// returns all objects of the schema.
	Filter value.Map
}

func (Read) isOperation() {}

// Create validates data and creates a new object of the schema.
type Create struct {
	Schema string
	Data   value.Map
}

func (Create) isOperation() {}

// Update merges the supplied fields into an existing object. The schema is
// derived from the object's header, never re-supplied.
type Update struct {
	Key  string
	Data value.Map
}

func (Update) isOperation() {}

// Delete tombstones an object and removes it from its schema index.
type Delete struct {
	Key string
}

func (Delete) isOperation() {}

// Append adds items to a list or stream object.
type Append struct {
	Key   string
	Items []value.Value
}

func (Append) isOperation() {}

// ResolveKey maps a registered key to its stable identifier.
type ResolveKey struct {
	Key string
}

func (ResolveKey) isOperation() {}

// LoadSchema returns a schema definition, loading it from the substrate
// when not already in the catalog.
type LoadSchema struct {
	Name string
}

func (LoadSchema) isOperation() {}

// Seed idempotently provisions the tenant: schema definitions (reusing
// existing identifiers when unchanged), configuration objects, and
// re-derived indexes. Safe to invoke repeatedly.
type Seed struct {
	// Source is CUE schema definition text. Empty reuses the definitions
	// already seeded into the substrate.
	Source string
}

func (Seed) isOperation() {}
