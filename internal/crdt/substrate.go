package crdt

import (
	"context"
)

// CreateOptions carries the immutable header fields for a new container.
type CreateOptions struct {
	// Schema is the declared schema id, required.
	Schema string

	// Group is the owning group, required.
	Group NodeID

	// Capabilities optionally binds a capability-set map container.
	Capabilities NodeID
}

// Substrate is the injected CRDT primitive layer. Any replicated data
// library that can satisfy this interface is sufficient; the store never
// implements merge itself.
//
// Availability model: a node is either locally available (reads are
// immediate) or remote (a load suspends the caller until the node arrives
// or the context expires). WaitReady is the suspension point; no store
// component holds a lock across it.
type Substrate interface {
	// CreateContainer creates a container of the given kind with an
	// immutable header stamped from opts.
	CreateContainer(ctx context.Context, kind Kind, opts CreateOptions) (Container, error)

	// Container loads a container by id. Returns a NotFound fault for
	// unknown ids and a Timeout fault when the node exists remotely but
	// did not become available before ctx expired.
	Container(ctx context.Context, id NodeID) (Container, error)

	// WaitReady suspends until the node is locally available or ctx
	// expires.
	WaitReady(ctx context.Context, id NodeID) error

	// Remove tombstones a container. The header survives the tombstone,
	// so a removed id keeps its schema classification forever and can
	// never be reborn as a different kind or schema.
	Remove(ctx context.Context, id NodeID) error

	// Headers enumerates the headers of all known live containers.
	// Used by index reconciliation to recover the true object set.
	Headers(ctx context.Context) ([]Header, error)

	// Subscribe registers fn to run after every applied change to the
	// node. The returned cancel func unregisters it.
	Subscribe(id NodeID, fn func()) (cancel func(), err error)

	// CreateGroup creates an empty group owned by the calling replica's
	// account, with the creator as initial admin.
	CreateGroup(ctx context.Context) (Group, error)

	// Group loads a group by id.
	Group(ctx context.Context, id NodeID) (Group, error)

	// Account loads an account by id. Returns a NotFound fault when the
	// account has never been synced to this replica.
	Account(ctx context.Context, id NodeID) (Account, error)
}
