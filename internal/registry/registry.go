// Package registry maps human-readable keys to stable node ids.
//
// A registry is a named key -> identifier mapping owned by an account. Many
// keys may point at the same target, but a key maps to exactly one target:
// re-registering a key with a different target is a Conflict, re-registering
// with the same target is an idempotent success.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

// DefaultWaitTimeout bounds the registry-root availability wait.
const DefaultWaitTimeout = 10 * time.Second

// Resolver resolves keys against an account's registries root.
type Resolver struct {
	sub         crdt.Substrate
	root        crdt.NodeID
	waitTimeout time.Duration

	mu     sync.Mutex
	rootCh crdt.Map // cached handle once the root has loaded
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWaitTimeout overrides the root availability wait.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.waitTimeout = d }
}

// NewResolver creates a resolver over the registries root container.
func NewResolver(sub crdt.Substrate, root crdt.NodeID, opts ...Option) *Resolver {
	r := &Resolver{sub: sub, root: root, waitTimeout: DefaultWaitTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps a key to a node id.
//
// A key that already matches the canonical identifier shape is returned
// unchanged without touching the registry. Otherwise the key is looked up
// in the root mapping; there is no fuzzy matching, and resolution never
// creates entries.
func (r *Resolver) Resolve(ctx context.Context, key string) (crdt.NodeID, error) {
	if id, ok := crdt.ParseID(key); ok {
		return id, nil
	}

	root, err := r.rootMap(ctx)
	if err != nil {
		return "", err
	}

	entry, ok := root.Get(key)
	if !ok {
		return "", fault.Newf(fault.NotFound, "key %q is not registered", key).WithRef(key)
	}
	ref, ok := entry.(value.String)
	if !ok {
		return "", fault.Newf(fault.NotFound, "key %q entry is not an identifier", key).WithRef(key)
	}
	id, ok := crdt.ParseID(string(ref))
	if !ok {
		return "", fault.Newf(fault.NotFound, "key %q resolves to malformed id %q", key, ref).WithRef(key)
	}
	return id, nil
}

// Register binds a key to a target id. Registration is explicit and
// separate from resolution.
//
// Uses the map's conditional write: the bind succeeds only when the key is
// absent. An existing bind to the same target is a no-op success; a bind to
// a different target is a Conflict.
func (r *Resolver) Register(ctx context.Context, key string, target crdt.NodeID) error {
	if _, ok := crdt.ParseID(key); ok {
		return fault.Newf(fault.Conflict, "key %q has the canonical identifier shape", key).WithRef(key)
	}

	root, err := r.rootMap(ctx)
	if err != nil {
		return err
	}

	ok, err := root.CompareAndSet(ctx, key, nil, value.String(string(target)))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	// Key already bound: same target is idempotent, different is a
	// conflict.
	current, present := root.Get(key)
	if present {
		if ref, isStr := current.(value.String); isStr && crdt.NodeID(ref) == target {
			return nil
		}
	}
	return fault.Newf(fault.Conflict, "key %q is already bound to a different target", key).WithRef(key)
}

// Entries returns all registered keys and their targets, for display.
func (r *Resolver) Entries(ctx context.Context) (map[string]crdt.NodeID, error) {
	root, err := r.rootMap(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]crdt.NodeID)
	for _, key := range root.Keys() {
		if entry, ok := root.Get(key); ok {
			if ref, isStr := entry.(value.String); isStr {
				out[key] = crdt.NodeID(ref)
			}
		}
	}
	return out, nil
}

// rootMap loads the registries root, waiting bounded for availability.
// The handle is cached: container handles are live views, so one handle
// serves the resolver's lifetime.
func (r *Resolver) rootMap(ctx context.Context) (crdt.Map, error) {
	r.mu.Lock()
	if r.rootCh != nil {
		m := r.rootCh
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()
	container, err := r.sub.Container(waitCtx, r.root)
	if err != nil {
		return nil, err
	}
	m, ok := container.AsMap()
	if !ok {
		return nil, fault.New(fault.NotFound, "registries root is not a map container").
			WithRef(string(r.root))
	}

	r.mu.Lock()
	r.rootCh = m
	r.mu.Unlock()
	return m, nil
}
