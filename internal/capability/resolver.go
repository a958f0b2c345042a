// Package capability resolves named permissions on a container to the group
// that enforces them.
//
// Resolution follows one deterministic path with no fallback:
// container -> capability-set id (header) -> capability-set map -> named
// entry -> group. Each hop waits, bounded, for the node to become
// available; a hop that never arrives is a Timeout, which is distinct from
// a true "not configured" NotFound.
package capability

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

// DefaultHopTimeout bounds the wait at each resolution hop.
const DefaultHopTimeout = 12 * time.Second

type cacheKey struct {
	container crdt.NodeID
	name      string
}

// Resolver resolves capability names to group ids.
//
// Results are cached per (container, capability) for the resolver's
// lifetime with no invalidation. Capability bindings are provisioned once
// at onboarding and treated as static afterwards; reusing this resolver in
// a domain with churning bindings requires adding explicit invalidation
// first. The cache is owned by the instance - there is no package-level
// state.
type Resolver struct {
	sub        crdt.Substrate
	hopTimeout time.Duration

	mu    sync.Mutex
	cache map[cacheKey]crdt.NodeID
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHopTimeout overrides the per-hop availability wait.
func WithHopTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.hopTimeout = d }
}

// NewResolver creates a resolver over the given substrate.
func NewResolver(sub crdt.Substrate, opts ...Option) *Resolver {
	r := &Resolver{
		sub:        sub,
		hopTimeout: DefaultHopTimeout,
		cache:      make(map[cacheKey]crdt.NodeID),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the group id enforcing the named capability on the
// container.
//
// Fault codes:
//   - CapabilityMissing: no capability set configured, the set is not a
//     map, or the bound group is absent or malformed (fails closed)
//   - NotFound: the set exists but has no entry for name
//   - Timeout: a hop did not become available within the bound
func (r *Resolver) Resolve(ctx context.Context, container crdt.Container, name string) (crdt.NodeID, error) {
	header := container.Header()
	key := cacheKey{container: header.ID, name: name}

	r.mu.Lock()
	if group, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return group, nil
	}
	r.mu.Unlock()

	group, err := r.resolve(ctx, header, name)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = group
	r.mu.Unlock()
	return group, nil
}

// ResolveID is Resolve for callers holding only the container id.
func (r *Resolver) ResolveID(ctx context.Context, id crdt.NodeID, name string) (crdt.NodeID, error) {
	hopCtx, cancel := context.WithTimeout(ctx, r.hopTimeout)
	defer cancel()
	container, err := r.sub.Container(hopCtx, id)
	if err != nil {
		return "", err
	}
	return r.Resolve(ctx, container, name)
}

func (r *Resolver) resolve(ctx context.Context, header crdt.Header, name string) (crdt.NodeID, error) {
	capsID := header.Capabilities
	if capsID == "" {
		return "", fault.New(fault.CapabilityMissing, "container has no capability set").
			WithRef(string(header.ID))
	}

	hopCtx, cancel := context.WithTimeout(ctx, r.hopTimeout)
	defer cancel()
	capsContainer, err := r.sub.Container(hopCtx, capsID)
	if err != nil {
		if fault.IsTimeout(err) {
			return "", err
		}
		return "", fault.Newf(fault.CapabilityMissing, "capability set unavailable: %v", err).
			WithRef(string(capsID))
	}

	capsMap, ok := capsContainer.AsMap()
	if !ok {
		return "", fault.New(fault.CapabilityMissing, "capability set is not a map container").
			WithRef(string(capsID))
	}

	entry, ok := capsMap.Get(name)
	if !ok {
		return "", fault.Newf(fault.NotFound, "capability %q is not configured", name).
			WithRef(string(header.ID))
	}

	groupRef, ok := entry.(value.String)
	if !ok {
		return "", fault.Newf(fault.CapabilityMissing, "capability %q entry is not a group reference", name).
			WithRef(string(capsID))
	}
	groupID, ok := crdt.ParseID(string(groupRef))
	if !ok || !groupID.IsGroupID() {
		return "", fault.Newf(fault.CapabilityMissing, "capability %q is bound to a malformed group id %q", name, groupRef).
			WithRef(string(capsID))
	}

	// Verify the group actually resolves: a dangling binding fails closed.
	groupCtx, cancelGroup := context.WithTimeout(ctx, r.hopTimeout)
	defer cancelGroup()
	if _, err := r.sub.Group(groupCtx, groupID); err != nil {
		if fault.IsTimeout(err) {
			return "", err
		}
		return "", fault.Newf(fault.CapabilityMissing, "capability %q group does not resolve: %v", name, err).
			WithRef(string(groupID))
	}

	return groupID, nil
}
