// Package object implements the CRUD entrypoints, tying together schema
// validation, capability checks, and index maintenance.
//
// The write itself is atomic at the substrate; the paired index update is
// a derived projection and is independently retryable, so end-to-end
// atomicity across write+index is not guaranteed - only write success is.
package object

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/strata/internal/capability"
	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/group"
	"github.com/roach88/strata/internal/index"
	"github.com/roach88/strata/internal/reactive"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/value"
)

// Capability names checked by object operations.
const (
	CapOwner  = "owner"
	CapWriter = "writer"
	CapReader = "reader"
)

// DefaultLoadTimeout bounds object availability waits on mutations.
const DefaultLoadTimeout = 15 * time.Second

// State is an operation's position in its lifecycle:
// pending -> validating -> {applying -> committed} | rejected.
type State string

const (
	StatePending    State = "pending"
	StateValidating State = "validating"
	StateApplying   State = "applying"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
)

// Result reports a completed (or rejected) operation.
type Result struct {
	ID    crdt.NodeID
	Value value.Map
	State State

	// Trace records every state the operation passed through, in order.
	Trace []State
}

func newResult() *Result {
	return &Result{State: StatePending, Trace: []State{StatePending}}
}

func (r *Result) to(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

func (r *Result) reject() { r.to(StateRejected) }

// Config assembles a Service.
type Config struct {
	Substrate    crdt.Substrate
	Catalog      *schema.Catalog
	Index        *index.Manager
	Capabilities *capability.Resolver

	// Anchor is the tenant's config container; its capability set is
	// where object operations resolve "owner", "writer", and "reader".
	Anchor crdt.Container

	// Account acts as the caller identity for capability role checks.
	Account crdt.NodeID

	Reader      *reactive.Reader
	Log         *slog.Logger
	LoadTimeout time.Duration
}

// Service is the CRUD entrypoint set.
type Service struct {
	sub     crdt.Substrate
	catalog *schema.Catalog
	idx     *index.Manager
	caps    *capability.Resolver
	anchor  crdt.Container
	account crdt.NodeID
	reader  *reactive.Reader
	log     *slog.Logger
	timeout time.Duration
}

// NewService creates the CRUD service.
func NewService(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	return &Service{
		sub:     cfg.Substrate,
		catalog: cfg.Catalog,
		idx:     cfg.Index,
		caps:    cfg.Capabilities,
		anchor:  cfg.Anchor,
		account: cfg.Account,
		reader:  cfg.Reader,
		log:     cfg.Log,
		timeout: cfg.LoadTimeout,
	}
}

// Create validates data against the schema, creates the object in the
// owning group, stamps the schema id into the immutable header, and indexes
// it. Returns the created value.
func (s *Service) Create(ctx context.Context, schemaID string, data value.Map) (*Result, error) {
	res := newResult()

	res.to(StateValidating)
	spec, err := s.catalog.Get(schemaID)
	if err != nil {
		res.reject()
		return res, err
	}
	if spec.Kind == crdt.KindMap {
		if errs := spec.Validate(data, false); len(errs) > 0 {
			res.reject()
			return res, validationFault(schemaID, errs)
		}
	} else if err := validateCollectionPayload(data); err != nil {
		res.reject()
		return res, err
	}

	owner, err := s.requireCapability(ctx, s.anchor, CapOwner, crdt.RoleWriter)
	if err != nil {
		res.reject()
		return res, err
	}

	res.to(StateApplying)
	container, err := s.sub.CreateContainer(ctx, spec.Kind, crdt.CreateOptions{
		Schema:       schemaID,
		Group:        owner,
		Capabilities: s.anchor.Header().Capabilities,
	})
	if err != nil {
		res.reject()
		return res, err
	}
	id := container.Header().ID

	switch spec.Kind {
	case crdt.KindMap:
		m, _ := container.AsMap()
		for _, key := range data.SortedKeys() {
			if err := m.Set(ctx, key, data[key]); err != nil {
				res.reject()
				return res, err
			}
		}
	case crdt.KindList:
		l, _ := container.AsList()
		if items, ok := data[reactive.KeyItems].(value.List); ok {
			if err := l.Append(ctx, items...); err != nil {
				res.reject()
				return res, err
			}
		}
	case crdt.KindStream:
		st, _ := container.AsStream()
		if items, ok := data[reactive.KeyItems].(value.List); ok {
			if err := st.Append(ctx, items...); err != nil {
				res.reject()
				return res, err
			}
		}
	}

	// The object write is authoritative; index maintenance is a derived
	// projection, repaired by reconciliation if this fails.
	if err := s.idx.IndexObject(ctx, schemaID, id); err != nil {
		s.log.Warn("index maintenance failed after create",
			"schema", schemaID, "id", string(id), "error", err)
	}

	res.to(StateCommitted)
	res.ID = id
	res.Value = reactive.Flatten(container)
	return res, nil
}

// Update validates the supplied fields against the schema derived from the
// object's own header - the schema id is never re-supplied - and merges
// them per key. Schema immutability means no re-indexing is triggered.
func (s *Service) Update(ctx context.Context, id crdt.NodeID, partial value.Map) (*Result, error) {
	res := newResult()

	loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	container, err := s.sub.Container(loadCtx, id)
	if err != nil {
		res.reject()
		return res, err
	}

	res.to(StateValidating)
	schemaID := container.Header().Schema
	if strings.HasPrefix(schemaID, "$") {
		res.reject()
		return res, fault.New(fault.ValidationFailed, "system containers cannot be updated").
			WithRef(string(id))
	}
	spec, err := s.catalog.Get(schemaID)
	if err != nil {
		res.reject()
		return res, err
	}
	if errs := spec.Validate(partial, true); len(errs) > 0 {
		res.reject()
		return res, validationFault(schemaID, errs)
	}

	m, ok := container.AsMap()
	if !ok {
		res.reject()
		return res, fault.New(fault.ValidationFailed, "update requires a map container; use append for lists and streams").
			WithRef(string(id))
	}

	if _, err := s.requireCapability(ctx, container, CapWriter, crdt.RoleWriter); err != nil {
		res.reject()
		return res, err
	}

	res.to(StateApplying)
	for _, key := range partial.SortedKeys() {
		if err := m.Set(ctx, key, partial[key]); err != nil {
			res.reject()
			return res, err
		}
	}

	res.to(StateCommitted)
	res.ID = id
	res.Value = reactive.Flatten(container)
	return res, nil
}

// Mutate rewrites one field as a pure function of its prior value, in one
// merge step. This is the entrypoint for changes that must stay atomic
// under concurrency, e.g. toggling a flag: a blind Update would overwrite
// concurrent intent, Mutate converges deterministically.
func (s *Service) Mutate(ctx context.Context, id crdt.NodeID, field string, fn func(prior value.Value) value.Value) (*Result, error) {
	res := newResult()

	loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	container, err := s.sub.Container(loadCtx, id)
	if err != nil {
		res.reject()
		return res, err
	}

	res.to(StateValidating)
	m, ok := container.AsMap()
	if !ok {
		res.reject()
		return res, fault.New(fault.ValidationFailed, "mutate requires a map container").
			WithRef(string(id))
	}
	if _, err := s.requireCapability(ctx, container, CapWriter, crdt.RoleWriter); err != nil {
		res.reject()
		return res, err
	}

	res.to(StateApplying)
	if err := m.Update(ctx, field, fn); err != nil {
		res.reject()
		return res, err
	}

	res.to(StateCommitted)
	res.ID = id
	res.Value = reactive.Flatten(container)
	return res, nil
}

// Delete tombstones the object and removes it from its schema index. The
// header survives the tombstone, so the id keeps its schema classification
// forever and can never be silently reused under a different schema.
func (s *Service) Delete(ctx context.Context, id crdt.NodeID) (*Result, error) {
	res := newResult()

	loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	container, err := s.sub.Container(loadCtx, id)
	if err != nil {
		res.reject()
		return res, err
	}
	schemaID := container.Header().Schema

	res.to(StateValidating)
	if _, err := s.requireCapability(ctx, container, CapOwner, crdt.RoleManager); err != nil {
		res.reject()
		return res, err
	}

	res.to(StateApplying)
	if err := s.sub.Remove(ctx, id); err != nil {
		res.reject()
		return res, err
	}

	if err := s.idx.DeindexObject(ctx, schemaID, id); err != nil {
		s.log.Warn("index maintenance failed after delete",
			"schema", schemaID, "id", string(id), "error", err)
	}

	res.to(StateCommitted)
	res.ID = id
	return res, nil
}

// Append adds items to an ordered or stream container. Only the container
// kind is validated; item payloads are the schema's element domain.
func (s *Service) Append(ctx context.Context, id crdt.NodeID, items []value.Value) (*Result, error) {
	res := newResult()

	loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	container, err := s.sub.Container(loadCtx, id)
	if err != nil {
		res.reject()
		return res, err
	}

	res.to(StateValidating)
	if _, err := s.requireCapability(ctx, container, CapWriter, crdt.RoleWriter); err != nil {
		res.reject()
		return res, err
	}

	res.to(StateApplying)
	switch container.Kind() {
	case crdt.KindList:
		l, _ := container.AsList()
		if err := l.Append(ctx, items...); err != nil {
			res.reject()
			return res, err
		}
	case crdt.KindStream:
		st, _ := container.AsStream()
		if err := st.Append(ctx, items...); err != nil {
			res.reject()
			return res, err
		}
	case crdt.KindMap:
		res.reject()
		return res, fault.New(fault.ValidationFailed, "append requires a list or stream container").
			WithRef(string(id))
	}

	res.to(StateCommitted)
	res.ID = id
	res.Value = reactive.Flatten(container)
	return res, nil
}

// Read returns a reactive store. With a non-empty id the read is a
// single-object read and skips indexing; otherwise the schema's index is
// resolved and filter applied (nil filter = all objects of the schema).
func (s *Service) Read(ctx context.Context, schemaID string, id crdt.NodeID, filter value.Map) (*reactive.Store, error) {
	if _, err := s.requireCapability(ctx, s.anchor, CapReader, crdt.RoleReader); err != nil {
		return nil, err
	}
	if id != "" {
		return s.reader.ReadID(ctx, id)
	}
	if _, err := s.catalog.Get(schemaID); err != nil {
		return nil, err
	}
	return s.reader.ReadQuery(ctx, schemaID, filter)
}

// requireCapability resolves a named capability on the container and
// checks the caller's effective role in the resolved group. Fails closed:
// any resolution failure rejects the operation.
func (s *Service) requireCapability(ctx context.Context, container crdt.Container, name string, need crdt.Role) (crdt.NodeID, error) {
	groupID, err := s.caps.Resolve(ctx, container, name)
	if err != nil {
		return "", err
	}
	role, err := group.EffectiveRole(ctx, s.sub, groupID, s.account)
	if err != nil {
		return "", err
	}
	if role < need {
		return "", fault.Newf(fault.CapabilityMissing, "capability %q requires role %s, caller has %s", name, need, role).
			WithRef(string(groupID))
	}
	return groupID, nil
}

func validationFault(schemaID string, errs []schema.ValidationError) error {
	details := make(map[string]string, len(errs))
	for _, e := range errs {
		details[e.Field] = e.Message
	}
	f := fault.Newf(fault.ValidationFailed, "payload rejected by schema %q (%d error(s))", schemaID, len(errs))
	f.Details = details
	return f
}

// validateCollectionPayload checks the create payload for list/stream
// schemas: only an optional "items" list is accepted.
func validateCollectionPayload(data value.Map) error {
	for key := range data {
		if key != reactive.KeyItems {
			return fault.Newf(fault.ValidationFailed, "collection create accepts only %q", reactive.KeyItems)
		}
	}
	if items, present := data[reactive.KeyItems]; present {
		if _, ok := items.(value.List); !ok {
			return fault.Newf(fault.ValidationFailed, "%q must be a list", reactive.KeyItems)
		}
	}
	return nil
}
