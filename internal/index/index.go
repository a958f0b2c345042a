// Package index maintains one ordered index container per live schema id.
//
// The index is a derived, rebuildable projection of the object set: it is
// created lazily on the first object of a schema, shrinks to empty (but
// persists) as objects are removed, and can always be repaired from the
// substrate via Reconcile. Because it is derived, maintenance failures are
// logged by callers and never fail the originating write.
package index

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

// Manager maintains schema indexes under one index root.
type Manager struct {
	sub   crdt.Substrate
	root  crdt.NodeID // index root map: schema id -> index list id
	group crdt.NodeID // owning group for created index containers
	log   *slog.Logger

	mu      sync.Mutex
	indexes map[string]crdt.NodeID // resolved index ids, never invalidated
}

// NewManager creates an index manager over the account's index root.
func NewManager(sub crdt.Substrate, root, group crdt.NodeID, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sub:     sub,
		root:    root,
		group:   group,
		log:     log,
		indexes: make(map[string]crdt.NodeID),
	}
}

// EnsureIndex returns the index container id for a schema, creating it if
// absent. Idempotent: calling it twice returns the same id. A concurrent
// creation race settles through the root map's conditional write - the
// loser adopts the winner's index and its own orphan container is simply
// never referenced.
func (m *Manager) EnsureIndex(ctx context.Context, schemaID string) (crdt.NodeID, error) {
	m.mu.Lock()
	if id, ok := m.indexes[schemaID]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	root, err := m.rootMap(ctx)
	if err != nil {
		return "", err
	}

	if entry, ok := root.Get(schemaID); ok {
		if ref, isStr := entry.(value.String); isStr {
			if id, valid := crdt.ParseID(string(ref)); valid {
				m.remember(schemaID, id)
				return id, nil
			}
		}
	}

	created, err := m.sub.CreateContainer(ctx, crdt.KindList, crdt.CreateOptions{
		Schema: crdt.SchemaIndex,
		Group:  m.group,
	})
	if err != nil {
		return "", err
	}
	createdID := created.Header().ID

	ok, err := root.CompareAndSet(ctx, schemaID, nil, value.String(string(createdID)))
	if err != nil {
		return "", err
	}
	if !ok {
		// Lost the race: adopt the registered index.
		if entry, present := root.Get(schemaID); present {
			if ref, isStr := entry.(value.String); isStr {
				if id, valid := crdt.ParseID(string(ref)); valid {
					m.remember(schemaID, id)
					return id, nil
				}
			}
		}
	}

	m.remember(schemaID, createdID)
	return createdID, nil
}

// IndexObject appends an object id to its schema's index.
// No-op when the id is already indexed.
func (m *Manager) IndexObject(ctx context.Context, schemaID string, id crdt.NodeID) error {
	list, err := m.indexList(ctx, schemaID)
	if err != nil {
		return err
	}
	if containsID(list, id) {
		return nil
	}
	return list.Append(ctx, value.String(string(id)))
}

// DeindexObject removes an object id from its schema's index.
// No-op when the id is absent; removes duplicates should drift have
// introduced any.
func (m *Manager) DeindexObject(ctx context.Context, schemaID string, id crdt.NodeID) error {
	m.mu.Lock()
	_, known := m.indexes[schemaID]
	m.mu.Unlock()
	if !known {
		// No index means nothing to remove; do not create one just to
		// record an absence.
		root, err := m.rootMap(ctx)
		if err != nil {
			return err
		}
		if _, ok := root.Get(schemaID); !ok {
			return nil
		}
	}

	list, err := m.indexList(ctx, schemaID)
	if err != nil {
		return err
	}
	for {
		removed, err := list.Remove(ctx, value.String(string(id)))
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
	}
}

// Items returns the ids currently in a schema's index, in order.
func (m *Manager) Items(ctx context.Context, schemaID string) ([]crdt.NodeID, error) {
	root, err := m.rootMap(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := root.Get(schemaID); !ok {
		return []crdt.NodeID{}, nil
	}
	list, err := m.indexList(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	items := list.Items()
	out := make([]crdt.NodeID, 0, len(items))
	for _, item := range items {
		if ref, ok := item.(value.String); ok {
			out = append(out, crdt.NodeID(ref))
		}
	}
	return out, nil
}

// Reconcile rebuilds a schema's index to exactly match the live object set
// for that schema: every live object indexed once, nothing else. Used to
// repair drift after bulk operations or logged maintenance failures.
func (m *Manager) Reconcile(ctx context.Context, schemaID string) error {
	headers, err := m.sub.Headers(ctx)
	if err != nil {
		return err
	}
	live := make(map[crdt.NodeID]bool)
	for _, h := range headers {
		if h.Schema == schemaID && !m.isInternalHeader(h) {
			live[h.ID] = true
		}
	}

	list, err := m.indexList(ctx, schemaID)
	if err != nil {
		return err
	}

	// Drop stale and duplicate entries.
	indexed := make(map[crdt.NodeID]bool)
	for _, item := range list.Items() {
		ref, ok := item.(value.String)
		if !ok {
			continue
		}
		id := crdt.NodeID(ref)
		if !live[id] || indexed[id] {
			if _, err := list.Remove(ctx, item); err != nil {
				return err
			}
			m.log.Info("index reconcile: removed entry",
				"schema", schemaID, "id", string(id))
			continue
		}
		indexed[id] = true
	}

	// Add missing live objects.
	for id := range live {
		if !indexed[id] {
			if err := list.Append(ctx, value.String(string(id))); err != nil {
				return err
			}
			m.log.Info("index reconcile: added entry",
				"schema", schemaID, "id", string(id))
		}
	}
	return nil
}

// IsInternal reports whether an id refers to a reserved or system container
// that must never be indexed: accounts, groups, the index root, index
// containers themselves, and every "$"-schema container. Excluding them
// prevents self-reference cycles (an index indexing itself).
func (m *Manager) IsInternal(ctx context.Context, id crdt.NodeID) bool {
	if id.IsAccountID() || id.IsGroupID() {
		return true
	}
	if id == m.root {
		return true
	}
	container, err := m.sub.Container(ctx, id)
	if err != nil {
		// Unresolvable ids are treated as internal: indexing them could
		// only create dangling entries.
		return true
	}
	return m.isInternalHeader(container.Header())
}

func (m *Manager) isInternalHeader(h crdt.Header) bool {
	return h.ID == m.root || strings.HasPrefix(h.Schema, "$")
}

func (m *Manager) remember(schemaID string, id crdt.NodeID) {
	m.mu.Lock()
	m.indexes[schemaID] = id
	m.mu.Unlock()
}

func (m *Manager) rootMap(ctx context.Context) (crdt.Map, error) {
	container, err := m.sub.Container(ctx, m.root)
	if err != nil {
		return nil, err
	}
	root, ok := container.AsMap()
	if !ok {
		return nil, fault.New(fault.NotFound, "index root is not a map container").
			WithRef(string(m.root))
	}
	return root, nil
}

func (m *Manager) indexList(ctx context.Context, schemaID string) (crdt.List, error) {
	id, err := m.EnsureIndex(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	container, err := m.sub.Container(ctx, id)
	if err != nil {
		return nil, err
	}
	list, ok := container.AsList()
	if !ok {
		return nil, fault.New(fault.NotFound, "schema index is not a list container").
			WithRef(string(id))
	}
	return list, nil
}

func containsID(list crdt.List, id crdt.NodeID) bool {
	for _, item := range list.Items() {
		if ref, ok := item.(value.String); ok && crdt.NodeID(ref) == id {
			return true
		}
	}
	return false
}
