package localnode

import (
	"context"
	"sort"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

// mapNode adapts one containerState to the crdt.Map interface. Handles are
// cheap views; all state lives on the Node so every handle for an id sees
// the same merged data.
type mapNode struct {
	n  *Node
	id crdt.NodeID
}

func (m *mapNode) Header() crdt.Header {
	m.n.mu.Lock()
	defer m.n.mu.Unlock()
	return m.n.containers[m.id].header
}

func (m *mapNode) Get(key string) (value.Value, bool) {
	m.n.mu.Lock()
	defer m.n.mu.Unlock()
	reg := m.n.containers[m.id].entries[key]
	if reg == nil || reg.deleted {
		return nil, false
	}
	return reg.val, true
}

func (m *mapNode) Keys() []string {
	m.n.mu.Lock()
	defer m.n.mu.Unlock()
	var keys []string
	for k, reg := range m.n.containers[m.id].entries {
		if !reg.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *mapNode) Set(ctx context.Context, key string, v value.Value) error {
	if err := m.live(); err != nil {
		return err
	}
	return m.n.commit(m.n.newOp(opSet, m.id, key, v))
}

func (m *mapNode) Update(ctx context.Context, key string, fn func(prior value.Value) value.Value) error {
	if err := m.live(); err != nil {
		return err
	}
	// Read-modify-write as one merge step: the written register carries a
	// stamp taken after the read, so concurrent Updates on other replicas
	// converge by (seq, actor) with both having seen their own prior.
	m.n.mu.Lock()
	var prior value.Value
	if reg := m.n.containers[m.id].entries[key]; reg != nil && !reg.deleted {
		prior = reg.val
	}
	m.n.mu.Unlock()
	return m.n.commit(m.n.newOp(opSet, m.id, key, fn(prior)))
}

func (m *mapNode) CompareAndSet(ctx context.Context, key string, prior, v value.Value) (bool, error) {
	if err := m.live(); err != nil {
		return false, err
	}
	m.n.mu.Lock()
	var cur value.Value
	if reg := m.n.containers[m.id].entries[key]; reg != nil && !reg.deleted {
		cur = reg.val
	}
	if !value.Equal(cur, prior) {
		m.n.mu.Unlock()
		return false, nil
	}
	m.n.mu.Unlock()
	return true, m.n.commit(m.n.newOp(opSet, m.id, key, v))
}

func (m *mapNode) Delete(ctx context.Context, key string) error {
	if err := m.live(); err != nil {
		return err
	}
	return m.n.commit(m.n.newOp(opDelete, m.id, key, nil))
}

// live rejects writes to a tombstoned container.
func (m *mapNode) live() error {
	m.n.mu.Lock()
	defer m.n.mu.Unlock()
	cs := m.n.containers[m.id]
	if cs == nil || cs.tombstone {
		return fault.New(fault.NotFound, "container removed").WithRef(string(m.id))
	}
	return nil
}

// listNode adapts one containerState to the crdt.List interface.
type listNode struct {
	n  *Node
	id crdt.NodeID
}

func (l *listNode) Header() crdt.Header {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()
	return l.n.containers[l.id].header
}

func (l *listNode) Items() []value.Value {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()
	els := l.n.containers[l.id].orderedElements()
	out := make([]value.Value, len(els))
	for i, el := range els {
		out[i] = el.val
	}
	return out
}

func (l *listNode) Len() int {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()
	return len(l.n.containers[l.id].orderedElements())
}

func (l *listNode) Append(ctx context.Context, items ...value.Value) error {
	if err := l.live(); err != nil {
		return err
	}
	for _, item := range items {
		o := l.n.newOp(opAppend, l.id, "", item)
		o.Key = o.ID // element id = op id: unique and stable across merges
		if err := l.n.commit(o); err != nil {
			return err
		}
	}
	return nil
}

func (l *listNode) Remove(ctx context.Context, v value.Value) (bool, error) {
	if err := l.live(); err != nil {
		return false, err
	}
	l.n.mu.Lock()
	var target string
	for _, el := range l.n.containers[l.id].orderedElements() {
		if value.Equal(el.val, v) {
			target = el.id
			break
		}
	}
	l.n.mu.Unlock()
	if target == "" {
		return false, nil
	}
	return true, l.n.commit(l.n.newOp(opRemove, l.id, target, nil))
}

func (l *listNode) live() error {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()
	cs := l.n.containers[l.id]
	if cs == nil || cs.tombstone {
		return fault.New(fault.NotFound, "container removed").WithRef(string(l.id))
	}
	return nil
}

// streamNode adapts one containerState to the crdt.Stream interface.
type streamNode struct {
	n  *Node
	id crdt.NodeID
}

func (s *streamNode) Header() crdt.Header {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.n.containers[s.id].header
}

func (s *streamNode) Items() []value.Value {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	els := s.n.containers[s.id].orderedElements()
	out := make([]value.Value, len(els))
	for i, el := range els {
		out[i] = el.val
	}
	return out
}

func (s *streamNode) Append(ctx context.Context, items ...value.Value) error {
	s.n.mu.Lock()
	cs := s.n.containers[s.id]
	dead := cs == nil || cs.tombstone
	s.n.mu.Unlock()
	if dead {
		return fault.New(fault.NotFound, "container removed").WithRef(string(s.id))
	}
	for _, item := range items {
		o := s.n.newOp(opAppend, s.id, "", item)
		o.Key = o.ID
		if err := s.n.commit(o); err != nil {
			return err
		}
	}
	return nil
}

// groupNode adapts one groupState to the crdt.Group interface.
type groupNode struct {
	n  *Node
	id crdt.NodeID
}

func (g *groupNode) ID() crdt.NodeID { return g.id }

func (g *groupNode) SetMember(ctx context.Context, account crdt.NodeID, role crdt.Role) error {
	// The grant is recorded against the account's signing agent, which is
	// resolved here and never crosses the substrate boundary.
	g.n.mu.Lock()
	_, synced := g.n.accounts[account]
	g.n.mu.Unlock()
	if !synced {
		return fault.New(fault.NotFound, "account not synced to this replica").WithRef(string(account))
	}
	return g.n.commit(g.n.newOp(opMember, g.id, string(account), value.String(role.String())))
}

func (g *groupNode) Role(account crdt.NodeID) (crdt.Role, bool) {
	g.n.mu.Lock()
	defer g.n.mu.Unlock()
	reg := g.n.groups[g.id].members[account]
	if reg == nil {
		return 0, false
	}
	return roleOf(reg), true
}

func (g *groupNode) Members() map[crdt.NodeID]crdt.Role {
	g.n.mu.Lock()
	defer g.n.mu.Unlock()
	out := make(map[crdt.NodeID]crdt.Role)
	for account, reg := range g.n.groups[g.id].members {
		out[account] = roleOf(reg)
	}
	return out
}

func (g *groupNode) Extend(ctx context.Context, parent crdt.NodeID, ceiling crdt.Role) error {
	return g.n.commit(g.n.newOp(opExtend, g.id, string(parent), value.String(ceiling.String())))
}

func (g *groupNode) Extensions() []crdt.Extension {
	g.n.mu.Lock()
	defer g.n.mu.Unlock()
	var out []crdt.Extension
	for parent, reg := range g.n.groups[g.id].extensions {
		out = append(out, crdt.Extension{Parent: parent, Ceiling: roleOf(reg)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parent < out[j].Parent })
	return out
}

func roleOf(reg *register) crdt.Role {
	name, _ := reg.val.(value.String)
	role, err := crdt.ParseRole(string(name))
	if err != nil {
		return crdt.RoleRevoked
	}
	return role
}
