// Package localnode is an in-process implementation of the crdt.Substrate
// contract: a single replica with a Lamport-clocked op log, deterministic
// register merge, and optional SQLite durability.
//
// It exists so the store can run, and be tested, without a network sync
// layer. Two Nodes exchange state via Merge, which replays the peer's op
// log; because every op is id-deduplicated and register writes are ordered
// by (seq, actor), merge is commutative, associative, and idempotent.
package localnode

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

// Node is one replica of the substrate.
type Node struct {
	actor string
	clock *Clock
	ids   crdt.IDGenerator

	mu         sync.Mutex
	containers map[crdt.NodeID]*containerState
	groups     map[crdt.NodeID]*groupState
	accounts   map[crdt.NodeID]*accountState
	held       map[crdt.NodeID]bool
	waiters    map[crdt.NodeID][]chan struct{}
	subs       map[crdt.NodeID]map[int64]func()
	subSeq     int64
	ops        []op
	seen       map[string]bool
	opCounter  int64

	account      *accountState
	primaryGroup crdt.NodeID

	log *opLog // nil when running without durability
}

// Option configures a Node.
type Option func(*config)

type config struct {
	actor string
	ids   crdt.IDGenerator
	path  string
}

// WithActor sets the replica's actor id. Defaults to a fresh UUIDv7-based
// id. Actor ids break Lamport ties, so they must be unique per replica.
func WithActor(actor string) Option {
	return func(c *config) { c.actor = actor }
}

// WithIDGenerator injects the node id generator. Tests inject a fixed
// generator for deterministic ids.
func WithIDGenerator(gen crdt.IDGenerator) Option {
	return func(c *config) { c.ids = gen }
}

// WithDurability persists the op log to a SQLite database at path and
// replays it on open.
func WithDurability(path string) Option {
	return func(c *config) { c.path = path }
}

// New creates a replica. If the replica has no account yet (fresh node, or
// empty op log), it bootstraps one: a primary group with the account as
// admin, plus registries and index root containers.
func New(opts ...Option) (*Node, error) {
	cfg := config{ids: crdt.UUIDv7Generator{}}
	for _, o := range opts {
		o(&cfg)
	}

	var log *opLog
	if cfg.path != "" {
		var err error
		log, err = openOpLog(cfg.path)
		if err != nil {
			return nil, fmt.Errorf("open op log: %w", err)
		}
		// A durable replica keeps the identity that wrote its log: op ids
		// are minted per actor, so a fresh actor on every reopen would
		// strand the persisted account and its registries.
		actor, err := log.EnsureActor(context.Background(), cfg.actor)
		if err != nil {
			log.Close()
			return nil, err
		}
		cfg.actor = actor
	}
	if cfg.actor == "" {
		cfg.actor = string(crdt.UUIDv7Generator{}.NewID("actor"))
	}

	n := &Node{
		actor:      cfg.actor,
		clock:      NewClock(),
		ids:        cfg.ids,
		containers: make(map[crdt.NodeID]*containerState),
		groups:     make(map[crdt.NodeID]*groupState),
		accounts:   make(map[crdt.NodeID]*accountState),
		held:       make(map[crdt.NodeID]bool),
		waiters:    make(map[crdt.NodeID][]chan struct{}),
		subs:       make(map[crdt.NodeID]map[int64]func()),
		seen:       make(map[string]bool),
	}

	if log != nil {
		n.log = log
		persisted, err := log.ReadAll(context.Background())
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("replay op log: %w", err)
		}
		// ReadAll orders by seq, so the final op carries the highest stamp
		// this replica ever observed; new writes must sort after it.
		if len(persisted) > 0 {
			n.clock = NewClockAt(persisted[len(persisted)-1].Seq)
		}
		for _, o := range persisted {
			n.applyRemote(o)
		}
		n.resumeOpCounter()
		n.adoptReplayedAccount()
	}

	if n.account == nil {
		if err := n.bootstrap(); err != nil {
			if n.log != nil {
				n.log.Close()
			}
			return nil, err
		}
	}
	return n, nil
}

// Close releases the durability layer, if any.
func (n *Node) Close() error {
	if n.log != nil {
		return n.log.Close()
	}
	return nil
}

// Actor returns the replica's actor id.
func (n *Node) Actor() string { return n.actor }

// AccountID returns the replica's own account id.
func (n *Node) AccountID() crdt.NodeID { return n.account.id }

// PrimaryGroup returns the replica account's own group.
func (n *Node) PrimaryGroup() crdt.NodeID { return n.primaryGroup }

// bootstrap provisions the replica's account, primary group, and root
// containers. Ids are generated up front because the records reference
// each other.
func (n *Node) bootstrap() error {
	accountID := n.ids.NewID(crdt.PrefixAccount)
	groupID := n.ids.NewID(crdt.PrefixGroup)
	registriesID := n.ids.NewID(crdt.PrefixContainer)
	indexRootID := n.ids.NewID(crdt.PrefixContainer)
	agent := string(n.ids.NewID("agent"))

	steps := []op{
		n.newOp(opGroup, groupID, "", value.Map{"creator": value.String(string(accountID))}),
		n.newOp(opMember, groupID, string(accountID), value.String(crdt.RoleAdmin.String())),
		n.newOp(opCreate, registriesID, "", headerPayload(crdt.Header{
			Kind: crdt.KindMap, Schema: crdt.SchemaRegistry, Group: groupID,
		})),
		n.newOp(opCreate, indexRootID, "", headerPayload(crdt.Header{
			Kind: crdt.KindMap, Schema: crdt.SchemaIndexRoot, Group: groupID,
		})),
		n.newOp(opAccount, accountID, "", value.Map{
			"registries": value.String(string(registriesID)),
			"index":      value.String(string(indexRootID)),
			"group":      value.String(string(groupID)),
			"agent":      value.String(agent),
		}),
	}
	for _, o := range steps {
		if err := n.commit(o); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	n.mu.Lock()
	n.account = n.accounts[accountID]
	n.primaryGroup = groupID
	n.mu.Unlock()
	return nil
}

// resumeOpCounter advances the local op counter past every replayed op this
// actor authored. Without this a reopened replica would mint op ids that
// collide with persisted ones and be dropped by the id dedupe.
func (n *Node) resumeOpCounter() {
	n.mu.Lock()
	defer n.mu.Unlock()
	prefix := n.actor + ":"
	for _, o := range n.ops {
		if o.Actor != n.actor || !strings.HasPrefix(o.ID, prefix) {
			continue
		}
		if c, err := strconv.ParseInt(o.ID[len(prefix):], 10, 64); err == nil && c > n.opCounter {
			n.opCounter = c
		}
	}
}

// adoptReplayedAccount finds this actor's account in replayed state.
func (n *Node) adoptReplayedAccount() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.ops {
		if o.Kind == opAccount && o.Actor == n.actor {
			acct := n.accounts[o.Node]
			if acct == nil {
				continue
			}
			n.account = acct
			if m, ok := o.Payload.(value.Map); ok {
				if g, ok := m["group"].(value.String); ok {
					n.primaryGroup = crdt.NodeID(g)
				}
			}
			return
		}
	}
}


// newOp stamps a fresh local op. Callers must commit it.
func (n *Node) newOp(kind opKind, node crdt.NodeID, key string, payload value.Value) op {
	n.mu.Lock()
	n.opCounter++
	id := fmt.Sprintf("%s:%d", n.actor, n.opCounter)
	n.mu.Unlock()
	return op{
		ID:      id,
		Seq:     n.clock.Next(),
		Actor:   n.actor,
		Node:    node,
		Kind:    kind,
		Key:     key,
		Payload: payload,
	}
}

// commit applies a local op, persists it, and notifies subscribers.
func (n *Node) commit(o op) error {
	n.mu.Lock()
	notify := n.applyLocked(o)
	n.mu.Unlock()

	if n.log != nil {
		if err := n.log.Append(context.Background(), o); err != nil {
			return fmt.Errorf("persist op %s: %w", o.ID, err)
		}
	}
	for _, fn := range notify {
		fn()
	}
	return nil
}

// applyRemote applies an op received from a peer or replayed from disk.
func (n *Node) applyRemote(o op) {
	n.clock.Observe(o.Seq)
	n.mu.Lock()
	notify := n.applyLocked(o)
	n.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

// applyLocked merges one op into local state. Idempotent: ops are
// deduplicated by id. Returns subscriber callbacks to run outside the lock.
func (n *Node) applyLocked(o op) []func() {
	if n.seen[o.ID] {
		return nil
	}
	n.seen[o.ID] = true
	n.ops = append(n.ops, o)

	switch o.Kind {
	case opCreate:
		if _, exists := n.containers[o.Node]; !exists {
			header, err := headerFromPayload(o.Node, o.Seq, o.Payload)
			if err == nil {
				n.containers[o.Node] = &containerState{
					header:   header,
					entries:  make(map[string]*register),
					elements: make(map[string]*element),
				}
				n.wakeLocked(o.Node)
			}
		}
	case opSet:
		if cs := n.containers[o.Node]; cs != nil {
			reg := cs.entries[o.Key]
			if reg == nil || wins(o.Seq, o.Actor, reg.seq, reg.actor) {
				cs.entries[o.Key] = &register{val: o.Payload, seq: o.Seq, actor: o.Actor}
			}
		}
	case opDelete:
		if cs := n.containers[o.Node]; cs != nil {
			reg := cs.entries[o.Key]
			if reg == nil || wins(o.Seq, o.Actor, reg.seq, reg.actor) {
				cs.entries[o.Key] = &register{seq: o.Seq, actor: o.Actor, deleted: true}
			}
		}
	case opAppend:
		if cs := n.containers[o.Node]; cs != nil {
			if _, exists := cs.elements[o.Key]; !exists {
				cs.elements[o.Key] = &element{
					id: o.Key, val: o.Payload, seq: o.Seq, actor: o.Actor,
				}
			}
		}
	case opRemove:
		if cs := n.containers[o.Node]; cs != nil {
			// Removal is a permanent tombstone: element ids are unique,
			// so a removed element can never be re-added.
			if el := cs.elements[o.Key]; el != nil {
				el.removed = true
			} else {
				cs.elements[o.Key] = &element{id: o.Key, seq: o.Seq, actor: o.Actor, removed: true}
			}
		}
	case opTombstone:
		if cs := n.containers[o.Node]; cs != nil {
			cs.tombstone = true
		}
	case opGroup:
		if _, exists := n.groups[o.Node]; !exists {
			n.groups[o.Node] = &groupState{
				id:         o.Node,
				members:    make(map[crdt.NodeID]*register),
				extensions: make(map[crdt.NodeID]*register),
			}
			n.wakeLocked(o.Node)
		}
	case opMember:
		if gs := n.groups[o.Node]; gs != nil {
			member := crdt.NodeID(o.Key)
			reg := gs.members[member]
			if reg == nil || wins(o.Seq, o.Actor, reg.seq, reg.actor) {
				gs.members[member] = &register{val: o.Payload, seq: o.Seq, actor: o.Actor}
			}
		}
	case opExtend:
		if gs := n.groups[o.Node]; gs != nil {
			parent := crdt.NodeID(o.Key)
			reg := gs.extensions[parent]
			if reg == nil || wins(o.Seq, o.Actor, reg.seq, reg.actor) {
				gs.extensions[parent] = &register{val: o.Payload, seq: o.Seq, actor: o.Actor}
			}
		}
	case opAccount:
		if _, exists := n.accounts[o.Node]; !exists {
			m, ok := o.Payload.(value.Map)
			if ok {
				registries, _ := m["registries"].(value.String)
				index, _ := m["index"].(value.String)
				agent, _ := m["agent"].(value.String)
				n.accounts[o.Node] = &accountState{
					id:             o.Node,
					registriesRoot: crdt.NodeID(registries),
					indexRoot:      crdt.NodeID(index),
					agent:          string(agent),
				}
				n.wakeLocked(o.Node)
			}
		}
	}

	var notify []func()
	for _, fn := range n.subs[o.Node] {
		notify = append(notify, fn)
	}
	return notify
}

// Merge pulls the peer's op log into this replica. Safe to call in either
// or both directions, any number of times.
func (n *Node) Merge(peer *Node) {
	for _, o := range peer.snapshotOps() {
		n.applyRemote(o)
	}
}

func (n *Node) snapshotOps() []op {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]op, len(n.ops))
	copy(out, n.ops)
	return out
}

// Hold marks a node id as known-but-remote: loads suspend until Release.
// Test hook for exercising availability timeouts.
func (n *Node) Hold(id crdt.NodeID) {
	n.mu.Lock()
	n.held[id] = true
	n.mu.Unlock()
}

// Release clears a hold and wakes suspended loaders. A waiter whose
// context already expired stays timed out; the node is simply available
// for later reads, which is how a timed-out wait can still complete in
// the background.
func (n *Node) Release(id crdt.NodeID) {
	n.mu.Lock()
	delete(n.held, id)
	n.wakeLocked(id)
	n.mu.Unlock()
}

func (n *Node) wakeLocked(id crdt.NodeID) {
	for _, ch := range n.waiters[id] {
		close(ch)
	}
	delete(n.waiters, id)
}

// knownLocked reports whether id exists in any namespace.
func (n *Node) knownLocked(id crdt.NodeID) bool {
	if _, ok := n.containers[id]; ok {
		return true
	}
	if _, ok := n.groups[id]; ok {
		return true
	}
	_, ok := n.accounts[id]
	return ok
}

// WaitReady implements crdt.Substrate.
func (n *Node) WaitReady(ctx context.Context, id crdt.NodeID) error {
	for {
		n.mu.Lock()
		if n.knownLocked(id) && !n.held[id] {
			n.mu.Unlock()
			return nil
		}
		if !n.knownLocked(id) && !n.held[id] {
			n.mu.Unlock()
			return fault.New(fault.NotFound, "unknown node").WithRef(string(id))
		}
		ch := make(chan struct{})
		n.waiters[id] = append(n.waiters[id], ch)
		n.mu.Unlock()

		select {
		case <-ctx.Done():
			return fault.New(fault.Timeout, "node did not become available").WithRef(string(id))
		case <-ch:
		}
	}
}

// CreateContainer implements crdt.Substrate.
func (n *Node) CreateContainer(ctx context.Context, kind crdt.Kind, opts crdt.CreateOptions) (crdt.Container, error) {
	if opts.Schema == "" {
		return crdt.Container{}, fmt.Errorf("create container: schema is required")
	}
	if opts.Group == "" {
		return crdt.Container{}, fmt.Errorf("create container: owning group is required")
	}
	id := n.ids.NewID(crdt.PrefixContainer)
	header := crdt.Header{
		Kind: kind, Schema: opts.Schema,
		Group: opts.Group, Capabilities: opts.Capabilities,
	}
	if err := n.commit(n.newOp(opCreate, id, "", headerPayload(header))); err != nil {
		return crdt.Container{}, err
	}
	return n.Container(ctx, id)
}

// Container implements crdt.Substrate.
func (n *Node) Container(ctx context.Context, id crdt.NodeID) (crdt.Container, error) {
	if err := n.WaitReady(ctx, id); err != nil {
		return crdt.Container{}, err
	}
	n.mu.Lock()
	cs := n.containers[id]
	n.mu.Unlock()
	if cs == nil {
		return crdt.Container{}, fault.New(fault.NotFound, "not a container").WithRef(string(id))
	}
	if cs.tombstone {
		return crdt.Container{}, fault.New(fault.NotFound, "container removed").WithRef(string(id))
	}
	switch cs.header.Kind {
	case crdt.KindMap:
		return crdt.NewMapContainer(&mapNode{n: n, id: id}), nil
	case crdt.KindList:
		return crdt.NewListContainer(&listNode{n: n, id: id}), nil
	case crdt.KindStream:
		return crdt.NewStreamContainer(&streamNode{n: n, id: id}), nil
	default:
		return crdt.Container{}, fmt.Errorf("container %s has unknown kind", id)
	}
}

// Remove implements crdt.Substrate. The header survives the tombstone, so
// the id keeps its schema classification and can never be reused.
func (n *Node) Remove(ctx context.Context, id crdt.NodeID) error {
	n.mu.Lock()
	cs := n.containers[id]
	n.mu.Unlock()
	if cs == nil {
		return fault.New(fault.NotFound, "unknown container").WithRef(string(id))
	}
	if cs.tombstone {
		return nil // already removed, idempotent
	}
	return n.commit(n.newOp(opTombstone, id, "", nil))
}

// Headers implements crdt.Substrate.
func (n *Node) Headers(ctx context.Context) ([]crdt.Header, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []crdt.Header
	for _, cs := range n.containers {
		if !cs.tombstone {
			out = append(out, cs.header)
		}
	}
	return out, nil
}

// Subscribe implements crdt.Substrate.
func (n *Node) Subscribe(id crdt.NodeID, fn func()) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[id] == nil {
		n.subs[id] = make(map[int64]func())
	}
	n.subSeq++
	token := n.subSeq
	n.subs[id][token] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs[id], token)
		n.mu.Unlock()
	}, nil
}

// CreateGroup implements crdt.Substrate. The replica's account is the
// initial admin.
func (n *Node) CreateGroup(ctx context.Context) (crdt.Group, error) {
	id := n.ids.NewID(crdt.PrefixGroup)
	creator := n.account.id
	if err := n.commit(n.newOp(opGroup, id, "", value.Map{"creator": value.String(string(creator))})); err != nil {
		return nil, err
	}
	if err := n.commit(n.newOp(opMember, id, string(creator), value.String(crdt.RoleAdmin.String()))); err != nil {
		return nil, err
	}
	return &groupNode{n: n, id: id}, nil
}

// Group implements crdt.Substrate.
func (n *Node) Group(ctx context.Context, id crdt.NodeID) (crdt.Group, error) {
	if err := n.WaitReady(ctx, id); err != nil {
		return nil, err
	}
	n.mu.Lock()
	gs := n.groups[id]
	n.mu.Unlock()
	if gs == nil {
		return nil, fault.New(fault.NotFound, "not a group").WithRef(string(id))
	}
	return &groupNode{n: n, id: id}, nil
}

// Account implements crdt.Substrate.
func (n *Node) Account(ctx context.Context, id crdt.NodeID) (crdt.Account, error) {
	n.mu.Lock()
	acct := n.accounts[id]
	n.mu.Unlock()
	if acct == nil {
		return nil, fault.New(fault.NotFound, "account not synced to this replica").WithRef(string(id))
	}
	return acct, nil
}

var _ crdt.Substrate = (*Node)(nil)
