package localnode

import (
	"fmt"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/value"
)

// opKind enumerates the mutation kinds that flow through the op log.
// Every state change - local or merged from a peer - is one of these.
type opKind string

const (
	opCreate    opKind = "create"     // new container (payload: header)
	opSet       opKind = "set"        // map register write (key, payload)
	opDelete    opKind = "delete"     // map register tombstone (key)
	opAppend    opKind = "append"     // list/stream element (key = element id, payload)
	opRemove    opKind = "remove"     // list element tombstone (key = element id)
	opTombstone opKind = "tombstone"  // container removal
	opGroup     opKind = "group"      // new group (payload: creator account)
	opMember    opKind = "member"     // group role register (key = account id)
	opExtend    opKind = "extend"     // group delegation register (key = parent id)
	opAccount   opKind = "account"    // new account (payload: roots)
)

// op is the unit of replication and persistence. Ops are immutable once
// created; applying the same op twice is a no-op (id-deduplicated), and
// applying a set of ops in any order converges to the same state.
type op struct {
	// ID is unique per op: "<actor>:<n>" with n a per-replica counter.
	ID string

	// Seq is the Lamport timestamp; with Actor it totally orders
	// concurrent register writes.
	Seq   int64
	Actor string

	// Node is the affected container, group, or account.
	Node crdt.NodeID

	Kind opKind

	// Key is the map key, element id, member account, or parent group,
	// depending on Kind.
	Key string

	// Payload carries the written value. For opCreate/opAccount the
	// payload encodes structural fields as a value.Map.
	Payload value.Value
}

// headerPayload encodes a container header as an op payload.
func headerPayload(h crdt.Header) value.Map {
	return value.Map{
		"kind":         value.String(h.Kind.String()),
		"schema":       value.String(h.Schema),
		"group":        value.String(string(h.Group)),
		"capabilities": value.String(string(h.Capabilities)),
	}
}

// headerFromPayload decodes a container header from an op payload.
func headerFromPayload(id crdt.NodeID, seq int64, payload value.Value) (crdt.Header, error) {
	m, ok := payload.(value.Map)
	if !ok {
		return crdt.Header{}, fmt.Errorf("create op payload is not a map: %T", payload)
	}
	kindName, _ := m["kind"].(value.String)
	kind, err := crdt.ParseKind(string(kindName))
	if err != nil {
		return crdt.Header{}, err
	}
	schema, _ := m["schema"].(value.String)
	group, _ := m["group"].(value.String)
	caps, _ := m["capabilities"].(value.String)
	return crdt.Header{
		ID:           id,
		Kind:         kind,
		Schema:       string(schema),
		Group:        crdt.NodeID(group),
		Capabilities: crdt.NodeID(caps),
		CreatedAt:    seq,
	}, nil
}

// wins reports whether a write stamped (seq, actor) beats the register's
// current stamp. Ties on seq break by actor id, so the order is total and
// identical on every replica.
func wins(seq int64, actor string, curSeq int64, curActor string) bool {
	if seq != curSeq {
		return seq > curSeq
	}
	return actor > curActor
}
