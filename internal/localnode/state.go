package localnode

import (
	"sort"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/value"
)

// register is a last-writer-wins cell ordered by (seq, actor).
type register struct {
	val     value.Value
	seq     int64
	actor   string
	deleted bool
}

// containerState is the merged state of one container.
type containerState struct {
	header    crdt.Header
	tombstone bool

	// KindMap
	entries map[string]*register

	// KindList / KindStream: elements keyed by stable element id,
	// ordered by (seq, actor, id).
	elements map[string]*element
}

type element struct {
	id      string
	val     value.Value
	seq     int64
	actor   string
	removed bool
}

// orderedElements returns live elements in merge order.
func (cs *containerState) orderedElements() []*element {
	els := make([]*element, 0, len(cs.elements))
	for _, el := range cs.elements {
		if !el.removed {
			els = append(els, el)
		}
	}
	sort.Slice(els, func(i, j int) bool {
		if els[i].seq != els[j].seq {
			return els[i].seq < els[j].seq
		}
		if els[i].actor != els[j].actor {
			return els[i].actor < els[j].actor
		}
		return els[i].id < els[j].id
	})
	return els
}

// groupState is the merged state of one group. Members and extensions are
// registers keyed by account/parent id; revocation is a role write, never a
// physical delete.
type groupState struct {
	id         crdt.NodeID
	members    map[crdt.NodeID]*register
	extensions map[crdt.NodeID]*register
}

// accountState is the merged state of one account. The signing agent id
// stays private to the substrate; nothing above this package sees it.
type accountState struct {
	id             crdt.NodeID
	registriesRoot crdt.NodeID
	indexRoot      crdt.NodeID
	agent          string
}

func (a *accountState) ID() crdt.NodeID             { return a.id }
func (a *accountState) RegistriesRoot() crdt.NodeID { return a.registriesRoot }
func (a *accountState) IndexRoot() crdt.NodeID      { return a.indexRoot }
