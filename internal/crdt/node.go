// Package crdt defines the contract between the store and the replicated
// data substrate. The substrate supplies accounts, groups, and three
// container kinds with built-in merge; this package specifies their shape
// and the store never reaches below it.
package crdt

import (
	"context"
	"fmt"

	"github.com/roach88/strata/internal/value"
)

// Reserved schema ids for substrate- and store-internal containers.
// Application schemas may not start with "$"; the index manager excludes
// every "$"-schema container from indexing.
const (
	SchemaRegistry     = "$registry"
	SchemaIndexRoot    = "$index-root"
	SchemaIndex        = "$index"
	SchemaCapabilities = "$capabilities"
	SchemaDefinition   = "$schema"
	SchemaConfig       = "$config"
)

// Kind discriminates the three container kinds.
type Kind int

const (
	// KindMap is an unordered key -> value container.
	KindMap Kind = iota
	// KindList is an ordered container with stable element positions.
	KindList
	// KindStream is an append-only event container.
	KindStream
)

// String returns the kind name used in headers and persisted records.
func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindStream:
		return "stream"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a persisted kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "map":
		return KindMap, nil
	case "list":
		return KindList, nil
	case "stream":
		return KindStream, nil
	default:
		return 0, fmt.Errorf("unknown container kind %q", s)
	}
}

// Header is the immutable metadata attached to a container at creation.
// It is a value snapshot: no substrate API mutates a header after creation,
// which is what makes an object's schema id structurally immutable.
type Header struct {
	// ID is the container's stable identifier.
	ID NodeID

	// Kind is the container kind.
	Kind Kind

	// Schema is the declared schema id, set exactly once at creation.
	// Internal containers use reserved "$"-prefixed schema ids.
	Schema string

	// Group is the owning group enforcing access to the container.
	Group NodeID

	// Capabilities is the id of the capability-set map for this container,
	// or "" when none is configured.
	Capabilities NodeID

	// CreatedAt is the substrate's logical sequence at creation time.
	CreatedAt int64
}

// Map is a key -> value container with per-key register merge semantics.
type Map interface {
	Header() Header

	// Get returns the value at key, if present.
	Get(key string) (value.Value, bool)

	// Keys returns all live keys in unspecified order.
	Keys() []string

	// Set writes key to v. A plain Set is a blind overwrite; concurrent
	// Sets to the same key converge by (lamport, actor) ordering, which
	// can lose intent. Use Update for read-modify-write.
	Set(ctx context.Context, key string, v value.Value) error

	// Update applies fn to the prior value (nil if absent) and writes the
	// result as one merge step. This is the primitive for operations that
	// must be a pure function of the prior value, e.g. toggling a flag.
	Update(ctx context.Context, key string, fn func(prior value.Value) value.Value) error

	// CompareAndSet writes v only when the current value equals prior
	// (prior == nil means "absent"). Returns false without writing when
	// the comparison fails. This is the conditional-write primitive the
	// registry uses for first-writer-wins key registration.
	CompareAndSet(ctx context.Context, key string, prior, v value.Value) (bool, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// List is an ordered container with stable positions and tombstoned removal.
type List interface {
	Header() Header

	// Items returns live elements in order.
	Items() []value.Value

	// Append adds items after the current last element.
	Append(ctx context.Context, items ...value.Value) error

	// Remove tombstones the first live element equal to v.
	// Returns false when no element matched.
	Remove(ctx context.Context, v value.Value) (bool, error)

	// Len returns the number of live elements.
	Len() int
}

// Stream is an append-only event container. Entries are never removed.
type Stream interface {
	Header() Header

	// Items returns all entries in merge order.
	Items() []value.Value

	// Append adds entries to the stream.
	Append(ctx context.Context, items ...value.Value) error
}

// Container is a closed tagged union over the three container kinds.
// Exactly one variant is populated, selected by Kind(). Dispatching on the
// tag replaces runtime shape-probing and makes misclassification a
// compile-visible bug rather than a silent one.
type Container struct {
	kind   Kind
	m      Map
	l      List
	stream Stream
}

// NewMapContainer wraps a map node.
func NewMapContainer(m Map) Container { return Container{kind: KindMap, m: m} }

// NewListContainer wraps a list node.
func NewListContainer(l List) Container { return Container{kind: KindList, l: l} }

// NewStreamContainer wraps a stream node.
func NewStreamContainer(s Stream) Container { return Container{kind: KindStream, stream: s} }

// Kind returns the union tag.
func (c Container) Kind() Kind { return c.kind }

// Header returns the wrapped node's header.
func (c Container) Header() Header {
	switch c.kind {
	case KindMap:
		return c.m.Header()
	case KindList:
		return c.l.Header()
	case KindStream:
		return c.stream.Header()
	default:
		return Header{}
	}
}

// AsMap returns the map variant, or false when the tag differs.
func (c Container) AsMap() (Map, bool) { return c.m, c.kind == KindMap && c.m != nil }

// AsList returns the list variant, or false when the tag differs.
func (c Container) AsList() (List, bool) { return c.l, c.kind == KindList && c.l != nil }

// AsStream returns the stream variant, or false when the tag differs.
func (c Container) AsStream() (Stream, bool) {
	return c.stream, c.kind == KindStream && c.stream != nil
}
