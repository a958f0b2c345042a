package reactive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/index"
	"github.com/roach88/strata/internal/value"
)

// Wait bounds. The foreground wait rejects the caller's read; the
// background load keeps going so a late arrival still populates the shared
// store.
const (
	DefaultWaitTimeout   = 10 * time.Second
	backgroundLoadExtent = 60 * time.Second
)

// Reserved keys always present on a flattened object.
const (
	KeyID     = "id"
	KeySchema = "schema"
	KeyKind   = "kind"
	KeyItems  = "items"
)

// Reader produces reactive stores over objects and schema queries.
type Reader struct {
	sub         crdt.Substrate
	idx         *index.Manager
	waitTimeout time.Duration
	log         *slog.Logger

	mu    sync.Mutex
	cache map[crdt.NodeID]*Store
}

// Option configures a Reader.
type Option func(*Reader)

// WithWaitTimeout overrides the foreground readiness wait.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Reader) { r.waitTimeout = d }
}

// NewReader creates a reader.
func NewReader(sub crdt.Substrate, idx *index.Manager, log *slog.Logger, opts ...Option) *Reader {
	if log == nil {
		log = slog.Default()
	}
	r := &Reader{
		sub:         sub,
		idx:         idx,
		waitTimeout: DefaultWaitTimeout,
		log:         log,
		cache:       make(map[crdt.NodeID]*Store),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ReadID returns the shared store for one object. The store tracks the
// object: substrate changes republish the flattened value to subscribers.
//
// A NotFound load rejects and evicts the handle so a later create+read
// starts fresh. A Timeout load rejects the caller but leaves the handle
// cached and loading in the background.
func (r *Reader) ReadID(ctx context.Context, id crdt.NodeID) (*Store, error) {
	r.mu.Lock()
	if s, ok := r.cache[id]; ok {
		r.mu.Unlock()
		if err := WaitForReady(ctx, s, r.waitTimeout); err != nil {
			return nil, err
		}
		return s, nil
	}
	s := NewStore()
	r.cache[id] = s
	r.mu.Unlock()

	go r.populate(id, s)

	if err := WaitForReady(ctx, s, r.waitTimeout); err != nil {
		if fault.IsNotFound(err) {
			r.evict(id)
		}
		return nil, err
	}
	return s, nil
}

// populate loads the object and keeps the store current.
func (r *Reader) populate(id crdt.NodeID, s *Store) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundLoadExtent)
	defer cancel()

	container, err := r.sub.Container(ctx, id)
	if err != nil {
		s.reject(err)
		r.evict(id)
		return
	}

	refresh := func() {
		current, err := r.sub.Container(context.Background(), id)
		if err != nil {
			// Deleted underneath the handle; keep the last value.
			return
		}
		s.publish(Flatten(current))
	}
	if _, err := r.sub.Subscribe(id, refresh); err != nil {
		s.reject(err)
		r.evict(id)
		return
	}
	s.publish(Flatten(container))
}

func (r *Reader) evict(id crdt.NodeID) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// ReadQuery returns a store over all objects of a schema matching filter.
// A nil filter matches everything. The store recomputes when the schema's
// index changes.
//
// Load failures for individual entries are not masked as an empty result:
// a Timeout rejects the query. A NotFound entry is index drift from a
// concurrent delete and is skipped; the live set genuinely no longer
// contains it.
func (r *Reader) ReadQuery(ctx context.Context, schemaID string, filter value.Map) (*Store, error) {
	indexID, err := r.idx.EnsureIndex(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	s := NewStore()
	compute := func(ctx context.Context) (value.List, error) {
		ids, err := r.idx.Items(ctx, schemaID)
		if err != nil {
			return nil, err
		}
		results := make(value.List, 0, len(ids))
		for _, id := range ids {
			container, err := r.sub.Container(ctx, id)
			if err != nil {
				if fault.IsNotFound(err) {
					r.log.Info("query skipped deleted index entry",
						"schema", schemaID, "id", string(id))
					continue
				}
				return nil, err
			}
			flat := Flatten(container)
			if MatchesFilter(flat, filter) {
				results = append(results, flat)
			}
		}
		return results, nil
	}

	results, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	recompute := func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.waitTimeout)
		defer cancel()
		results, err := compute(ctx)
		if err != nil {
			r.log.Warn("query recompute failed", "schema", schemaID, "error", err)
			return
		}
		s.publish(results)
	}
	if _, err := r.sub.Subscribe(indexID, recompute); err != nil {
		return nil, err
	}

	s.publish(results)
	return s, nil
}

// Flatten converts a container to a plain key -> value structure with the
// reserved keys always present. Maps flatten to their entries; lists and
// streams flatten to an "items" list.
func Flatten(c crdt.Container) value.Map {
	header := c.Header()
	out := value.Map{
		KeyID:     value.String(string(header.ID)),
		KeySchema: value.String(header.Schema),
		KeyKind:   value.String(header.Kind.String()),
	}
	switch c.Kind() {
	case crdt.KindMap:
		m, _ := c.AsMap()
		for _, key := range m.Keys() {
			if v, ok := m.Get(key); ok {
				out[key] = v
			}
		}
	case crdt.KindList:
		l, _ := c.AsList()
		out[KeyItems] = value.List(l.Items())
	case crdt.KindStream:
		st, _ := c.AsStream()
		out[KeyItems] = value.List(st.Items())
	}
	return out
}

// MatchesFilter reports whether every filter field equals the object's
// field value. A nil or empty filter matches everything.
func MatchesFilter(flat value.Map, filter value.Map) bool {
	for key, want := range filter {
		got, ok := flat[key]
		if !ok || !value.Equal(got, want) {
			return false
		}
	}
	return true
}
