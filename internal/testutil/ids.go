// Package testutil provides deterministic helpers for tests: a sequential
// node id generator and a silent logger.
package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/strata/internal/crdt"
)

// SequentialIDGenerator produces node ids from an incrementing counter.
//
// Unlike crdt.UUIDv7Generator, the same test run always produces the same
// ids, which makes trace output and golden files byte-stable.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SequentialIDGenerator struct {
	mu sync.Mutex
	n  uint64
}

// NewSequentialIDGenerator creates a generator starting at 1.
//
// The first id for prefix "co" is "co_00000000000000000000000000000001".
func NewSequentialIDGenerator() *SequentialIDGenerator {
	return &SequentialIDGenerator{}
}

// NewID returns the next id with the given prefix.
func (g *SequentialIDGenerator) NewID(prefix string) crdt.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return crdt.NodeID(fmt.Sprintf("%s_%032x", prefix, g.n))
}

// Reset restarts the counter. After Reset, NewID produces the same id
// sequence again.
func (g *SequentialIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}

var _ crdt.IDGenerator = (*SequentialIDGenerator)(nil)
