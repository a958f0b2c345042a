package schema

import (
	"sort"
	"sync"

	"github.com/roach88/strata/internal/fault"
)

// Catalog holds the live schema specs by id. It is the in-process view of
// the seeded definitions; LoadSchema operations read from it and seeding
// writes through it.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewCatalog creates a catalog with the given specs.
func NewCatalog(specs ...*Spec) *Catalog {
	c := &Catalog{specs: make(map[string]*Spec, len(specs))}
	for _, s := range specs {
		c.specs[s.Name] = s
	}
	return c
}

// Register adds or replaces a spec.
func (c *Catalog) Register(spec *Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Name] = spec
}

// Get returns the spec for a schema id.
func (c *Catalog) Get(name string) (*Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown schema").WithRef(name)
	}
	return spec, nil
}

// Names returns all registered schema ids, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
