package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/strata/internal/capability"
	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/group"
	"github.com/roach88/strata/internal/index"
	"github.com/roach88/strata/internal/object"
	"github.com/roach88/strata/internal/reactive"
	"github.com/roach88/strata/internal/registry"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/value"
)

// Reserved registry keys for tenant scaffolding. The "schema:" prefix
// namespaces one definition object per seeded schema.
const (
	keyOwnerGroup    = "tenant:owner"
	keyReadersGroup  = "tenant:readers"
	keyCapabilitySet = "tenant:capabilities"
	keyAnchor        = "tenant:anchor"
	schemaKeyPrefix  = "schema:"
)

// Tenant is one account-owned namespace: its capability groups, registries,
// schema catalog, and indexes, wired to the store components that operate
// on them.
type Tenant struct {
	Sub     crdt.Substrate
	Account crdt.NodeID

	OwnerGroup    crdt.NodeID
	ReadersGroup  crdt.NodeID
	CapabilitySet crdt.NodeID
	Anchor        crdt.Container

	Catalog  *schema.Catalog
	Registry *registry.Resolver
	Caps     *capability.Resolver
	Index    *index.Manager
	Reader   *reactive.Reader
	Objects  *object.Service
	Groups   *group.Manager

	log *slog.Logger
}

// NewTenant provisions (idempotently) the account's tenant scaffolding and
// wires the store components over it. Reopening an existing tenant reuses
// every provisioned id and reloads the seeded schema definitions.
func NewTenant(ctx context.Context, sub crdt.Substrate, accountID crdt.NodeID, log *slog.Logger) (*Tenant, error) {
	if log == nil {
		log = slog.Default()
	}
	acct, err := sub.Account(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("tenant account: %w", err)
	}

	t := &Tenant{
		Sub:      sub,
		Account:  accountID,
		Catalog:  schema.NewCatalog(),
		Registry: registry.NewResolver(sub, acct.RegistriesRoot()),
		Caps:     capability.NewResolver(sub),
		Groups:   group.NewManager(sub),
		log:      log,
	}

	if err := t.provision(ctx, acct); err != nil {
		return nil, err
	}

	t.Index = index.NewManager(sub, acct.IndexRoot(), t.OwnerGroup, log)
	t.Reader = reactive.NewReader(sub, t.Index, log)
	t.Objects = object.NewService(object.Config{
		Substrate:    sub,
		Catalog:      t.Catalog,
		Index:        t.Index,
		Capabilities: t.Caps,
		Anchor:       t.Anchor,
		Account:      accountID,
		Reader:       t.Reader,
		Log:          log,
	})

	if err := t.loadSeededSchemas(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// provision ensures groups, capability set, and anchor exist and are
// registered. Every step is a no-op when already provisioned.
func (t *Tenant) provision(ctx context.Context, acct crdt.Account) error {
	ownerID, err := t.ensureGroup(ctx, keyOwnerGroup)
	if err != nil {
		return err
	}
	t.OwnerGroup = ownerID

	readersID, err := t.ensureGroup(ctx, keyReadersGroup)
	if err != nil {
		return err
	}
	t.ReadersGroup = readersID

	// Everyone in the owner group can read through the readers group.
	readers, err := t.Sub.Group(ctx, readersID)
	if err != nil {
		return err
	}
	if !hasExtension(readers, ownerID, crdt.RoleReader) {
		if err := readers.Extend(ctx, ownerID, crdt.RoleReader); err != nil {
			return err
		}
	}

	capsID, err := t.ensureContainer(ctx, acct, keyCapabilitySet, crdt.KindMap, crdt.CreateOptions{
		Schema: crdt.SchemaCapabilities,
		Group:  ownerID,
	})
	if err != nil {
		return err
	}
	t.CapabilitySet = capsID

	capsContainer, err := t.Sub.Container(ctx, capsID)
	if err != nil {
		return err
	}
	capsMap, ok := capsContainer.AsMap()
	if !ok {
		return fault.New(fault.CapabilityMissing, "capability set is not a map container").
			WithRef(string(capsID))
	}
	bindings := map[string]crdt.NodeID{
		object.CapOwner:  ownerID,
		object.CapWriter: ownerID,
		object.CapReader: readersID,
	}
	for name, groupID := range bindings {
		// First write wins; existing bindings are static post-provisioning.
		if _, err := capsMap.CompareAndSet(ctx, name, nil, value.String(string(groupID))); err != nil {
			return err
		}
	}

	anchorID, err := t.ensureContainer(ctx, acct, keyAnchor, crdt.KindMap, crdt.CreateOptions{
		Schema:       crdt.SchemaConfig,
		Group:        ownerID,
		Capabilities: capsID,
	})
	if err != nil {
		return err
	}
	anchor, err := t.Sub.Container(ctx, anchorID)
	if err != nil {
		return err
	}
	t.Anchor = anchor
	return nil
}

// ensureGroup resolves a registered group or creates and registers one.
func (t *Tenant) ensureGroup(ctx context.Context, key string) (crdt.NodeID, error) {
	id, err := t.Registry.Resolve(ctx, key)
	if err == nil {
		return id, nil
	}
	if !fault.IsNotFound(err) {
		return "", err
	}
	g, err := t.Sub.CreateGroup(ctx)
	if err != nil {
		return "", err
	}
	if err := t.Registry.Register(ctx, key, g.ID()); err != nil {
		// Concurrent provision: adopt the registered winner.
		if fault.IsConflict(err) {
			return t.Registry.Resolve(ctx, key)
		}
		return "", err
	}
	return g.ID(), nil
}

// ensureContainer resolves a registered container or creates and registers
// one. A registered-but-tombstoned container is recreated and the binding
// repaired in place, which is how repeated seeding restores configuration
// objects.
func (t *Tenant) ensureContainer(ctx context.Context, acct crdt.Account, key string, kind crdt.Kind, opts crdt.CreateOptions) (crdt.NodeID, error) {
	id, err := t.Registry.Resolve(ctx, key)
	switch {
	case err == nil:
		if _, loadErr := t.Sub.Container(ctx, id); loadErr == nil {
			return id, nil
		} else if !fault.IsNotFound(loadErr) {
			return "", loadErr
		}
		// Tombstoned: recreate and rebind directly in the root mapping.
		created, err := t.Sub.CreateContainer(ctx, kind, opts)
		if err != nil {
			return "", err
		}
		newID := created.Header().ID
		rootContainer, err := t.Sub.Container(ctx, acct.RegistriesRoot())
		if err != nil {
			return "", err
		}
		rootMap, ok := rootContainer.AsMap()
		if !ok {
			return "", fault.New(fault.NotFound, "registries root is not a map container")
		}
		if err := rootMap.Set(ctx, key, value.String(string(newID))); err != nil {
			return "", err
		}
		t.log.Info("recreated tombstoned tenant container", "key", key, "id", string(newID))
		return newID, nil

	case fault.IsNotFound(err):
		created, err := t.Sub.CreateContainer(ctx, kind, opts)
		if err != nil {
			return "", err
		}
		newID := created.Header().ID
		if err := t.Registry.Register(ctx, key, newID); err != nil {
			if fault.IsConflict(err) {
				return t.Registry.Resolve(ctx, key)
			}
			return "", err
		}
		return newID, nil

	default:
		return "", err
	}
}

// Seed provisions schema definitions from CUE source, reusing existing
// definition objects when the fingerprint is unchanged, then re-derives
// every index. Idempotent and safe to invoke repeatedly; an empty source
// re-registers only what is already seeded.
func (t *Tenant) Seed(ctx context.Context, source string) error {
	var specs []*schema.Spec
	if source != "" {
		compiled, err := schema.LoadString(source)
		if err != nil {
			return err
		}
		specs = compiled
	}

	acct, err := t.Sub.Account(ctx, t.Account)
	if err != nil {
		return err
	}

	for _, spec := range specs {
		if err := t.seedDefinition(ctx, acct, spec); err != nil {
			return err
		}
		t.Catalog.Register(spec)
	}

	// Re-derive all indexes so drift from interrupted runs is repaired.
	for _, name := range t.Catalog.Names() {
		if _, err := t.Index.EnsureIndex(ctx, name); err != nil {
			return err
		}
		if err := t.Index.Reconcile(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// seedDefinition writes one schema's definition object, reusing the
// existing identifier when the stored fingerprint matches.
func (t *Tenant) seedDefinition(ctx context.Context, acct crdt.Account, spec *schema.Spec) error {
	fp, err := spec.Fingerprint()
	if err != nil {
		return err
	}

	defID, err := t.ensureContainer(ctx, acct, schemaKeyPrefix+spec.Name, crdt.KindMap, crdt.CreateOptions{
		Schema:       crdt.SchemaDefinition,
		Group:        t.OwnerGroup,
		Capabilities: t.CapabilitySet,
	})
	if err != nil {
		return err
	}
	defContainer, err := t.Sub.Container(ctx, defID)
	if err != nil {
		return err
	}
	defMap, ok := defContainer.AsMap()
	if !ok {
		return fault.New(fault.ValidationFailed, "schema definition object is not a map").
			WithRef(string(defID))
	}

	if stored, present := defMap.Get("fingerprint"); present {
		if current, isStr := stored.(value.String); isStr && string(current) == fp {
			return nil // unchanged, reuse the existing identifier
		}
	}
	if err := defMap.Set(ctx, "definition", spec.Definition()); err != nil {
		return err
	}
	if err := defMap.Set(ctx, "fingerprint", value.String(fp)); err != nil {
		return err
	}
	t.log.Info("seeded schema definition", "schema", spec.Name, "id", string(defID))
	return nil
}

// LoadSchema returns a schema spec, loading its definition object from the
// substrate when not already in the catalog.
func (t *Tenant) LoadSchema(ctx context.Context, name string) (*schema.Spec, error) {
	if spec, err := t.Catalog.Get(name); err == nil {
		return spec, nil
	}

	defID, err := t.Registry.Resolve(ctx, schemaKeyPrefix+name)
	if err != nil {
		return nil, err
	}
	defContainer, err := t.Sub.Container(ctx, defID)
	if err != nil {
		return nil, err
	}
	defMap, ok := defContainer.AsMap()
	if !ok {
		return nil, fault.New(fault.NotFound, "schema definition object is not a map").
			WithRef(string(defID))
	}
	stored, present := defMap.Get("definition")
	if !present {
		return nil, fault.Newf(fault.NotFound, "schema %q has no stored definition", name).
			WithRef(string(defID))
	}
	def, ok := stored.(value.Map)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "schema %q definition is malformed", name).
			WithRef(string(defID))
	}
	spec, err := schema.SpecFromDefinition(def)
	if err != nil {
		return nil, err
	}
	t.Catalog.Register(spec)
	return spec, nil
}

// loadSeededSchemas rehydrates the catalog from previously seeded
// definition objects.
func (t *Tenant) loadSeededSchemas(ctx context.Context) error {
	entries, err := t.Registry.Entries(ctx)
	if err != nil {
		return err
	}
	for key := range entries {
		if !strings.HasPrefix(key, schemaKeyPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, schemaKeyPrefix)
		if _, err := t.LoadSchema(ctx, name); err != nil {
			t.log.Warn("failed to load seeded schema", "schema", name, "error", err)
		}
	}
	return nil
}

func hasExtension(g crdt.Group, parent crdt.NodeID, ceiling crdt.Role) bool {
	for _, ext := range g.Extensions() {
		if ext.Parent == parent && ext.Ceiling == ceiling {
			return true
		}
	}
	return false
}
