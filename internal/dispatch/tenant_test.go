package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/localnode"
	"github.com/roach88/strata/internal/reactive"
	"github.com/roach88/strata/internal/testutil"
	"github.com/roach88/strata/internal/value"
)

const testSchemas = `
schemas: {
	task: {
		fields: {
			title: {type: "string", required: true}
			done:  "bool"
		}
	}
	log: {
		kind: "list"
	}
}
`

func newTenant(t *testing.T) (*Tenant, *localnode.Node) {
	t.Helper()
	node, err := localnode.New(localnode.WithActor("dispatch-test"))
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	return openTenant(t, node), node
}

func openTenant(t *testing.T, node *localnode.Node) *Tenant {
	t.Helper()
	tenant, err := NewTenant(context.Background(), node, node.AccountID(), testutil.SilentLogger())
	require.NoError(t, err)
	return tenant
}

func seed(t *testing.T, tenant *Tenant) {
	t.Helper()
	_, err := tenant.Dispatch(context.Background(), Seed{Source: testSchemas})
	require.NoError(t, err)
}

func storeValue(t *testing.T, resp *Response) value.Value {
	t.Helper()
	require.NotNil(t, resp.Store)
	require.NoError(t, reactive.WaitForReady(context.Background(), resp.Store, time.Second))
	return resp.Store.Value()
}

func TestProvisioning(t *testing.T) {
	tenant, node := newTenant(t)
	ctx := context.Background()

	assert.True(t, tenant.OwnerGroup.IsGroupID())
	assert.True(t, tenant.ReadersGroup.IsGroupID())
	assert.NotEqual(t, tenant.OwnerGroup, tenant.ReadersGroup)
	assert.True(t, tenant.CapabilitySet.IsContainerID())
	assert.Equal(t, tenant.CapabilitySet, tenant.Anchor.Header().Capabilities,
		"the anchor's capability set is the tenant's")

	// The account is admin of the owner group.
	owner, err := node.Group(ctx, tenant.OwnerGroup)
	require.NoError(t, err)
	role, ok := owner.Role(node.AccountID())
	assert.True(t, ok)
	assert.Equal(t, crdt.RoleAdmin, role)

	// The readers group delegates from the owner group, read-capped.
	readers, err := node.Group(ctx, tenant.ReadersGroup)
	require.NoError(t, err)
	exts := readers.Extensions()
	require.Len(t, exts, 1)
	assert.Equal(t, tenant.OwnerGroup, exts[0].Parent)
	assert.Equal(t, crdt.RoleReader, exts[0].Ceiling)
}

func TestProvisioningIsIdempotent(t *testing.T) {
	first, node := newTenant(t)
	second := openTenant(t, node)

	assert.Equal(t, first.OwnerGroup, second.OwnerGroup)
	assert.Equal(t, first.ReadersGroup, second.ReadersGroup)
	assert.Equal(t, first.CapabilitySet, second.CapabilitySet)
	assert.Equal(t, first.Anchor.Header().ID, second.Anchor.Header().ID)
}

func TestProvisioningSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.db")
	ctx := context.Background()

	node, err := localnode.New(localnode.WithActor("durable"), localnode.WithDurability(path))
	require.NoError(t, err)
	first := openTenant(t, node)
	seed(t, first)
	ownerID := first.OwnerGroup
	anchorID := first.Anchor.Header().ID
	require.NoError(t, node.Close())

	reopened, err := localnode.New(localnode.WithActor("durable"), localnode.WithDurability(path))
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	second := openTenant(t, reopened)

	assert.Equal(t, ownerID, second.OwnerGroup)
	assert.Equal(t, anchorID, second.Anchor.Header().ID)

	// The catalog was rehydrated from the stored definitions.
	spec, err := second.Catalog.Get("task")
	require.NoError(t, err)
	assert.Equal(t, crdt.KindMap, spec.Kind)
	_, err = second.Dispatch(ctx, Create{Schema: "task", Data: value.Map{"title": value.String("after reopen")}})
	require.NoError(t, err)
}

func TestSeedReusesUnchangedDefinitions(t *testing.T) {
	tenant, _ := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	defID, err := tenant.Registry.Resolve(ctx, "schema:task")
	require.NoError(t, err)

	// Reseeding the same source keeps the definition object.
	seed(t, tenant)
	again, err := tenant.Registry.Resolve(ctx, "schema:task")
	require.NoError(t, err)
	assert.Equal(t, defID, again)
}

func TestSeedUpdatesChangedDefinition(t *testing.T) {
	tenant, node := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	defID, err := tenant.Registry.Resolve(ctx, "schema:task")
	require.NoError(t, err)

	changed := `
schemas: task: fields: {
	title: {type: "string", required: true}
	done:  {type: "bool", required: true}
}
`
	_, err = tenant.Dispatch(ctx, Seed{Source: changed})
	require.NoError(t, err)

	// Same identifier, updated definition.
	same, err := tenant.Registry.Resolve(ctx, "schema:task")
	require.NoError(t, err)
	assert.Equal(t, defID, same)

	defContainer, err := node.Container(ctx, defID)
	require.NoError(t, err)
	defMap, _ := defContainer.AsMap()
	stored, ok := defMap.Get("definition")
	require.True(t, ok)
	def, ok := stored.(value.Map)
	require.True(t, ok)
	fields, ok := def["fields"].(value.Map)
	require.True(t, ok)
	done, ok := fields["done"].(value.Map)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Bool(true), done["required"]))
}

func TestSeedRejectsBadSource(t *testing.T) {
	tenant, _ := newTenant(t)
	_, err := tenant.Dispatch(context.Background(), Seed{Source: `schemas: bad: fields: x: "float"`})
	assert.Error(t, err)
}

func TestDispatchLifecycle(t *testing.T) {
	tenant, _ := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	created, err := tenant.Dispatch(ctx, Create{
		Schema: "task",
		Data:   value.Map{"title": value.String("report"), "done": value.Bool(false)},
	})
	require.NoError(t, err)
	require.NoError(t, tenant.Registry.Register(ctx, "task:report", created.ID))

	resolved, err := tenant.Dispatch(ctx, ResolveKey{Key: "task:report"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, resolved.ID)

	_, err = tenant.Dispatch(ctx, Update{Key: "task:report", Data: value.Map{"done": value.Bool(true)}})
	require.NoError(t, err)

	read, err := tenant.Dispatch(ctx, Read{Key: "task:report"})
	require.NoError(t, err)
	flat, ok := storeValue(t, read).(value.Map)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Bool(true), flat["done"]))

	_, err = tenant.Dispatch(ctx, Delete{Key: "task:report"})
	require.NoError(t, err)

	// The key still resolves (tombstoned header survives) but the read
	// of a never-cached id fails.
	_, err = tenant.Dispatch(ctx, ResolveKey{Key: "task:report"})
	require.NoError(t, err)
}

func TestDispatchQueryRead(t *testing.T) {
	tenant, _ := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	for _, title := range []string{"a", "b"} {
		_, err := tenant.Dispatch(ctx, Create{
			Schema: "task",
			Data:   value.Map{"title": value.String(title), "done": value.Bool(title == "a")},
		})
		require.NoError(t, err)
	}

	resp, err := tenant.Dispatch(ctx, Read{Schema: "task", Filter: value.Map{"done": value.Bool(true)}})
	require.NoError(t, err)
	list, ok := storeValue(t, resp).(value.List)
	require.True(t, ok)
	require.Len(t, list, 1)
	flat := list[0].(value.Map)
	assert.True(t, value.Equal(value.String("a"), flat["title"]))
}

func TestDispatchAppend(t *testing.T) {
	tenant, _ := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	created, err := tenant.Dispatch(ctx, Create{Schema: "log", Data: value.Map{}})
	require.NoError(t, err)
	require.NoError(t, tenant.Registry.Register(ctx, "log:audit", created.ID))

	resp, err := tenant.Dispatch(ctx, Append{
		Key:   "log:audit",
		Items: []value.Value{value.String("first"), value.String("second")},
	})
	require.NoError(t, err)
	flat, ok := resp.Value.(value.Map)
	require.True(t, ok)
	assert.True(t, value.Equal(
		value.List{value.String("first"), value.String("second")}, flat["items"]))
}

func TestDispatchUnknownKey(t *testing.T) {
	tenant, _ := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	for _, op := range []Operation{
		Read{Key: "task:ghost"},
		Update{Key: "task:ghost", Data: value.Map{"done": value.Bool(true)}},
		Delete{Key: "task:ghost"},
		Append{Key: "task:ghost", Items: []value.Value{value.Int(1)}},
		ResolveKey{Key: "task:ghost"},
	} {
		_, err := tenant.Dispatch(ctx, op)
		assert.True(t, fault.IsNotFound(err), "%T: got %v", op, err)
	}
}

func TestLoadSchemaFromSubstrate(t *testing.T) {
	tenant, node := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	// A second tenant over the same substrate starts with a rehydrated
	// catalog; LoadSchema also works for a name evicted from it.
	fresh := openTenant(t, node)
	resp, err := fresh.Dispatch(ctx, LoadSchema{Name: "task"})
	require.NoError(t, err)
	def, ok := resp.Value.(value.Map)
	require.True(t, ok)
	assert.True(t, value.Equal(value.String("task"), def["name"]))
	assert.True(t, value.Equal(value.String("map"), def["kind"]))

	_, err = fresh.Dispatch(ctx, LoadSchema{Name: "unseeded"})
	assert.True(t, fault.IsNotFound(err))
}

func TestSeedRecreatesTombstonedAnchor(t *testing.T) {
	tenant, node := newTenant(t)
	ctx := context.Background()
	seed(t, tenant)

	anchorID := tenant.Anchor.Header().ID
	require.NoError(t, node.Remove(ctx, anchorID))

	// Re-provisioning repairs the binding with a fresh container.
	repaired := openTenant(t, node)
	assert.NotEqual(t, anchorID, repaired.Anchor.Header().ID)

	resolved, err := repaired.Registry.Resolve(ctx, "tenant:anchor")
	require.NoError(t, err)
	assert.Equal(t, repaired.Anchor.Header().ID, resolved)

	_, err = repaired.Dispatch(ctx, Create{Schema: "task", Data: value.Map{"title": value.String("post-repair")}})
	require.NoError(t, err)
}
