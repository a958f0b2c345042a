package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/localnode"
	"github.com/roach88/strata/internal/testutil"
)

func newManager(t *testing.T) (*Manager, *localnode.Node) {
	t.Helper()
	node, err := localnode.New(localnode.WithActor("index-test"))
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })

	acct, err := node.Account(context.Background(), node.AccountID())
	require.NoError(t, err)
	m := NewManager(node, acct.IndexRoot(), node.PrimaryGroup(), testutil.SilentLogger())
	return m, node
}

func createObject(t *testing.T, node *localnode.Node, schema string) crdt.NodeID {
	t.Helper()
	c, err := node.CreateContainer(context.Background(), crdt.KindMap, crdt.CreateOptions{
		Schema: schema, Group: node.PrimaryGroup(),
	})
	require.NoError(t, err)
	return c.Header().ID
}

func TestEnsureIndexIdempotent(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	first, err := m.EnsureIndex(ctx, "task")
	require.NoError(t, err)
	second, err := m.EnsureIndex(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := m.EnsureIndex(ctx, "note")
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "each schema gets its own index")
}

func TestEnsureIndexAdoptsExistingRegistration(t *testing.T) {
	// Two managers over the same root converge on one index per schema.
	m1, node := newManager(t)
	ctx := context.Background()
	acct, err := node.Account(ctx, node.AccountID())
	require.NoError(t, err)
	m2 := NewManager(node, acct.IndexRoot(), node.PrimaryGroup(), testutil.SilentLogger())

	first, err := m1.EnsureIndex(ctx, "task")
	require.NoError(t, err)
	adopted, err := m2.EnsureIndex(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, first, adopted)
}

func TestIndexAndDeindex(t *testing.T) {
	m, node := newManager(t)
	ctx := context.Background()
	a := createObject(t, node, "task")
	b := createObject(t, node, "task")

	require.NoError(t, m.IndexObject(ctx, "task", a))
	require.NoError(t, m.IndexObject(ctx, "task", b))
	// Indexing twice does not duplicate.
	require.NoError(t, m.IndexObject(ctx, "task", a))

	items, err := m.Items(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, []crdt.NodeID{a, b}, items, "index preserves insertion order")

	require.NoError(t, m.DeindexObject(ctx, "task", a))
	items, err = m.Items(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, []crdt.NodeID{b}, items)

	// Deindexing an absent id is a no-op.
	require.NoError(t, m.DeindexObject(ctx, "task", a))
}

func TestDeindexWithoutIndexCreatesNothing(t *testing.T) {
	m, node := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.DeindexObject(ctx, "untouched", createObject(t, node, "untouched")))

	acct, err := node.Account(ctx, node.AccountID())
	require.NoError(t, err)
	rootContainer, err := node.Container(ctx, acct.IndexRoot())
	require.NoError(t, err)
	root, _ := rootContainer.AsMap()
	_, registered := root.Get("untouched")
	assert.False(t, registered, "deindex must not create an index")
}

func TestItemsWithoutIndexIsEmpty(t *testing.T) {
	m, _ := newManager(t)
	items, err := m.Items(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReconcile(t *testing.T) {
	m, node := newManager(t)
	ctx := context.Background()

	indexed := createObject(t, node, "task")
	missing := createObject(t, node, "task")
	foreign := createObject(t, node, "note")

	require.NoError(t, m.IndexObject(ctx, "task", indexed))
	// Drift: a removed object still indexed, and a live one absent.
	stale := createObject(t, node, "task")
	require.NoError(t, m.IndexObject(ctx, "task", stale))
	require.NoError(t, node.Remove(ctx, stale))

	require.NoError(t, m.Reconcile(ctx, "task"))

	items, err := m.Items(ctx, "task")
	require.NoError(t, err)
	assert.ElementsMatch(t, []crdt.NodeID{indexed, missing}, items)
	assert.NotContains(t, items, stale)
	assert.NotContains(t, items, foreign)

	// Reconcile is idempotent.
	require.NoError(t, m.Reconcile(ctx, "task"))
	again, err := m.Items(ctx, "task")
	require.NoError(t, err)
	assert.ElementsMatch(t, items, again)
}

func TestIsInternal(t *testing.T) {
	m, node := newManager(t)
	ctx := context.Background()

	acct, err := node.Account(ctx, node.AccountID())
	require.NoError(t, err)

	assert.True(t, m.IsInternal(ctx, node.AccountID()))
	assert.True(t, m.IsInternal(ctx, node.PrimaryGroup()))
	assert.True(t, m.IsInternal(ctx, acct.IndexRoot()))
	assert.True(t, m.IsInternal(ctx, acct.RegistriesRoot()), "registry roots carry a reserved schema")

	indexID, err := m.EnsureIndex(ctx, "task")
	require.NoError(t, err)
	assert.True(t, m.IsInternal(ctx, indexID), "an index never indexes itself")

	assert.False(t, m.IsInternal(ctx, createObject(t, node, "task")))
	assert.True(t, m.IsInternal(ctx, "co_ffffffffffffffffffffffffffffffff"),
		"unresolvable ids are treated as internal")
}
