package group

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/localnode"
)

func newHost(t *testing.T) (*Manager, *localnode.Node) {
	t.Helper()
	node, err := localnode.New(localnode.WithActor("host"))
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	return NewManager(node), node
}

// syncedAccount merges a fresh peer replica into host and returns the
// peer's account id, now known to the host.
func syncedAccount(t *testing.T, host *localnode.Node, actor string) crdt.NodeID {
	t.Helper()
	peer, err := localnode.New(localnode.WithActor(actor))
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	host.Merge(peer)
	return peer.AccountID()
}

func newGroup(t *testing.T, node *localnode.Node) crdt.NodeID {
	t.Helper()
	g, err := node.CreateGroup(context.Background())
	require.NoError(t, err)
	return g.ID()
}

func TestAddMember(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()
	groupID := newGroup(t, node)
	member := syncedAccount(t, node, "member")

	require.NoError(t, m.AddMember(ctx, groupID, member, crdt.RoleWriter))

	g, err := node.Group(ctx, groupID)
	require.NoError(t, err)
	role, ok := g.Role(member)
	assert.True(t, ok)
	assert.Equal(t, crdt.RoleWriter, role)
}

func TestAddMemberRejectsUnsyncedAccount(t *testing.T) {
	m, node := newHost(t)
	groupID := newGroup(t, node)

	err := m.AddMember(context.Background(), groupID,
		"acc_00000000000000000000000000000001", crdt.RoleReader)
	assert.True(t, fault.IsNotFound(err))
}

func TestAddMemberRejectsRevokedRole(t *testing.T) {
	m, node := newHost(t)
	groupID := newGroup(t, node)
	member := syncedAccount(t, node, "member")

	err := m.AddMember(context.Background(), groupID, member, crdt.RoleRevoked)
	assert.Error(t, err)
}

func TestRemoveMember(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()
	groupID := newGroup(t, node)
	member := syncedAccount(t, node, "member")
	require.NoError(t, m.AddMember(ctx, groupID, member, crdt.RoleReader))

	require.NoError(t, m.RemoveMember(ctx, groupID, member))

	g, err := node.Group(ctx, groupID)
	require.NoError(t, err)
	role, ok := g.Role(member)
	assert.True(t, ok, "revocation is a tombstone, not a deletion")
	assert.Equal(t, crdt.RoleRevoked, role)
}

func TestRemoveLastAdminRejected(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()
	groupID := newGroup(t, node)

	err := m.RemoveMember(ctx, groupID, node.AccountID())
	assert.True(t, fault.IsInvariantViolation(err))

	// With a second admin the removal goes through.
	second := syncedAccount(t, node, "second-admin")
	require.NoError(t, m.AddMember(ctx, groupID, second, crdt.RoleAdmin))
	require.NoError(t, m.RemoveMember(ctx, groupID, node.AccountID()))
}

func TestDemoteLastAdminRejected(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()
	groupID := newGroup(t, node)

	err := m.SetRole(ctx, groupID, node.AccountID(), crdt.RoleWriter)
	assert.True(t, fault.IsInvariantViolation(err))

	// Promotion of an admin to admin is always allowed.
	require.NoError(t, m.SetRole(ctx, groupID, node.AccountID(), crdt.RoleAdmin))
}

func TestSetRole(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()
	groupID := newGroup(t, node)
	member := syncedAccount(t, node, "member")
	require.NoError(t, m.AddMember(ctx, groupID, member, crdt.RoleReader))

	require.NoError(t, m.SetRole(ctx, groupID, member, crdt.RoleManager))

	g, err := node.Group(ctx, groupID)
	require.NoError(t, err)
	role, _ := g.Role(member)
	assert.Equal(t, crdt.RoleManager, role)

	assert.Error(t, m.SetRole(ctx, groupID, member, crdt.RoleRevoked))
}

func TestDelegatedAdminSatisfiesInvariant(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()

	parent := newGroup(t, node)
	child := newGroup(t, node)
	childGroup, err := node.Group(ctx, child)
	require.NoError(t, err)
	require.NoError(t, childGroup.Extend(ctx, parent, crdt.RoleAdmin))

	// The parent delegation carries an admin, so removing the child's
	// only direct admin is allowed.
	require.NoError(t, m.RemoveMember(ctx, child, node.AccountID()))
}

func TestDelegationBelowAdminCeilingDoesNotCount(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()

	parent := newGroup(t, node)
	child := newGroup(t, node)
	childGroup, err := node.Group(ctx, child)
	require.NoError(t, err)
	require.NoError(t, childGroup.Extend(ctx, parent, crdt.RoleManager))

	err = m.RemoveMember(ctx, child, node.AccountID())
	assert.True(t, fault.IsInvariantViolation(err),
		"a manager-capped delegation provides no effective admin")
}

func TestAdminCheckSurvivesExtensionCycle(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()

	a := newGroup(t, node)
	b := newGroup(t, node)
	ga, err := node.Group(ctx, a)
	require.NoError(t, err)
	gb, err := node.Group(ctx, b)
	require.NoError(t, err)
	require.NoError(t, ga.Extend(ctx, b, crdt.RoleAdmin))
	require.NoError(t, gb.Extend(ctx, a, crdt.RoleAdmin))

	// b's direct admin is reachable from a through the cycle, so the
	// removal is allowed and the walk terminates.
	require.NoError(t, m.RemoveMember(ctx, a, node.AccountID()))

	// Now b's only admin is itself delegated from a, which has none left.
	err = m.RemoveMember(ctx, b, node.AccountID())
	assert.True(t, fault.IsInvariantViolation(err))
}

func TestQueryMembers(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()

	parent := newGroup(t, node)
	child := newGroup(t, node)
	childGroup, err := node.Group(ctx, child)
	require.NoError(t, err)
	require.NoError(t, childGroup.Extend(ctx, parent, crdt.RoleReader))

	reader := syncedAccount(t, node, "reader")
	revoked := syncedAccount(t, node, "revoked")
	require.NoError(t, m.AddMember(ctx, child, reader, crdt.RoleReader))
	require.NoError(t, m.AddMember(ctx, child, revoked, crdt.RoleWriter))
	require.NoError(t, m.RemoveMember(ctx, child, revoked))

	ms, err := m.QueryMembers(ctx, child)
	require.NoError(t, err)

	require.Len(t, ms.DirectMembers, 2, "revoked members are omitted")
	for _, member := range ms.DirectMembers {
		assert.NotEqual(t, revoked, member.Account)
	}

	require.Len(t, ms.DelegatedGroups, 1)
	dg := ms.DelegatedGroups[0]
	assert.Equal(t, parent, dg.Group)
	assert.Equal(t, crdt.RoleReader, dg.Ceiling)
	require.Len(t, dg.Members, 1)
	assert.Equal(t, node.AccountID(), dg.Members[0].Account)
	assert.Equal(t, crdt.RoleReader, dg.Members[0].Role,
		"the parent admin is capped at the delegation ceiling")
}

func TestEffectiveRole(t *testing.T) {
	m, node := newHost(t)
	ctx := context.Background()

	parent := newGroup(t, node)
	child := newGroup(t, node)
	childGroup, err := node.Group(ctx, child)
	require.NoError(t, err)
	require.NoError(t, childGroup.Extend(ctx, parent, crdt.RoleReader))

	member := syncedAccount(t, node, "member")
	require.NoError(t, m.AddMember(ctx, parent, member, crdt.RoleWriter))

	tests := []struct {
		account crdt.NodeID
		group   crdt.NodeID
		want    crdt.Role
	}{
		{node.AccountID(), child, crdt.RoleAdmin}, // direct admin beats the capped delegation
		{member, child, crdt.RoleReader},          // writer in parent, capped to reader
		{member, parent, crdt.RoleWriter},
		{"acc_00000000000000000000000000000001", parent, crdt.RoleRevoked},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			role, err := EffectiveRole(ctx, node, tt.group, tt.account)
			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}
