// Package group manages membership on top of the substrate's raw group
// primitive, enforcing the invariant the substrate does not: a group always
// retains at least one effective admin, directly or through a delegation
// chain whose parent has one.
package group

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/strata/internal/crdt"
	"github.com/roach88/strata/internal/fault"
)

// Manager performs membership operations.
type Manager struct {
	sub crdt.Substrate
}

// NewManager creates a membership manager.
func NewManager(sub crdt.Substrate) *Manager {
	return &Manager{sub: sub}
}

// AddMember assigns a role to an account. The account must already be
// loaded and synced on this replica - its signing identity is resolved
// inside the substrate and is never an input here.
func (m *Manager) AddMember(ctx context.Context, groupID, accountID crdt.NodeID, role crdt.Role) error {
	if role == crdt.RoleRevoked {
		return fmt.Errorf("add member: use RemoveMember to revoke")
	}
	if _, err := m.sub.Account(ctx, accountID); err != nil {
		if fault.IsNotFound(err) {
			return fault.Newf(fault.NotFound,
				"account is not synced to this replica; sync it first (merge the account's state, or have the member connect once) before adding it to a group").
				WithRef(string(accountID))
		}
		return err
	}
	g, err := m.sub.Group(ctx, groupID)
	if err != nil {
		return err
	}
	return g.SetMember(ctx, accountID, role)
}

// RemoveMember revokes an account's membership. Rejected with an
// InvariantViolation when the removal would leave the group with zero
// effective admins - counting admins delegated through "extend".
func (m *Manager) RemoveMember(ctx context.Context, groupID, accountID crdt.NodeID) error {
	g, err := m.sub.Group(ctx, groupID)
	if err != nil {
		return err
	}
	if err := m.checkAdminSurvives(ctx, g, accountID); err != nil {
		return err
	}
	return g.SetMember(ctx, accountID, crdt.RoleRevoked)
}

// SetRole changes an account's role. The substrate has no atomic
// role-change primitive, so this is remove-then-add, with the admin
// invariant checked before the removal half: a demotion that would strand
// the group without an effective admin is rejected before anything is
// written.
func (m *Manager) SetRole(ctx context.Context, groupID, accountID crdt.NodeID, role crdt.Role) error {
	if role == crdt.RoleRevoked {
		return fmt.Errorf("set role: use RemoveMember to revoke")
	}
	g, err := m.sub.Group(ctx, groupID)
	if err != nil {
		return err
	}
	if role < crdt.RoleAdmin {
		if err := m.checkAdminSurvives(ctx, g, accountID); err != nil {
			return err
		}
	}
	if err := g.SetMember(ctx, accountID, crdt.RoleRevoked); err != nil {
		return err
	}
	return g.SetMember(ctx, accountID, role)
}

// Member is one direct role assignment.
type Member struct {
	Account crdt.NodeID
	Role    crdt.Role
}

// DelegatedGroup is one resolved "extend" delegation.
type DelegatedGroup struct {
	Group   crdt.NodeID
	Ceiling crdt.Role
	Members []Member // parent members with their inherited effective role
}

// Membership is the display view of a group: direct assignments plus one
// level of resolved delegation.
type Membership struct {
	DirectMembers   []Member
	DelegatedGroups []DelegatedGroup
}

// QueryMembers returns the group's direct members and one level of
// resolved delegated-group membership. Revoked members are omitted.
func (m *Manager) QueryMembers(ctx context.Context, groupID crdt.NodeID) (*Membership, error) {
	g, err := m.sub.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}

	out := &Membership{}
	for account, role := range g.Members() {
		if role != crdt.RoleRevoked {
			out.DirectMembers = append(out.DirectMembers, Member{Account: account, Role: role})
		}
	}
	sort.Slice(out.DirectMembers, func(i, j int) bool {
		return out.DirectMembers[i].Account < out.DirectMembers[j].Account
	})

	for _, ext := range g.Extensions() {
		parent, err := m.sub.Group(ctx, ext.Parent)
		if err != nil {
			return nil, err
		}
		delegated := DelegatedGroup{Group: ext.Parent, Ceiling: ext.Ceiling}
		for account, role := range parent.Members() {
			if role == crdt.RoleRevoked {
				continue
			}
			delegated.Members = append(delegated.Members, Member{
				Account: account,
				Role:    minRole(role, ext.Ceiling),
			})
		}
		sort.Slice(delegated.Members, func(i, j int) bool {
			return delegated.Members[i].Account < delegated.Members[j].Account
		})
		out.DelegatedGroups = append(out.DelegatedGroups, delegated)
	}
	return out, nil
}

// checkAdminSurvives rejects a removal that would leave zero effective
// admins. The skipped account's direct admin role is discounted; an admin
// role it holds through a delegated parent group still counts, because the
// removal does not touch the parent.
func (m *Manager) checkAdminSurvives(ctx context.Context, g crdt.Group, removing crdt.NodeID) error {
	for account, role := range g.Members() {
		if account != removing && role == crdt.RoleAdmin {
			return nil
		}
	}
	visited := map[crdt.NodeID]bool{g.ID(): true}
	for _, ext := range g.Extensions() {
		if ext.Ceiling < crdt.RoleAdmin {
			continue
		}
		ok, err := m.hasEffectiveAdmin(ctx, ext.Parent, visited)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fault.New(fault.InvariantViolation,
		"removal would leave the group with zero effective admins").
		WithRef(string(g.ID()))
}

// hasEffectiveAdmin walks the delegation graph looking for an admin.
// The visited set makes extension cycles terminate.
func (m *Manager) hasEffectiveAdmin(ctx context.Context, groupID crdt.NodeID, visited map[crdt.NodeID]bool) (bool, error) {
	if visited[groupID] {
		return false, nil
	}
	visited[groupID] = true

	g, err := m.sub.Group(ctx, groupID)
	if err != nil {
		return false, err
	}
	for _, role := range g.Members() {
		if role == crdt.RoleAdmin {
			return true, nil
		}
	}
	for _, ext := range g.Extensions() {
		if ext.Ceiling < crdt.RoleAdmin {
			continue
		}
		ok, err := m.hasEffectiveAdmin(ctx, ext.Parent, visited)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// EffectiveRole computes an account's role in a group, taking the maximum
// of its direct role and every delegated role capped at the extension
// ceiling. Cycle-safe.
func EffectiveRole(ctx context.Context, sub crdt.Substrate, groupID, account crdt.NodeID) (crdt.Role, error) {
	return effectiveRole(ctx, sub, groupID, account, map[crdt.NodeID]bool{})
}

func effectiveRole(ctx context.Context, sub crdt.Substrate, groupID, account crdt.NodeID, visited map[crdt.NodeID]bool) (crdt.Role, error) {
	if visited[groupID] {
		return crdt.RoleRevoked, nil
	}
	visited[groupID] = true

	g, err := sub.Group(ctx, groupID)
	if err != nil {
		return crdt.RoleRevoked, err
	}
	best := crdt.RoleRevoked
	if role, ok := g.Role(account); ok {
		best = role
	}
	for _, ext := range g.Extensions() {
		parentRole, err := effectiveRole(ctx, sub, ext.Parent, account, visited)
		if err != nil {
			return crdt.RoleRevoked, err
		}
		if inherited := minRole(parentRole, ext.Ceiling); inherited > best {
			best = inherited
		}
	}
	return best, nil
}

func minRole(a, b crdt.Role) crdt.Role {
	if a < b {
		return a
	}
	return b
}
