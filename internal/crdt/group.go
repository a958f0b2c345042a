package crdt

import (
	"context"
	"fmt"
)

// Role is a member's permission level within a group.
// Roles are ordered: a higher role implies every lower one.
type Role int

const (
	// RoleRevoked marks a removed member. Membership entries are never
	// physically deleted (the merge function needs the tombstone), so
	// removal is expressed as a role change to RoleRevoked.
	RoleRevoked Role = iota
	RoleReader
	RoleWriter
	RoleManager
	RoleAdmin
)

// String returns the role name used in persisted records and display.
func (r Role) String() string {
	switch r {
	case RoleRevoked:
		return "revoked"
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	case RoleManager:
		return "manager"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole converts a role name back to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "revoked":
		return RoleRevoked, nil
	case "reader":
		return RoleReader, nil
	case "writer":
		return RoleWriter, nil
	case "manager":
		return RoleManager, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Extension is a group-to-group delegation: members of Parent act in the
// extending group with their parent role capped at Ceiling. A ceiling of
// RoleAdmin is a full passthrough.
type Extension struct {
	Parent  NodeID
	Ceiling Role
}

// Group is the substrate's membership primitive. It records raw role
// assignments and delegations; invariants like "at least one admin" are
// enforced by the membership manager layered above, not here.
type Group interface {
	ID() NodeID

	// SetMember assigns role to an account. Assigning RoleRevoked removes
	// the member. The account's underlying signing identity is resolved
	// inside the substrate and never crosses this interface.
	SetMember(ctx context.Context, account NodeID, role Role) error

	// Role returns the direct role assigned to an account, if any.
	// Revoked members report (RoleRevoked, true).
	Role(account NodeID) (Role, bool)

	// Members returns all direct assignments, including revoked ones.
	Members() map[NodeID]Role

	// Extend delegates membership from a parent group with the given
	// role ceiling. Extending twice with the same parent updates the
	// ceiling.
	Extend(ctx context.Context, parent NodeID, ceiling Role) error

	// Extensions returns the group's delegations.
	Extensions() []Extension
}

// Account is a durable identity. It owns groups and references the roots
// of its registries and schema indexes.
type Account interface {
	ID() NodeID

	// RegistriesRoot is the map container holding the account's named
	// key -> id registries.
	RegistriesRoot() NodeID

	// IndexRoot is the map container holding one index list id per
	// live schema.
	IndexRoot() NodeID
}
