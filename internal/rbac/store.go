package rbac

import (
	"context"
	"time"
)

// PolicyStore persists the permission catalog, roles and role bindings.
// Read-mostly; every write goes through the transactional operations
// below, never through unguarded row inserts or deletes.
type PolicyStore interface {
	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error)

	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, roleID string) (Role, error)
	ListRoles(ctx context.Context, organizationID string) ([]Role, error)
	UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error)
	// DeleteRole fails with ErrConflict while any assignment references
	// the role or when the role is a system role.
	DeleteRole(ctx context.Context, roleID string) error

	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)
	// SetRolePermissions replaces the assigned set as a diff inside one
	// transaction holding a lock on the role row: rows leaving the set
	// are deleted, rows entering it are inserted, everything else is
	// untouched. Holders of the role never observe an empty set.
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) (RolePermissionDiff, error)

	AssignRole(ctx context.Context, userID, roleID string) (UserRole, error)
	GetAssignment(ctx context.Context, assignmentID string) (UserRole, error)
	RemoveAssignment(ctx context.Context, assignmentID string) error
	ListAssignments(ctx context.Context, userID string) ([]UserRole, error)
}

// RoleUpdate patches mutable role fields. Nil means leave unchanged.
type RoleUpdate struct {
	Key         *string
	Name        *string
	Description *string
}

// OverrideStore persists per-user permission exceptions.
type OverrideStore interface {
	// ListActiveOverrides excludes rows whose expires_at is in the past.
	// Expiry is evaluated lazily at read time; no sweeper exists.
	ListActiveOverrides(ctx context.Context, userID string, now time.Time) ([]Override, error)
	// UpsertOverride replaces any prior row for the same
	// (user, permission) pair and returns it for audit old values.
	UpsertOverride(ctx context.Context, ov *Override) (prior *Override, err error)
	GetOverride(ctx context.Context, id string) (Override, error)
	DeleteOverride(ctx context.Context, id string) (Override, error)
	// ReplaceOverrides diffs the desired set against current rows inside
	// one transaction holding a lock on the user row. All-or-nothing: a
	// failure leaves the prior state fully intact.
	ReplaceOverrides(ctx context.Context, userID, grantedBy string, desired []OverrideSpec) (OverrideDiff, error)
}

// SnapshotStore assembles the resolver input in one consistent read.
type SnapshotStore interface {
	UserSnapshot(ctx context.Context, userID string) (Snapshot, error)
	GetUser(ctx context.Context, userID string) (User, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	PolicyStore
	OverrideStore
	SnapshotStore
}
