package rbac

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Organization is the tenant boundary. Every row except the global
// permission catalog and system roles belongs to exactly one organization.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is owned by the identity subsystem; the engine reads identity,
// organization and status only. PermissionsVersion bumps whenever the
// user's assignments or overrides change, so clients can invalidate
// cached capability sets.
type User struct {
	ID                 string    `json:"id"`
	OrganizationID     string    `json:"organization_id"`
	Email              string    `json:"email"`
	Status             string    `json:"status"`
	PermissionsVersion int64     `json:"permissions_version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Permission is an atomic (resource, action) capability. Key is
// "<resource>.<action>", globally unique and immutable once referenced.
type Permission struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Resource     string `json:"resource"`
	Action       string `json:"action"`
	Category     string `json:"category"`
	DisplayOrder int    `json:"display_order"`
	IsActive     bool   `json:"is_active"`
}

// Role bundles permissions. IsSystem marks the built-in admin role which
// bypasses resolution entirely and can never be deleted or edited.
type Role struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	IsSystem       bool      `json:"is_system"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserRole assigns a role to a user. A user may hold several roles at
// once; resolution is the additive union. Any "primary role" shown by a
// UI is a display label, never an input to resolution.
type UserRole struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	RoleID         string    `json:"role_id"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Override is a per-user exception to role-derived permissions. A nil
// ExpiresAt means permanent. At most one override may exist per
// (user, permission) pair; a new one replaces the prior row.
type Override struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	PermissionID string     `json:"permission_id"`
	Key          string     `json:"key"`
	IsGranted    bool       `json:"is_granted"`
	GrantedBy    string     `json:"granted_by"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the override contributes at the given instant.
// Expiry is evaluated lazily at read time; expired rows stay on disk
// until replaced.
func (o Override) ActiveAt(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// OverrideSpec is the desired state of one override in a bulk replace.
type OverrideSpec struct {
	PermissionID string     `json:"permission_id"`
	IsGranted    bool       `json:"is_granted"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// OverrideDiff reports what a bulk replace actually changed, for audit
// old/new values.
type OverrideDiff struct {
	Added   []Override `json:"added,omitempty"`
	Updated []Override `json:"updated,omitempty"`
	Removed []Override `json:"removed,omitempty"`
}

// RolePermissionDiff reports what a role permission replace changed.
type RolePermissionDiff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// PermissionFilter narrows catalog listings.
type PermissionFilter struct {
	Category string
	Resource string
}
