package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pitstop.dev/internal/obs"
)

// Actor is the authenticated caller on whose behalf a mutation runs.
// OrganizationID always comes from the authenticated session, never from
// client-supplied fields.
type Actor struct {
	UserID         string
	OrganizationID string
}

// AuditRecorder receives one event per access-control mutation, after the
// store transaction has committed. Implementations must never block or
// fail the mutation.
type AuditRecorder interface {
	Record(ctx context.Context, action, resourceType, resourceID string, oldValues, newValues any)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, string, string, any, any) {}

// Service exposes the engine's operations: point permission checks,
// role/policy administration and per-user overrides, with tenant scoping
// enforced before any permission outcome is considered.
type Service struct {
	store Store
	audit AuditRecorder
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithAuditRecorder wires the audit sink for access-control mutations.
func WithAuditRecorder(rec AuditRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.audit = rec
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the engine over the given store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	s := &Service{
		store: store,
		audit: nopRecorder{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureCatalog seeds the builtin permission catalog.
func (s *Service) EnsureCatalog(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, Catalog())
}

// --- Resolution -----------------------------------------------------------

// EffectivePermissions resolves the user's full capability set. Any
// lookup failure resolves to deny via the returned error; callers must
// treat an error as "no permissions".
func (s *Service) EffectivePermissions(ctx context.Context, userID string) (EffectiveSet, User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return EffectiveSet{}, User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	snap, err := s.store.UserSnapshot(ctx, userID)
	if err != nil {
		return EffectiveSet{}, User{}, err
	}
	if snap.Now.IsZero() {
		snap.Now = s.now()
	}
	return Resolve(snap), snap.User, nil
}

// HasPermission answers a point query for one capability key. Unknown
// keys are rejected, never treated as an implicit deny-and-ignore.
func (s *Service) HasPermission(ctx context.Context, userID, key string) (bool, error) {
	if _, _, err := ParseKey(key); err != nil {
		return false, err
	}
	set, _, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		obs.RBACDecision("deny")
		return false, err
	}
	allowed := set.Has(key)
	if allowed {
		obs.RBACDecision("allow")
	} else {
		obs.RBACDecision("deny")
	}
	return allowed, nil
}

// HasAnyPermission reports whether the user holds at least one of keys.
func (s *Service) HasAnyPermission(ctx context.Context, userID string, keys ...string) (bool, error) {
	if len(keys) == 0 {
		return false, fmt.Errorf("%w: permissions are required", ErrInvalidInput)
	}
	for _, key := range keys {
		if _, _, err := ParseKey(key); err != nil {
			return false, err
		}
	}
	set, _, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		obs.RBACDecision("deny")
		return false, err
	}
	allowed := set.HasAny(keys...)
	if allowed {
		obs.RBACDecision("allow")
	} else {
		obs.RBACDecision("deny")
	}
	return allowed, nil
}

// CheckPermission is the tenant-guarded point query: the target user must
// belong to the actor's organization, checked before any resolution runs.
// The resolved user is returned so callers can expose permissions_version.
func (s *Service) CheckPermission(ctx context.Context, actor Actor, targetUserID, key string) (bool, User, error) {
	if _, _, err := ParseKey(key); err != nil {
		return false, User{}, err
	}
	if _, err := s.guardUser(ctx, actor, targetUserID); err != nil {
		return false, User{}, err
	}
	set, user, err := s.EffectivePermissions(ctx, targetUserID)
	if err != nil {
		obs.RBACDecision("deny")
		return false, User{}, err
	}
	allowed := set.Has(key)
	if allowed {
		obs.RBACDecision("allow")
	} else {
		obs.RBACDecision("deny")
	}
	return allowed, user, nil
}

// CheckAnyPermission is the tenant-guarded variant of HasAnyPermission.
func (s *Service) CheckAnyPermission(ctx context.Context, actor Actor, targetUserID string, keys ...string) (bool, User, error) {
	if len(keys) == 0 {
		return false, User{}, fmt.Errorf("%w: permissions are required", ErrInvalidInput)
	}
	for _, key := range keys {
		if _, _, err := ParseKey(key); err != nil {
			return false, User{}, err
		}
	}
	if _, err := s.guardUser(ctx, actor, targetUserID); err != nil {
		return false, User{}, err
	}
	set, user, err := s.EffectivePermissions(ctx, targetUserID)
	if err != nil {
		obs.RBACDecision("deny")
		return false, User{}, err
	}
	allowed := set.HasAny(keys...)
	if allowed {
		obs.RBACDecision("allow")
	} else {
		obs.RBACDecision("deny")
	}
	return allowed, user, nil
}

// --- Policy administration ------------------------------------------------

// ListPermissions returns catalog entries matching the filter.
func (s *Service) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	if filter.Resource != "" {
		if _, ok := resourceActions[filter.Resource]; !ok {
			return nil, fmt.Errorf("%w: unknown resource %q", ErrInvalidInput, filter.Resource)
		}
	}
	return s.store.ListPermissions(ctx, filter)
}

// ListRoles returns the actor's organization roles plus system roles.
func (s *Service) ListRoles(ctx context.Context, actor Actor) ([]Role, error) {
	return s.store.ListRoles(ctx, actor.OrganizationID)
}

// GetRole loads a role with its assigned permissions. The tenant check
// runs before anything else; a foreign-tenant role is reported exactly
// like a missing one.
func (s *Service) GetRole(ctx context.Context, actor Actor, roleID string) (Role, []Permission, error) {
	role, err := s.guardRole(ctx, actor, roleID)
	if err != nil {
		return Role{}, nil, err
	}
	perms, err := s.store.RolePermissions(ctx, roleID)
	if err != nil {
		return Role{}, nil, err
	}
	return role, perms, nil
}

// CreateRole creates an organization-scoped role.
func (s *Service) CreateRole(ctx context.Context, actor Actor, key, name, description string) (Role, error) {
	key = strings.TrimSpace(strings.ToLower(key))
	name = strings.TrimSpace(name)
	if key == "" || name == "" {
		return Role{}, fmt.Errorf("%w: role key and name are required", ErrInvalidInput)
	}
	role := Role{
		OrganizationID: actor.OrganizationID,
		Key:            key,
		Name:           name,
		Description:    strings.TrimSpace(description),
	}
	if err := s.store.CreateRole(ctx, &role); err != nil {
		return Role{}, err
	}
	s.audit.Record(ctx, "rbac.role.create", "role", role.ID, nil, role)
	return role, nil
}

// UpdateRole patches a role's mutable fields. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, actor Actor, roleID string, upd RoleUpdate) (Role, error) {
	prior, err := s.guardRole(ctx, actor, roleID)
	if err != nil {
		return Role{}, err
	}
	if prior.IsSystem {
		return Role{}, fmt.Errorf("%w: system role cannot be modified", ErrConflict)
	}
	if upd.Key != nil {
		key := strings.TrimSpace(strings.ToLower(*upd.Key))
		if key == "" {
			return Role{}, fmt.Errorf("%w: role key is required", ErrInvalidInput)
		}
		upd.Key = &key
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	role, err := s.store.UpdateRole(ctx, roleID, upd)
	if err != nil {
		return Role{}, err
	}
	s.audit.Record(ctx, "rbac.role.update", "role", roleID, prior, role)
	return role, nil
}

// DeleteRole removes an unreferenced role. A role still held by any user
// is a conflict; the role and its assignments stay untouched.
func (s *Service) DeleteRole(ctx context.Context, actor Actor, roleID string) error {
	prior, err := s.guardRole(ctx, actor, roleID)
	if err != nil {
		return err
	}
	if prior.IsSystem {
		return fmt.Errorf("%w: system role cannot be deleted", ErrConflict)
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.audit.Record(ctx, "rbac.role.delete", "role", roleID, prior, nil)
	return nil
}

// SetRolePermissions atomically replaces the role's assigned permission
// set with a diff, so holders never observe a transient empty set.
func (s *Service) SetRolePermissions(ctx context.Context, actor Actor, roleID string, permissionIDs []string) (RolePermissionDiff, error) {
	prior, err := s.guardRole(ctx, actor, roleID)
	if err != nil {
		return RolePermissionDiff{}, err
	}
	if prior.IsSystem {
		return RolePermissionDiff{}, fmt.Errorf("%w: system role permissions cannot be edited", ErrConflict)
	}
	ids := dedupeStrings(permissionIDs)
	diff, err := s.store.SetRolePermissions(ctx, roleID, ids)
	if err != nil {
		return RolePermissionDiff{}, err
	}
	if len(diff.Added) > 0 || len(diff.Removed) > 0 {
		s.audit.Record(ctx, "rbac.role.permissions.replace", "role", roleID,
			map[string]any{"removed": diff.Removed},
			map[string]any{"added": diff.Added})
	}
	return diff, nil
}

// AssignRole grants a role to a user in the actor's organization.
func (s *Service) AssignRole(ctx context.Context, actor Actor, userID, roleID string) (UserRole, error) {
	if _, err := s.guardUser(ctx, actor, userID); err != nil {
		return UserRole{}, err
	}
	if _, err := s.guardRole(ctx, actor, roleID); err != nil {
		return UserRole{}, err
	}
	assignment, err := s.store.AssignRole(ctx, userID, roleID)
	if err != nil {
		return UserRole{}, err
	}
	s.audit.Record(ctx, "rbac.role.assign", "user_role", assignment.ID, nil, assignment)
	return assignment, nil
}

// RemoveAssignment revokes a role from a user.
func (s *Service) RemoveAssignment(ctx context.Context, actor Actor, assignmentID string) error {
	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return fmt.Errorf("%w: assignment id is required", ErrInvalidInput)
	}
	prior, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if prior.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("%w: assignment %s", ErrTenantMismatch, assignmentID)
	}
	if err := s.store.RemoveAssignment(ctx, assignmentID); err != nil {
		return err
	}
	s.audit.Record(ctx, "rbac.role.unassign", "user_role", assignmentID, prior, nil)
	return nil
}

// --- Overrides --------------------------------------------------------------

// ListUserOverrides returns the user's active overrides (lazy expiry).
func (s *Service) ListUserOverrides(ctx context.Context, actor Actor, userID string) ([]Override, error) {
	if _, err := s.guardUser(ctx, actor, userID); err != nil {
		return nil, err
	}
	return s.store.ListActiveOverrides(ctx, userID, s.now())
}

// UpsertOverride grants or revokes a single capability for one user,
// replacing any prior override for the same permission.
func (s *Service) UpsertOverride(ctx context.Context, actor Actor, userID, permissionID string, isGranted bool, reason string, expiresAt *time.Time) (Override, error) {
	if _, err := s.guardUser(ctx, actor, userID); err != nil {
		return Override{}, err
	}
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return Override{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	ov := Override{
		UserID:       userID,
		PermissionID: permissionID,
		IsGranted:    isGranted,
		GrantedBy:    actor.UserID,
		Reason:       strings.TrimSpace(reason),
		ExpiresAt:    expiresAt,
	}
	prior, err := s.store.UpsertOverride(ctx, &ov)
	if err != nil {
		return Override{}, err
	}
	s.audit.Record(ctx, "rbac.override.upsert", "user_permission_override", ov.ID, prior, ov)
	return ov, nil
}

// DeleteOverride removes one override row.
func (s *Service) DeleteOverride(ctx context.Context, actor Actor, overrideID string) (Override, error) {
	overrideID = strings.TrimSpace(overrideID)
	if overrideID == "" {
		return Override{}, fmt.Errorf("%w: override id is required", ErrInvalidInput)
	}
	existing, err := s.store.GetOverride(ctx, overrideID)
	if err != nil {
		return Override{}, err
	}
	if _, err := s.guardUser(ctx, actor, existing.UserID); err != nil {
		return Override{}, err
	}
	removed, err := s.store.DeleteOverride(ctx, overrideID)
	if err != nil {
		return Override{}, err
	}
	s.audit.Record(ctx, "rbac.override.delete", "user_permission_override", overrideID, removed, nil)
	return removed, nil
}

// ReplaceOverrides is the bulk "save permissions for this user"
// operation: an atomic diff against current rows, never a blind
// delete-all-then-insert. Concurrent calls for the same user serialize
// on the user row; the final state equals exactly one submitted set.
func (s *Service) ReplaceOverrides(ctx context.Context, actor Actor, userID string, desired []OverrideSpec) (OverrideDiff, error) {
	if _, err := s.guardUser(ctx, actor, userID); err != nil {
		return OverrideDiff{}, err
	}
	seen := make(map[string]struct{}, len(desired))
	for i := range desired {
		desired[i].PermissionID = strings.TrimSpace(desired[i].PermissionID)
		if desired[i].PermissionID == "" {
			return OverrideDiff{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
		}
		if _, dup := seen[desired[i].PermissionID]; dup {
			return OverrideDiff{}, fmt.Errorf("%w: duplicate override for permission %s", ErrInvalidInput, desired[i].PermissionID)
		}
		seen[desired[i].PermissionID] = struct{}{}
	}
	diff, err := s.store.ReplaceOverrides(ctx, userID, actor.UserID, desired)
	if err != nil {
		return OverrideDiff{}, err
	}
	if len(diff.Added)+len(diff.Updated)+len(diff.Removed) > 0 {
		s.audit.Record(ctx, "rbac.override.replace", "user", userID,
			map[string]any{"removed": diff.Removed, "updated_from": diff.Updated},
			map[string]any{"added": diff.Added})
	}
	return diff, nil
}

// --- Guards -----------------------------------------------------------------

// guardRole loads a role and enforces tenant isolation ahead of any
// permission consideration. System roles are organization-agnostic and
// visible to every tenant.
func (s *Service) guardRole(ctx context.Context, actor Actor, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if !role.IsSystem && role.OrganizationID != actor.OrganizationID {
		return Role{}, fmt.Errorf("%w: role %s", ErrTenantMismatch, roleID)
	}
	return role, nil
}

func (s *Service) guardUser(ctx context.Context, actor Actor, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.OrganizationID != actor.OrganizationID {
		return User{}, fmt.Errorf("%w: user %s", ErrTenantMismatch, userID)
	}
	return user, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
