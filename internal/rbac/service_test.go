package rbac

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// stubStore is an in-memory Store for service tests. Only the behavior
// the service itself adds (guards, validation, audit) is under test;
// transactional diffing belongs to the pg store tests.
type stubStore struct {
	users     map[string]User
	roles     map[string]Role
	snapshots map[string]Snapshot
	overrides map[string]Override

	createRoleErr error
	lastReplace   []OverrideSpec
}

func newStubStore() *stubStore {
	return &stubStore{
		users:     make(map[string]User),
		roles:     make(map[string]Role),
		snapshots: make(map[string]Snapshot),
		overrides: make(map[string]Override),
	}
}

func (s *stubStore) EnsurePermissions(context.Context, []Permission) error { return nil }

func (s *stubStore) ListPermissions(context.Context, PermissionFilter) ([]Permission, error) {
	return Catalog(), nil
}

func (s *stubStore) CreateRole(_ context.Context, role *Role) error {
	if s.createRoleErr != nil {
		return s.createRoleErr
	}
	role.ID = fmt.Sprintf("role%d", len(s.roles)+1)
	s.roles[role.ID] = *role
	return nil
}

func (s *stubStore) GetRole(_ context.Context, roleID string) (Role, error) {
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *stubStore) ListRoles(context.Context, string) ([]Role, error) { return nil, nil }

func (s *stubStore) UpdateRole(_ context.Context, roleID string, upd RoleUpdate) (Role, error) {
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		role.Name = *upd.Name
	}
	s.roles[roleID] = role
	return role, nil
}

func (s *stubStore) DeleteRole(_ context.Context, roleID string) error {
	if _, ok := s.roles[roleID]; !ok {
		return ErrNotFound
	}
	delete(s.roles, roleID)
	return nil
}

func (s *stubStore) RolePermissions(context.Context, string) ([]Permission, error) {
	return nil, nil
}

func (s *stubStore) SetRolePermissions(context.Context, string, []string) (RolePermissionDiff, error) {
	return RolePermissionDiff{Added: []string{"customers.view"}}, nil
}

func (s *stubStore) AssignRole(_ context.Context, userID, roleID string) (UserRole, error) {
	return UserRole{ID: "ur1", UserID: userID, RoleID: roleID}, nil
}

func (s *stubStore) GetAssignment(context.Context, string) (UserRole, error) {
	return UserRole{}, ErrNotFound
}

func (s *stubStore) RemoveAssignment(context.Context, string) error { return nil }

func (s *stubStore) ListAssignments(context.Context, string) ([]UserRole, error) {
	return nil, nil
}

func (s *stubStore) ListActiveOverrides(context.Context, string, time.Time) ([]Override, error) {
	return nil, nil
}

func (s *stubStore) UpsertOverride(_ context.Context, ov *Override) (*Override, error) {
	ov.ID = "ov1"
	return nil, nil
}

func (s *stubStore) GetOverride(_ context.Context, id string) (Override, error) {
	ov, ok := s.overrides[id]
	if !ok {
		return Override{}, ErrNotFound
	}
	return ov, nil
}

func (s *stubStore) DeleteOverride(_ context.Context, id string) (Override, error) {
	return s.GetOverride(context.Background(), id)
}

func (s *stubStore) ReplaceOverrides(_ context.Context, _, _ string, desired []OverrideSpec) (OverrideDiff, error) {
	s.lastReplace = desired
	return OverrideDiff{Added: []Override{{ID: "ov1"}}}, nil
}

func (s *stubStore) UserSnapshot(_ context.Context, userID string) (Snapshot, error) {
	snap, ok := s.snapshots[userID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *stubStore) GetUser(_ context.Context, userID string) (User, error) {
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// capturingRecorder collects audit events for assertions.
type capturingRecorder struct {
	actions []string
}

func (c *capturingRecorder) Record(_ context.Context, action, _, _ string, _, _ any) {
	c.actions = append(c.actions, action)
}

func testService(t *testing.T, store Store, rec AuditRecorder) *Service {
	t.Helper()
	opts := []Option{WithClock(func() time.Time { return resolveNow })}
	if rec != nil {
		opts = append(opts, WithAuditRecorder(rec))
	}
	svc, err := NewService(store, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

var (
	actorOrg1 = Actor{UserID: "admin1", OrganizationID: "org1"}
)

func TestHasPermissionRejectsUnknownKey(t *testing.T) {
	svc := testService(t, newStubStore(), nil)
	_, err := svc.HasPermission(context.Background(), "user1", "spaceships.fly")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestHasPermissionFailsClosedOnMissingUser(t *testing.T) {
	svc := testService(t, newStubStore(), nil)
	allowed, err := svc.HasPermission(context.Background(), "ghost", "customers.view")
	if allowed {
		t.Fatal("missing user must not be allowed")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasPermissionResolvesSnapshot(t *testing.T) {
	store := newStubStore()
	store.snapshots["user1"] = Snapshot{
		User:            User{ID: "user1", OrganizationID: "org1", Status: UserStatusActive},
		RolePermissions: []string{"customers.view"},
	}
	svc := testService(t, store, nil)

	allowed, err := svc.HasPermission(context.Background(), "user1", "customers.view")
	if err != nil || !allowed {
		t.Fatalf("allowed = %v, err = %v", allowed, err)
	}
	allowed, err = svc.HasPermission(context.Background(), "user1", "customers.delete")
	if err != nil || allowed {
		t.Fatalf("unheld key: allowed = %v, err = %v", allowed, err)
	}
}

func TestCheckPermissionGuardsTenantBeforeResolution(t *testing.T) {
	store := newStubStore()
	store.users["stranger"] = User{ID: "stranger", OrganizationID: "org2", Status: UserStatusActive}
	store.snapshots["stranger"] = Snapshot{
		User:            store.users["stranger"],
		RolePermissions: []string{"customers.view"},
	}
	svc := testService(t, store, nil)

	_, _, err := svc.CheckPermission(context.Background(), actorOrg1, "stranger", "customers.view")
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestCheckAnyPermissionValidatesEveryKey(t *testing.T) {
	store := newStubStore()
	store.users["user1"] = User{ID: "user1", OrganizationID: "org1", Status: UserStatusActive}
	svc := testService(t, store, nil)

	_, _, err := svc.CheckAnyPermission(context.Background(), actorOrg1, "user1", "customers.view", "bogus.key")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, _, err = svc.CheckAnyPermission(context.Background(), actorOrg1, "user1")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty key list, got %v", err)
	}
}

func TestGetRoleForeignTenantLooksLikeMissing(t *testing.T) {
	store := newStubStore()
	store.roles["role1"] = Role{ID: "role1", OrganizationID: "org2", Key: "manager"}
	svc := testService(t, store, nil)

	_, _, err := svc.GetRole(context.Background(), actorOrg1, "role1")
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestGetRoleSystemRoleVisibleToEveryTenant(t *testing.T) {
	store := newStubStore()
	store.roles["role1"] = Role{ID: "role1", Key: "owner", IsSystem: true}
	svc := testService(t, store, nil)

	role, _, err := svc.GetRole(context.Background(), actorOrg1, "role1")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if !role.IsSystem {
		t.Fatal("expected the system role back")
	}
}

func TestSystemRoleIsImmutable(t *testing.T) {
	store := newStubStore()
	store.roles["role1"] = Role{ID: "role1", Key: "owner", IsSystem: true}
	svc := testService(t, store, nil)
	ctx := context.Background()
	name := "Renamed"

	if _, err := svc.UpdateRole(ctx, actorOrg1, "role1", RoleUpdate{Name: &name}); !errors.Is(err, ErrConflict) {
		t.Fatalf("UpdateRole: expected ErrConflict, got %v", err)
	}
	if err := svc.DeleteRole(ctx, actorOrg1, "role1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("DeleteRole: expected ErrConflict, got %v", err)
	}
	if _, err := svc.SetRolePermissions(ctx, actorOrg1, "role1", []string{"p1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("SetRolePermissions: expected ErrConflict, got %v", err)
	}
}

func TestCreateRoleValidatesAndAudits(t *testing.T) {
	store := newStubStore()
	rec := &capturingRecorder{}
	svc := testService(t, store, rec)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, actorOrg1, "  ", "Manager", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(rec.actions) != 0 {
		t.Fatal("rejected mutation must not be audited")
	}

	role, err := svc.CreateRole(ctx, actorOrg1, "Manager", "Workshop Manager", "runs the floor")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Key != "manager" {
		t.Fatalf("key not normalized: %q", role.Key)
	}
	if role.OrganizationID != "org1" {
		t.Fatal("role must inherit the actor's organization")
	}
	if len(rec.actions) != 1 || rec.actions[0] != "rbac.role.create" {
		t.Fatalf("audit actions = %v", rec.actions)
	}
}

func TestCreateRoleFailureIsNotAudited(t *testing.T) {
	store := newStubStore()
	store.createRoleErr = fmt.Errorf("%w: duplicate", ErrConflict)
	rec := &capturingRecorder{}
	svc := testService(t, store, rec)

	if _, err := svc.CreateRole(context.Background(), actorOrg1, "manager", "Manager", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(rec.actions) != 0 {
		t.Fatalf("failed mutation audited: %v", rec.actions)
	}
}

func TestReplaceOverridesRejectsDuplicateSpecs(t *testing.T) {
	store := newStubStore()
	store.users["user1"] = User{ID: "user1", OrganizationID: "org1", Status: UserStatusActive}
	svc := testService(t, store, nil)

	_, err := svc.ReplaceOverrides(context.Background(), actorOrg1, "user1", []OverrideSpec{
		{PermissionID: "p1", IsGranted: true},
		{PermissionID: "p1", IsGranted: false},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if store.lastReplace != nil {
		t.Fatal("store must not be called for invalid input")
	}
}

func TestReplaceOverridesGuardsUserTenant(t *testing.T) {
	store := newStubStore()
	store.users["stranger"] = User{ID: "stranger", OrganizationID: "org2", Status: UserStatusActive}
	rec := &capturingRecorder{}
	svc := testService(t, store, rec)

	_, err := svc.ReplaceOverrides(context.Background(), actorOrg1, "stranger", nil)
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
	if len(rec.actions) != 0 {
		t.Fatal("tenant-rejected mutation must not be audited")
	}
}

func TestReplaceOverridesAuditsChanges(t *testing.T) {
	store := newStubStore()
	store.users["user1"] = User{ID: "user1", OrganizationID: "org1", Status: UserStatusActive}
	rec := &capturingRecorder{}
	svc := testService(t, store, rec)

	diff, err := svc.ReplaceOverrides(context.Background(), actorOrg1, "user1", []OverrideSpec{
		{PermissionID: "p1", IsGranted: true},
	})
	if err != nil {
		t.Fatalf("ReplaceOverrides: %v", err)
	}
	if len(diff.Added) != 1 {
		t.Fatalf("diff = %+v", diff)
	}
	if len(rec.actions) != 1 || rec.actions[0] != "rbac.override.replace" {
		t.Fatalf("audit actions = %v", rec.actions)
	}
}

func TestUpsertOverrideStampsActorAsGrantor(t *testing.T) {
	store := newStubStore()
	store.users["user1"] = User{ID: "user1", OrganizationID: "org1", Status: UserStatusActive}
	svc := testService(t, store, nil)

	ov, err := svc.UpsertOverride(context.Background(), actorOrg1, "user1", "p1", true, "temp access", nil)
	if err != nil {
		t.Fatalf("UpsertOverride: %v", err)
	}
	if ov.GrantedBy != actorOrg1.UserID {
		t.Fatalf("GrantedBy = %q, want %q", ov.GrantedBy, actorOrg1.UserID)
	}
}

func TestListPermissionsRejectsUnknownResource(t *testing.T) {
	svc := testService(t, newStubStore(), nil)
	_, err := svc.ListPermissions(context.Background(), PermissionFilter{Resource: "spaceships"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
