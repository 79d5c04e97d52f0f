package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pitstop.dev/internal/ids"
	"pitstop.dev/internal/rbac"
)

func (s *Store) EnsurePermissions(ctx context.Context, perms []rbac.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		// Keys are immutable once referenced; conflicts refresh catalog
		// metadata only and never repurpose an id.
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, key, resource, action, category, display_order, is_active)
			values ($1, $2, $3, $4, $5, $6, $7)
			on conflict (key) do update
			set category = excluded.category,
			    display_order = excluded.display_order,
			    is_active = excluded.is_active
		`, ids.New(), p.Key, p.Resource, p.Action, p.Category, p.DisplayOrder, p.IsActive); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPermissions(ctx context.Context, filter rbac.PermissionFilter) ([]rbac.Permission, error) {
	var (
		clauses = []string{"is_active"}
		args    []any
	)
	if filter.Category != "" {
		args = append(args, filter.Category)
		clauses = append(clauses, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Resource != "" {
		args = append(args, filter.Resource)
		clauses = append(clauses, fmt.Sprintf("resource = $%d", len(args)))
	}
	query := fmt.Sprintf(`
		select id, key, resource, action, category, display_order, is_active
		from permissions
		where %s
		order by display_order, key
	`, strings.Join(clauses, " and "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Resource, &p.Action, &p.Category, &p.DisplayOrder, &p.IsActive); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, role *rbac.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, organization_id, key, name, description, is_system)
		values ($1, $2, $3, $4, $5, false)
		returning created_at, updated_at
	`, role.ID, nullIfEmpty(role.OrganizationID), role.Key, role.Name, nullIfEmpty(role.Description))
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: role key or name already exists in organization", rbac.ErrConflict)
			case pgErrForeignKeyViolation:
				return rbac.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (rbac.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `
		select id, organization_id, key, name, description, is_system, created_at, updated_at
		from roles
		where id = $1
	`, roleID))
}

// ListRoles returns the organization's roles plus organization-agnostic
// system roles.
func (s *Store) ListRoles(ctx context.Context, organizationID string) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, key, name, description, is_system, created_at, updated_at
		from roles
		where organization_id = $1 or organization_id is null
		order by is_system desc, name
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, roleID string, upd rbac.RoleUpdate) (rbac.Role, error) {
	var (
		sets []string
		args []any
	)
	if upd.Key != nil {
		args = append(args, *upd.Key)
		sets = append(sets, fmt.Sprintf("key = $%d", len(args)))
	}
	if upd.Name != nil {
		args = append(args, *upd.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = null")
		} else {
			args = append(args, *upd.Description)
			sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
		}
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		args = append(args, roleID)
		query := fmt.Sprintf(`update roles set %s where id = $%d and not is_system`, strings.Join(sets, ", "), len(args))
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return rbac.Role{}, fmt.Errorf("%w: role key or name already exists in organization", rbac.ErrConflict)
			}
			return rbac.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return rbac.Role{}, err
		}
		if aff == 0 {
			return rbac.Role{}, rbac.ErrNotFound
		}
	}
	return s.GetRole(ctx, roleID)
}

// DeleteRole removes an unreferenced, non-system role. The application
// guard (not a cascading foreign key) rejects deletion while any user
// still holds the role, leaving role and assignments intact.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var isSystem bool
	err = tx.QueryRowContext(ctx, `select is_system from roles where id = $1 for update`, roleID).Scan(&isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.ErrNotFound
	}
	if err != nil {
		return err
	}
	if isSystem {
		return fmt.Errorf("%w: system role cannot be deleted", rbac.ErrConflict)
	}

	var holders int
	if err := tx.QueryRowContext(ctx, `select count(*) from user_roles where role_id = $1`, roleID).Scan(&holders); err != nil {
		return err
	}
	if holders > 0 {
		return fmt.Errorf("%w: role is assigned to %d user(s)", rbac.ErrConflict, holders)
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.key, p.resource, p.action, p.category, p.display_order, p.is_active
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.display_order, p.key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Resource, &p.Action, &p.Category, &p.DisplayOrder, &p.IsActive); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// SetRolePermissions replaces the role's assigned set as a diff inside
// one transaction. The role row lock serializes concurrent editors; only
// rows leaving the set are deleted and only rows entering it are
// inserted, so holders never observe a window with zero permissions.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) (rbac.RolePermissionDiff, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.RolePermissionDiff{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var isSystem bool
	err = tx.QueryRowContext(ctx, `select is_system from roles where id = $1 for update`, roleID).Scan(&isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RolePermissionDiff{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.RolePermissionDiff{}, err
	}
	if isSystem {
		return rbac.RolePermissionDiff{}, fmt.Errorf("%w: system role permissions cannot be edited", rbac.ErrConflict)
	}

	current := make(map[string]string) // permission id -> key
	rows, err := tx.QueryContext(ctx, `
		select rp.permission_id, p.key
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
	`, roleID)
	if err != nil {
		return rbac.RolePermissionDiff{}, err
	}
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			rows.Close()
			return rbac.RolePermissionDiff{}, err
		}
		current[id] = key
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rbac.RolePermissionDiff{}, err
	}

	desired := make(map[string]struct{}, len(permissionIDs))
	var diff rbac.RolePermissionDiff
	for _, permID := range permissionIDs {
		desired[permID] = struct{}{}
		if _, held := current[permID]; held {
			continue
		}
		var key string
		err := tx.QueryRowContext(ctx, `select key from permissions where id = $1 and is_active`, permID).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.RolePermissionDiff{}, fmt.Errorf("%w: permission %s", rbac.ErrNotFound, permID)
		}
		if err != nil {
			return rbac.RolePermissionDiff{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
		`, roleID, permID); err != nil {
			return rbac.RolePermissionDiff{}, err
		}
		diff.Added = append(diff.Added, key)
	}
	for permID, key := range current {
		if _, keep := desired[permID]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			delete from role_permissions where role_id = $1 and permission_id = $2
		`, roleID, permID); err != nil {
			return rbac.RolePermissionDiff{}, err
		}
		diff.Removed = append(diff.Removed, key)
	}

	if len(diff.Added) > 0 || len(diff.Removed) > 0 {
		if err := bumpVersionForRoleHolders(ctx, tx, roleID); err != nil {
			return rbac.RolePermissionDiff{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rbac.RolePermissionDiff{}, err
	}
	return diff, nil
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID string) (rbac.UserRole, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.UserRole{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var userOrg string
	err = tx.QueryRowContext(ctx, `select organization_id from users where id = $1 for update`, userID).Scan(&userOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.UserRole{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.UserRole{}, err
	}

	var roleOrg sql.NullString
	err = tx.QueryRowContext(ctx, `select organization_id from roles where id = $1`, roleID).Scan(&roleOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.UserRole{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.UserRole{}, err
	}
	// System roles are organization-agnostic; anything else must match
	// the user's tenant.
	if roleOrg.Valid && roleOrg.String != userOrg {
		return rbac.UserRole{}, fmt.Errorf("%w: user and role belong to different organizations", rbac.ErrTenantMismatch)
	}

	assignment := rbac.UserRole{ID: ids.New(), UserID: userID, RoleID: roleID, OrganizationID: userOrg}
	err = tx.QueryRowContext(ctx, `
		insert into user_roles (id, user_id, role_id, organization_id)
		values ($1, $2, $3, $4)
		returning created_at
	`, assignment.ID, userID, roleID, userOrg).Scan(&assignment.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.UserRole{}, fmt.Errorf("%w: role already assigned", rbac.ErrConflict)
		}
		return rbac.UserRole{}, err
	}

	if err := bumpVersion(ctx, tx, userID); err != nil {
		return rbac.UserRole{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.UserRole{}, err
	}
	return assignment, nil
}

func (s *Store) GetAssignment(ctx context.Context, assignmentID string) (rbac.UserRole, error) {
	var ur rbac.UserRole
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, role_id, organization_id, created_at
		from user_roles
		where id = $1
	`, assignmentID).Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.OrganizationID, &ur.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.UserRole{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.UserRole{}, err
	}
	return ur, nil
}

func (s *Store) RemoveAssignment(ctx context.Context, assignmentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx, `delete from user_roles where id = $1 returning user_id`, assignmentID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := bumpVersion(ctx, tx, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAssignments(ctx context.Context, userID string) ([]rbac.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, role_id, organization_id, created_at
		from user_roles
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []rbac.UserRole
	for rows.Next() {
		var ur rbac.UserRole
		if err := rows.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.OrganizationID, &ur.CreatedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, ur)
	}
	return assignments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (rbac.Role, error) {
	var (
		role rbac.Role
		org  sql.NullString
		desc sql.NullString
	)
	err := row.Scan(&role.ID, &org, &role.Key, &role.Name, &desc, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	if org.Valid {
		role.OrganizationID = org.String
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

// bumpVersion advances the user's permissions_version inside the same
// transaction as the change, so cached capability sets can be compared
// against a single token.
func bumpVersion(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		update users set permissions_version = permissions_version + 1, updated_at = now()
		where id = $1
	`, userID)
	return err
}

func bumpVersionForRoleHolders(ctx context.Context, tx *sql.Tx, roleID string) error {
	_, err := tx.ExecContext(ctx, `
		update users set permissions_version = permissions_version + 1, updated_at = now()
		where id in (select user_id from user_roles where role_id = $1)
	`, roleID)
	return err
}
