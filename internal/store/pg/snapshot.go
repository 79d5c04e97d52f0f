package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pitstop.dev/internal/rbac"
)

const userColumns = `id, organization_id, email, status, permissions_version, created_at, updated_at`

func (s *Store) GetUser(ctx context.Context, userID string) (rbac.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users where id = $1
	`, userID))
}

// UserByEmail also returns the password hash, for the login handler.
func (s *Store) UserByEmail(ctx context.Context, email string) (rbac.User, string, error) {
	var (
		user rbac.User
		hash string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, email, status, permissions_version, created_at, updated_at, password_hash
		from users
		where email = $1
	`, email).Scan(&user.ID, &user.OrganizationID, &user.Email, &user.Status,
		&user.PermissionsVersion, &user.CreatedAt, &user.UpdatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.User{}, "", rbac.ErrNotFound
	}
	if err != nil {
		return rbac.User{}, "", err
	}
	return user, hash, nil
}

// UserSnapshot assembles the resolver input in one repeatable-read
// transaction, so roles and overrides come from a single consistent
// point in time. Any request beginning after a write commits sees that
// write; the snapshot is never cached across requests.
func (s *Store) UserSnapshot(ctx context.Context, userID string) (rbac.Snapshot, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return rbac.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := scanUser(tx.QueryRowContext(ctx, `
		select `+userColumns+` from users where id = $1
	`, userID))
	if err != nil {
		return rbac.Snapshot{}, err
	}

	snap := rbac.Snapshot{User: user, Now: now}

	roleRows, err := tx.QueryContext(ctx, `
		select r.id, r.organization_id, r.key, r.name, r.description, r.is_system, r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return rbac.Snapshot{}, err
	}
	for roleRows.Next() {
		role, err := scanRole(roleRows)
		if err != nil {
			roleRows.Close()
			return rbac.Snapshot{}, err
		}
		snap.Roles = append(snap.Roles, role)
	}
	roleRows.Close()
	if err := roleRows.Err(); err != nil {
		return rbac.Snapshot{}, err
	}

	permRows, err := tx.QueryContext(ctx, `
		select distinct p.key
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id and p.is_active
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return rbac.Snapshot{}, err
	}
	for permRows.Next() {
		var key string
		if err := permRows.Scan(&key); err != nil {
			permRows.Close()
			return rbac.Snapshot{}, err
		}
		snap.RolePermissions = append(snap.RolePermissions, key)
	}
	permRows.Close()
	if err := permRows.Err(); err != nil {
		return rbac.Snapshot{}, err
	}

	ovRows, err := tx.QueryContext(ctx, `
		select `+overrideColumns+`
		from user_permission_overrides o
		join permissions p on p.id = o.permission_id and p.is_active
		where o.user_id = $1 and (o.expires_at is null or o.expires_at > $2)
	`, userID, now)
	if err != nil {
		return rbac.Snapshot{}, err
	}
	for ovRows.Next() {
		ov, err := scanOverride(ovRows)
		if err != nil {
			ovRows.Close()
			return rbac.Snapshot{}, err
		}
		snap.Overrides = append(snap.Overrides, ov)
	}
	ovRows.Close()
	if err := ovRows.Err(); err != nil {
		return rbac.Snapshot{}, err
	}

	return snap, tx.Commit()
}

func scanUser(row rowScanner) (rbac.User, error) {
	var user rbac.User
	err := row.Scan(&user.ID, &user.OrganizationID, &user.Email, &user.Status,
		&user.PermissionsVersion, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.User{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.User{}, err
	}
	return user, nil
}
