package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pitstop.dev/internal/ids"
	"pitstop.dev/internal/rbac"
)

const overrideColumns = `o.id, o.user_id, o.permission_id, p.key, o.is_granted, o.granted_by, coalesce(o.reason, ''), o.expires_at, o.created_at, o.updated_at`

// ListActiveOverrides excludes rows whose expiry has passed and rows
// whose permission has been deactivated. Expired rows stay on disk
// until the next replace; expiry is purely a read-time filter.
func (s *Store) ListActiveOverrides(ctx context.Context, userID string, now time.Time) ([]rbac.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+overrideColumns+`
		from user_permission_overrides o
		join permissions p on p.id = o.permission_id and p.is_active
		where o.user_id = $1 and (o.expires_at is null or o.expires_at > $2)
		order by p.key
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []rbac.Override
	for rows.Next() {
		ov, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, ov)
	}
	return overrides, rows.Err()
}

func (s *Store) GetOverride(ctx context.Context, id string) (rbac.Override, error) {
	ov, err := scanOverride(s.db.QueryRowContext(ctx, `
		select `+overrideColumns+`
		from user_permission_overrides o
		join permissions p on p.id = o.permission_id
		where o.id = $1
	`, id))
	if err != nil {
		return rbac.Override{}, err
	}
	return ov, nil
}

// UpsertOverride replaces any prior override for the same
// (user, permission) pair; overrides never stack. The user row lock
// serializes it with concurrent bulk replaces.
func (s *Store) UpsertOverride(ctx context.Context, ov *rbac.Override) (*rbac.Override, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockUser(ctx, tx, ov.UserID); err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, `select key from permissions where id = $1 and is_active`, ov.PermissionID).Scan(&ov.Key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: permission %s", rbac.ErrNotFound, ov.PermissionID)
		}
		return nil, err
	}

	var prior *rbac.Override
	existing, err := scanOverride(tx.QueryRowContext(ctx, `
		select `+overrideColumns+`
		from user_permission_overrides o
		join permissions p on p.id = o.permission_id
		where o.user_id = $1 and o.permission_id = $2
	`, ov.UserID, ov.PermissionID))
	switch {
	case err == nil:
		prior = &existing
		ov.ID = existing.ID
		ov.CreatedAt = existing.CreatedAt
		err = tx.QueryRowContext(ctx, `
			update user_permission_overrides
			set is_granted = $1, granted_by = $2, reason = $3, expires_at = $4, updated_at = now()
			where id = $5
			returning updated_at
		`, ov.IsGranted, ov.GrantedBy, nullIfEmpty(ov.Reason), ov.ExpiresAt, ov.ID).Scan(&ov.UpdatedAt)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, rbac.ErrNotFound):
		ov.ID = ids.New()
		err = tx.QueryRowContext(ctx, `
			insert into user_permission_overrides (id, user_id, permission_id, is_granted, granted_by, reason, expires_at)
			values ($1, $2, $3, $4, $5, $6, $7)
			returning created_at, updated_at
		`, ov.ID, ov.UserID, ov.PermissionID, ov.IsGranted, ov.GrantedBy, nullIfEmpty(ov.Reason), ov.ExpiresAt).Scan(&ov.CreatedAt, &ov.UpdatedAt)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := bumpVersion(ctx, tx, ov.UserID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prior, nil
}

func (s *Store) DeleteOverride(ctx context.Context, id string) (rbac.Override, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Override{}, err
	}
	defer func() { _ = tx.Rollback() }()

	removed, err := scanOverride(tx.QueryRowContext(ctx, `
		select `+overrideColumns+`
		from user_permission_overrides o
		join permissions p on p.id = o.permission_id
		where o.id = $1
	`, id))
	if err != nil {
		return rbac.Override{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from user_permission_overrides where id = $1`, id); err != nil {
		return rbac.Override{}, err
	}
	if err := bumpVersion(ctx, tx, removed.UserID); err != nil {
		return rbac.Override{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.Override{}, err
	}
	return removed, nil
}

// ReplaceOverrides applies the bulk "save permissions for this user"
// diff in one transaction keyed by the user row lock: two concurrent
// replaces serialize, the final state equals exactly one submitted set,
// and a reader never observes a transient empty state. Any failure
// rolls back to the prior state in full.
func (s *Store) ReplaceOverrides(ctx context.Context, userID, grantedBy string, desired []rbac.OverrideSpec) (rbac.OverrideDiff, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.OverrideDiff{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return rbac.OverrideDiff{}, err
	}

	current := make(map[string]rbac.Override) // permission id -> row
	rows, err := tx.QueryContext(ctx, `
		select `+overrideColumns+`
		from user_permission_overrides o
		join permissions p on p.id = o.permission_id
		where o.user_id = $1
	`, userID)
	if err != nil {
		return rbac.OverrideDiff{}, err
	}
	for rows.Next() {
		ov, err := scanOverride(rows)
		if err != nil {
			rows.Close()
			return rbac.OverrideDiff{}, err
		}
		current[ov.PermissionID] = ov
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rbac.OverrideDiff{}, err
	}

	var diff rbac.OverrideDiff
	wanted := make(map[string]struct{}, len(desired))
	for _, spec := range desired {
		wanted[spec.PermissionID] = struct{}{}

		if existing, held := current[spec.PermissionID]; held {
			if existing.IsGranted == spec.IsGranted &&
				existing.Reason == spec.Reason &&
				timesEqual(existing.ExpiresAt, spec.ExpiresAt) {
				continue
			}
			updated := existing
			updated.IsGranted = spec.IsGranted
			updated.Reason = spec.Reason
			updated.ExpiresAt = spec.ExpiresAt
			updated.GrantedBy = grantedBy
			err = tx.QueryRowContext(ctx, `
				update user_permission_overrides
				set is_granted = $1, granted_by = $2, reason = $3, expires_at = $4, updated_at = now()
				where id = $5
				returning updated_at
			`, spec.IsGranted, grantedBy, nullIfEmpty(spec.Reason), spec.ExpiresAt, existing.ID).Scan(&updated.UpdatedAt)
			if err != nil {
				return rbac.OverrideDiff{}, err
			}
			diff.Updated = append(diff.Updated, existing)
			continue
		}

		added := rbac.Override{
			ID:           ids.New(),
			UserID:       userID,
			PermissionID: spec.PermissionID,
			IsGranted:    spec.IsGranted,
			GrantedBy:    grantedBy,
			Reason:       spec.Reason,
			ExpiresAt:    spec.ExpiresAt,
		}
		if err := tx.QueryRowContext(ctx, `select key from permissions where id = $1 and is_active`, spec.PermissionID).Scan(&added.Key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return rbac.OverrideDiff{}, fmt.Errorf("%w: permission %s", rbac.ErrNotFound, spec.PermissionID)
			}
			return rbac.OverrideDiff{}, err
		}
		err = tx.QueryRowContext(ctx, `
			insert into user_permission_overrides (id, user_id, permission_id, is_granted, granted_by, reason, expires_at)
			values ($1, $2, $3, $4, $5, $6, $7)
			returning created_at, updated_at
		`, added.ID, userID, spec.PermissionID, spec.IsGranted, grantedBy, nullIfEmpty(spec.Reason), spec.ExpiresAt).Scan(&added.CreatedAt, &added.UpdatedAt)
		if err != nil {
			return rbac.OverrideDiff{}, err
		}
		diff.Added = append(diff.Added, added)
	}

	for permID, existing := range current {
		if _, keep := wanted[permID]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, `delete from user_permission_overrides where id = $1`, existing.ID); err != nil {
			return rbac.OverrideDiff{}, err
		}
		diff.Removed = append(diff.Removed, existing)
	}

	if len(diff.Added)+len(diff.Updated)+len(diff.Removed) > 0 {
		if err := bumpVersion(ctx, tx, userID); err != nil {
			return rbac.OverrideDiff{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rbac.OverrideDiff{}, err
	}
	return diff, nil
}

func lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `select 1 from users where id = $1 for update`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.ErrNotFound
	}
	return err
}

func scanOverride(row rowScanner) (rbac.Override, error) {
	var (
		ov      rbac.Override
		expires sql.NullTime
	)
	err := row.Scan(&ov.ID, &ov.UserID, &ov.PermissionID, &ov.Key, &ov.IsGranted, &ov.GrantedBy, &ov.Reason, &expires, &ov.CreatedAt, &ov.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Override{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Override{}, err
	}
	if expires.Valid {
		t := expires.Time
		ov.ExpiresAt = &t
	}
	return ov, nil
}
