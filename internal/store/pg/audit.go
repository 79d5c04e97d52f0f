package pg

import (
	"context"
	"fmt"
	"strings"

	"pitstop.dev/internal/audit"
)

// Append inserts one immutable audit row. There is no update or delete
// path for audit_log anywhere in the codebase.
func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, actor_user_id, organization_id, action, resource_type, resource_id,
		                       old_values, new_values, ip_address, user_agent, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.ActorUserID, nullIfEmpty(entry.OrganizationID), entry.Action, entry.ResourceType,
		nullIfEmpty(entry.ResourceID), nullIfEmptyBytes(entry.OldValues), nullIfEmptyBytes(entry.NewValues),
		nullIfEmpty(entry.IPAddress), nullIfEmpty(entry.UserAgent), nullIfEmpty(entry.RequestID), entry.CreatedAt)
	return err
}

// Query pages the trail newest-first. The filter is normalized before
// use, so page size never exceeds the bound.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, int64, error) {
	filter = filter.Normalize()

	var (
		clauses []string
		args    []any
	)
	where := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	where("actor_user_id", filter.ActorUserID)
	where("organization_id", filter.OrganizationID)
	where("action", filter.Action)
	where("resource_type", filter.ResourceType)

	whereSQL := ""
	if len(clauses) > 0 {
		whereSQL = "where " + strings.Join(clauses, " and ")
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := fmt.Sprintf(`
		select id, actor_user_id, coalesce(organization_id, ''), action, resource_type,
		       coalesce(resource_id, ''), old_values, new_values,
		       coalesce(ip_address, ''), coalesce(user_agent, ''), coalesce(request_id, ''),
		       created_at, count(*) over() as total
		from audit_log
		%s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, whereSQL, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		entries []audit.Entry
		total   int64
	)
	for rows.Next() {
		var (
			e          audit.Entry
			oldV, newV []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.OrganizationID, &e.Action, &e.ResourceType,
			&e.ResourceID, &oldV, &newV,
			&e.IPAddress, &e.UserAgent, &e.RequestID, &e.CreatedAt, &total); err != nil {
			return nil, 0, err
		}
		e.OldValues = oldV
		e.NewValues = newV
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func nullIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
