package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/skyrem/backoffice/internal/platform/db"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
)

// Repository provides PostgreSQL backed role listings.
type Repository struct {
	db db.DBTX
}

// NewRepository constructs a repository.
func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

// ListRoles returns one page of roles with permission counts and the total match count.
func (r *Repository) ListRoles(ctx context.Context, q shared.PageQuery) ([]rbac.Role, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		where = append(where, fmt.Sprintf("r.name ILIKE $%d", len(args)))
	}
	if guard := q.Filter("guard_name"); guard != "" {
		args = append(args, guard)
		where = append(where, fmt.Sprintf("r.guard_name = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM roles r WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("roles: count: %w", err)
	}

	page := shared.NewPagination(q.Page, q.PerPage, total)
	sort := shared.ParseSort(q.Sort.String(), SortColumns, shared.DefaultSort)
	args = append(args, page.PerPage, page.Offset())
	sql := fmt.Sprintf(`SELECT r.id, r.name, r.guard_name, r.created_at, r.updated_at,
		(SELECT COUNT(*) FROM role_has_permissions rp WHERE rp.role_id = r.id)
		FROM roles r WHERE %s ORDER BY r.%s %s, r.id DESC LIMIT $%d OFFSET $%d`,
		cond, sort.Column, sort.Direction(), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("roles: list: %w", err)
	}
	defer rows.Close()
	out := []rbac.Role{}
	for rows.Next() {
		var role rbac.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Guard, &role.CreatedAt, &role.UpdatedAt, &role.PermissionCount); err != nil {
			return nil, 0, fmt.Errorf("roles: scan: %w", err)
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("roles: iterate: %w", err)
	}
	return out, total, nil
}
