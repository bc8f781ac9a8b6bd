package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/skyrem/backoffice/internal/platform/db"
	"github.com/skyrem/backoffice/internal/shared"
)

const (
	permissionColumns = `id, name, guard_name, created_at, updated_at`
	roleColumns       = `id, name, guard_name, created_at, updated_at`
)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	*queries
	pool db.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool db.Pool) *PGStore {
	return &PGStore{queries: &queries{db: pool}, pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, Queries) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewQueries(tx))
	})
}

// NewQueries binds the role/permission queries to an existing connection or transaction.
// Other modules use it to join role assignment with their own writes.
func NewQueries(conn db.DBTX) Queries {
	return &queries{db: conn}
}

type queries struct {
	db db.DBTX
}

func (q *queries) GetPermission(ctx context.Context, id int64) (Permission, error) {
	row := q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	return scanPermission(row)
}

func (q *queries) FindPermissionByName(ctx context.Context, name, guard string) (Permission, error) {
	row := q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1 AND guard_name = $2`, name, guard)
	return scanPermission(row)
}

func (q *queries) FindPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	if len(ids) == 0 {
		return []Permission{}, nil
	}
	rows, err := q.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1) ORDER BY name`, ids)
	if err != nil {
		return nil, fmt.Errorf("rbac: find permissions: %w", err)
	}
	return collectPermissions(rows)
}

func (q *queries) ListPermissions(ctx context.Context, guard string) ([]Permission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE ($1 = '' OR guard_name = $1) ORDER BY name`, guard)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	return collectPermissions(rows)
}

func (q *queries) InsertPermission(ctx context.Context, name, guard string) (Permission, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO permissions (name, guard_name) VALUES ($1, $2) RETURNING `+permissionColumns, name, guard)
	perm, err := scanPermission(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Permission{}, &shared.DuplicateError{Entity: "permission", Key: fmt.Sprintf("%q (%s)", name, guard)}
		}
		return Permission{}, fmt.Errorf("rbac: insert permission: %w", err)
	}
	return perm, nil
}

func (q *queries) DeletePermission(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rbac: delete permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (q *queries) GetRole(ctx context.Context, id int64) (Role, error) {
	row := q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if err != nil {
		return Role{}, err
	}
	return q.withPermissions(ctx, role)
}

func (q *queries) FindRoleByName(ctx context.Context, name, guard string) (Role, error) {
	row := q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1 AND guard_name = $2`, name, guard)
	role, err := scanRole(row)
	if err != nil {
		return Role{}, err
	}
	return q.withPermissions(ctx, role)
}

func (q *queries) FindRolesByIDs(ctx context.Context, ids []int64) ([]Role, error) {
	if len(ids) == 0 {
		return []Role{}, nil
	}
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ANY($1) ORDER BY array_position($1::bigint[], id)`, ids)
	if err != nil {
		return nil, fmt.Errorf("rbac: find roles: %w", err)
	}
	return collectRoles(rows)
}

func (q *queries) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	roles, err := collectRoles(rows)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return roles, nil
	}

	permRows, err := q.db.Query(ctx, `SELECT rp.role_id, p.id, p.name, p.guard_name, p.created_at, p.updated_at
		FROM role_has_permissions rp JOIN permissions p ON p.id = rp.permission_id
		ORDER BY p.name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list role permissions: %w", err)
	}
	defer permRows.Close()
	byRole := make(map[int64][]Permission, len(roles))
	for permRows.Next() {
		var roleID int64
		var p Permission
		if err := permRows.Scan(&roleID, &p.ID, &p.Name, &p.Guard, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan role permission: %w", err)
		}
		byRole[roleID] = append(byRole[roleID], p)
	}
	if err := permRows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: iterate role permissions: %w", err)
	}
	for i := range roles {
		roles[i].Permissions = byRole[roles[i].ID]
		roles[i].PermissionCount = len(roles[i].Permissions)
	}
	return roles, nil
}

func (q *queries) RoleNameTaken(ctx context.Context, name, guard string, exceptID int64) (bool, error) {
	var taken bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1 AND guard_name = $2 AND id <> $3)`, name, guard, exceptID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("rbac: check role name: %w", err)
	}
	return taken, nil
}

func (q *queries) InsertRole(ctx context.Context, name, guard string) (Role, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO roles (name, guard_name) VALUES ($1, $2) RETURNING `+roleColumns, name, guard)
	role, err := scanRole(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Role{}, shared.NewValidationError("name", "The name has already been taken.")
		}
		return Role{}, fmt.Errorf("rbac: insert role: %w", err)
	}
	return role, nil
}

func (q *queries) UpdateRole(ctx context.Context, id int64, name, guard string) (Role, error) {
	row := q.db.QueryRow(ctx, `UPDATE roles SET name = $2, guard_name = $3, updated_at = NOW() WHERE id = $1 RETURNING `+roleColumns, id, name, guard)
	role, err := scanRole(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Role{}, shared.NewValidationError("name", "The name has already been taken.")
		}
		return Role{}, err
	}
	return role, nil
}

func (q *queries) DeleteRole(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rbac: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (q *queries) SyncRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if permissionIDs == nil {
		permissionIDs = []int64{}
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM role_has_permissions WHERE role_id = $1 AND NOT (permission_id = ANY($2))`, roleID, permissionIDs); err != nil {
		return fmt.Errorf("rbac: detach permissions: %w", err)
	}
	if len(permissionIDs) == 0 {
		return nil
	}
	if _, err := q.db.Exec(ctx, `INSERT INTO role_has_permissions (role_id, permission_id)
		SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`, roleID, permissionIDs); err != nil {
		return fmt.Errorf("rbac: attach permissions: %w", err)
	}
	return nil
}

func (q *queries) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := q.db.Query(ctx, `SELECT r.id, r.name, r.guard_name, r.created_at, r.updated_at
		FROM model_has_roles mr JOIN roles r ON r.id = mr.role_id
		WHERE mr.user_id = $1
		ORDER BY mr.position, mr.assigned_at, r.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: user roles: %w", err)
	}
	return collectRoles(rows)
}

func (q *queries) SyncUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	if roleIDs == nil {
		roleIDs = []int64{}
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM model_has_roles WHERE user_id = $1 AND NOT (role_id = ANY($2))`, userID, roleIDs); err != nil {
		return fmt.Errorf("rbac: detach roles: %w", err)
	}
	if len(roleIDs) == 0 {
		return nil
	}
	if _, err := q.db.Exec(ctx, `INSERT INTO model_has_roles (user_id, role_id, position)
		SELECT $1, r.role_id, r.ord FROM unnest($2::bigint[]) WITH ORDINALITY AS r(role_id, ord)
		ON CONFLICT (user_id, role_id) DO UPDATE SET position = EXCLUDED.position`, userID, roleIDs); err != nil {
		return fmt.Errorf("rbac: attach roles: %w", err)
	}
	return nil
}

func (q *queries) LoadSnapshot(ctx context.Context, guard string) (Snapshot, error) {
	snap := Snapshot{Guard: guard, Roles: make(map[int64]SnapshotRole), Users: make(map[int64][]int64)}

	rows, err := q.db.Query(ctx, `SELECT r.id, r.name, p.name
		FROM roles r
		LEFT JOIN role_has_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE r.guard_name = $1
		ORDER BY r.id, p.name`, guard)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load role snapshot: %w", err)
	}
	for rows.Next() {
		var roleID int64
		var roleName string
		var permName *string
		if err := rows.Scan(&roleID, &roleName, &permName); err != nil {
			rows.Close()
			return Snapshot{}, fmt.Errorf("rbac: scan role snapshot: %w", err)
		}
		entry := snap.Roles[roleID]
		entry.Name = roleName
		if entry.Permissions == nil {
			entry.Permissions = []string{}
		}
		if permName != nil {
			entry.Permissions = append(entry.Permissions, *permName)
		}
		snap.Roles[roleID] = entry
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("rbac: iterate role snapshot: %w", err)
	}

	userRows, err := q.db.Query(ctx, `SELECT mr.user_id, mr.role_id
		FROM model_has_roles mr JOIN roles r ON r.id = mr.role_id
		WHERE r.guard_name = $1
		ORDER BY mr.user_id, mr.position, mr.assigned_at, mr.role_id`, guard)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load user snapshot: %w", err)
	}
	defer userRows.Close()
	for userRows.Next() {
		var userID, roleID int64
		if err := userRows.Scan(&userID, &roleID); err != nil {
			return Snapshot{}, fmt.Errorf("rbac: scan user snapshot: %w", err)
		}
		snap.Users[userID] = append(snap.Users[userID], roleID)
	}
	if err := userRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("rbac: iterate user snapshot: %w", err)
	}
	return snap, nil
}

func (q *queries) withPermissions(ctx context.Context, role Role) (Role, error) {
	rows, err := q.db.Query(ctx, `SELECT p.id, p.name, p.guard_name, p.created_at, p.updated_at
		FROM role_has_permissions rp JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 ORDER BY p.name`, role.ID)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: role permissions: %w", err)
	}
	perms, err := collectPermissions(rows)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	role.PermissionCount = len(perms)
	return role, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Name, &p.Guard, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, shared.ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Guard, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return r, nil
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	defer rows.Close()
	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Guard, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: iterate permissions: %w", err)
	}
	return perms, nil
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	roles := []Role{}
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Guard, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan role: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: iterate roles: %w", err)
	}
	return roles, nil
}

var _ Store = (*PGStore)(nil)
