package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/skyrem/backoffice/internal/platform/db"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
)

// Queries defines user persistence operations.
type Queries interface {
	GetUser(ctx context.Context, id int64) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	EmailTaken(ctx context.Context, email string, exceptID int64) (bool, error)
	InsertUser(ctx context.Context, name, email, passwordHash string) (User, error)
	UpdateUser(ctx context.Context, id int64, name, email string, passwordHash *string) (User, error)
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context, q shared.PageQuery) ([]User, int, error)
}

// Store runs user and role queries in one transaction.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(ctx context.Context, users Queries, roles rbac.Queries) error) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	*queries
	pool db.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool db.Pool) *Repository {
	return &Repository{queries: &queries{db: pool}, pool: pool}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Queries, rbac.Queries) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &queries{db: tx}, rbac.NewQueries(tx))
	})
}

type queries struct {
	db db.DBTX
}

const userColumns = `id, name, email, password_hash, created_at, updated_at`

func (q *queries) GetUser(ctx context.Context, id int64) (User, error) {
	user, err := scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return User{}, err
	}
	return q.attachRoles(ctx, user)
}

func (q *queries) FindByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (q *queries) EmailTaken(ctx context.Context, email string, exceptID int64) (bool, error) {
	var taken bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1) AND id <> $2)`, email, exceptID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("users: check email: %w", err)
	}
	return taken, nil
}

func (q *queries) InsertUser(ctx context.Context, name, email, passwordHash string) (User, error) {
	user, err := scanUser(q.db.QueryRow(ctx, `INSERT INTO users (name, email, password_hash) VALUES ($1, $2, $3) RETURNING `+userColumns, name, email, passwordHash))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, shared.NewValidationError("email", "The email has already been taken.")
		}
		return User{}, fmt.Errorf("users: insert: %w", err)
	}
	return user, nil
}

func (q *queries) UpdateUser(ctx context.Context, id int64, name, email string, passwordHash *string) (User, error) {
	user, err := scanUser(q.db.QueryRow(ctx, `UPDATE users
		SET name = $2, email = $3, password_hash = COALESCE($4, password_hash), updated_at = NOW()
		WHERE id = $1 RETURNING `+userColumns, id, name, email, passwordHash))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, shared.NewValidationError("email", "The email has already been taken.")
		}
		return User{}, err
	}
	return user, nil
}

func (q *queries) DeleteUser(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("users: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (q *queries) ListUsers(ctx context.Context, pq shared.PageQuery) ([]User, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if pq.Search != "" {
		args = append(args, "%"+pq.Search+"%")
		where = append(where, fmt.Sprintf("(u.name ILIKE $%d OR u.email ILIKE $%d)", len(args), len(args)))
	}
	if role := pq.Filter("role"); role != "" {
		args = append(args, role)
		where = append(where, fmt.Sprintf(`EXISTS (SELECT 1 FROM model_has_roles mr JOIN roles r ON r.id = mr.role_id
			WHERE mr.user_id = u.id AND r.name = $%d)`, len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM users u WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("users: count: %w", err)
	}

	page := shared.NewPagination(pq.Page, pq.PerPage, total)
	sort := shared.ParseSort(pq.Sort.String(), SortColumns, shared.DefaultSort)
	args = append(args, page.PerPage, page.Offset())
	rows, err := q.db.Query(ctx, fmt.Sprintf(`SELECT u.id, u.name, u.email, u.password_hash, u.created_at, u.updated_at
		FROM users u WHERE %s ORDER BY u.%s %s, u.id DESC LIMIT $%d OFFSET $%d`,
		cond, sort.Column, sort.Direction(), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}
	list, err := collectUsers(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := q.attachRolesMany(ctx, list); err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (q *queries) attachRoles(ctx context.Context, user User) (User, error) {
	list := []User{user}
	if err := q.attachRolesMany(ctx, list); err != nil {
		return User{}, err
	}
	return list[0], nil
}

func (q *queries) attachRolesMany(ctx context.Context, list []User) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]int64, len(list))
	index := make(map[int64]int, len(list))
	for i, u := range list {
		ids[i] = u.ID
		index[u.ID] = i
		list[i].Roles = []rbac.Role{}
	}
	rows, err := q.db.Query(ctx, `SELECT mr.user_id, r.id, r.name, r.guard_name, r.created_at, r.updated_at
		FROM model_has_roles mr JOIN roles r ON r.id = mr.role_id
		WHERE mr.user_id = ANY($1)
		ORDER BY mr.user_id, mr.position, mr.assigned_at, r.id`, ids)
	if err != nil {
		return fmt.Errorf("users: load roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID int64
		var role rbac.Role
		if err := rows.Scan(&userID, &role.ID, &role.Name, &role.Guard, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return fmt.Errorf("users: scan role: %w", err)
		}
		i := index[userID]
		list[i].Roles = append(list[i].Roles, role)
	}
	return rows.Err()
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("users: scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: iterate: %w", err)
	}
	return out, nil
}

var _ Store = (*Repository)(nil)
