package rbac

import (
	"context"
	"sort"
)

// Queries is the role/permission persistence port. Implementations must run
// every method against the same connection or transaction they were built on.
type Queries interface {
	GetPermission(ctx context.Context, id int64) (Permission, error)
	FindPermissionByName(ctx context.Context, name, guard string) (Permission, error)
	FindPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error)
	ListPermissions(ctx context.Context, guard string) ([]Permission, error)
	InsertPermission(ctx context.Context, name, guard string) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error

	GetRole(ctx context.Context, id int64) (Role, error)
	FindRoleByName(ctx context.Context, name, guard string) (Role, error)
	FindRolesByIDs(ctx context.Context, ids []int64) ([]Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	RoleNameTaken(ctx context.Context, name, guard string, exceptID int64) (bool, error)
	InsertRole(ctx context.Context, name, guard string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, guard string) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	SyncRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error

	UserRoles(ctx context.Context, userID int64) ([]Role, error)
	SyncUserRoles(ctx context.Context, userID int64, roleIDs []int64) error

	LoadSnapshot(ctx context.Context, guard string) (Snapshot, error)
}

// Store adds transactional execution on top of Queries.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(context.Context, Queries) error) error
}

// SnapshotRole is the cached view of one role.
type SnapshotRole struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Snapshot is the full role→permission and user→role mapping of one guard.
type Snapshot struct {
	Guard string                 `json:"guard"`
	Roles map[int64]SnapshotRole `json:"roles"`
	Users map[int64][]int64      `json:"users"`
}

// Grants is the effective authorization state of one user within a snapshot.
type Grants struct {
	Roles       []string
	Permissions map[string]struct{}
}

// HasRole reports whether the grants include the named role.
func (g Grants) HasRole(name string) bool {
	for _, r := range g.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasPermission reports whether any held role carries the named permission.
func (g Grants) HasPermission(name string) bool {
	_, ok := g.Permissions[name]
	return ok
}

// PermissionNames returns the effective permission names sorted.
func (g Grants) PermissionNames() []string {
	names := make([]string, 0, len(g.Permissions))
	for p := range g.Permissions {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// GrantsFor derives the grants of userID. Unknown users get empty grants.
func (s Snapshot) GrantsFor(userID int64) Grants {
	grants := Grants{Permissions: make(map[string]struct{})}
	for _, roleID := range s.Users[userID] {
		role, ok := s.Roles[roleID]
		if !ok {
			continue
		}
		grants.Roles = append(grants.Roles, role.Name)
		for _, p := range role.Permissions {
			grants.Permissions[p] = struct{}{}
		}
	}
	return grants
}

// RolePermissions returns the permission names of the named role, if it exists in the snapshot.
func (s Snapshot) RolePermissions(roleName string) ([]string, bool) {
	for _, role := range s.Roles {
		if role.Name == roleName {
			return role.Permissions, true
		}
	}
	return nil, false
}
