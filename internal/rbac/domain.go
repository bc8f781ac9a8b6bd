package rbac

import "time"

const (
	// DefaultGuard is used whenever a role or permission is created without an explicit guard.
	DefaultGuard = "web"
	// RoleSuperadmin bypasses every gate except self-deletion.
	RoleSuperadmin = "superadmin"
	// RoleDefaultUser is assigned to new accounts created without a role.
	RoleDefaultUser = "user"
)

// Permission represents an atomic capability scoped to a guard.
type Permission struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Guard     string    `json:"guard_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role groups permissions for a guard.
type Role struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	Guard           string       `json:"guard_name"`
	Permissions     []Permission `json:"permissions,omitempty"`
	PermissionCount int          `json:"permissions_count"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// PermissionNames lists the names of the role's permissions.
func (r Role) PermissionNames() []string {
	names := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		names = append(names, p.Name)
	}
	return names
}

// RoleInput carries role form values. PermissionIDs arrive as raw strings from HTML forms.
type RoleInput struct {
	Name          string   `validate:"required,max=255"`
	Guard         string   `validate:"omitempty,max=255"`
	PermissionIDs []string `validate:"-"`
}

// Principal describes the authenticated actor a decision is made for.
type Principal struct {
	UserID int64
	Guard  string
}

// NewPrincipal builds a principal for the default guard.
func NewPrincipal(userID int64) Principal {
	return Principal{UserID: userID, Guard: DefaultGuard}
}

func (p Principal) guard() string {
	if p.Guard == "" {
		return DefaultGuard
	}
	return p.Guard
}

// Resource kinds understood by the default gate table.
const (
	KindUser       = "user"
	KindRole       = "role"
	KindPermission = "permission"
	KindActivity   = "activity"
	KindSettings   = "settings"
)

// Resource identifies what an ability is exercised on. The zero value means "no resource".
type Resource struct {
	Kind string
	ID   int64
}

// UserResource targets a single user account.
func UserResource(id int64) Resource {
	return Resource{Kind: KindUser, ID: id}
}

// KindOf targets a resource collection rather than a single record.
func KindOf(kind string) Resource {
	return Resource{Kind: kind}
}
