package users

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/skyrem/backoffice/internal/rbac"
)

// User represents a back-office account.
type User struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"-"`
	Roles        []rbac.Role `json:"roles"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// PrimaryRole is the first role in assignment order.
func (u User) PrimaryRole() (rbac.Role, bool) {
	if len(u.Roles) == 0 {
		return rbac.Role{}, false
	}
	return u.Roles[0], true
}

// CurrentRoleLabel renders the primary role for display, e.g. "Content Manager".
func (u User) CurrentRoleLabel() string {
	role, ok := u.PrimaryRole()
	if !ok {
		return "No role"
	}
	return roleLabel(role.Name)
}

// RoleIDs lists the ids of the user's roles in assignment order.
func (u User) RoleIDs() []int64 {
	ids := make([]int64, 0, len(u.Roles))
	for _, r := range u.Roles {
		ids = append(ids, r.ID)
	}
	return ids
}

var labelReplacer = strings.NewReplacer("-", " ", "_", " ")

func roleLabel(name string) string {
	return cases.Title(language.English).String(labelReplacer.Replace(name))
}

// CreateInput carries the new-user form.
type CreateInput struct {
	Name    string   `validate:"required,max=255"`
	Email   string   `validate:"required,email,max=255"`
	RoleIDs []string `validate:"-"`
}

// UpdateInput carries the edit-user form. An empty password keeps the current one.
type UpdateInput struct {
	Name     string   `validate:"required,max=255"`
	Email    string   `validate:"required,email,max=255"`
	Password string   `validate:"omitempty,min=8,max=255"`
	RoleIDs  []string `validate:"-"`
}

// SortColumns are the user listing columns clients may sort by.
var SortColumns = []string{"name", "email", "created_at"}

// FilterKeys are the exact-match user listing filters.
var FilterKeys = []string{"role"}
