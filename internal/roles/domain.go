package roles

import (
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
)

// SortColumns are the role listing columns clients may sort by.
var SortColumns = []string{"name", "guard_name", "created_at"}

// FilterKeys are the exact-match role listing filters.
var FilterKeys = []string{"guard_name"}

// ListResult is one page of roles.
type ListResult struct {
	Roles      []rbac.Role
	Pagination shared.Pagination
	Sort       shared.Sort
}

// FormView is what the create/edit form renders.
type FormView struct {
	Role          rbac.Role
	Permissions   []rbac.Permission
	SelectedIDs   []int64
	Errors        map[string]string
	IsEdit        bool
	SubmittedName string
}
