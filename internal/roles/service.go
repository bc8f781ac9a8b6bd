package roles

import (
	"context"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
)

// RepositoryPort defines data access methods for role listings.
type RepositoryPort interface {
	ListRoles(ctx context.Context, q shared.PageQuery) ([]rbac.Role, int, error)
}

// Manager is the role/permission mutation surface used by the screens.
type Manager interface {
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
	CreateRole(ctx context.Context, in rbac.RoleInput) (rbac.Role, error)
	UpdateRole(ctx context.Context, id int64, in rbac.RoleInput) (rbac.Role, error)
	DeleteRole(ctx context.Context, id int64) error
	ListPermissions(ctx context.Context, guard string) ([]rbac.Permission, error)
}

// Service handles role screens.
type Service struct {
	repo    RepositoryPort
	manager Manager
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, manager Manager) *Service {
	return &Service{repo: repo, manager: manager}
}

// ListRoles returns a page of roles.
func (s *Service) ListRoles(ctx context.Context, q shared.PageQuery) (ListResult, error) {
	items, total, err := s.repo.ListRoles(ctx, q)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{
		Roles:      items,
		Pagination: shared.NewPagination(q.Page, q.PerPage, total),
		Sort:       q.Sort,
	}, nil
}

// GetRole returns a role with permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return s.manager.GetRole(ctx, id)
}

// CreateRole creates a role from form input.
func (s *Service) CreateRole(ctx context.Context, in rbac.RoleInput) (rbac.Role, error) {
	return s.manager.CreateRole(ctx, in)
}

// UpdateRole updates a role from form input.
func (s *Service) UpdateRole(ctx context.Context, id int64, in rbac.RoleInput) (rbac.Role, error) {
	return s.manager.UpdateRole(ctx, id, in)
}

// DeleteRole deletes a role.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	return s.manager.DeleteRole(ctx, id)
}

// PermissionOptions lists the permissions selectable for a role of guard.
func (s *Service) PermissionOptions(ctx context.Context, guard string) ([]rbac.Permission, error) {
	if guard == "" {
		guard = rbac.DefaultGuard
	}
	return s.manager.ListPermissions(ctx, guard)
}

func permissionIDs(role rbac.Role) []int64 {
	ids := make([]int64, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		ids = append(ids, p.ID)
	}
	return ids
}
