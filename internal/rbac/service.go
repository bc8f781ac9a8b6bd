package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/skyrem/backoffice/internal/shared"
)

// Service orchestrates role and permission mutations. Every mutation commits
// first and then invalidates the cache of each affected guard before returning.
type Service struct {
	store    Store
	cache    Invalidator
	grants   GrantSource
	recorder shared.ActivityRecorder
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, cache *Cache, recorder shared.ActivityRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		recorder: recorder,
		validate: validator.New(),
		logger:   logger,
	}
	if cache != nil {
		s.cache = cache
		s.grants = cache
	}
	return s
}

// ListPermissions returns permissions of guard, or of every guard when guard is empty.
func (s *Service) ListPermissions(ctx context.Context, guard string) ([]Permission, error) {
	return s.store.ListPermissions(ctx, guard)
}

// GetPermission fetches a permission by ID.
func (s *Service) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return s.store.GetPermission(ctx, id)
}

// FindPermissionsByIDs returns the permissions that exist among ids.
func (s *Service) FindPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	return s.store.FindPermissionsByIDs(ctx, ids)
}

// CreatePermission inserts a permission. An existing (name, guard) pair yields *shared.DuplicateError.
func (s *Service) CreatePermission(ctx context.Context, name, guard string) (Permission, error) {
	name = strings.TrimSpace(name)
	guard = guardOrDefault(guard)
	if name == "" {
		return Permission{}, shared.NewValidationError("name", "The name field is required.")
	}

	var perm Permission
	err := s.store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		if _, err := q.FindPermissionByName(ctx, name, guard); err == nil {
			return &shared.DuplicateError{Entity: "permission", Key: fmt.Sprintf("%q (%s)", name, guard)}
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		var err error
		perm, err = q.InsertPermission(ctx, name, guard)
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	if err := s.forget(ctx, guard); err != nil {
		return Permission{}, err
	}
	s.record(ctx, shared.EventCreated, "permission", perm.ID, map[string]any{"name": perm.Name, "guard_name": perm.Guard})
	return perm, nil
}

// DeletePermission removes a permission along with its role memberships.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	var perm Permission
	err := s.store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		var err error
		perm, err = q.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		return q.DeletePermission(ctx, id)
	})
	if err != nil {
		return err
	}
	if err := s.forget(ctx, perm.Guard); err != nil {
		return err
	}
	s.record(ctx, shared.EventDeleted, "permission", perm.ID, map[string]any{"name": perm.Name, "guard_name": perm.Guard})
	return nil
}

// ListRoles returns every role with its permissions.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches a role with its permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole inserts a role and syncs its permissions to exactly the resolvable ids.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	in = normalizeRoleInput(in)
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return Role{}, err
	}
	guard := guardOrDefault(in.Guard)
	ids := CoercePermissionIDs(in.PermissionIDs)

	var role Role
	err := s.store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		taken, err := q.RoleNameTaken(ctx, in.Name, guard, 0)
		if err != nil {
			return err
		}
		if taken {
			return shared.NewValidationError("name", "The name has already been taken.")
		}
		created, err := q.InsertRole(ctx, in.Name, guard)
		if err != nil {
			return err
		}
		if err := syncPermissions(ctx, q, created.ID, guard, ids); err != nil {
			return err
		}
		role, err = q.GetRole(ctx, created.ID)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	if err := s.forget(ctx, guard); err != nil {
		return Role{}, err
	}
	s.record(ctx, shared.EventCreated, "role", role.ID, roleAttributes(role))
	return role, nil
}

// UpdateRole renames a role and replaces its permission set. An empty guard keeps the current one.
func (s *Service) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error) {
	in = normalizeRoleInput(in)
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return Role{}, err
	}
	ids := CoercePermissionIDs(in.PermissionIDs)

	var role Role
	var previousGuard string
	err := s.store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		current, err := q.GetRole(ctx, id)
		if err != nil {
			return err
		}
		previousGuard = current.Guard
		guard := in.Guard
		if guard == "" {
			guard = current.Guard
		}
		taken, err := q.RoleNameTaken(ctx, in.Name, guard, id)
		if err != nil {
			return err
		}
		if taken {
			return shared.NewValidationError("name", "The name has already been taken.")
		}
		if _, err := q.UpdateRole(ctx, id, in.Name, guard); err != nil {
			return err
		}
		if err := syncPermissions(ctx, q, id, guard, ids); err != nil {
			return err
		}
		role, err = q.GetRole(ctx, id)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	if err := s.forget(ctx, role.Guard); err != nil {
		return Role{}, err
	}
	if previousGuard != role.Guard {
		if err := s.forget(ctx, previousGuard); err != nil {
			return Role{}, err
		}
	}
	s.record(ctx, shared.EventUpdated, "role", role.ID, roleAttributes(role))
	return role, nil
}

// DeleteRole removes a role; users holding it simply lose it.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	var role Role
	err := s.store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		var err error
		role, err = q.GetRole(ctx, id)
		if err != nil {
			return err
		}
		return q.DeleteRole(ctx, id)
	})
	if err != nil {
		return err
	}
	if err := s.forget(ctx, role.Guard); err != nil {
		return err
	}
	s.record(ctx, shared.EventDeleted, "role", role.ID, roleAttributes(role))
	return nil
}

// UserRoles returns the roles of userID in assignment order.
func (s *Service) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return s.store.UserRoles(ctx, userID)
}

// AssignRoles replaces the roles of userID. Unknown role ids are dropped.
func (s *Service) AssignRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	guards, err := AssignRolesTx(ctx, s.store, userID, roleIDs)
	if err != nil {
		return err
	}
	for _, guard := range guards {
		if err := s.forget(ctx, guard); err != nil {
			return err
		}
	}
	return nil
}

// AssignRolesTx syncs user roles on q and returns the guards whose snapshots
// must be forgotten once the surrounding transaction commits.
func AssignRolesTx(ctx context.Context, q Queries, userID int64, roleIDs []int64) ([]string, error) {
	previous, err := q.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	resolved, err := q.FindRolesByIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resolved))
	guards := make([]string, 0, 1)
	seen := make(map[string]struct{})
	addGuard := func(g string) {
		if _, ok := seen[g]; !ok {
			seen[g] = struct{}{}
			guards = append(guards, g)
		}
	}
	for _, r := range resolved {
		ids = append(ids, r.ID)
		addGuard(r.Guard)
	}
	for _, r := range previous {
		addGuard(r.Guard)
	}
	if err := q.SyncUserRoles(ctx, userID, ids); err != nil {
		return nil, err
	}
	if len(guards) == 0 {
		guards = append(guards, DefaultGuard)
	}
	return guards, nil
}

// EffectivePermissions returns the sorted permission names of userID on the default guard.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	if s.grants == nil {
		snap, err := s.store.LoadSnapshot(ctx, DefaultGuard)
		if err != nil {
			return nil, err
		}
		return snap.GrantsFor(userID).PermissionNames(), nil
	}
	grants, err := s.grants.Grants(ctx, NewPrincipal(userID))
	if err != nil {
		return nil, err
	}
	return grants.PermissionNames(), nil
}

// CoercePermissionIDs converts form values to ids, dropping anything non-numeric.
func CoercePermissionIDs(raw []string) []int64 {
	ids := make([]int64, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	for _, v := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func syncPermissions(ctx context.Context, q Queries, roleID int64, guard string, ids []int64) error {
	perms, err := q.FindPermissionsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	resolved := make([]int64, 0, len(perms))
	for _, p := range perms {
		if p.Guard != guard {
			continue
		}
		resolved = append(resolved, p.ID)
	}
	return q.SyncRolePermissions(ctx, roleID, resolved)
}

func normalizeRoleInput(in RoleInput) RoleInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Guard = strings.TrimSpace(in.Guard)
	return in
}

func roleAttributes(role Role) map[string]any {
	return map[string]any{
		"name":        role.Name,
		"guard_name":  role.Guard,
		"permissions": role.PermissionNames(),
	}
}

func (s *Service) forget(ctx context.Context, guard string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Forget(ctx, guard); err != nil {
		return fmt.Errorf("rbac: invalidate %s: %w", guard, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, event, subject string, id int64, attrs map[string]any) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, shared.NewActivity(ctx, event, subject, id, attrs)); err != nil {
		s.logger.Warn("activity not recorded", slog.String("subject", subject), slog.Int64("id", id), slog.Any("error", err))
	}
}
