// Package rbactest provides an in-memory rbac.Store for tests.
package rbactest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
)

type state struct {
	nextID          int64
	permissions     map[int64]rbac.Permission
	roles           map[int64]rbac.Role
	rolePermissions map[int64]map[int64]struct{}
	userRoles       map[int64][]int64
}

func (s *state) clone() *state {
	c := &state{
		nextID:          s.nextID,
		permissions:     make(map[int64]rbac.Permission, len(s.permissions)),
		roles:           make(map[int64]rbac.Role, len(s.roles)),
		rolePermissions: make(map[int64]map[int64]struct{}, len(s.rolePermissions)),
		userRoles:       make(map[int64][]int64, len(s.userRoles)),
	}
	for k, v := range s.permissions {
		c.permissions[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, set := range s.rolePermissions {
		cp := make(map[int64]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		c.rolePermissions[k] = cp
	}
	for k, v := range s.userRoles {
		c.userRoles[k] = append([]int64(nil), v...)
	}
	return c
}

// Store is a map-backed rbac.Store. WithTx works on a copy that replaces the
// live state only when fn succeeds.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time

	// FailOn makes the named method return an error, for rollback tests.
	FailOn map[string]error
	// Loads counts LoadSnapshot calls.
	Loads int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		state: &state{
			permissions:     map[int64]rbac.Permission{},
			roles:           map[int64]rbac.Role{},
			rolePermissions: map[int64]map[int64]struct{}{},
			userRoles:       map[int64][]int64{},
		},
		now:    time.Now,
		FailOn: map[string]error{},
	}
}

// WithTx runs fn against a snapshot of the store and commits it on success.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, rbac.Queries) error) error {
	s.mu.Lock()
	work := &view{store: s, st: s.state.clone()}
	s.mu.Unlock()
	if err := fn(ctx, work); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = work.st
	s.mu.Unlock()
	return nil
}

func (s *Store) live() *view {
	return &view{store: s, st: s.state, locked: true}
}

func (s *Store) GetPermission(ctx context.Context, id int64) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().GetPermission(ctx, id)
}

func (s *Store) FindPermissionByName(ctx context.Context, name, guard string) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindPermissionByName(ctx, name, guard)
}

func (s *Store) FindPermissionsByIDs(ctx context.Context, ids []int64) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindPermissionsByIDs(ctx, ids)
}

func (s *Store) ListPermissions(ctx context.Context, guard string) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ListPermissions(ctx, guard)
}

func (s *Store) InsertPermission(ctx context.Context, name, guard string) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertPermission(ctx, name, guard)
}

func (s *Store) DeletePermission(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().DeletePermission(ctx, id)
}

func (s *Store) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().GetRole(ctx, id)
}

func (s *Store) FindRoleByName(ctx context.Context, name, guard string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindRoleByName(ctx, name, guard)
}

func (s *Store) FindRolesByIDs(ctx context.Context, ids []int64) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindRolesByIDs(ctx, ids)
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ListRoles(ctx)
}

func (s *Store) RoleNameTaken(ctx context.Context, name, guard string, exceptID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().RoleNameTaken(ctx, name, guard, exceptID)
}

func (s *Store) InsertRole(ctx context.Context, name, guard string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertRole(ctx, name, guard)
}

func (s *Store) UpdateRole(ctx context.Context, id int64, name, guard string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().UpdateRole(ctx, id, name, guard)
}

func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().DeleteRole(ctx, id)
}

func (s *Store) SyncRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().SyncRolePermissions(ctx, roleID, permissionIDs)
}

func (s *Store) UserRoles(ctx context.Context, userID int64) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().UserRoles(ctx, userID)
}

func (s *Store) SyncUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().SyncUserRoles(ctx, userID, roleIDs)
}

func (s *Store) LoadSnapshot(ctx context.Context, guard string) (rbac.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Loads++
	return s.live().LoadSnapshot(ctx, guard)
}

// view runs queries against one state. Transaction views own a private copy.
type view struct {
	store  *Store
	st     *state
	locked bool
}

func (v *view) fail(method string) error {
	if v.store == nil {
		return nil
	}
	if !v.locked {
		v.store.mu.Lock()
		defer v.store.mu.Unlock()
	}
	return v.store.FailOn[method]
}

func (v *view) now() time.Time {
	if v.store != nil && v.store.now != nil {
		return v.store.now()
	}
	return time.Now()
}

func (v *view) GetPermission(_ context.Context, id int64) (rbac.Permission, error) {
	p, ok := v.st.permissions[id]
	if !ok {
		return rbac.Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (v *view) FindPermissionByName(_ context.Context, name, guard string) (rbac.Permission, error) {
	for _, p := range v.st.permissions {
		if p.Name == name && p.Guard == guard {
			return p, nil
		}
	}
	return rbac.Permission{}, shared.ErrNotFound
}

func (v *view) FindPermissionsByIDs(_ context.Context, ids []int64) ([]rbac.Permission, error) {
	out := []rbac.Permission{}
	seen := map[int64]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := v.st.permissions[id]; ok {
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out, nil
}

func (v *view) ListPermissions(_ context.Context, guard string) ([]rbac.Permission, error) {
	out := []rbac.Permission{}
	for _, p := range v.st.permissions {
		if guard == "" || p.Guard == guard {
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out, nil
}

func (v *view) InsertPermission(ctx context.Context, name, guard string) (rbac.Permission, error) {
	if err := v.fail("InsertPermission"); err != nil {
		return rbac.Permission{}, err
	}
	if _, err := v.FindPermissionByName(ctx, name, guard); err == nil {
		return rbac.Permission{}, &shared.DuplicateError{Entity: "permission", Key: fmt.Sprintf("%q (%s)", name, guard)}
	}
	v.st.nextID++
	now := v.now()
	p := rbac.Permission{ID: v.st.nextID, Name: name, Guard: guard, CreatedAt: now, UpdatedAt: now}
	v.st.permissions[p.ID] = p
	return p, nil
}

func (v *view) DeletePermission(_ context.Context, id int64) error {
	if err := v.fail("DeletePermission"); err != nil {
		return err
	}
	if _, ok := v.st.permissions[id]; !ok {
		return shared.ErrNotFound
	}
	delete(v.st.permissions, id)
	for _, set := range v.st.rolePermissions {
		delete(set, id)
	}
	return nil
}

func (v *view) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	r, ok := v.st.roles[id]
	if !ok {
		return rbac.Role{}, shared.ErrNotFound
	}
	return v.withPermissions(r), nil
}

func (v *view) FindRoleByName(_ context.Context, name, guard string) (rbac.Role, error) {
	for _, r := range v.st.roles {
		if r.Name == name && r.Guard == guard {
			return v.withPermissions(r), nil
		}
	}
	return rbac.Role{}, shared.ErrNotFound
}

func (v *view) FindRolesByIDs(_ context.Context, ids []int64) ([]rbac.Role, error) {
	out := []rbac.Role{}
	seen := map[int64]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r, ok := v.st.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v *view) ListRoles(_ context.Context) ([]rbac.Role, error) {
	out := make([]rbac.Role, 0, len(v.st.roles))
	for _, r := range v.st.roles {
		out = append(out, v.withPermissions(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (v *view) RoleNameTaken(_ context.Context, name, guard string, exceptID int64) (bool, error) {
	for _, r := range v.st.roles {
		if r.Name == name && r.Guard == guard && r.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (v *view) InsertRole(ctx context.Context, name, guard string) (rbac.Role, error) {
	if err := v.fail("InsertRole"); err != nil {
		return rbac.Role{}, err
	}
	if taken, _ := v.RoleNameTaken(ctx, name, guard, 0); taken {
		return rbac.Role{}, shared.NewValidationError("name", "The name has already been taken.")
	}
	v.st.nextID++
	now := v.now()
	r := rbac.Role{ID: v.st.nextID, Name: name, Guard: guard, CreatedAt: now, UpdatedAt: now}
	v.st.roles[r.ID] = r
	return r, nil
}

func (v *view) UpdateRole(_ context.Context, id int64, name, guard string) (rbac.Role, error) {
	if err := v.fail("UpdateRole"); err != nil {
		return rbac.Role{}, err
	}
	r, ok := v.st.roles[id]
	if !ok {
		return rbac.Role{}, shared.ErrNotFound
	}
	r.Name, r.Guard, r.UpdatedAt = name, guard, v.now()
	v.st.roles[id] = r
	return r, nil
}

func (v *view) DeleteRole(_ context.Context, id int64) error {
	if err := v.fail("DeleteRole"); err != nil {
		return err
	}
	if _, ok := v.st.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(v.st.roles, id)
	delete(v.st.rolePermissions, id)
	for user, roles := range v.st.userRoles {
		kept := roles[:0]
		for _, rid := range roles {
			if rid != id {
				kept = append(kept, rid)
			}
		}
		v.st.userRoles[user] = kept
	}
	return nil
}

func (v *view) SyncRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	if err := v.fail("SyncRolePermissions"); err != nil {
		return err
	}
	set := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, ok := v.st.permissions[id]; ok {
			set[id] = struct{}{}
		}
	}
	v.st.rolePermissions[roleID] = set
	return nil
}

func (v *view) UserRoles(_ context.Context, userID int64) ([]rbac.Role, error) {
	out := []rbac.Role{}
	for _, id := range v.st.userRoles[userID] {
		if r, ok := v.st.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v *view) SyncUserRoles(_ context.Context, userID int64, roleIDs []int64) error {
	if err := v.fail("SyncUserRoles"); err != nil {
		return err
	}
	ids := make([]int64, 0, len(roleIDs))
	for _, id := range roleIDs {
		if _, ok := v.st.roles[id]; ok {
			ids = append(ids, id)
		}
	}
	v.st.userRoles[userID] = ids
	return nil
}

func (v *view) LoadSnapshot(_ context.Context, guard string) (rbac.Snapshot, error) {
	if err := v.fail("LoadSnapshot"); err != nil {
		return rbac.Snapshot{}, err
	}
	snap := rbac.Snapshot{Guard: guard, Roles: map[int64]rbac.SnapshotRole{}, Users: map[int64][]int64{}}
	for id, r := range v.st.roles {
		if r.Guard != guard {
			continue
		}
		names := []string{}
		for pid := range v.st.rolePermissions[id] {
			names = append(names, v.st.permissions[pid].Name)
		}
		sort.Strings(names)
		snap.Roles[id] = rbac.SnapshotRole{Name: r.Name, Permissions: names}
	}
	for user, roles := range v.st.userRoles {
		for _, rid := range roles {
			if _, ok := snap.Roles[rid]; ok {
				snap.Users[user] = append(snap.Users[user], rid)
			}
		}
	}
	return snap, nil
}

func (v *view) withPermissions(r rbac.Role) rbac.Role {
	perms := []rbac.Permission{}
	for pid := range v.st.rolePermissions[r.ID] {
		if p, ok := v.st.permissions[pid]; ok {
			perms = append(perms, p)
		}
	}
	sortPermissions(perms)
	r.Permissions = perms
	r.PermissionCount = len(perms)
	return r
}

func sortPermissions(perms []rbac.Permission) {
	sort.Slice(perms, func(i, j int) bool {
		return strings.Compare(perms[i].Name, perms[j].Name) < 0
	})
}

var _ rbac.Store = (*Store)(nil)
