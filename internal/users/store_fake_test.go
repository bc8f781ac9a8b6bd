package users_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/rbac/rbactest"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/users"
)

// fakeStore keeps users in memory and delegates role tables to rbactest.
type fakeStore struct {
	mu     sync.Mutex
	roles  *rbactest.Store
	users  map[int64]users.User
	nextID int64
	failOn map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{roles: rbactest.NewStore(), users: map[int64]users.User{}, failOn: map[string]error{}}
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(context.Context, users.Queries, rbac.Queries) error) error {
	return s.roles.WithTx(ctx, func(ctx context.Context, rq rbac.Queries) error {
		s.mu.Lock()
		work := &fakeQueries{store: s, rq: rq, users: cloneUsers(s.users), nextID: s.nextID}
		s.mu.Unlock()
		if err := fn(ctx, work, rq); err != nil {
			return err
		}
		s.mu.Lock()
		s.users, s.nextID = work.users, work.nextID
		s.mu.Unlock()
		return nil
	})
}

func (s *fakeStore) live() *fakeQueries {
	return &fakeQueries{store: s, rq: s.roles, users: s.users, nextID: s.nextID}
}

func (s *fakeStore) GetUser(ctx context.Context, id int64) (users.User, error) {
	return s.live().GetUser(ctx, id)
}

func (s *fakeStore) FindByEmail(ctx context.Context, email string) (users.User, error) {
	return s.live().FindByEmail(ctx, email)
}

func (s *fakeStore) EmailTaken(ctx context.Context, email string, exceptID int64) (bool, error) {
	return s.live().EmailTaken(ctx, email, exceptID)
}

func (s *fakeStore) InsertUser(ctx context.Context, name, email, hash string) (users.User, error) {
	var out users.User
	err := s.WithTx(ctx, func(ctx context.Context, q users.Queries, _ rbac.Queries) error {
		var err error
		out, err = q.InsertUser(ctx, name, email, hash)
		return err
	})
	return out, err
}

func (s *fakeStore) UpdateUser(ctx context.Context, id int64, name, email string, hash *string) (users.User, error) {
	var out users.User
	err := s.WithTx(ctx, func(ctx context.Context, q users.Queries, _ rbac.Queries) error {
		var err error
		out, err = q.UpdateUser(ctx, id, name, email, hash)
		return err
	})
	return out, err
}

func (s *fakeStore) DeleteUser(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(ctx context.Context, q users.Queries, _ rbac.Queries) error {
		return q.DeleteUser(ctx, id)
	})
}

func (s *fakeStore) ListUsers(ctx context.Context, q shared.PageQuery) ([]users.User, int, error) {
	return s.live().ListUsers(ctx, q)
}

type fakeQueries struct {
	store  *fakeStore
	rq     rbac.Queries
	users  map[int64]users.User
	nextID int64
}

func (q *fakeQueries) withRoles(ctx context.Context, u users.User) (users.User, error) {
	roles, err := q.rq.UserRoles(ctx, u.ID)
	if err != nil {
		return users.User{}, err
	}
	u.Roles = roles
	return u, nil
}

func (q *fakeQueries) GetUser(ctx context.Context, id int64) (users.User, error) {
	u, ok := q.users[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	return q.withRoles(ctx, u)
}

func (q *fakeQueries) FindByEmail(_ context.Context, email string) (users.User, error) {
	for _, u := range q.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return users.User{}, shared.ErrNotFound
}

func (q *fakeQueries) EmailTaken(_ context.Context, email string, exceptID int64) (bool, error) {
	for _, u := range q.users {
		if strings.EqualFold(u.Email, email) && u.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueries) InsertUser(_ context.Context, name, email, hash string) (users.User, error) {
	if err := q.store.failOn["InsertUser"]; err != nil {
		return users.User{}, err
	}
	q.nextID++
	now := time.Now()
	u := users.User{ID: q.nextID, Name: name, Email: email, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	q.users[u.ID] = u
	return u, nil
}

func (q *fakeQueries) UpdateUser(_ context.Context, id int64, name, email string, hash *string) (users.User, error) {
	u, ok := q.users[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	u.Name, u.Email, u.UpdatedAt = name, email, time.Now()
	if hash != nil {
		u.PasswordHash = *hash
	}
	q.users[id] = u
	return u, nil
}

func (q *fakeQueries) DeleteUser(ctx context.Context, id int64) error {
	if _, ok := q.users[id]; !ok {
		return shared.ErrNotFound
	}
	delete(q.users, id)
	return q.rq.SyncUserRoles(ctx, id, nil)
}

func (q *fakeQueries) ListUsers(ctx context.Context, pq shared.PageQuery) ([]users.User, int, error) {
	all := make([]users.User, 0, len(q.users))
	for _, u := range q.users {
		if pq.Search != "" && !strings.Contains(strings.ToLower(u.Name+" "+u.Email), strings.ToLower(pq.Search)) {
			continue
		}
		withRoles, err := q.withRoles(ctx, u)
		if err != nil {
			return nil, 0, err
		}
		if role := pq.Filter("role"); role != "" && !hasRole(withRoles, role) {
			continue
		}
		all = append(all, withRoles)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	page := shared.NewPagination(pq.Page, pq.PerPage, len(all))
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.PerPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func hasRole(u users.User, name string) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

func cloneUsers(in map[int64]users.User) map[int64]users.User {
	out := make(map[int64]users.User, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type forgetLog struct {
	mu     sync.Mutex
	guards []string
}

func (f *forgetLog) Forget(_ context.Context, guard string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guards = append(f.guards, guard)
	return nil
}

type recorderLog struct {
	mu      sync.Mutex
	entries []shared.Activity
}

func (r *recorderLog) Record(_ context.Context, a shared.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, a)
	return nil
}

type welcome struct {
	name, email, password string
	detached              bool
}

type mailerLog struct {
	mu   sync.Mutex
	sent []welcome
	err  error
}

func (m *mailerLog) SendWelcome(ctx context.Context, name, email, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, welcome{name: name, email: email, password: password, detached: ctx.Err() == nil})
	return m.err
}
