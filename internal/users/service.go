package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
)

// WelcomeMailer delivers the one-time password of a new account.
type WelcomeMailer interface {
	SendWelcome(ctx context.Context, name, email, password string) error
}

// ListResult is one page of users.
type ListResult struct {
	Users      []User
	Pagination shared.Pagination
	Sort       shared.Sort
}

// SessionRevoker signs a user out everywhere.
type SessionRevoker interface {
	RevokeUser(ctx context.Context, userID int64) error
}

const welcomeDispatchTimeout = 10 * time.Second

// Service handles user business logic.
type Service struct {
	store    Store
	cache    rbac.Invalidator
	recorder shared.ActivityRecorder
	mailer   WelcomeMailer
	sessions SessionRevoker
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(store Store, cache rbac.Invalidator, recorder shared.ActivityRecorder, mailer WelcomeMailer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		cache:    cache,
		recorder: recorder,
		mailer:   mailer,
		validate: validator.New(),
		logger:   logger,
	}
}

// WithSessions makes DeleteUser revoke the deleted account's sessions.
func (s *Service) WithSessions(r SessionRevoker) *Service {
	s.sessions = r
	return s
}

// ListUsers returns a page of users with their roles.
func (s *Service) ListUsers(ctx context.Context, q shared.PageQuery) (ListResult, error) {
	list, total, err := s.store.ListUsers(ctx, q)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Users: list, Pagination: shared.NewPagination(q.Page, q.PerPage, total), Sort: q.Sort}, nil
}

// GetUser returns a user with roles.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.store.GetUser(ctx, id)
}

// CreateUser creates an account with a generated password, assigns its roles
// and sends the welcome mail once everything is committed.
func (s *Service) CreateUser(ctx context.Context, in CreateInput) (User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return User{}, err
	}

	password, err := GeneratePassword(MinGeneratedPasswordLength)
	if err != nil {
		return User{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}

	var user User
	var guards []string
	err = s.store.WithTx(ctx, func(ctx context.Context, uq Queries, rq rbac.Queries) error {
		taken, err := uq.EmailTaken(ctx, in.Email, 0)
		if err != nil {
			return err
		}
		if taken {
			return shared.NewValidationError("email", "The email has already been taken.")
		}
		created, err := uq.InsertUser(ctx, in.Name, in.Email, hash)
		if err != nil {
			return err
		}
		roleIDs := rbac.CoercePermissionIDs(in.RoleIDs)
		if len(roleIDs) == 0 {
			role, err := defaultRole(ctx, rq)
			if err != nil {
				return err
			}
			roleIDs = []int64{role.ID}
		}
		guards, err = rbac.AssignRolesTx(ctx, rq, created.ID, roleIDs)
		if err != nil {
			return err
		}
		user, err = uq.GetUser(ctx, created.ID)
		return err
	})
	if err != nil {
		return User{}, err
	}
	if err := s.forget(ctx, guards); err != nil {
		return User{}, err
	}
	s.record(ctx, shared.EventCreated, user)
	s.sendWelcome(ctx, user, password)
	return user, nil
}

// UpdateUser changes profile fields, the password when given, and the roles when RoleIDs is not nil.
func (s *Service) UpdateUser(ctx context.Context, id int64, in UpdateInput) (User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return User{}, err
	}
	var hash *string
	if in.Password != "" {
		h, err := HashPassword(in.Password)
		if err != nil {
			return User{}, err
		}
		hash = &h
	}

	var user User
	var guards []string
	err := s.store.WithTx(ctx, func(ctx context.Context, uq Queries, rq rbac.Queries) error {
		if _, err := uq.GetUser(ctx, id); err != nil {
			return err
		}
		taken, err := uq.EmailTaken(ctx, in.Email, id)
		if err != nil {
			return err
		}
		if taken {
			return shared.NewValidationError("email", "The email has already been taken.")
		}
		if _, err := uq.UpdateUser(ctx, id, in.Name, in.Email, hash); err != nil {
			return err
		}
		if in.RoleIDs != nil {
			guards, err = rbac.AssignRolesTx(ctx, rq, id, rbac.CoercePermissionIDs(in.RoleIDs))
			if err != nil {
				return err
			}
		}
		user, err = uq.GetUser(ctx, id)
		return err
	})
	if err != nil {
		return User{}, err
	}
	if err := s.forget(ctx, guards); err != nil {
		return User{}, err
	}
	s.record(ctx, shared.EventUpdated, user)
	return user, nil
}

// AssignRoles replaces the roles of a user. Unknown role ids are dropped.
func (s *Service) AssignRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	var guards []string
	err := s.store.WithTx(ctx, func(ctx context.Context, uq Queries, rq rbac.Queries) error {
		if _, err := uq.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		guards, err = rbac.AssignRolesTx(ctx, rq, userID, roleIDs)
		return err
	})
	if err != nil {
		return err
	}
	return s.forget(ctx, guards)
}

// DeleteUser removes an account. The signed-in user cannot delete their own account.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if actor, ok := shared.ActorFromContext(ctx); ok && actor == id {
		return shared.ErrSelfAction
	}
	var user User
	err := s.store.WithTx(ctx, func(ctx context.Context, uq Queries, _ rbac.Queries) error {
		var err error
		user, err = uq.GetUser(ctx, id)
		if err != nil {
			return err
		}
		return uq.DeleteUser(ctx, id)
	})
	if err != nil {
		return err
	}
	guards := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		guards = append(guards, r.Guard)
	}
	if err := s.forget(ctx, guards); err != nil {
		return err
	}
	if s.sessions != nil {
		if err := s.sessions.RevokeUser(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "revoke sessions failed", slog.Int64("user_id", id), slog.Any("error", err))
		}
	}
	s.record(ctx, shared.EventDeleted, user)
	return nil
}

func defaultRole(ctx context.Context, rq rbac.Queries) (rbac.Role, error) {
	role, err := rq.FindRoleByName(ctx, rbac.RoleDefaultUser, rbac.DefaultGuard)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return rbac.Role{}, err
	}
	return rq.InsertRole(ctx, rbac.RoleDefaultUser, rbac.DefaultGuard)
}

func (s *Service) forget(ctx context.Context, guards []string) error {
	if s.cache == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(guards))
	for _, g := range guards {
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		if err := s.cache.Forget(ctx, g); err != nil {
			return fmt.Errorf("users: invalidate %s: %w", g, err)
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, event string, user User) {
	if s.recorder == nil {
		return
	}
	roles := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		roles = append(roles, r.Name)
	}
	attrs := map[string]any{
		"name":          user.Name,
		"email":         user.Email,
		"password_hash": user.PasswordHash,
		"roles":         roles,
	}
	if err := s.recorder.Record(ctx, shared.NewActivity(ctx, event, "user", user.ID, attrs)); err != nil {
		s.logger.Warn("activity not recorded", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
}

// sendWelcome hands the mail to the queue. It runs after commit on a context
// detached from the request and never fails the creation.
func (s *Service) sendWelcome(ctx context.Context, user User, password string) {
	if s.mailer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), welcomeDispatchTimeout)
	defer cancel()
	if err := s.mailer.SendWelcome(ctx, user.Name, user.Email, password); err != nil {
		s.logger.Error("welcome mail not queued", slog.Int64("user_id", user.ID), slog.String("email", user.Email), slog.Any("error", err))
	}
}
