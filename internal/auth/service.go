package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/skyrem/backoffice/internal/shared"
)

// Login outcomes reported to the LoginObserver.
const (
	OutcomeSuccess      = "success"
	OutcomeUnknownEmail = "unknown_email"
	OutcomeBadPassword  = "bad_password"
	OutcomeError        = "error"
)

// LoginObserver counts sign-in attempts.
type LoginObserver interface {
	ObserveLogin(outcome string)
}

// decoyHash is compared against when the email is unknown so both failure
// paths cost one bcrypt comparison.
var decoyHash, _ = bcrypt.GenerateFromPassword([]byte("decoy-password"), bcrypt.DefaultCost)

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	observer LoginObserver
}

// NewService constructs a new Service. observer may be nil.
func NewService(repo Repository, observer LoginObserver) *Service {
	return &Service{repo: repo, observer: observer}
}

// Authenticate validates email/password credentials. Unknown emails and wrong
// passwords both yield shared.ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		if errors.Is(err, shared.ErrNotFound) {
			s.observe(OutcomeUnknownEmail)
			return nil, shared.ErrInvalidCredentials
		}
		s.observe(OutcomeError)
		return nil, fmt.Errorf("auth: authenticate: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.observe(OutcomeBadPassword)
		return nil, shared.ErrInvalidCredentials
	}
	s.observe(OutcomeSuccess)
	return user, nil
}

// RegisterSession records the login in user_sessions.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes the user_sessions row of a signed-out session.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveLogin(outcome)
	}
}
