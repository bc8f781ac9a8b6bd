package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/skyrem/backoffice/internal/auth"
	"github.com/skyrem/backoffice/internal/shared"
)

type outcomes []string

func (o *outcomes) ObserveLogin(outcome string) { *o = append(*o, outcome) }

type brokenRepo struct{ *stubRepo }

func (brokenRepo) FindByEmail(context.Context, string) (*auth.User, error) {
	return nil, errors.New("connection reset")
}

func TestAuthenticateOutcomes(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubRepo{user: &auth.User{ID: 3, Email: "ada@example.com", PasswordHash: string(hashed)}}

	var seen outcomes
	svc := auth.NewService(repo, &seen)
	ctx := context.Background()

	user, err := svc.Authenticate(ctx, "  ada@example.com ", "correctpass")
	require.NoError(t, err)
	assert.Equal(t, int64(3), user.ID)

	_, err = svc.Authenticate(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "correctpass")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	assert.Equal(t, outcomes{auth.OutcomeSuccess, auth.OutcomeBadPassword, auth.OutcomeUnknownEmail}, seen)
}

func TestAuthenticateSurfacesStoreErrors(t *testing.T) {
	var seen outcomes
	_, err := auth.NewService(brokenRepo{&stubRepo{}}, &seen).Authenticate(context.Background(), "ada@example.com", "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, shared.ErrInvalidCredentials)
	assert.Equal(t, outcomes{auth.OutcomeError}, seen)
}
