package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("users: create: %w", NewValidationError("email", "The email has already been taken."))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, map[string]string{"email": "The email has already been taken."}, FieldErrors(err))
	assert.Contains(t, err.Error(), "email: The email has already been taken.")
	assert.Nil(t, FieldErrors(errors.New("boom")))
}

func TestDuplicateErrorMatchesSentinel(t *testing.T) {
	err := &DuplicateError{Entity: "permission", Key: "view users"}
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, "permission view users already exists", err.Error())
}

func TestUserSafeMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("users: delete: %w", ErrSelfAction), want: "You cannot delete your own account."},
		{err: ErrForbidden, want: "You are not allowed to perform this action."},
		{err: fmt.Errorf("wrap: %w", ErrNotFound), want: "The requested record could not be found."},
		{err: errors.New("pq: connection refused"), want: "Something went wrong. Please try again."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserSafeMessage(tt.err))
	}
}

type signupInput struct {
	DisplayName string `validate:"required,max=5"`
	Email       string `validate:"required,email"`
}

func TestValidateStructKeysBySnakeCase(t *testing.T) {
	v := validator.New()
	err := ValidateStruct(v, signupInput{DisplayName: "Too long name", Email: "nope"})
	require.ErrorIs(t, err, ErrValidation)

	fields := FieldErrors(err)
	assert.Equal(t, "The display name may not be greater than 5 characters.", fields["display_name"])
	assert.Equal(t, "The email must be a valid email address.", fields["email"])

	assert.NoError(t, ValidateStruct(v, signupInput{DisplayName: "Ada", Email: "ada@example.com"}))
}
