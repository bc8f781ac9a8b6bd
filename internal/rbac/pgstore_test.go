package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrem/backoffice/internal/shared"
)

func strPtr(s string) *string { return &s }

func TestPGStoreInsertPermission(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "inserted",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO permissions`).
					WithArgs("view users", "web").
					WillReturnRows(pgxmock.NewRows([]string{"id", "name", "guard_name", "created_at", "updated_at"}).
						AddRow(int64(3), "view users", "web", now, now))
			},
		},
		{
			name: "unique violation maps to duplicate",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO permissions`).
					WithArgs("view users", "web").
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
			},
			wantErr: shared.ErrDuplicate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()
			tt.setupMock(mock)

			store := NewPGStore(mock)
			perm, err := store.InsertPermission(context.Background(), "view users", "web")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, int64(3), perm.ID)
				assert.Equal(t, "web", perm.Guard)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPGStoreGetPermissionNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, name, guard_name, created_at, updated_at FROM permissions WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPGStore(mock).GetPermission(context.Background(), 99)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreDeleteMissingRole(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM roles WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err = NewPGStore(mock).DeleteRole(context.Background(), 5)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSyncRolePermissions(t *testing.T) {
	t.Run("replaces set", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`DELETE FROM role_has_permissions WHERE role_id = \$1 AND NOT`).
			WithArgs(int64(1), []int64{4, 5}).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mock.ExpectExec(`INSERT INTO role_has_permissions`).
			WithArgs(int64(1), []int64{4, 5}).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, NewPGStore(mock).SyncRolePermissions(context.Background(), 1, []int64{4, 5}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty set detaches everything", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`DELETE FROM role_has_permissions WHERE role_id = \$1 AND NOT`).
			WithArgs(int64(1), []int64{}).
			WillReturnResult(pgxmock.NewResult("DELETE", 3))

		require.NoError(t, NewPGStore(mock).SyncRolePermissions(context.Background(), 1, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGStoreLoadSnapshot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT r.id, r.name, p.name`).
		WithArgs("web").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "name"}).
			AddRow(int64(1), "editor", strPtr("edit_users")).
			AddRow(int64(1), "editor", strPtr("view_users")).
			AddRow(int64(2), "empty", (*string)(nil)))
	mock.ExpectQuery(`SELECT mr.user_id, mr.role_id`).
		WithArgs("web").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "role_id"}).
			AddRow(int64(10), int64(2)).
			AddRow(int64(10), int64(1)))

	snap, err := NewPGStore(mock).LoadSnapshot(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"edit_users", "view_users"}, snap.Roles[1].Permissions)
	assert.Empty(t, snap.Roles[2].Permissions)
	assert.Equal(t, []int64{2, 1}, snap.Users[10])

	grants := snap.GrantsFor(10)
	assert.Equal(t, []string{"empty", "editor"}, grants.Roles)
	assert.True(t, grants.HasPermission("edit_users"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreWithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		mock.ExpectExec(`DELETE FROM permissions WHERE id = \$1`).
			WithArgs(int64(7)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectCommit()

		err = NewPGStore(mock).WithTx(context.Background(), func(ctx context.Context, q Queries) error {
			return q.DeletePermission(ctx, 7)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		boom := errors.New("boom")
		mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		mock.ExpectRollback()

		err = NewPGStore(mock).WithTx(context.Background(), func(context.Context, Queries) error {
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
