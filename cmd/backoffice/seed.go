package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/skyrem/backoffice/internal/audit"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/users"
)

// seedPermissions are provisioned by every seed run.
var seedPermissions = []string{
	shared.PermViewUsers,
	shared.PermCreateUsers,
	shared.PermEditUsers,
	shared.PermDeleteUsers,
	shared.PermViewActivityLogs,
	shared.PermManageSystemSettings,
	"view telescope",
	"view horizon",
}

// seedRoles maps each seeded role to its permissions.
var seedRoles = []struct {
	name        string
	permissions []string
}{
	{name: rbac.RoleSuperadmin},
	{name: rbac.RoleDefaultUser},
	{name: "content-manager", permissions: []string{shared.PermViewUsers, shared.PermCreateUsers, shared.PermEditUsers}},
}

type permissionEnsurer interface {
	Ensure(ctx context.Context, names []string, guard string, force bool) ([]string, error)
}

type roleManager interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	ListPermissions(ctx context.Context, guard string) ([]rbac.Permission, error)
	CreateRole(ctx context.Context, in rbac.RoleInput) (rbac.Role, error)
}

type adminCreator interface {
	CreateUser(ctx context.Context, in users.CreateInput) (users.User, error)
}

type seedOptions struct {
	guard      string
	force      bool
	adminName  string
	adminEmail string
}

type seeder struct {
	permissions permissionEnsurer
	roles       roleManager
	users       adminCreator
	out         io.Writer
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed permissions, roles and an optional superadmin",
		Long: `Seed the base permissions and the superadmin, user and content-manager
roles. Running it again only adds what is missing. With --admin-email a
superadmin account is created and its one-time password printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openToolEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			store := rbac.NewPGStore(env.pool)
			permissionCache := env.permissionCache(store)
			recorder := audit.NewRecorder(env.pool)
			s := &seeder{
				permissions: rbac.NewGenerator(store, permissionCache, env.logger),
				roles:       rbac.NewService(store, permissionCache, recorder, env.logger),
				out:         cmd.OutOrStdout(),
			}
			if opts.adminEmail != "" {
				console := consoleMailer{out: cmd.OutOrStdout()}
				s.users = users.NewService(users.NewRepository(env.pool), permissionCache, recorder, console, env.logger)
			}
			return s.run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.guard, "guard", rbac.DefaultGuard, "guard to seed")
	cmd.Flags().BoolVar(&opts.force, "force", false, "delete and recreate the seeded permissions")
	cmd.Flags().StringVar(&opts.adminName, "admin-name", "Administrator", "name of the superadmin account")
	cmd.Flags().StringVar(&opts.adminEmail, "admin-email", "", "create a superadmin account with this email")
	return cmd
}

func (s *seeder) run(ctx context.Context, opts seedOptions) error {
	created, err := s.permissions.Ensure(ctx, seedPermissions, opts.guard, opts.force)
	if err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	fmt.Fprintf(s.out, "Permissions: %d created, %d already present\n", len(created), len(seedPermissions)-len(created))

	roleIDs, err := s.seedRoles(ctx, guardLabel(opts.guard))
	if err != nil {
		return err
	}

	if opts.adminEmail == "" || s.users == nil {
		return nil
	}
	admin, err := s.users.CreateUser(ctx, users.CreateInput{
		Name:    opts.adminName,
		Email:   opts.adminEmail,
		RoleIDs: []string{strconv.FormatInt(roleIDs[rbac.RoleSuperadmin], 10)},
	})
	if err != nil {
		if _, taken := shared.FieldErrors(err)["email"]; taken && errors.Is(err, shared.ErrValidation) {
			fmt.Fprintf(s.out, "Admin %s already exists, skipped\n", opts.adminEmail)
			return nil
		}
		return fmt.Errorf("seed admin: %w", err)
	}
	fmt.Fprintf(s.out, "Admin %s created with id %d\n", admin.Email, admin.ID)
	return nil
}

// seedRoles creates missing roles and returns the id of every seeded role.
func (s *seeder) seedRoles(ctx context.Context, guard string) (map[string]int64, error) {
	existing, err := s.roles.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed roles: %w", err)
	}
	ids := make(map[string]int64, len(seedRoles))
	for _, role := range existing {
		if role.Guard == guard {
			ids[role.Name] = role.ID
		}
	}

	perms, err := s.roles.ListPermissions(ctx, guard)
	if err != nil {
		return nil, fmt.Errorf("seed roles: %w", err)
	}
	permIDs := make(map[string]int64, len(perms))
	for _, p := range perms {
		permIDs[p.Name] = p.ID
	}

	for _, want := range seedRoles {
		if _, ok := ids[want.name]; ok {
			fmt.Fprintf(s.out, "Role %s exists\n", want.name)
			continue
		}
		in := rbac.RoleInput{Name: want.name, Guard: guard}
		for _, name := range want.permissions {
			if id, ok := permIDs[name]; ok {
				in.PermissionIDs = append(in.PermissionIDs, strconv.FormatInt(id, 10))
			}
		}
		role, err := s.roles.CreateRole(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("seed role %s: %w", want.name, err)
		}
		ids[role.Name] = role.ID
		fmt.Fprintf(s.out, "Role %s created with %d permission(s)\n", role.Name, len(role.Permissions))
	}
	return ids, nil
}

// consoleMailer prints the welcome credentials instead of queueing a mail.
type consoleMailer struct {
	out io.Writer
}

func (m consoleMailer) SendWelcome(_ context.Context, name, email, password string) error {
	_, err := fmt.Fprintf(m.out, "Credentials for %s <%s>: %s (change it after the first sign-in)\n", name, email, password)
	return err
}
