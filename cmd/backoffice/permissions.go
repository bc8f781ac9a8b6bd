package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skyrem/backoffice/internal/rbac"
)

const generateExamples = `  backoffice permissions generate --models=User
  backoffice permissions generate --models=User,ProductCategory --actions=create,edit
  backoffice permissions generate --models=User --guard=api --force`

// errNoModels is returned when generate is called without --models.
var errNoModels = errors.New("no models given")

type permissionGenerator interface {
	GenerateForModels(ctx context.Context, models []string, actions []string, guard string, force bool) (map[string][]string, error)
}

// openGenerator is replaced in tests.
var openGenerator = func(ctx context.Context) (permissionGenerator, func(), error) {
	env, err := openToolEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	store := rbac.NewPGStore(env.pool)
	return rbac.NewGenerator(store, env.permissionCache(store), env.logger), env.Close, nil
}

type generateOptions struct {
	models  []string
	actions []string
	guard   string
	force   bool
}

// NewPermissionsCmd creates the permissions subcommand.
func NewPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Manage permissions",
	}

	var opts generateOptions
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate CRUD permissions for models",
		Long: `Generate "{action} {resource}" permissions for each model. The resource is
the plural kebab-case form of the model name, so ProductCategory becomes
product-categories. Existing permissions are skipped unless --force is set,
in which case they are deleted and recreated.`,
		Example: generateExamples,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, opts)
		},
	}
	generate.Flags().StringSliceVar(&opts.models, "models", nil, "comma separated model names")
	generate.Flags().StringSliceVar(&opts.actions, "actions", nil, "comma separated actions (default create,edit,delete,view)")
	generate.Flags().StringVar(&opts.guard, "guard", rbac.DefaultGuard, "guard the permissions belong to")
	generate.Flags().BoolVar(&opts.force, "force", false, "delete and recreate existing permissions")
	cmd.AddCommand(generate)

	return cmd
}

func runGenerate(cmd *cobra.Command, opts generateOptions) error {
	expected := make(map[string]int, len(opts.models))
	var valid []string
	for _, raw := range opts.models {
		model := strings.TrimSpace(raw)
		if model == "" {
			continue
		}
		names, err := rbac.PermissionNames(model, opts.actions)
		if err != nil {
			cmd.PrintErrf("Skipping %q: not a valid model name\n", model)
			continue
		}
		if _, seen := expected[model]; seen {
			continue
		}
		expected[model] = len(names)
		valid = append(valid, model)
	}
	if len(valid) == 0 {
		cmd.PrintErrln("No models given. Examples:")
		cmd.PrintErrln(generateExamples)
		return errNoModels
	}

	gen, closeFn, err := openGenerator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	created, err := gen.GenerateForModels(cmd.Context(), valid, opts.actions, opts.guard, opts.force)
	if err != nil {
		return err
	}

	var totalCreated, totalSkipped int
	for _, model := range valid {
		made := created[model]
		skipped := expected[model] - len(made)
		totalCreated += len(made)
		totalSkipped += skipped
		cmd.Printf("%s: %d created, %d skipped\n", model, len(made), skipped)
		for _, name := range made {
			cmd.Printf("  + %s\n", name)
		}
	}
	cmd.Printf("Done: %d created, %d skipped (guard %s)\n", totalCreated, totalSkipped, guardLabel(opts.guard))
	return nil
}

func guardLabel(guard string) string {
	if guard == "" {
		return rbac.DefaultGuard
	}
	return guard
}

