package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/jinzhu/inflection"

	"github.com/skyrem/backoffice/internal/shared"
)

// DefaultActions are generated when no actions are given.
var DefaultActions = []string{"create", "edit", "delete", "view"}

// ErrInvalidModel reports a resource name that cannot be turned into a permission token.
var ErrInvalidModel = errors.New("rbac: invalid model name")

var modelNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Invalidator drops cached permission state for a guard.
type Invalidator interface {
	Forget(ctx context.Context, guard string) error
}

// Generator provisions "{action} {resource}" permissions.
type Generator struct {
	store  Store
	cache  Invalidator
	logger *slog.Logger
}

// NewGenerator constructs a generator.
func NewGenerator(store Store, cache Invalidator, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, cache: cache, logger: logger}
}

// ResourceToken turns a model name such as "ProductCategory" or
// "App\Models\ProductCategory" into "product-categories".
func ResourceToken(model string) (string, error) {
	short := strings.TrimSpace(model)
	if idx := strings.LastIndexAny(short, `\./`); idx >= 0 {
		short = short[idx+1:]
	}
	if !modelNamePattern.MatchString(short) {
		return "", fmt.Errorf("%w: %q", ErrInvalidModel, model)
	}
	return inflection.Plural(strcase.ToKebab(short)), nil
}

// PermissionNames lists the names GenerateForModel would provision.
func PermissionNames(model string, actions []string) ([]string, error) {
	token, err := ResourceToken(model)
	if err != nil {
		return nil, err
	}
	actions = normalizeActions(actions)
	names := make([]string, 0, len(actions))
	for _, action := range actions {
		names = append(names, action+" "+token)
	}
	return names, nil
}

// GenerateForModel creates the permissions of one model and returns the names
// actually created. Existing names are skipped unless force is set, in which
// case they are deleted and recreated.
func (g *Generator) GenerateForModel(ctx context.Context, model string, actions []string, guard string, force bool) ([]string, error) {
	names, err := PermissionNames(model, actions)
	if err != nil {
		return nil, err
	}
	return g.Ensure(ctx, names, guard, force)
}

// GenerateForModels runs GenerateForModel for each model and invalidates the guard once.
// Invalid model names are logged and skipped.
func (g *Generator) GenerateForModels(ctx context.Context, models []string, actions []string, guard string, force bool) (map[string][]string, error) {
	guard = guardOrDefault(guard)
	created := make(map[string][]string, len(models))
	err := g.store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		for _, model := range models {
			names, err := PermissionNames(model, actions)
			if err != nil {
				g.logger.Warn("skipping model", slog.String("model", model), slog.Any("error", err))
				continue
			}
			made, err := ensureNames(ctx, q, names, guard, force)
			if err != nil {
				return err
			}
			created[model] = made
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := g.forget(ctx, guard); err != nil {
		return nil, err
	}
	return created, nil
}

// Ensure provisions explicit permission names with the same skip/force rules.
func (g *Generator) Ensure(ctx context.Context, names []string, guard string, force bool) ([]string, error) {
	guard = guardOrDefault(guard)
	var created []string
	err := g.store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		var err error
		created, err = ensureNames(ctx, q, names, guard, force)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := g.forget(ctx, guard); err != nil {
		return nil, err
	}
	return created, nil
}

func (g *Generator) forget(ctx context.Context, guard string) error {
	if g.cache == nil {
		return nil
	}
	if err := g.cache.Forget(ctx, guard); err != nil {
		return fmt.Errorf("rbac: invalidate after generate: %w", err)
	}
	return nil
}

func ensureNames(ctx context.Context, q Queries, names []string, guard string, force bool) ([]string, error) {
	created := []string{}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		existing, err := q.FindPermissionByName(ctx, name, guard)
		switch {
		case err == nil:
			if !force {
				continue
			}
			if err := q.DeletePermission(ctx, existing.ID); err != nil {
				return nil, fmt.Errorf("rbac: recreate %q: %w", name, err)
			}
		case errors.Is(err, shared.ErrNotFound):
		default:
			return nil, fmt.Errorf("rbac: lookup %q: %w", name, err)
		}

		if _, err := q.InsertPermission(ctx, name, guard); err != nil {
			return nil, err
		}
		created = append(created, name)
	}
	return created, nil
}

func normalizeActions(actions []string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultActions...)
	}
	return out
}

func guardOrDefault(guard string) string {
	guard = strings.TrimSpace(guard)
	if guard == "" {
		return DefaultGuard
	}
	return guard
}
