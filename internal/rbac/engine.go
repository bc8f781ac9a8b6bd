package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skyrem/backoffice/internal/shared"
)

// GrantSource resolves the effective grants of a principal.
type GrantSource interface {
	Grants(ctx context.Context, principal Principal) (Grants, error)
}

// Engine answers "can principal perform ability on resource".
//
// Evaluation order:
//  1. deleting one's own user record is refused, superadmins included;
//  2. superadmins pass everything else;
//  3. a gate defined for (ability, kind) decides;
//  4. otherwise the ability is treated as a permission name;
//  5. anything else is denied.
type Engine struct {
	source    GrantSource
	gates     *GateTable
	logger    *slog.Logger
	decisions *prometheus.CounterVec
}

// NewEngine wires an engine around source and gates.
func NewEngine(source GrantSource, gates *GateTable, reg prometheus.Registerer, logger *slog.Logger) *Engine {
	if gates == nil {
		gates = NewGateTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		source: source,
		gates:  gates,
		logger: logger,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_authz_decisions_total",
			Help: "Authorization decisions by ability and outcome.",
		}, []string{"ability", "outcome"}),
	}
	if reg != nil {
		if err := reg.Register(e.decisions); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				logger.Warn("authz metrics not registered", slog.Any("error", err))
			}
		}
	}
	return e
}

// Gates exposes the table the engine evaluates.
func (e *Engine) Gates() *GateTable {
	return e.gates
}

// Authorize returns nil when allowed, shared.ErrSelfAction for self-deletion
// and shared.ErrForbidden for any other denial.
func (e *Engine) Authorize(ctx context.Context, principal Principal, ability string, resource Resource) error {
	if isSelfDelete(principal, ability, resource) {
		e.record(ability, "self_action")
		return shared.ErrSelfAction
	}

	grants, err := e.source.Grants(ctx, principal)
	if err != nil {
		return fmt.Errorf("rbac: resolve grants: %w", err)
	}

	if grants.HasRole(RoleSuperadmin) {
		e.record(ability, "allowed")
		return nil
	}

	allowed := false
	if rule, ok := e.gates.Lookup(ability, resource.Kind); ok {
		allowed = rule.allows(grants)
	} else {
		allowed = grants.HasPermission(ability)
	}
	if !allowed {
		e.record(ability, "denied")
		e.logger.Debug("authorization denied", slog.String("ability", ability), slog.String("kind", resource.Kind), slog.Int64("user_id", principal.UserID))
		return shared.ErrForbidden
	}
	e.record(ability, "allowed")
	return nil
}

// Can is the boolean form of Authorize. Only lookup failures are returned as errors.
func (e *Engine) Can(ctx context.Context, principal Principal, ability string, resource Resource) (bool, error) {
	err := e.Authorize(ctx, principal, ability, resource)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, shared.ErrForbidden), errors.Is(err, shared.ErrSelfAction):
		return false, nil
	default:
		return false, err
	}
}

// Abilities evaluates each ability on resource for rendering navigation and
// buttons. Lookup failures deny and are logged.
func (e *Engine) Abilities(ctx context.Context, principal Principal, resource Resource, abilities ...string) map[string]bool {
	out := make(map[string]bool, len(abilities))
	for _, ability := range abilities {
		ok, err := e.Can(ctx, principal, ability, resource)
		if err != nil {
			e.logger.Error("authorization lookup failed", slog.String("ability", ability), slog.Int64("user_id", principal.UserID), slog.Any("error", err))
		}
		out[ability] = ok
	}
	return out
}

func isSelfDelete(principal Principal, ability string, resource Resource) bool {
	return ability == shared.AbilityDelete &&
		resource.Kind == KindUser &&
		resource.ID != 0 &&
		resource.ID == principal.UserID
}

func (e *Engine) record(ability, outcome string) {
	if e.decisions != nil {
		e.decisions.WithLabelValues(ability, outcome).Inc()
	}
}
