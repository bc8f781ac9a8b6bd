package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/skyrem/backoffice/internal/platform/httpx"
	"github.com/skyrem/backoffice/internal/shared"
)

// Middleware wires the authorization engine into HTTP handlers.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// RequireAbility lets the request through when the session user may perform
// ability on the kind collection.
func (m Middleware) RequireAbility(ability, kind string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromRequest(r)
			if !ok {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			err := m.Engine.Authorize(r.Context(), principal, ability, KindOf(kind))
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !errors.Is(err, shared.ErrForbidden) && !errors.Is(err, shared.ErrSelfAction) && m.Logger != nil {
				m.Logger.Error("rbac require ability", slog.String("ability", ability), slog.Any("error", err))
			}
			httpx.RespondError(w, err)
		})
	}
}

// PrincipalFromRequest returns the principal of the authenticated session user.
func PrincipalFromRequest(r *http.Request) (Principal, bool) {
	id, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return Principal{}, false
	}
	return NewPrincipal(id), true
}
