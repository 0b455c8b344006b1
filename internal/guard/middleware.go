package guard

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/platform/httpx"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
)

// Sessions is the read side of the session store the guard needs.
type Sessions interface {
	State(ctx context.Context, tab session.Tab) session.State
	Restore(ctx context.Context, tab session.Tab) (*session.Session, bool)
}

// Middleware wires guard decisions into HTTP handlers.
type Middleware struct {
	Sessions   Sessions
	VerifyPath string
	Logger     *slog.Logger
}

// Protect lets a request through only when Decide returns Render. The
// resolved state is placed in the request context.
func (m Middleware) Protect(verificationRequired bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tab, ok := shared.TabFromContext(ctx)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			st, fromCtx := session.StateFromContext(ctx)
			if !fromCtx {
				st = m.Sessions.State(ctx, tab)
			}
			in := Input{State: st, VerificationRequired: verificationRequired}
			if st.Session == nil && fromCtx {
				if sess, ok := m.Sessions.Restore(ctx, tab); ok {
					in.Fallback = sess
					st.Session = sess
				}
			}

			decision := Decide(in)
			switch decision {
			case Render:
				next.ServeHTTP(w, r.WithContext(session.ContextWithState(ctx, st)))
			case Verify:
				http.Redirect(w, r, keepTab(m.verifyPath(), r), http.StatusSeeOther)
			case Reauth:
				httpx.Problem(w, http.StatusUnauthorized, "Reauthentication Required", "session expired")
			case Deny:
				m.log(r, decision, st)
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "no role")
			default:
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
			}
		})
	}
}

// RequireRoles redirects a session whose role is not listed to its own
// dashboard. It must run after Protect.
func (m Middleware) RequireRoles(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st, ok := session.StateFromContext(r.Context())
			if !ok || st.Session == nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			if len(roles) == 0 || slices.Contains(roles, st.Session.Role) {
				next.ServeHTTP(w, r)
				return
			}
			http.Redirect(w, r, keepTab(st.Session.Role.DashboardPath(), r), http.StatusSeeOther)
		})
	}
}

func (m Middleware) verifyPath() string {
	if m.VerifyPath == "" {
		return "/verify-email"
	}
	return m.VerifyPath
}

// keepTab carries a tab id that arrived as a query parameter over to the
// redirect target. Header-borne tab ids need nothing.
func keepTab(path string, r *http.Request) string {
	return shared.TabURL(path, r.URL.Query().Get(shared.TabQueryParam))
}

func (m Middleware) log(r *http.Request, d Decision, st session.State) {
	if m.Logger == nil || st.Session == nil {
		return
	}
	m.Logger.Warn("guard refused session",
		slog.String("decision", d.String()),
		slog.String("principal", st.Session.Principal.ID),
		slog.String("path", r.URL.Path))
}
