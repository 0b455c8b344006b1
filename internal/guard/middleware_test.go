package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
)

type stubSessions struct {
	state    session.State
	restored *session.Session
	reads    int
}

func (s *stubSessions) State(ctx context.Context, tab session.Tab) session.State {
	s.reads++
	return s.state
}

func (s *stubSessions) Restore(ctx context.Context, tab session.Tab) (*session.Session, bool) {
	s.reads++
	return s.restored, s.restored != nil
}

func serve(t *testing.T, m Middleware, verify bool, roles []identity.Role, ctx context.Context) *httptest.ResponseRecorder {
	t.Helper()
	return serveTarget(t, m, verify, roles, ctx, "/dashboard/admin")
}

func serveTarget(t *testing.T, m Middleware, verify bool, roles []identity.Role, ctx context.Context, target string) *httptest.ResponseRecorder {
	t.Helper()
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, ok := session.StateFromContext(r.Context())
		require.True(t, ok)
		require.NotNil(t, st.Session)
		w.WriteHeader(http.StatusOK)
	})
	if roles != nil {
		h = m.RequireRoles(roles...)(h)
	}
	h = m.Protect(verify)(h)
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func tabContext() context.Context {
	return shared.ContextWithTab(context.Background(), shared.Tab{ID: "tab-1", DeviceID: "dev-1"})
}

func TestProtectBlocksWithoutTab(t *testing.T) {
	m := Middleware{Sessions: &stubSessions{}}
	rec := serve(t, m, true, nil, context.Background())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectBlocksWithoutSession(t *testing.T) {
	stub := &stubSessions{}
	rec := serve(t, Middleware{Sessions: stub}, true, nil, tabContext())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, rec.Header().Get("Location"), "no redirect loop")
	require.Equal(t, 1, stub.reads)
}

func TestProtectRedirectsUnverifiedAdmin(t *testing.T) {
	stub := &stubSessions{state: session.State{Session: sessionFor(identity.RoleAdmin, false, false)}}
	rec := serve(t, Middleware{Sessions: stub, VerifyPath: "/verify-email"}, true, nil, tabContext())
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/verify-email", rec.Header().Get("Location"))
}

func TestRedirectsKeepQueryTab(t *testing.T) {
	stub := &stubSessions{state: session.State{Session: sessionFor(identity.RoleAdmin, false, false)}}
	rec := serveTarget(t, Middleware{Sessions: stub, VerifyPath: "/verify-email"}, true, nil, tabContext(), "/dashboard/admin?tab=tab-1.sig")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/verify-email?tab=tab-1.sig", rec.Header().Get("Location"))

	stub = &stubSessions{state: session.State{Session: sessionFor(identity.RoleTeacher, true, false)}}
	rec = serveTarget(t, Middleware{Sessions: stub}, true, []identity.Role{identity.RoleAdmin}, tabContext(), "/dashboard/admin?tab=tab-1.sig")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/dashboard/teacher?tab=tab-1.sig", rec.Header().Get("Location"))
}

func TestProtectRendersUnverifiedDemoAdmin(t *testing.T) {
	stub := &stubSessions{state: session.State{Session: sessionFor(identity.RoleAdmin, false, true)}}
	rec := serve(t, Middleware{Sessions: stub}, true, nil, tabContext())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectExpiredAndDenied(t *testing.T) {
	stub := &stubSessions{state: session.State{Session: sessionFor(identity.RoleTeacher, true, false), Expired: true}}
	rec := serve(t, Middleware{Sessions: stub}, true, nil, tabContext())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "Reauthentication Required")

	stub = &stubSessions{state: session.State{Session: sessionFor(identity.RoleNone, true, false)}}
	rec = serve(t, Middleware{Sessions: stub}, true, nil, tabContext())
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProtectUsesTabFallbackForContextState(t *testing.T) {
	stub := &stubSessions{restored: sessionFor(identity.RoleTeacher, true, false)}
	ctx := session.ContextWithState(tabContext(), session.State{})
	rec := serve(t, Middleware{Sessions: stub}, true, nil, ctx)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, stub.reads)
}

func TestRequireRolesRedirectsToOwnDashboard(t *testing.T) {
	stub := &stubSessions{state: session.State{Session: sessionFor(identity.RoleTeacher, true, false)}}
	rec := serve(t, Middleware{Sessions: stub}, true, []identity.Role{identity.RoleAdmin}, tabContext())
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/dashboard/teacher", rec.Header().Get("Location"))

	rec = serve(t, Middleware{Sessions: stub}, true, []identity.Role{identity.RoleTeacher}, tabContext())
	require.Equal(t, http.StatusOK, rec.Code)
}
