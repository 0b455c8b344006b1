package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/campusgate/campusgate/internal/auth"
	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
	_ "github.com/campusgate/campusgate/testing"
)

type stubBackend struct {
	tokens     *backend.TokenIssuer
	password   string
	refreshErr error
	signOuts   chan string
}

func (s *stubBackend) session(id string, md identity.Metadata) *backend.AuthSession {
	token, p, accessExpires, _ := s.tokens.Issue(identity.Principal{ID: "u-" + id, Email: id + "@school.test", Metadata: md}, id)
	return &backend.AuthSession{
		ID:              id,
		AccessToken:     token,
		RefreshToken:    "refresh-" + id,
		ExpiresAt:       time.Now().Add(30 * 24 * time.Hour),
		AccessExpiresAt: accessExpires,
		Principal:       p,
	}
}

func (s *stubBackend) SignInWithPassword(ctx context.Context, req backend.SignInRequest) (*backend.AuthSession, error) {
	if req.Password != s.password {
		return nil, shared.ErrInvalidCredentials
	}
	return s.session("s1", identity.Metadata{Role: "teacher", SchoolID: "school-1"}), nil
}

func (s *stubBackend) SignOut(ctx context.Context, sessionID string, scope backend.SignOutScope) error {
	s.signOuts <- sessionID
	return nil
}

func (s *stubBackend) Refresh(ctx context.Context, refreshToken string) (*backend.AuthSession, error) {
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.session("s1", identity.Metadata{Role: "teacher", SchoolID: "school-1"}), nil
}

func (s *stubBackend) GetSession(ctx context.Context, lookup backend.SessionLookup) (*backend.AuthSession, error) {
	return nil, backend.ErrNoSession
}

func (s *stubBackend) ResendVerification(ctx context.Context, email string) error { return nil }

func (s *stubBackend) ExchangeCodeForSession(ctx context.Context, req backend.ExchangeRequest) (*backend.AuthSession, error) {
	if req.Code != "good-code" {
		return nil, backend.ErrInvalidCode
	}
	return s.session("s2", identity.Metadata{Role: "proprietor", SchoolID: "school-1"}), nil
}

type schools struct{}

func (schools) SchoolByID(ctx context.Context, id string) (identity.Tenant, error) {
	if id == "school-1" {
		return identity.Tenant{ID: id, Name: "Greenfield"}, nil
	}
	return identity.Tenant{}, shared.ErrNotFound
}

func (schools) SchoolIDByContactEmail(ctx context.Context, email string) (string, error) {
	return "", shared.ErrNotFound
}

func (schools) BranchByID(ctx context.Context, schoolID, branchID string) (identity.Branch, error) {
	return identity.Branch{}, identity.ErrBranchNotFound
}

type fixture struct {
	router  http.Handler
	store   *session.Store
	backend *stubBackend
	tab     session.Tab
}

func newFixture(t *testing.T, demo auth.DemoConfig) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tokens := backend.NewTokenIssuer("secret", "campusgate", time.Hour)
	stub := &stubBackend{tokens: tokens, password: "correct-horse", signOuts: make(chan string, 4)}
	resolver := identity.NewResolver(identity.Config{Schools: schools{}, Cache: shared.NewDurableCache(client)})
	store := session.NewStore(session.Config{
		Tabs:     shared.NewTabStore(client, time.Hour),
		Auth:     stub,
		Resolver: resolver,
	})
	tabIDs := shared.NewTabIDs("tab-secret")
	service := auth.NewService(auth.ServiceConfig{Backend: stub, Store: store, Tokens: tokens, TabIDs: tabIDs, Demo: demo})
	handler := auth.NewHandler(nil, service)

	tab := session.Tab{ID: tabIDs.Issue(), DeviceID: "device-1"}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithDevice(req.Context(), tab.DeviceID)
			if req.Header.Get(shared.TabHeader) != "" {
				ctx = shared.ContextWithTab(ctx, tab)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/auth", handler.MountRoutes)
	return &fixture{router: r, store: store, backend: stub, tab: tab}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(shared.TabHeader, f.tab.ID)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) auth.StateView {
	t.Helper()
	var view auth.StateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestOpenTab(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	req := httptest.NewRequest(http.MethodPost, "/auth/tabs", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NoError(t, shared.NewTabIDs("tab-secret").Verify(body["tab_id"]))
}

func TestRoutesRequireTab(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignInFlow(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})

	rec := f.do(t, http.MethodGet, "/auth/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, decodeState(t, rec).Session)

	rec = f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"t@school.test","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "refresh-s1")
	view := decodeState(t, rec)
	require.Equal(t, identity.RoleTeacher, view.Session.Role)
	require.Equal(t, "/dashboard/teacher", view.Session.Dashboard)
	require.Equal(t, "Greenfield", view.Session.Tenant.Name)
	require.WithinDuration(t, time.Now().Add(time.Hour), view.Session.AccessExpiresAt, time.Minute)
	require.True(t, view.Session.AccessExpiresAt.Before(view.Session.ExpiresAt))

	rec = f.do(t, http.MethodGet, "/auth/session", "")
	require.Equal(t, "s1", decodeState(t, rec).Session.ID)

	rec = f.do(t, http.MethodPost, "/auth/sign-out?scope=global", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := f.store.Restore(context.Background(), f.tab)
	require.False(t, ok)
	f.store.Wait()
	require.Equal(t, "s1", <-f.backend.signOuts)
}

func TestSignInBadCredentialsClearsTab(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"t@school.test","password":"correct-horse"}`).Code)

	rec := f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"t@school.test","password":"wrong-password"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	_, ok := f.store.Restore(context.Background(), f.tab)
	require.False(t, ok)
}

func TestSignInValidation(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	rec := f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"not-an-email","password":"short"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Email: email")
}

func TestDemoSignIn(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	rec := f.do(t, http.MethodPost, "/auth/demo", `{"role":"admin"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	f = newFixture(t, auth.DemoConfig{Enabled: true, SchoolID: "school-1"})
	rec = f.do(t, http.MethodPost, "/auth/demo", `{"role":"Proprietor"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeState(t, rec)
	require.True(t, view.Session.Demo)
	require.Equal(t, identity.RoleProprietor, view.Session.Role)
	require.Equal(t, "school-1", view.Session.Tenant.ID)

	rec = f.do(t, http.MethodPost, "/auth/demo", `{"role":"janitor"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshFailureReportsExpired(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"t@school.test","password":"correct-horse"}`).Code)

	f.backend.refreshErr = backend.ErrSessionExpired
	rec := f.do(t, http.MethodPost, "/auth/refresh", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	view := decodeState(t, rec)
	require.True(t, view.Expired)
	require.NotNil(t, view.Session)
}

func TestRefreshTransientFailureKeepsSession(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"t@school.test","password":"correct-horse"}`).Code)

	f.backend.refreshErr = errors.New("dial tcp: connection refused")
	rec := f.do(t, http.MethodPost, "/auth/refresh", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	view := decodeState(t, rec)
	require.False(t, view.Expired)
	require.NotNil(t, view.Session)
}

func TestUserValidatesBearerToken(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	rec := f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"t@school.test","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeState(t, rec).Session.AccessToken

	user := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/user", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	rec = user("Bearer " + token)
	require.Equal(t, http.StatusOK, rec.Code)
	var view auth.UserView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "u-s1", view.Principal.ID)
	require.Equal(t, "s1", view.SessionID)
	require.WithinDuration(t, time.Now().Add(time.Hour), view.ExpiresAt, time.Minute)

	require.Equal(t, http.StatusUnauthorized, user("").Code)
	require.Equal(t, http.StatusUnauthorized, user("Basic "+token).Code)
	require.Equal(t, http.StatusUnauthorized, user("Bearer not-a-jwt").Code)

	forged, _, _, err := backend.NewTokenIssuer("other-secret", "campusgate", time.Hour).Issue(identity.Principal{ID: "u-x"}, "s9")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, user("Bearer "+forged).Code)
}

func TestCallbackRedirectsToDashboard(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	rec := f.do(t, http.MethodGet, "/auth/callback?code=good-code", "")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/dashboard/proprietor?"+url.Values{shared.TabQueryParam: {f.tab.ID}}.Encode(), rec.Header().Get("Location"))

	rec = f.do(t, http.MethodGet, "/auth/callback?code=bad", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackFromMailOpensTab(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code=good-code", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/dashboard/proprietor", loc.Path)
	tabID := loc.Query().Get(shared.TabQueryParam)
	require.NotEmpty(t, tabID)
	require.NotEqual(t, f.tab.ID, tabID)

	sess, ok := f.store.Restore(context.Background(), session.Tab{ID: tabID, DeviceID: f.tab.DeviceID})
	require.True(t, ok)
	require.Equal(t, "s2", sess.ID)
}

func TestSwitchBranchUnknown(t *testing.T) {
	f := newFixture(t, auth.DemoConfig{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/auth/sign-in", `{"email":"t@school.test","password":"correct-horse"}`).Code)
	rec := f.do(t, http.MethodPost, "/auth/branch", `{"branch_id":"missing"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
