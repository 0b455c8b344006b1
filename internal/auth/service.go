package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
)

// ErrDemoDisabled indicates demo sign-in is switched off.
var ErrDemoDisabled = errors.New("auth: demo accounts disabled")

// DemoConfig controls demo sign-in.
type DemoConfig struct {
	Enabled  bool
	SchoolID string
	TTL      time.Duration
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Backend backend.Auth
	Store   *session.Store
	Tokens  *backend.TokenIssuer
	TabIDs  *shared.TabIDs
	Demo    DemoConfig
	Logger  *slog.Logger
}

// Service wraps the sign-in flows around the session store.
type Service struct {
	backend backend.Auth
	store   *session.Store
	tokens  *backend.TokenIssuer
	tabIDs  *shared.TabIDs
	demo    DemoConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a new Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	demo := cfg.Demo
	if demo.TTL <= 0 {
		demo.TTL = 2 * time.Hour
	}
	return &Service{
		backend: cfg.Backend,
		store:   cfg.Store,
		tokens:  cfg.Tokens,
		tabIDs:  cfg.TabIDs,
		demo:    demo,
		logger:  logger,
		now:     time.Now,
	}
}

// OpenTab mints a signed tab id and registers it under the device.
func (s *Service) OpenTab(ctx context.Context, deviceID string) (session.Tab, error) {
	tab := session.Tab{ID: s.tabIDs.Issue(), DeviceID: deviceID}
	if err := s.store.Open(ctx, tab); err != nil {
		return session.Tab{}, err
	}
	return tab, nil
}

// Client carries request metadata recorded on backend sessions.
type Client struct {
	UserAgent string
	IP        string
}

// Authenticate signs the tab in with email and password. Bad credentials
// clear whatever the tab held before.
func (s *Service) Authenticate(ctx context.Context, tab session.Tab, email, password string, client Client) (*session.Session, error) {
	auth, err := s.backend.SignInWithPassword(ctx, backend.SignInRequest{
		Email:     strings.TrimSpace(email),
		Password:  password,
		DeviceID:  tab.DeviceID,
		TabID:     tab.ID,
		UserAgent: client.UserAgent,
		IP:        client.IP,
	})
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			s.store.SignOut(ctx, tab, backend.ScopeLocal)
		}
		return nil, err
	}
	return s.store.SignIn(ctx, tab, identity.RoleNone, auth)
}

// Demo signs the tab in with a pre-validated demo identity for the role.
func (s *Service) Demo(ctx context.Context, tab session.Tab, role identity.Role) (*session.Session, error) {
	if !s.demo.Enabled {
		return nil, ErrDemoDisabled
	}
	principal := identity.Principal{
		ID:    "demo-" + string(role),
		Email: "demo+" + string(role) + "@demo.campusgate.app",
		Metadata: identity.Metadata{
			Role:     string(role),
			SchoolID: s.demo.SchoolID,
			IsDemo:   true,
		},
	}
	token, principal, accessExpires, err := s.tokens.Issue(principal, "")
	if err != nil {
		return nil, err
	}
	return s.store.SignIn(ctx, tab, role, &backend.AuthSession{
		DeviceID:        tab.DeviceID,
		AccessToken:     token,
		ExpiresAt:       s.now().UTC().Add(s.demo.TTL),
		AccessExpiresAt: accessExpires,
		Principal:       principal,
	})
}

// ExchangeCode trades a one-time code for a session in the tab.
func (s *Service) ExchangeCode(ctx context.Context, tab session.Tab, code string, client Client) (*session.Session, error) {
	auth, err := s.backend.ExchangeCodeForSession(ctx, backend.ExchangeRequest{
		Code:      code,
		DeviceID:  tab.DeviceID,
		TabID:     tab.ID,
		UserAgent: client.UserAgent,
		IP:        client.IP,
	})
	if err != nil {
		return nil, err
	}
	return s.store.SignIn(ctx, tab, identity.RoleNone, auth)
}

// ErrNoTokenIssuer indicates the service cannot validate access tokens.
var ErrNoTokenIssuer = errors.New("auth: no token issuer")

// User validates an access token and returns the principal and claims it
// carries. Expired tokens yield backend.ErrSessionExpired.
func (s *Service) User(token string) (identity.Principal, *backend.Claims, error) {
	if s.tokens == nil {
		return identity.Principal{}, nil, ErrNoTokenIssuer
	}
	return s.tokens.Parse(token)
}

// ResendVerification asks the backend for a new confirmation mail.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	return s.backend.ResendVerification(ctx, email)
}

// Bootstrap restores or adopts the tab's session.
func (s *Service) Bootstrap(ctx context.Context, tab session.Tab) session.State {
	return s.store.Bootstrap(ctx, tab)
}

// SignOut tears the tab down.
func (s *Service) SignOut(ctx context.Context, tab session.Tab, scope backend.SignOutScope) {
	s.store.SignOut(ctx, tab, scope)
}

// Refresh renews the tab's tokens.
func (s *Service) Refresh(ctx context.Context, tab session.Tab) (session.State, error) {
	return s.store.Refresh(ctx, tab)
}

// SwitchBranch selects a branch of the tab's school.
func (s *Service) SwitchBranch(ctx context.Context, tab session.Tab, branchID string) (*session.Session, error) {
	return s.store.SwitchBranch(ctx, tab, branchID)
}
