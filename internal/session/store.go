// Package session owns the per-tab session lifecycle: restore from tab
// storage, bootstrap from the backend, sign-in, optimistic sign-out, refresh,
// and reconciliation of backend auth events.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/shared"
)

// ErrNoSession indicates the tab holds no session.
var ErrNoSession = errors.New("session: no session")

// Tab identifies a browser tab.
type Tab = shared.Tab

// Session pairs a principal with its derived role and tenant. It is replaced
// as a whole, except for token renewal and an explicit branch switch.
type Session struct {
	ID              string             `json:"id,omitempty"`
	Principal       identity.Principal `json:"principal"`
	Role            identity.Role      `json:"role"`
	Tenant          *identity.Tenant   `json:"tenant,omitempty"`
	Branch          *identity.Branch   `json:"branch,omitempty"`
	AccessToken     string             `json:"access_token"`
	RefreshToken    string             `json:"refresh_token,omitempty"`
	ExpiresAt       time.Time          `json:"expires_at"`
	AccessExpiresAt time.Time          `json:"access_expires_at"`
}

// Demo reports whether the session belongs to a demo account.
func (s *Session) Demo() bool {
	return s != nil && s.Principal.Metadata.IsDemo
}

// TenantID returns the school id or "".
func (s *Session) TenantID() string {
	if s == nil || s.Tenant == nil {
		return ""
	}
	return s.Tenant.ID
}

// State is what a tab observes.
type State struct {
	Session *Session `json:"session,omitempty"`
	Loading bool     `json:"loading"`
	Expired bool     `json:"expired"`
}

// record is the tab storage payload.
type record struct {
	Session *Session `json:"session"`
	Expired bool     `json:"expired,omitempty"`
}

// Revoker performs the remote half of a sign-out.
type Revoker interface {
	RevokeSession(ctx context.Context, sessionID string, scope backend.SignOutScope) error
}

// DeviceMemory is the durable per-device state a global sign-out clears.
type DeviceMemory interface {
	Forget(ctx context.Context, deviceID string) error
}

// Config wires a Store.
type Config struct {
	Tabs     *shared.TabStore
	Auth     backend.Auth
	Resolver *identity.Resolver
	Revoker  Revoker
	Devices  DeviceMemory
	Logger   *slog.Logger
	DemoTTL  time.Duration
}

const lockStripes = 64

// Store is the session store. Tab storage is the source of truth; transitions
// of one tab are serialized by a per-tab lock.
type Store struct {
	tabs     *shared.TabStore
	auth     backend.Auth
	resolver *identity.Resolver
	revoker  Revoker
	devices  DeviceMemory
	logger   *slog.Logger
	demoTTL  time.Duration
	now      func() time.Time

	group   singleflight.Group
	locks   [lockStripes]sync.Mutex
	mu      sync.Mutex
	loading map[string]int
	pending sync.WaitGroup
}

// NewStore constructs a Store. Without a Revoker remote sign-out goes straight
// to the backend.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	demoTTL := cfg.DemoTTL
	if demoTTL <= 0 {
		demoTTL = 2 * time.Hour
	}
	s := &Store{
		tabs:     cfg.Tabs,
		auth:     cfg.Auth,
		resolver: cfg.Resolver,
		revoker:  cfg.Revoker,
		devices:  cfg.Devices,
		logger:   logger,
		demoTTL:  demoTTL,
		now:      time.Now,
		loading:  make(map[string]int),
	}
	if s.revoker == nil {
		s.revoker = authRevoker{auth: cfg.Auth}
	}
	return s
}

type authRevoker struct {
	auth backend.Auth
}

func (r authRevoker) RevokeSession(ctx context.Context, sessionID string, scope backend.SignOutScope) error {
	if r.auth == nil {
		return nil
	}
	return r.auth.SignOut(ctx, sessionID, scope)
}

// Open registers a new tab under its device.
func (s *Store) Open(ctx context.Context, tab Tab) error {
	return s.tabs.Register(ctx, tab)
}

// Restore reads the tab's session from tab storage. It never calls the backend.
func (s *Store) Restore(ctx context.Context, tab Tab) (*Session, bool) {
	rec, ok := s.load(ctx, tab)
	if !ok || rec.Session == nil {
		return nil, false
	}
	return rec.Session, true
}

// Bootstrap restores the tab, or asks the backend for a valid session of the
// device and resolves role and tenant for it. Failures degrade to no session.
// Concurrent calls for one tab share a single flight.
func (s *Store) Bootstrap(ctx context.Context, tab Tab) State {
	v, _, _ := s.group.Do(tab.ID, func() (any, error) {
		return s.bootstrap(ctx, tab), nil
	})
	return v.(State)
}

func (s *Store) bootstrap(ctx context.Context, tab Tab) State {
	s.setLoading(tab.ID, true)
	defer s.setLoading(tab.ID, false)

	unlock := s.lock(tab.ID)
	defer unlock()

	if rec, ok := s.load(ctx, tab); ok && rec.Session != nil {
		return State{Session: rec.Session, Expired: rec.Expired}
	}
	if err := s.tabs.Register(ctx, tab); err != nil {
		s.logger.Warn("register tab", slog.String("tab", tab.ID), slog.Any("error", err))
	}
	if s.auth == nil || tab.DeviceID == "" {
		return State{}
	}
	auth, err := s.auth.GetSession(ctx, backend.SessionLookup{DeviceID: tab.DeviceID})
	if err != nil {
		if !errors.Is(err, backend.ErrNoSession) {
			s.logger.Warn("bootstrap session lookup failed", slog.String("tab", tab.ID), slog.Any("error", err))
		}
		return State{}
	}
	sess := s.build(ctx, tab, identity.RoleNone, auth)
	if err := s.save(ctx, tab, record{Session: sess}); err != nil {
		s.logger.Warn("persist bootstrapped session", slog.String("tab", tab.ID), slog.Any("error", err))
	}
	return State{Session: sess}
}

// SignIn installs an authenticated backend session, or a pre-validated demo
// identity, in the tab. An explicit role skips role resolution; the tenant is
// always resolved.
func (s *Store) SignIn(ctx context.Context, tab Tab, role identity.Role, auth *backend.AuthSession) (*Session, error) {
	if auth == nil {
		return nil, ErrNoSession
	}
	unlock := s.lock(tab.ID)
	defer unlock()

	sess := s.build(ctx, tab, role, auth)
	if err := s.save(ctx, tab, record{Session: sess}); err != nil {
		return nil, fmt.Errorf("session: persist sign-in: %w", err)
	}
	return sess, nil
}

// SignOut clears the tab before any network work. The backend revocation runs
// detached; its failure is only logged. A global sign-out also forgets the
// school remembered for the device.
func (s *Store) SignOut(ctx context.Context, tab Tab, scope backend.SignOutScope) {
	unlock := s.lock(tab.ID)
	var prev *Session
	if rec, ok := s.load(ctx, tab); ok {
		prev = rec.Session
	}
	if err := s.tabs.Delete(ctx, tab); err != nil {
		s.logger.Warn("clear tab storage", slog.String("tab", tab.ID), slog.Any("error", err))
	}
	unlock()

	if scope == backend.ScopeGlobal && s.devices != nil && tab.DeviceID != "" {
		if err := s.devices.Forget(ctx, tab.DeviceID); err != nil {
			s.logger.Warn("forget device tenant", slog.String("device", tab.DeviceID), slog.Any("error", err))
		}
	}
	if prev == nil || prev.ID == "" {
		return
	}
	s.pending.Add(1)
	go func(sessionID string) {
		defer s.pending.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.revoker.RevokeSession(rctx, sessionID, scope); err != nil {
			s.logger.Warn("remote sign-out failed", slog.String("session", sessionID), slog.Any("error", err))
		}
	}(prev.ID)
}

// Wait blocks until detached sign-out work has finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

// Refresh renews the tab's tokens. When the backend rejects the refresh token
// the session is kept and flagged expired so the guard can prompt for
// re-authentication. Any other failure leaves the stored state untouched.
func (s *Store) Refresh(ctx context.Context, tab Tab) (State, error) {
	unlock := s.lock(tab.ID)
	defer unlock()

	rec, ok := s.load(ctx, tab)
	if !ok || rec.Session == nil {
		return State{}, ErrNoSession
	}
	cur := *rec.Session
	if cur.ID == "" && cur.Demo() {
		cur.ExpiresAt = s.now().Add(s.demoTTL)
		return s.commit(ctx, tab, record{Session: &cur}), nil
	}
	if s.auth == nil {
		return s.commit(ctx, tab, record{Session: &cur, Expired: true}), backend.ErrSessionExpired
	}
	renewed, err := s.auth.Refresh(ctx, cur.RefreshToken)
	switch {
	case errors.Is(err, backend.ErrSessionExpired), errors.Is(err, backend.ErrNoSession):
		s.logger.Info("refresh rejected", slog.String("tab", tab.ID), slog.Any("error", err))
		return s.commit(ctx, tab, record{Session: &cur, Expired: true}), err
	case err != nil:
		s.logger.Warn("refresh failed", slog.String("tab", tab.ID), slog.Any("error", err))
		return State{Session: rec.Session, Expired: rec.Expired}, err
	}
	renew(&cur, renewed)
	return s.commit(ctx, tab, record{Session: &cur}), nil
}

// SwitchBranch selects a branch of the session's school.
func (s *Store) SwitchBranch(ctx context.Context, tab Tab, branchID string) (*Session, error) {
	unlock := s.lock(tab.ID)
	defer unlock()

	rec, ok := s.load(ctx, tab)
	if !ok || rec.Session == nil {
		return nil, ErrNoSession
	}
	branch, err := s.resolver.ResolveBranch(ctx, rec.Session.Tenant, branchID)
	if err != nil {
		return nil, err
	}
	next := *rec.Session
	next.Branch = branch
	if err := s.save(ctx, tab, record{Session: &next, Expired: rec.Expired}); err != nil {
		return nil, fmt.Errorf("session: persist branch: %w", err)
	}
	return &next, nil
}

// State returns the tab's current state without blocking on in-flight work.
func (s *Store) State(ctx context.Context, tab Tab) State {
	st := State{Loading: s.isLoading(tab.ID)}
	if rec, ok := s.load(ctx, tab); ok {
		st.Session = rec.Session
		st.Expired = rec.Expired
	}
	if st.Session != nil && !st.Expired && !st.Session.ExpiresAt.IsZero() && !st.Session.ExpiresAt.After(s.now()) {
		st.Expired = true
	}
	return st
}

func (s *Store) build(ctx context.Context, tab Tab, role identity.Role, auth *backend.AuthSession) *Session {
	subject := identity.Subject{Principal: auth.Principal, DeviceID: tab.DeviceID}
	sess := &Session{
		ID:              auth.ID,
		Principal:       auth.Principal,
		AccessToken:     auth.AccessToken,
		RefreshToken:    auth.RefreshToken,
		ExpiresAt:       auth.ExpiresAt,
		AccessExpiresAt: auth.AccessExpiresAt,
	}
	if role == identity.RoleNone {
		res := s.resolver.Resolve(ctx, subject)
		sess.Role = res.Role
		sess.Tenant = res.Tenant
	} else {
		sess.Role = role
		sess.Tenant = s.resolver.ResolveTenant(ctx, subject)
	}
	return sess
}

func renew(sess *Session, auth *backend.AuthSession) {
	sess.Principal = auth.Principal
	sess.AccessToken = auth.AccessToken
	sess.RefreshToken = auth.RefreshToken
	sess.ExpiresAt = auth.ExpiresAt
	sess.AccessExpiresAt = auth.AccessExpiresAt
}

func (s *Store) commit(ctx context.Context, tab Tab, rec record) State {
	if err := s.save(ctx, tab, rec); err != nil {
		s.logger.Warn("persist session", slog.String("tab", tab.ID), slog.Any("error", err))
	}
	return State{Session: rec.Session, Expired: rec.Expired}
}

func (s *Store) load(ctx context.Context, tab Tab) (record, bool) {
	var rec record
	ok, err := s.tabs.Load(ctx, tab.ID, &rec)
	if err != nil {
		s.logger.Warn("read tab storage", slog.String("tab", tab.ID), slog.Any("error", err))
		return record{}, false
	}
	return rec, ok
}

func (s *Store) save(ctx context.Context, tab Tab, rec record) error {
	return s.tabs.Save(ctx, tab, rec)
}

func (s *Store) clear(ctx context.Context, tab Tab) {
	if err := s.tabs.Delete(ctx, tab); err != nil {
		s.logger.Warn("clear tab storage", slog.String("tab", tab.ID), slog.Any("error", err))
	}
}

func (s *Store) lock(tabID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tabID))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *Store) setLoading(tabID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.loading[tabID]++
		return
	}
	if s.loading[tabID] <= 1 {
		delete(s.loading, tabID)
		return
	}
	s.loading[tabID]--
}

func (s *Store) isLoading(tabID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading[tabID] > 0
}
