// Package backend is the contract of the data/auth service the gateway talks
// to: session API, auth event bus and access-token format.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/campusgate/campusgate/internal/identity"
)

var (
	// ErrNoSession indicates no valid backend session matched the lookup.
	ErrNoSession = errors.New("backend: no session")
	// ErrSessionExpired indicates the refresh credential is expired or revoked.
	ErrSessionExpired = errors.New("backend: session expired")
	// ErrInvalidCode indicates an unknown, consumed or expired exchange code.
	ErrInvalidCode = errors.New("backend: invalid code")
)

// SignOutScope selects which backend sessions a sign-out revokes.
type SignOutScope string

const (
	// ScopeLocal revokes only the given session.
	ScopeLocal SignOutScope = "local"
	// ScopeGlobal revokes every session of the user.
	ScopeGlobal SignOutScope = "global"
)

// ParseScope maps a query value onto a scope, defaulting to local.
func ParseScope(raw string) SignOutScope {
	if SignOutScope(raw) == ScopeGlobal {
		return ScopeGlobal
	}
	return ScopeLocal
}

// AuthSession is a backend session as seen by a client.
type AuthSession struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	// AccessExpiresAt is when AccessToken stops being accepted; ExpiresAt
	// bounds the refresh token.
	AccessExpiresAt time.Time          `json:"access_expires_at"`
	Principal       identity.Principal `json:"principal"`
}

// SessionLookup asks for a currently valid session. With a refresh token only
// that session is considered; otherwise the newest valid session of the device.
type SessionLookup struct {
	DeviceID     string
	RefreshToken string
}

// SignInRequest carries password credentials.
type SignInRequest struct {
	Email     string
	Password  string
	DeviceID  string
	TabID     string
	UserAgent string
	IP        string
}

// ExchangeRequest trades a one-time code (email link, OAuth callback) for a session.
type ExchangeRequest struct {
	Code      string
	DeviceID  string
	TabID     string
	UserAgent string
	IP        string
}

// Auth is the session/auth API of the backend.
type Auth interface {
	SignInWithPassword(ctx context.Context, req SignInRequest) (*AuthSession, error)
	SignOut(ctx context.Context, sessionID string, scope SignOutScope) error
	Refresh(ctx context.Context, refreshToken string) (*AuthSession, error)
	GetSession(ctx context.Context, lookup SessionLookup) (*AuthSession, error)
	ResendVerification(ctx context.Context, email string) error
	ExchangeCodeForSession(ctx context.Context, req ExchangeRequest) (*AuthSession, error)
}

// VerificationMail is the message sent when a user asks for a new confirmation link.
type VerificationMail struct {
	To   string `json:"to"`
	Link string `json:"link"`
}

// Mailer delivers verification mails.
type Mailer interface {
	SendVerification(ctx context.Context, mail VerificationMail) error
}
