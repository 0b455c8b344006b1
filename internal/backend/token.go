package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/campusgate/campusgate/internal/identity"
)

// Claims is the access-token payload.
type Claims struct {
	Email            string            `json:"email"`
	SessionID        string            `json:"sid"`
	Metadata         identity.Metadata `json:"user_metadata"`
	EmailConfirmedAt *int64            `json:"email_confirmed_at,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and parses HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(secret, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for the principal bound to a backend session.
func (t *TokenIssuer) Issue(p identity.Principal, sessionID string) (string, identity.Principal, time.Time, error) {
	now := t.now().UTC().Truncate(time.Second)
	expires := now.Add(t.ttl)
	claims := Claims{
		Email:     p.Email,
		SessionID: sessionID,
		Metadata:  p.Metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	if p.EmailConfirmed() {
		ts := p.ConfirmedAt.Unix()
		claims.EmailConfirmedAt = &ts
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", identity.Principal{}, time.Time{}, fmt.Errorf("backend: sign token: %w", err)
	}
	p.IssuedAt = now
	return signed, p, expires, nil
}

// Parse validates a token and rebuilds the principal it carries.
func (t *TokenIssuer) Parse(token string) (identity.Principal, *Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return identity.Principal{}, nil, ErrSessionExpired
		}
		return identity.Principal{}, nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return identity.Principal{}, nil, jwt.ErrTokenInvalidClaims
	}
	return principalFromClaims(claims), claims, nil
}

// principalFromClaims maps token claims onto a principal.
func principalFromClaims(c *Claims) identity.Principal {
	p := identity.Principal{
		ID:       c.Subject,
		Email:    c.Email,
		Metadata: c.Metadata,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.EmailConfirmedAt != nil {
		confirmed := time.Unix(*c.EmailConfirmedAt, 0).UTC()
		p.ConfirmedAt = &confirmed
	}
	return p
}
