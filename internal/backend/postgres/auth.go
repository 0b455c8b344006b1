package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/platform/db"
	"github.com/campusgate/campusgate/internal/shared"
)

const (
	codePurposeConfirm = "confirm"
	codePurposeLogin   = "login"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AuthConfig groups the dependencies of Auth.
type AuthConfig struct {
	Pool       *pgxpool.Pool
	Tokens     *backend.TokenIssuer
	Events     backend.Publisher
	Mailer     backend.Mailer
	RefreshTTL time.Duration
	CodeTTL    time.Duration
	BaseURL    string
	Logger     *slog.Logger
}

// Auth implements backend.Auth on PostgreSQL. Refresh tokens are stored as
// sha256 hashes; each browser tab holds its own session row.
type Auth struct {
	pool       *pgxpool.Pool
	tokens     *backend.TokenIssuer
	events     backend.Publisher
	mailer     backend.Mailer
	refreshTTL time.Duration
	codeTTL    time.Duration
	baseURL    string
	logger     *slog.Logger
}

// NewAuth constructs Auth.
func NewAuth(cfg AuthConfig) *Auth {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = 24 * time.Hour
	}
	return &Auth{
		pool:       cfg.Pool,
		tokens:     cfg.Tokens,
		events:     cfg.Events,
		mailer:     cfg.Mailer,
		refreshTTL: refreshTTL,
		codeTTL:    codeTTL,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     logger,
	}
}

type userRecord struct {
	ID           string
	Email        string
	PasswordHash string
	Metadata     identity.Metadata
	ConfirmedAt  *time.Time
	IsActive     bool
}

func (u userRecord) principal() identity.Principal {
	return identity.Principal{
		ID:          u.ID,
		Email:       u.Email,
		Metadata:    u.Metadata,
		ConfirmedAt: u.ConfirmedAt,
	}
}

type sessionRecord struct {
	ID        string
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

func (s sessionRecord) valid(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// SignInWithPassword checks the password and opens a session for the tab.
func (a *Auth) SignInWithPassword(ctx context.Context, req backend.SignInRequest) (*backend.AuthSession, error) {
	user, err := a.userByEmail(ctx, a.pool, identity.FoldEmail(req.Email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	sess, err := a.openSession(ctx, a.pool, user, req.DeviceID, "", req.UserAgent, req.IP)
	if err != nil {
		return nil, err
	}
	a.publish(ctx, backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: sess.DeviceID, TabID: req.TabID, SessionID: sess.ID, UserID: user.ID, Session: sess})
	return sess, nil
}

// GetSession returns a currently valid session. A refresh token pins the
// lookup to that session. A bare device lookup adopts the newest valid
// session of the device by opening a child session, so every tab keeps its
// own credentials.
func (a *Auth) GetSession(ctx context.Context, lookup backend.SessionLookup) (*backend.AuthSession, error) {
	now := time.Now().UTC()
	if lookup.RefreshToken != "" {
		rec, err := a.sessionByHash(ctx, a.pool, hashToken(lookup.RefreshToken), false)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil, backend.ErrNoSession
			}
			return nil, err
		}
		if !rec.valid(now) {
			return nil, backend.ErrNoSession
		}
		user, err := a.userByID(ctx, a.pool, rec.UserID)
		if err != nil {
			return nil, a.noSessionIfMissing(err)
		}
		token, principal, accessExpires, err := a.tokens.Issue(user.principal(), rec.ID)
		if err != nil {
			return nil, err
		}
		return &backend.AuthSession{
			ID:              rec.ID,
			DeviceID:        rec.DeviceID,
			AccessToken:     token,
			RefreshToken:    lookup.RefreshToken,
			ExpiresAt:       rec.ExpiresAt,
			AccessExpiresAt: accessExpires,
			Principal:       principal,
		}, nil
	}
	if lookup.DeviceID == "" {
		return nil, backend.ErrNoSession
	}

	var rec sessionRecord
	err := a.pool.QueryRow(ctx, `
		SELECT id::text, user_id::text, device_id, expires_at, revoked_at
		FROM auth_sessions
		WHERE device_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1`, lookup.DeviceID, now).Scan(&rec.ID, &rec.UserID, &rec.DeviceID, &rec.ExpiresAt, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, backend.ErrNoSession
		}
		return nil, fmt.Errorf("postgres: device session: %w", err)
	}
	user, err := a.userByID(ctx, a.pool, rec.UserID)
	if err != nil {
		return nil, a.noSessionIfMissing(err)
	}
	if !user.IsActive {
		return nil, backend.ErrNoSession
	}
	return a.openSession(ctx, a.pool, user, rec.DeviceID, rec.ID, "", "")
}

// Refresh rotates the refresh token, keeping the session id.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*backend.AuthSession, error) {
	if refreshToken == "" {
		return nil, backend.ErrSessionExpired
	}
	var out *backend.AuthSession
	var userID string
	err := db.WithTx(ctx, a.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		rec, err := a.sessionByHash(ctx, tx, hashToken(refreshToken), true)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return backend.ErrSessionExpired
			}
			return err
		}
		if !rec.valid(now) {
			return backend.ErrSessionExpired
		}
		user, err := a.userByID(ctx, tx, rec.UserID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return backend.ErrSessionExpired
		}
		next, err := newOpaqueToken()
		if err != nil {
			return err
		}
		expires := now.Add(a.refreshTTL)
		if _, err := tx.Exec(ctx, `
			UPDATE auth_sessions SET refresh_token_hash = $1, refreshed_at = $2, expires_at = $3
			WHERE id = $4`, hashToken(next), now, expires, rec.ID); err != nil {
			return fmt.Errorf("postgres: rotate refresh token: %w", err)
		}
		token, principal, accessExpires, err := a.tokens.Issue(user.principal(), rec.ID)
		if err != nil {
			return err
		}
		userID = user.ID
		out = &backend.AuthSession{
			ID:              rec.ID,
			DeviceID:        rec.DeviceID,
			AccessToken:     token,
			RefreshToken:    next,
			ExpiresAt:       expires,
			AccessExpiresAt: accessExpires,
			Principal:       principal,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, backend.AuthEvent{Type: backend.EventTokenRefreshed, DeviceID: out.DeviceID, SessionID: out.ID, UserID: userID, Session: out})
	return out, nil
}

// SignOut revokes the session, or every session of its user for ScopeGlobal.
// Revoking an already revoked session is a no-op.
func (a *Auth) SignOut(ctx context.Context, sessionID string, scope backend.SignOutScope) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return backend.ErrNoSession
	}
	now := time.Now().UTC()
	var rows pgx.Rows
	var err error
	if scope == backend.ScopeGlobal {
		rows, err = a.pool.Query(ctx, `
			UPDATE auth_sessions SET revoked_at = $1
			WHERE revoked_at IS NULL AND user_id = (SELECT user_id FROM auth_sessions WHERE id = $2)
			RETURNING id::text, user_id::text, device_id`, now, sessionID)
	} else {
		rows, err = a.pool.Query(ctx, `
			UPDATE auth_sessions SET revoked_at = $1
			WHERE id = $2 AND revoked_at IS NULL
			RETURNING id::text, user_id::text, device_id`, now, sessionID)
	}
	if err != nil {
		return fmt.Errorf("postgres: revoke session: %w", err)
	}
	defer rows.Close()
	var revoked []backend.AuthEvent
	for rows.Next() {
		ev := backend.AuthEvent{Type: backend.EventSignedOut, At: now}
		if err := rows.Scan(&ev.SessionID, &ev.UserID, &ev.DeviceID); err != nil {
			return err
		}
		revoked = append(revoked, ev)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, ev := range revoked {
		a.publish(ctx, ev)
	}
	return nil
}

// ResendVerification mails a fresh confirmation link. Unknown or already
// confirmed addresses succeed silently.
func (a *Auth) ResendVerification(ctx context.Context, email string) error {
	user, err := a.userByEmail(ctx, a.pool, identity.FoldEmail(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.ConfirmedAt != nil {
		return nil
	}
	code, err := a.issueCode(ctx, user.ID, codePurposeConfirm)
	if err != nil {
		return err
	}
	if a.mailer == nil {
		a.logger.Warn("no mailer configured, verification link dropped", slog.String("user", user.ID))
		return nil
	}
	return a.mailer.SendVerification(ctx, backend.VerificationMail{
		To:   user.Email,
		Link: a.baseURL + "/auth/callback?code=" + code,
	})
}

// IssueLoginCode creates a one-time sign-in code for the user.
func (a *Auth) IssueLoginCode(ctx context.Context, userID string) (string, error) {
	return a.issueCode(ctx, userID, codePurposeLogin)
}

// ExchangeCodeForSession consumes a one-time code and opens a session.
// Confirmation codes also confirm the email address.
func (a *Auth) ExchangeCodeForSession(ctx context.Context, req backend.ExchangeRequest) (*backend.AuthSession, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, backend.ErrInvalidCode
	}
	var out *backend.AuthSession
	var userID string
	err := db.WithTx(ctx, a.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		var purpose string
		err := tx.QueryRow(ctx, `
			SELECT user_id::text, purpose FROM auth_codes
			WHERE code_hash = $1 AND consumed_at IS NULL AND expires_at > $2
			FOR UPDATE`, hashToken(req.Code), now).Scan(&userID, &purpose)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return backend.ErrInvalidCode
			}
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE auth_codes SET consumed_at = $1 WHERE code_hash = $2`, now, hashToken(req.Code)); err != nil {
			return err
		}
		if purpose == codePurposeConfirm {
			if _, err := tx.Exec(ctx, `
				UPDATE users SET email_confirmed_at = COALESCE(email_confirmed_at, $1), updated_at = $1
				WHERE id = $2`, now, userID); err != nil {
				return err
			}
		}
		user, err := a.userByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return shared.ErrInvalidCredentials
		}
		out, err = a.openSession(ctx, tx, user, req.DeviceID, "", req.UserAgent, req.IP)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: out.DeviceID, TabID: req.TabID, SessionID: out.ID, UserID: userID, Session: out})
	return out, nil
}

// PurgeExpired deletes sessions and codes that ended before the cutoff.
func (a *Auth) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := a.pool.Exec(ctx, `
		DELETE FROM auth_sessions
		WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge sessions: %w", err)
	}
	if _, err := a.pool.Exec(ctx, `DELETE FROM auth_codes WHERE expires_at < $1 OR consumed_at < $1`, cutoff); err != nil {
		return tag.RowsAffected(), fmt.Errorf("postgres: purge codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (a *Auth) openSession(ctx context.Context, q querier, user userRecord, deviceID, parentID, userAgent, ip string) (*backend.AuthSession, error) {
	now := time.Now().UTC()
	expires := now.Add(a.refreshTTL)
	// a hash collision on the unique index is retried with a fresh token
	for attempt := 0; attempt < 3; attempt++ {
		refresh, err := newOpaqueToken()
		if err != nil {
			return nil, err
		}
		id := uuid.NewString()
		_, err = q.Exec(ctx, `
			INSERT INTO auth_sessions (id, user_id, device_id, parent_id, refresh_token_hash, created_at, expires_at, user_agent, ip_address)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, user.ID, deviceID, nullable(parentID), hashToken(refresh), now, expires, nullable(userAgent), nullable(ip))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
			return nil, fmt.Errorf("postgres: create session: %w", err)
		}
		token, principal, accessExpires, err := a.tokens.Issue(user.principal(), id)
		if err != nil {
			return nil, err
		}
		return &backend.AuthSession{
			ID:              id,
			DeviceID:        deviceID,
			AccessToken:     token,
			RefreshToken:    refresh,
			ExpiresAt:       expires,
			AccessExpiresAt: accessExpires,
			Principal:       principal,
		}, nil
	}
	return nil, errors.New("postgres: create session: token collision")
}

func (a *Auth) issueCode(ctx context.Context, userID, purpose string) (string, error) {
	code, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if _, err := a.pool.Exec(ctx, `
		INSERT INTO auth_codes (code_hash, user_id, purpose, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`, hashToken(code), userID, purpose, now, now.Add(a.codeTTL)); err != nil {
		return "", fmt.Errorf("postgres: issue code: %w", err)
	}
	return code, nil
}

func (a *Auth) userByEmail(ctx context.Context, q querier, email string) (userRecord, error) {
	return scanUser(q.QueryRow(ctx, `
		SELECT id::text, email, password_hash, metadata, email_confirmed_at, is_active
		FROM users WHERE lower(email) = $1`, email))
}

func (a *Auth) userByID(ctx context.Context, q querier, id string) (userRecord, error) {
	return scanUser(q.QueryRow(ctx, `
		SELECT id::text, email, password_hash, metadata, email_confirmed_at, is_active
		FROM users WHERE id = $1`, id))
}

func scanUser(row pgx.Row) (userRecord, error) {
	var u userRecord
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Metadata, &u.ConfirmedAt, &u.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return userRecord{}, shared.ErrNotFound
		}
		return userRecord{}, fmt.Errorf("postgres: load user: %w", err)
	}
	return u, nil
}

func (a *Auth) sessionByHash(ctx context.Context, q querier, hash string, lock bool) (sessionRecord, error) {
	query := `
		SELECT id::text, user_id::text, device_id, expires_at, revoked_at
		FROM auth_sessions WHERE refresh_token_hash = $1`
	if lock {
		query += " FOR UPDATE"
	}
	var rec sessionRecord
	if err := q.QueryRow(ctx, query, hash).Scan(&rec.ID, &rec.UserID, &rec.DeviceID, &rec.ExpiresAt, &rec.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sessionRecord{}, shared.ErrNotFound
		}
		return sessionRecord{}, fmt.Errorf("postgres: load session: %w", err)
	}
	return rec, nil
}

func (a *Auth) noSessionIfMissing(err error) error {
	if errors.Is(err, shared.ErrNotFound) {
		return backend.ErrNoSession
	}
	return err
}

func (a *Auth) publish(ctx context.Context, ev backend.AuthEvent) {
	if a.events == nil {
		return
	}
	if err := a.events.Publish(ctx, ev); err != nil {
		a.logger.Warn("publish auth event", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var _ backend.Auth = (*Auth)(nil)
