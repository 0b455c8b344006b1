package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/campusgate/campusgate/internal/shared"
)

// RoleClaim reads the role claim embedded in the token.
func RoleClaim() Strategy {
	return Strategy{Name: "role_claim", Resolve: func(_ context.Context, s Subject) (string, bool) {
		return claim(s.Principal.Metadata.Role)
	}}
}

// UserTypeClaim reads the legacy user_type claim.
func UserTypeClaim() Strategy {
	return Strategy{Name: "user_type_claim", Resolve: func(_ context.Context, s Subject) (string, bool) {
		return claim(s.Principal.Metadata.UserType)
	}}
}

// ProfileRole looks the role up in the profiles table.
func ProfileRole(profiles ProfileReader, logger *slog.Logger) Strategy {
	return Strategy{Name: "profile_role", Resolve: func(ctx context.Context, s Subject) (string, bool) {
		profile, ok := lookupProfile(ctx, profiles, logger, s)
		if !ok {
			return "", false
		}
		return claim(profile.Role)
	}}
}

// TenantClaim reads the school id claim embedded in the token.
func TenantClaim() Strategy {
	return Strategy{Name: "tenant_claim", Resolve: func(_ context.Context, s Subject) (string, bool) {
		return claim(s.Principal.Metadata.SchoolID)
	}}
}

// ProfileSchool reads school_id from the profiles table.
func ProfileSchool(profiles ProfileReader, logger *slog.Logger) Strategy {
	return Strategy{Name: "profile_school", Resolve: func(ctx context.Context, s Subject) (string, bool) {
		profile, ok := lookupProfile(ctx, profiles, logger, s)
		if !ok {
			return "", false
		}
		return claim(profile.SchoolID)
	}}
}

// ContactEmailSchool recovers accounts provisioned without an explicit school
// link by matching the principal email against school contact emails.
func ContactEmailSchool(schools SchoolReader, logger *slog.Logger) Strategy {
	return Strategy{Name: "contact_email", Resolve: func(ctx context.Context, s Subject) (string, bool) {
		if schools == nil {
			return "", false
		}
		email := FoldEmail(s.Principal.Email)
		if email == "" {
			return "", false
		}
		id, err := schools.SchoolIDByContactEmail(ctx, email)
		if err != nil {
			if !errors.Is(err, shared.ErrNotFound) {
				logger.Warn("school by contact email", slog.Any("error", err))
			}
			return "", false
		}
		return claim(id)
	}}
}

// CachedTenant falls back to the last school remembered for the device.
func CachedTenant(cache TenantCache, logger *slog.Logger) Strategy {
	return Strategy{Name: "durable_cache", Resolve: func(ctx context.Context, s Subject) (string, bool) {
		if cache == nil || s.DeviceID == "" {
			return "", false
		}
		id, err := cache.LastTenant(ctx, s.DeviceID)
		if err != nil {
			if !errors.Is(err, shared.ErrNotFound) {
				logger.Warn("last tenant lookup", slog.Any("error", err))
			}
			return "", false
		}
		return claim(id)
	}}
}

// FoldEmail normalises an email for comparisons.
func FoldEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

type profileMemoKey struct{}

// profileMemo holds the one profile lookup shared by the strategies of a
// single resolution.
type profileMemo struct {
	principalID string
	once        sync.Once
	profile     Profile
	ok          bool
}

func withProfileMemo(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, profileMemoKey{}, &profileMemo{principalID: s.Principal.ID})
}

func lookupProfile(ctx context.Context, profiles ProfileReader, logger *slog.Logger, s Subject) (Profile, bool) {
	if profiles == nil || s.Principal.ID == "" {
		return Profile{}, false
	}
	memo, ok := ctx.Value(profileMemoKey{}).(*profileMemo)
	if !ok || memo.principalID != s.Principal.ID {
		return loadProfile(ctx, profiles, logger, s)
	}
	memo.once.Do(func() {
		memo.profile, memo.ok = loadProfile(ctx, profiles, logger, s)
	})
	return memo.profile, memo.ok
}

func loadProfile(ctx context.Context, profiles ProfileReader, logger *slog.Logger, s Subject) (Profile, bool) {
	profile, err := profiles.ProfileByID(ctx, s.Principal.ID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			logger.Warn("profile lookup", slog.String("principal", s.Principal.ID), slog.Any("error", err))
		}
		return Profile{}, false
	}
	return profile, true
}

func claim(v string) (string, bool) {
	v = strings.TrimSpace(v)
	return v, v != ""
}
