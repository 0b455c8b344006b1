package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/shared"
)

// Profiles reads the profiles table.
type Profiles struct {
	pool *pgxpool.Pool
}

// NewProfiles constructs Profiles.
func NewProfiles(pool *pgxpool.Pool) *Profiles {
	return &Profiles{pool: pool}
}

// ProfileByID loads a profile row. Missing rows map to shared.ErrNotFound.
func (p *Profiles) ProfileByID(ctx context.Context, id string) (identity.Profile, error) {
	var profile identity.Profile
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(role, ''), COALESCE(school_id::text, ''), COALESCE(full_name, '')
		FROM profiles WHERE id = $1`, id).
		Scan(&profile.ID, &profile.Role, &profile.SchoolID, &profile.FullName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Profile{}, shared.ErrNotFound
		}
		return identity.Profile{}, fmt.Errorf("postgres: load profile: %w", err)
	}
	return profile, nil
}

var _ identity.ProfileReader = (*Profiles)(nil)
