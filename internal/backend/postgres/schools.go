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

// Schools reads schools and branches.
type Schools struct {
	pool *pgxpool.Pool
}

// NewSchools constructs Schools.
func NewSchools(pool *pgxpool.Pool) *Schools {
	return &Schools{pool: pool}
}

// SchoolByID loads a school with its branding.
func (s *Schools) SchoolByID(ctx context.Context, id string) (identity.Tenant, error) {
	var t identity.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, name, primary_color, secondary_color, logo_url, contact_email, subscription_status
		FROM schools WHERE id::text = $1`, id).
		Scan(&t.ID, &t.Name, &t.Branding.PrimaryColor, &t.Branding.SecondaryColor, &t.Branding.LogoURL,
			&t.ContactEmail, &t.SubscriptionStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Tenant{}, shared.ErrNotFound
		}
		return identity.Tenant{}, fmt.Errorf("postgres: load school: %w", err)
	}
	return t, nil
}

// SchoolIDByContactEmail finds the school whose contact email matches. The
// email is expected already folded.
func (s *Schools) SchoolIDByContactEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text FROM schools
		WHERE lower(contact_email) = $1
		ORDER BY created_at
		LIMIT 1`, email).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", fmt.Errorf("postgres: school by contact email: %w", err)
	}
	return id, nil
}

// BranchByID loads a branch of the given school.
func (s *Schools) BranchByID(ctx context.Context, schoolID, branchID string) (identity.Branch, error) {
	var b identity.Branch
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, school_id::text, name FROM branches
		WHERE id::text = $1 AND school_id::text = $2`, branchID, schoolID).
		Scan(&b.ID, &b.SchoolID, &b.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Branch{}, identity.ErrBranchNotFound
		}
		return identity.Branch{}, fmt.Errorf("postgres: load branch: %w", err)
	}
	return b, nil
}

var _ identity.SchoolReader = (*Schools)(nil)
