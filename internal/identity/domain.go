package identity

import (
	"errors"
	"time"
)

var (
	// ErrNoTenant indicates the subject has no resolved school.
	ErrNoTenant = errors.New("identity: no tenant")
	// ErrBranchNotFound indicates the branch does not exist under the tenant.
	ErrBranchNotFound = errors.New("identity: branch not found")
)

// Metadata is the claim bag embedded in an access token.
type Metadata struct {
	Role     string `json:"role,omitempty"`
	UserType string `json:"user_type,omitempty"`
	SchoolID string `json:"school_id,omitempty"`
	IsDemo   bool   `json:"is_demo,omitempty"`
}

// Principal is the authenticated identity issued by the auth backend. It is
// replaced wholesale on refresh, never patched.
type Principal struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Metadata    Metadata   `json:"metadata"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	IssuedAt    time.Time  `json:"issued_at"`
}

// EmailConfirmed reports whether the backend recorded an email confirmation.
func (p Principal) EmailConfirmed() bool {
	return p.ConfirmedAt != nil && !p.ConfirmedAt.IsZero()
}

// Branding carries the school theme shown on dashboards.
type Branding struct {
	PrimaryColor   string `json:"primary_color,omitempty"`
	SecondaryColor string `json:"secondary_color,omitempty"`
	LogoURL        string `json:"logo_url,omitempty"`
}

// Tenant is a school.
type Tenant struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Branding           Branding `json:"branding"`
	ContactEmail       string   `json:"contact_email,omitempty"`
	SubscriptionStatus string   `json:"subscription_status,omitempty"`
}

// Branch is a campus of a school, selected through an explicit branch switch.
type Branch struct {
	ID       string `json:"id"`
	SchoolID string `json:"school_id"`
	Name     string `json:"name"`
}

// Profile is a row of the profiles table.
type Profile struct {
	ID       string
	Role     string
	SchoolID string
	FullName string
}

// Subject is what the resolver works on: the principal plus the device whose
// durable cache may hold a last-known tenant.
type Subject struct {
	Principal Principal
	DeviceID  string
}

// Resolution is the outcome of resolving role and tenant together.
type Resolution struct {
	Role   Role
	Tenant *Tenant
}
