package identity

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ProfileReader loads rows of the profiles table.
type ProfileReader interface {
	ProfileByID(ctx context.Context, id string) (Profile, error)
}

// SchoolReader loads schools and their branches.
type SchoolReader interface {
	SchoolByID(ctx context.Context, id string) (Tenant, error)
	SchoolIDByContactEmail(ctx context.Context, email string) (string, error)
	BranchByID(ctx context.Context, schoolID, branchID string) (Branch, error)
}

// TenantCache is the durable per-device memory of the last resolved school.
type TenantCache interface {
	LastTenant(ctx context.Context, deviceID string) (string, error)
	RememberTenant(ctx context.Context, deviceID, tenantID string) error
}

// Observer receives the source that produced each resolution.
type Observer interface {
	ObserveResolution(kind, source string)
}

// UnknownRolePolicy decides what an unmapped or missing role becomes.
type UnknownRolePolicy string

const (
	// PolicyStudent grants the student role, the historical behaviour.
	PolicyStudent UnknownRolePolicy = "student"
	// PolicyDeny yields RoleNone so the route guard refuses access.
	PolicyDeny UnknownRolePolicy = "deny"
)

// Strategy is one step of a fallback chain. Resolve returns the raw value and
// whether the step produced one.
type Strategy struct {
	Name    string
	Resolve func(ctx context.Context, subject Subject) (string, bool)
}

// Config wires the resolver collaborators.
type Config struct {
	Profiles ProfileReader
	Schools  SchoolReader
	Cache    TenantCache
	Policy   UnknownRolePolicy
	Logger   *slog.Logger
	Observer Observer
}

// Resolver derives role and tenant from a principal. It keeps no state.
type Resolver struct {
	roles    []Strategy
	tenants  []Strategy
	schools  SchoolReader
	cache    TenantCache
	policy   UnknownRolePolicy
	logger   *slog.Logger
	observer Observer
}

// NewResolver builds a resolver with the standard chains:
// role claim, user-type claim, profile role for roles; tenant claim, profile
// school, contact email, durable cache for tenants.
func NewResolver(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	roles := []Strategy{
		RoleClaim(),
		UserTypeClaim(),
		ProfileRole(cfg.Profiles, logger),
	}
	tenants := []Strategy{
		TenantClaim(),
		ProfileSchool(cfg.Profiles, logger),
		ContactEmailSchool(cfg.Schools, logger),
		CachedTenant(cfg.Cache, logger),
	}
	return NewResolverWithStrategies(cfg, roles, tenants)
}

// NewResolverWithStrategies builds a resolver evaluating the given chains in order.
func NewResolverWithStrategies(cfg Config, roles, tenants []Strategy) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy != PolicyDeny {
		policy = PolicyStudent
	}
	return &Resolver{
		roles:    roles,
		tenants:  tenants,
		schools:  cfg.Schools,
		cache:    cfg.Cache,
		policy:   policy,
		logger:   logger,
		observer: cfg.Observer,
	}
}

// ResolveRole walks the role chain; the first non-empty value wins.
func (r *Resolver) ResolveRole(ctx context.Context, subject Subject) Role {
	for _, strategy := range r.roles {
		raw, ok := strategy.Resolve(ctx, subject)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		role, known := ParseRole(raw)
		if !known {
			r.logger.Warn("unmapped role value",
				slog.String("principal", subject.Principal.ID),
				slog.String("source", strategy.Name),
				slog.String("value", raw),
				slog.String("policy", string(r.policy)))
			r.observe("role", "unmapped")
			return r.fallbackRole()
		}
		r.observe("role", strategy.Name)
		return role
	}
	r.logger.Info("no role source matched", slog.String("principal", subject.Principal.ID), slog.String("policy", string(r.policy)))
	r.observe("role", "default")
	return r.fallbackRole()
}

// ResolveTenant walks the tenant chain; the first id whose school loads wins.
// The winning id is written to the durable cache whatever step produced it.
func (r *Resolver) ResolveTenant(ctx context.Context, subject Subject) *Tenant {
	if r.schools == nil {
		return nil
	}
	for _, strategy := range r.tenants {
		id, ok := strategy.Resolve(ctx, subject)
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			continue
		}
		tenant, err := r.schools.SchoolByID(ctx, id)
		if err != nil {
			r.logger.Warn("tenant candidate not loadable",
				slog.String("source", strategy.Name),
				slog.String("school_id", id),
				slog.Any("error", err))
			continue
		}
		r.remember(ctx, subject.DeviceID, tenant.ID)
		r.observe("tenant", strategy.Name)
		return &tenant
	}
	r.observe("tenant", "none")
	return nil
}

// Resolve runs role and tenant resolution concurrently. Both chains share one
// profile lookup.
func (r *Resolver) Resolve(ctx context.Context, subject Subject) Resolution {
	var res Resolution
	g, gctx := errgroup.WithContext(withProfileMemo(ctx, subject))
	g.Go(func() error {
		res.Role = r.ResolveRole(gctx, subject)
		return nil
	})
	g.Go(func() error {
		res.Tenant = r.ResolveTenant(gctx, subject)
		return nil
	})
	_ = g.Wait()
	return res
}

// ResolveBranch re-derives the branch selected by an explicit branch switch.
func (r *Resolver) ResolveBranch(ctx context.Context, tenant *Tenant, branchID string) (*Branch, error) {
	if tenant == nil || tenant.ID == "" {
		return nil, ErrNoTenant
	}
	branchID = strings.TrimSpace(branchID)
	if branchID == "" || r.schools == nil {
		return nil, ErrBranchNotFound
	}
	branch, err := r.schools.BranchByID(ctx, tenant.ID, branchID)
	if err != nil {
		return nil, err
	}
	if branch.SchoolID != tenant.ID {
		return nil, ErrBranchNotFound
	}
	return &branch, nil
}

func (r *Resolver) fallbackRole() Role {
	if r.policy == PolicyDeny {
		return RoleNone
	}
	return RoleStudent
}

func (r *Resolver) remember(ctx context.Context, deviceID, tenantID string) {
	if r.cache == nil || deviceID == "" || tenantID == "" {
		return
	}
	if err := r.cache.RememberTenant(ctx, deviceID, tenantID); err != nil {
		r.logger.Warn("remember tenant", slog.String("device", deviceID), slog.Any("error", err))
	}
}

func (r *Resolver) observe(kind, source string) {
	if r.observer != nil {
		r.observer.ObserveResolution(kind, source)
	}
}
