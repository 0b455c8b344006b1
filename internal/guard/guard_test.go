package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/session"
)

func sessionFor(role identity.Role, confirmed, demo bool) *session.Session {
	p := identity.Principal{ID: "u1", Email: "u1@school.test", Metadata: identity.Metadata{IsDemo: demo}}
	if confirmed {
		at := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
		p.ConfirmedAt = &at
	}
	return &session.Session{ID: "s1", Principal: p, Role: role}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name     string
		in       Input
		expected Decision
	}{
		{"no session no fallback", Input{}, Block},
		{"fallback session renders", Input{Fallback: sessionFor(identity.RoleTeacher, false, false)}, Render},
		{"expired asks to reauth", Input{State: session.State{Session: sessionFor(identity.RoleTeacher, true, false), Expired: true}}, Reauth},
		{"no role denied", Input{State: session.State{Session: sessionFor(identity.RoleNone, true, false)}}, Deny},
		{"privileged unconfirmed not demo verifies", Input{State: session.State{Session: sessionFor(identity.RoleAdmin, false, false)}, VerificationRequired: true}, Verify},
		{"privileged unconfirmed demo renders", Input{State: session.State{Session: sessionFor(identity.RoleProprietor, false, true)}, VerificationRequired: true}, Render},
		{"privileged confirmed renders", Input{State: session.State{Session: sessionFor(identity.RoleSuperAdmin, true, false)}, VerificationRequired: true}, Render},
		{"privileged unconfirmed verification off", Input{State: session.State{Session: sessionFor(identity.RoleAdmin, false, false)}}, Render},
		{"teacher unconfirmed renders", Input{State: session.State{Session: sessionFor(identity.RoleTeacher, false, false)}, VerificationRequired: true}, Render},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Decide(tc.in))
		})
	}
}
