// Package guard gates dashboard routes on the tab's session state.
package guard

import (
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/session"
)

// Decision is the outcome of a guard check.
type Decision int

const (
	// Block renders nothing: no session and no tab-local fallback.
	Block Decision = iota
	// Reauth asks for re-authentication after a failed refresh.
	Reauth
	// Deny refuses a session whose role could not be resolved.
	Deny
	// Verify sends a privileged user to the email verification screen.
	Verify
	// Render lets the protected view through.
	Render
)

func (d Decision) String() string {
	switch d {
	case Block:
		return "block"
	case Reauth:
		return "reauth"
	case Deny:
		return "deny"
	case Verify:
		return "verify"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Input is everything a decision depends on.
type Input struct {
	State                session.State
	Fallback             *session.Session
	VerificationRequired bool
}

// Decide is a pure function of the tab state. It never calls the backend;
// email confirmation is read from the principal.
func Decide(in Input) Decision {
	sess := in.State.Session
	if sess == nil {
		sess = in.Fallback
	}
	if sess == nil {
		return Block
	}
	if in.State.Expired {
		return Reauth
	}
	if sess.Role == identity.RoleNone || !sess.Role.Valid() {
		return Deny
	}
	if in.VerificationRequired && sess.Role.Privileged() && !sess.Principal.EmailConfirmed() && !sess.Demo() {
		return Verify
	}
	return Render
}
