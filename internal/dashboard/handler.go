// Package dashboard serves the per-role landing payloads and the email
// verification screen behind the route guard.
package dashboard

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campusgate/campusgate/internal/auth"
	"github.com/campusgate/campusgate/internal/guard"
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/platform/httpx"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
)

var titles = map[identity.Role]string{
	identity.RoleSuperAdmin:        "Platform Administration",
	identity.RoleAdmin:             "School Administration",
	identity.RoleProprietor:        "Proprietor Overview",
	identity.RoleTeacher:           "Teacher Workspace",
	identity.RoleExamOfficer:       "Examinations Office",
	identity.RoleStudent:           "Student Portal",
	identity.RoleParent:            "Parent Portal",
	identity.RoleInspector:         "Inspection Desk",
	identity.RoleComplianceOfficer: "Compliance Desk",
	identity.RoleCounselor:         "Counseling Desk",
}

// Handler exposes dashboard endpoints.
type Handler struct {
	guard                guard.Middleware
	verificationRequired bool
	resendPath           string
	logger               *slog.Logger
}

// NewHandler constructs a dashboard handler. verificationRequired gates
// privileged dashboards on a confirmed email.
func NewHandler(mw guard.Middleware, verificationRequired bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		guard:                mw,
		verificationRequired: verificationRequired,
		resendPath:           "/auth/resend-verification",
		logger:               logger,
	}
}

// View is the landing payload of a dashboard.
type View struct {
	Title   string            `json:"title"`
	Session *auth.SessionView `json:"session"`
}

// VerifyView is the payload of the verification screen.
type VerifyView struct {
	Email      string `json:"email"`
	Confirmed  bool   `json:"confirmed"`
	ResendPath string `json:"resend_path"`
}

// MountRoutes registers dashboard routes at the router root.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/dashboard", func(r chi.Router) {
		r.Use(h.guard.Protect(h.verificationRequired))
		for _, role := range identity.Roles {
			r.With(h.guard.RequireRoles(role)).Get("/"+string(role), h.dashboard)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Protect(false))
		r.Get("/me", h.me)
		r.Get("/verify-email", h.verify)
	})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	st, _ := session.StateFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, View{
		Title:   titles[st.Session.Role],
		Session: auth.NewSessionView(st.Session),
	})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	st, _ := session.StateFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, auth.NewStateView(st))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	st, _ := session.StateFromContext(r.Context())
	p := st.Session.Principal
	if p.EmailConfirmed() {
		http.Redirect(w, r, shared.TabURL(st.Session.Role.DashboardPath(), r.URL.Query().Get(shared.TabQueryParam)), http.StatusSeeOther)
		return
	}
	httpx.JSON(w, http.StatusOK, VerifyView{Email: p.Email, Confirmed: false, ResendPath: h.resendPath})
}
