package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/platform/httpx"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on provided router. Every route except
// tab issuance, the mail callback and the bearer user lookup expects the tab
// middleware to have run.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/tabs", h.openTab)
	r.Get("/callback", h.callback)
	r.Get("/user", h.user)
	r.Group(func(r chi.Router) {
		r.Use(RequireTab)
		r.Get("/session", h.session)
		r.Post("/sign-in", h.signIn)
		r.Post("/demo", h.demo)
		r.Post("/sign-out", h.signOut)
		r.Post("/refresh", h.refresh)
		r.Post("/resend-verification", h.resendVerification)
		r.Post("/branch", h.switchBranch)
	})
}

// RequireTab rejects requests that carry no verified tab id.
func RequireTab(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.TabFromContext(r.Context()); !ok {
			httpx.Problem(w, http.StatusBadRequest, "Tab Required", shared.ErrTabMissing.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type demoRequest struct {
	Role string `json:"role" validate:"required"`
}

type resendRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type branchRequest struct {
	BranchID string `json:"branch_id" validate:"required"`
}

// SessionView is the session as shown to a dashboard tab. The refresh token
// never leaves the gateway.
type SessionView struct {
	ID              string             `json:"id,omitempty"`
	Principal       identity.Principal `json:"principal"`
	Role            identity.Role      `json:"role"`
	Dashboard       string             `json:"dashboard"`
	Tenant          *identity.Tenant   `json:"tenant,omitempty"`
	Branch          *identity.Branch   `json:"branch,omitempty"`
	AccessToken     string             `json:"access_token"`
	ExpiresAt       time.Time          `json:"expires_at"`
	AccessExpiresAt time.Time          `json:"access_expires_at"`
	Demo            bool               `json:"demo"`
}

// StateView is the tab state as shown to a dashboard tab.
type StateView struct {
	Session *SessionView `json:"session"`
	Loading bool         `json:"loading"`
	Expired bool         `json:"expired"`
}

// NewSessionView hides credentials a browser must not hold.
func NewSessionView(s *session.Session) *SessionView {
	if s == nil {
		return nil
	}
	return &SessionView{
		ID:              s.ID,
		Principal:       s.Principal,
		Role:            s.Role,
		Dashboard:       s.Role.DashboardPath(),
		Tenant:          s.Tenant,
		Branch:          s.Branch,
		AccessToken:     s.AccessToken,
		ExpiresAt:       s.ExpiresAt,
		AccessExpiresAt: s.AccessExpiresAt,
		Demo:            s.Demo(),
	}
}

// UserView is the principal behind a bearer access token.
type UserView struct {
	Principal identity.Principal `json:"principal"`
	SessionID string             `json:"session_id,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// NewStateView renders a tab state.
func NewStateView(st session.State) StateView {
	return StateView{Session: NewSessionView(st.Session), Loading: st.Loading, Expired: st.Expired}
}

func (h *Handler) openTab(w http.ResponseWriter, r *http.Request) {
	deviceID := shared.DeviceFromContext(r.Context())
	if deviceID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Device Required", "device cookie missing")
		return
	}
	tab, err := h.service.OpenTab(r.Context(), deviceID)
	if err != nil {
		h.respondError(w, r, "open tab", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"tab_id": tab.ID, "header": shared.TabHeader})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	tab, _ := shared.TabFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, NewStateView(h.service.Bootstrap(r.Context(), tab)))
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !h.decode(w, r, &req) {
		return
	}
	tab, _ := shared.TabFromContext(r.Context())
	sess, err := h.service.Authenticate(r.Context(), tab, req.Email, req.Password, clientOf(r))
	if err != nil {
		h.respondError(w, r, "sign in", err)
		return
	}
	httpx.JSON(w, http.StatusOK, StateView{Session: NewSessionView(sess)})
}

func (h *Handler) demo(w http.ResponseWriter, r *http.Request) {
	var req demoRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, ok := identity.ParseRole(req.Role)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown role")
		return
	}
	tab, _ := shared.TabFromContext(r.Context())
	sess, err := h.service.Demo(r.Context(), tab, role)
	if err != nil {
		h.respondError(w, r, "demo sign in", err)
		return
	}
	httpx.JSON(w, http.StatusOK, StateView{Session: NewSessionView(sess)})
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	tab, _ := shared.TabFromContext(r.Context())
	h.service.SignOut(r.Context(), tab, backend.ParseScope(r.URL.Query().Get("scope")))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	tab, _ := shared.TabFromContext(r.Context())
	st, err := h.service.Refresh(r.Context(), tab)
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, NewStateView(st))
	case errors.Is(err, session.ErrNoSession):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, backend.ErrSessionExpired), errors.Is(err, backend.ErrNoSession):
		httpx.JSON(w, http.StatusUnauthorized, NewStateView(st))
	default:
		h.logger.Warn("refresh failed", slog.Any("error", err))
		httpx.JSON(w, http.StatusServiceUnavailable, NewStateView(st))
	}
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
		return
	}
	p, claims, err := h.service.User(strings.TrimSpace(token))
	switch {
	case errors.Is(err, backend.ErrSessionExpired):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "access token expired")
		return
	case errors.Is(err, ErrNoTokenIssuer):
		h.respondError(w, r, "user", err)
		return
	case err != nil:
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid access token")
		return
	}
	view := UserView{Principal: p, SessionID: claims.SessionID}
	if claims.ExpiresAt != nil {
		view.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) resendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ResendVerification(r.Context(), req.Email); err != nil {
		h.respondError(w, r, "resend verification", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "code is required")
		return
	}
	// Links opened from a mail carry no tab id; such a request becomes a new tab.
	tab, ok := shared.TabFromContext(r.Context())
	if !ok {
		deviceID := shared.DeviceFromContext(r.Context())
		if deviceID == "" {
			httpx.Problem(w, http.StatusBadRequest, "Device Required", "device cookie missing")
			return
		}
		opened, err := h.service.OpenTab(r.Context(), deviceID)
		if err != nil {
			h.respondError(w, r, "open tab", err)
			return
		}
		tab = opened
	}
	sess, err := h.service.ExchangeCode(r.Context(), tab, code, clientOf(r))
	if err != nil {
		h.respondError(w, r, "exchange code", err)
		return
	}
	target := shared.TabURL(sess.Role.DashboardPath(), tab.ID)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) switchBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if !h.decode(w, r, &req) {
		return
	}
	tab, _ := shared.TabFromContext(r.Context())
	sess, err := h.service.SwitchBranch(r.Context(), tab, req.BranchID)
	if err != nil {
		h.respondError(w, r, "switch branch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, StateView{Session: NewSessionView(sess)})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		var fields []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields = append(fields, fieldErr.Field()+": "+fieldErr.Tag())
			}
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(fields, "; "))
		return false
	}
	return true
}

// respondError maps auth failures to problem responses. Anything unknown is a
// transient backend failure and leaves the session untouched.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrInvalidCredentials):
		httpx.Problem(w, http.StatusUnauthorized, "Invalid Credentials", "email or password is incorrect")
	case errors.Is(err, backend.ErrInvalidCode):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Code", err.Error())
	case errors.Is(err, session.ErrNoSession), errors.Is(err, backend.ErrNoSession):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, backend.ErrSessionExpired):
		httpx.Problem(w, http.StatusUnauthorized, "Reauthentication Required", err.Error())
	case errors.Is(err, identity.ErrBranchNotFound), errors.Is(err, ErrDemoDisabled):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, identity.ErrNoTenant):
		httpx.Problem(w, http.StatusConflict, "No Tenant", err.Error())
	default:
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "try again shortly")
	}
}

func clientOf(r *http.Request) Client {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return Client{UserAgent: r.UserAgent(), IP: ip}
}
