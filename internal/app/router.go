package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/campusgate/campusgate/internal/auth"
	"github.com/campusgate/campusgate/internal/dashboard"
	"github.com/campusgate/campusgate/internal/guard"
	"github.com/campusgate/campusgate/internal/observability"
	"github.com/campusgate/campusgate/internal/realtime"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
	"github.com/campusgate/campusgate/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	TabIDs           *shared.TabIDs
	Guard            guard.Middleware
	AuthHandler      *auth.Handler
	DashboardHandler *dashboard.Handler
	RealtimeSource   realtime.Source
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with campusgate defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		TabIDs:  params.TabIDs,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	if params.DashboardHandler != nil {
		params.DashboardHandler.MountRoutes(r)
	}
	if params.RealtimeSource != nil {
		live := realtime.NewHandler(params.RealtimeSource, sessionTenant, originChecker(params.Config), params.Logger)
		r.With(params.Guard.Protect(false)).Mount("/realtime", live.Routes())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

// sessionTenant reads the tenant of the session the guard admitted.
func sessionTenant(r *http.Request) (string, bool) {
	st, ok := session.StateFromContext(r.Context())
	if !ok || st.Session == nil {
		return "", false
	}
	id := st.Session.TenantID()
	return id, id != ""
}

// originChecker accepts same-host origins plus ALLOWED_ORIGINS. A nil
// result keeps the websocket library default.
func originChecker(cfg *Config) func(*http.Request) bool {
	if cfg == nil || len(cfg.AllowedOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}
