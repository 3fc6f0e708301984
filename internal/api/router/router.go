package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-portal/internal/authority"
	"github.com/wolfman30/clinic-portal/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-portal/internal/http/middleware"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Appointments   *handlers.AppointmentsHandler
	Notifications  *handlers.NotificationsHandler
	Invoices       *handlers.InvoicesHandler
	Signals        *handlers.SignalsHandler
	Health         http.Handler
	MetricsHandler http.Handler

	JWTSecret          string
	CORSAllowedOrigins []string
	// RateLimiter is optional; nil disables per-caller limiting.
	RateLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	r.Group(func(public chi.Router) {
		health := cfg.Health
		if health == nil {
			health = handlers.Health()
		}
		public.Method(http.MethodGet, "/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	r.Group(func(api chi.Router) {
		api.Use(httpmiddleware.IdentityJWT(cfg.JWTSecret))
		if cfg.RateLimiter != nil {
			api.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
		}

		if cfg.Signals != nil {
			api.Get("/ws", cfg.Signals.ServeWS)
		}

		api.Group(func(rest chi.Router) {
			rest.Use(middleware.Compress(5))
			rest.Use(middleware.AllowContentType("application/json"))

			if h := cfg.Appointments; h != nil {
				rest.Route("/appointments", func(r chi.Router) {
					r.Get("/", h.List)
					r.Post("/", h.Create)
					r.Get("/eligibility", h.Eligibility)
					r.Route("/{id}", func(r chi.Router) {
						r.Patch("/respond", h.Respond)
						r.Post("/cancel", h.Cancel)
						r.Group(func(staff chi.Router) {
							staff.Use(requireRole(authority.RoleClinic))
							staff.Post("/schedule", h.Schedule)
							staff.Post("/complete", h.Complete)
						})
					})
				})
			}
			if h := cfg.Notifications; h != nil {
				rest.Route("/notifications", func(r chi.Router) {
					r.Get("/", h.List)
					r.Delete("/", h.DeleteAll)
					r.Patch("/read-all", h.MarkAllRead)
					r.Patch("/{id}/read", h.MarkRead)
					r.Delete("/{id}", h.Delete)
				})
			}
			if h := cfg.Invoices; h != nil {
				rest.Route("/invoices", func(r chi.Router) {
					r.Get("/", h.List)
					r.Patch("/{id}/pay", h.Pay)
					r.With(requireRole(authority.RoleClinic)).Post("/", h.Create)
				})
			}
		})
	})

	return r
}
