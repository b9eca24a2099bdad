package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/coaching-platform/internal/availability"
	"github.com/wolfman30/coaching-platform/internal/booking"
	httpmiddleware "github.com/wolfman30/coaching-platform/internal/http/middleware"
	"github.com/wolfman30/coaching-platform/internal/reconcile"
	"github.com/wolfman30/coaching-platform/internal/reporting"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	AvailabilityHandler *availability.Handler
	BookingHandler      *booking.Handler
	WebhookReceiver     *reconcile.Receiver
	AdminBookings       *reconcile.AdminHandler
	SyncStatus          *reporting.Handler
	MetricsHandler      http.Handler
	HealthChecks        map[string]HealthCheck
	CORSAllowedOrigins  []string

	// Identity provider session auth for mentee and coach routes.
	Identity        httpmiddleware.IdentityConfig
	IdentityAuth    func(http.Handler) http.Handler // overrides the JWKS middleware built from Identity
	AdminAuthSecret string

	// Redis-backed request cooldown on booking creation (optional)
	Redis           redis.Cmdable
	RequestCooldown time.Duration
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	identityAuth := cfg.IdentityAuth
	if identityAuth == nil {
		identityAuth = httpmiddleware.IdentityJWT(cfg.Identity)
	}

	// Public endpoints (webhooks, health checks, slot search)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.WebhookReceiver != nil {
			public.Post("/webhooks/receiver", cfg.WebhookReceiver.Handle)
		}
		if cfg.AvailabilityHandler != nil {
			public.Get("/sessions/available", cfg.AvailabilityHandler.AvailableSlots)
		}
	})

	// Signed-in mentees and coaches
	r.Group(func(authed chi.Router) {
		authed.Use(identityAuth)
		if cfg.BookingHandler != nil {
			authed.With(httpmiddleware.Cooldown(cfg.Redis, cfg.RequestCooldown, cfg.Logger)).
				Post("/booking/create", cfg.BookingHandler.Create)
		}
		if cfg.AvailabilityHandler != nil {
			authed.Route("/coach/availability", func(r chi.Router) {
				r.Get("/", cfg.AvailabilityHandler.GetRules)
				r.Put("/", cfg.AvailabilityHandler.ReplaceRules)
			})
		}
	})

	// Operator routes (protected by admin JWT)
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.AdminBookings != nil {
				admin.Post("/bookings/{uid}/resync", cfg.AdminBookings.Resync)
			}
			if cfg.SyncStatus != nil {
				admin.Get("/coaches/{coachUlid}/sync-status", cfg.SyncStatus.SyncStatus)
			}
		})
	}

	return r
}
