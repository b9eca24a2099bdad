package bootstrap

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/coaching-platform/internal/api/router"
	"github.com/wolfman30/coaching-platform/internal/availability"
	"github.com/wolfman30/coaching-platform/internal/booking"
	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/coaches"
	appconfig "github.com/wolfman30/coaching-platform/internal/config"
	httpmiddleware "github.com/wolfman30/coaching-platform/internal/http/middleware"
	"github.com/wolfman30/coaching-platform/internal/observability/metrics"
	"github.com/wolfman30/coaching-platform/internal/reconcile"
	"github.com/wolfman30/coaching-platform/internal/reporting"
	"github.com/wolfman30/coaching-platform/internal/sessions"
	"github.com/wolfman30/coaching-platform/internal/tokens"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

// App is the wired HTTP surface plus its background workers.
type App struct {
	Handler       http.Handler
	RefreshWorker *tokens.RefreshWorker
}

// BuildApp wires stores, services and handlers from config. redisClient may be
// nil; the booking lock, request cooldown and refresh guard then fail open.
func BuildApp(cfg *appconfig.Config, pool *pgxpool.Pool, sqlDB *sql.DB, redisClient *redis.Client, registry *prometheus.Registry, logger *logging.Logger) *App {
	if logger == nil {
		logger = logging.Default()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	rdb := redisCmdable(redisClient)
	bookingMetrics := metrics.NewBookingMetrics(registry)

	coachStore := coaches.NewStore(pool)
	ruleStore := availability.NewRuleStore(pool)
	sessionStore := sessions.NewStore(pool)
	credentialStore := tokens.NewCredentialStore(pool)

	calClient := calcom.NewClient(calcom.Config{
		BaseURL:      cfg.CalAPIBaseURL,
		APIVersion:   cfg.CalAPIVersion,
		TokenURL:     cfg.CalOAuthTokenURL,
		ClientID:     cfg.CalClientID,
		ClientSecret: cfg.CalClientSecret,
		Timeout:      cfg.HTTPClientTimeout,
	}, logger)

	tokenManager := tokens.NewManager(credentialStore, calClient, logger,
		tokens.WithExpiryBuffer(cfg.TokenExpiryBuffer),
		tokens.WithGuard(tokens.NewRefreshGuard(rdb, cfg.TokenRefreshCooldown, cfg.TokenRefreshMaxAttempts, logger)),
		tokens.WithMetrics(bookingMetrics),
	)
	refreshWorker := tokens.NewRefreshWorker(credentialStore, tokenManager, logger).
		WithInterval(cfg.TokenRefreshInterval).
		WithRefreshBefore(cfg.TokenRefreshWindow)

	coordinator := booking.NewCoordinator(booking.CoordinatorConfig{
		Coaches:       coachStore,
		Tokens:        tokenManager,
		Calendar:      calClient,
		Ledger:        sessionStore,
		Lock:          booking.NewCoachLock(rdb, cfg.BookingLockTTL, logger),
		Metrics:       bookingMetrics,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)

	applier := reconcile.NewApplier(reconcile.ApplierConfig{
		Coaches:   coachStore,
		Ledger:    sessionStore,
		Processed: reconcile.NewDeliveryLog(pool),
		Fetcher:   calClient,
		Tokens:    tokenManager,
	}, logger)

	healthChecks := map[string]router.HealthCheck{
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
	}
	if redisClient != nil {
		healthChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	handler := router.New(&router.Config{
		Logger:              logger,
		AvailabilityHandler: availability.NewHandler(coachStore, ruleStore, sessionStore, bookingMetrics, logger),
		BookingHandler:      booking.NewHandler(coordinator, logger),
		WebhookReceiver: reconcile.NewReceiver(reconcile.ReceiverConfig{
			Secret:        cfg.CalWebhookSecret,
			AllowTestMode: cfg.WebhookAllowTestMode,
		}, applier, bookingMetrics, logger),
		AdminBookings:      reconcile.NewAdminHandler(applier, logger),
		SyncStatus:         reporting.NewHandler(coachStore, reporting.NewRepository(sqlDB), logger),
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		HealthChecks:       healthChecks,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Identity: httpmiddleware.IdentityConfig{
			JWKSURL:  cfg.AuthJWKSURL,
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
		},
		AdminAuthSecret: cfg.AdminJWTSecret,
		Redis:           rdb,
		RequestCooldown: cfg.RequestCooldown,
	})

	return &App{Handler: handler, RefreshWorker: refreshWorker}
}
