package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cadencehq/cadence-backend/api/controllers"
	webhookcontrollers "github.com/cadencehq/cadence-backend/api/controllers/webhooks"
	"github.com/cadencehq/cadence-backend/api/middleware"
	billingsvc "github.com/cadencehq/cadence-backend/internal/billing"
	bundlesvc "github.com/cadencehq/cadence-backend/internal/bundle"
	catalogsvc "github.com/cadencehq/cadence-backend/internal/catalog"
	entsvc "github.com/cadencehq/cadence-backend/internal/entitlement"
	ledgersvc "github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/internal/reconcile"
	subsvc "github.com/cadencehq/cadence-backend/internal/subscription"
	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	pkgredis "github.com/cadencehq/cadence-backend/pkg/redis"
)

const (
	ScopeCatalogWrite = "catalog:write"
	ScopeCreditsGrant = "credits:grant"
)

// CacheStore is the Redis surface the router wires into middleware:
// health pings, idempotency records, and rate-limit counters.
type CacheStore interface {
	pkgredis.Pinger
	pkgredis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient CacheStore,
	customerService billingsvc.Service,
	catalogService catalogsvc.Service,
	subscriptionService subsvc.Service,
	bundleService bundlesvc.Service,
	ledgerService ledgersvc.Service,
	entitlementService entsvc.Service,
	reconcileService reconcile.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	webhookPolicy := middleware.NewRateLimitPolicy(
		"webhook",
		cfg.RateLimit.WebhookWindow,
		cfg.RateLimit.WebhookIPLimit,
		0,
	)
	apiPolicy := middleware.NewRateLimitPolicy(
		"api",
		cfg.RateLimit.APIWindow,
		cfg.RateLimit.APIIPLimit,
		cfg.RateLimit.APITenantLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, dbP, redisClient, logg))
	})

	// Provider deliveries authenticate by signature, not token. Only the
	// per-IP limit applies here.
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(webhookPolicy, redisClient, logg))
		r.Post("/{provider}", webhookcontrollers.Settlement(reconcileService, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RateLimit(apiPolicy, redisClient, logg))
		r.Use(middleware.Idempotency(redisClient, logg))

		r.Route("/customers", func(r chi.Router) {
			r.Post("/", controllers.CustomerRegister(customerService, logg))
			r.Get("/{externalRef}", controllers.CustomerFetch(customerService, logg))
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", controllers.PlanList(catalogService, logg))
			r.Get("/{planID}", controllers.PlanFetch(catalogService, logg))
			r.With(middleware.RequireScope(cfg.JWT, ScopeCatalogWrite, logg)).Post("/", controllers.PlanCreate(catalogService, logg))
			r.With(middleware.RequireScope(cfg.JWT, ScopeCatalogWrite, logg)).Post("/{planID}/reprice", controllers.PlanReprice(catalogService, logg))
			r.With(middleware.RequireScope(cfg.JWT, ScopeCatalogWrite, logg)).Post("/{planID}/archive", controllers.PlanArchive(catalogService, logg))
		})

		r.Route("/bundles", func(r chi.Router) {
			r.Get("/", controllers.BundleList(catalogService, logg))
			r.Get("/{bundleID}", controllers.BundleFetch(catalogService, logg))
			r.With(middleware.RequireScope(cfg.JWT, ScopeCatalogWrite, logg)).Post("/", controllers.BundleCreate(catalogService, logg))
			r.Post("/{bundleID}/purchase", controllers.BundlePurchase(bundleService, customerService, logg))
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", controllers.SubscriptionCreate(subscriptionService, customerService, logg))
			r.Get("/", controllers.SubscriptionFetch(subscriptionService, customerService, logg))
			r.Post("/cancel", controllers.SubscriptionCancel(subscriptionService, customerService, logg))
			r.Post("/undo-cancel", controllers.SubscriptionUndoCancel(subscriptionService, customerService, logg))
			r.Post("/reactivate", controllers.SubscriptionReactivate(subscriptionService, customerService, logg))
			r.Post("/change-plan", controllers.SubscriptionPlanChange(subscriptionService, customerService, logg))
			r.Post("/change-plan/preview", controllers.SubscriptionPlanChangePreview(subscriptionService, customerService, logg))
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/balance", controllers.CreditBalance(ledgerService, customerService, logg))
			r.Get("/history", controllers.CreditHistory(ledgerService, customerService, logg))
			r.Post("/deduct", controllers.CreditDeduct(ledgerService, customerService, logg))
			r.With(middleware.RequireScope(cfg.JWT, ScopeCreditsGrant, logg)).Post("/grant", controllers.CreditGrant(ledgerService, customerService, logg))
		})

		r.Route("/entitlements", func(r chi.Router) {
			r.Get("/", controllers.EntitlementList(entitlementService, customerService, logg))
			r.Get("/check", controllers.EntitlementCheck(entitlementService, customerService, logg))
		})

		r.Get("/invoices", controllers.InvoiceList(customerService, logg))
		r.Get("/payments", controllers.PaymentList(customerService, logg))
	})

	return r
}
