package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cadencehq/cadence-backend/api/routes"
	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/bundle"
	"github.com/cadencehq/cadence-backend/internal/catalog"
	"github.com/cadencehq/cadence-backend/internal/entitlement"
	"github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/internal/period"
	"github.com/cadencehq/cadence-backend/internal/reconcile"
	"github.com/cadencehq/cadence-backend/internal/settlement"
	"github.com/cadencehq/cadence-backend/internal/subscription"
	"github.com/cadencehq/cadence-backend/pkg/config"
	"github.com/cadencehq/cadence-backend/pkg/db"
	"github.com/cadencehq/cadence-backend/pkg/logger"
	"github.com/cadencehq/cadence-backend/pkg/metrics"
	"github.com/cadencehq/cadence-backend/pkg/migrate"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/redis"
	pkgsquare "github.com/cadencehq/cadence-backend/pkg/square"
	pkgstripe "github.com/cadencehq/cadence-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	ports, err := buildPortRegistry(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build settlement ports", err)
		os.Exit(1)
	}

	billingRepo := billing.NewRepository(dbClient.DB())
	outboxSvc := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	customerService, err := billing.NewService(billingRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}
	catalogService, err := catalog.NewService(catalog.NewRepository(dbClient.DB()), dbClient, billingRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog service", err)
		os.Exit(1)
	}
	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), dbClient, outboxSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}
	entitlementService, err := entitlement.NewService(entitlement.NewRepository(dbClient.DB()), outboxSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create entitlement service", err)
		os.Exit(1)
	}
	periodService, err := period.NewService(billingRepo, dbClient, ledgerService, entitlementService, outboxSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create period service", err)
		os.Exit(1)
	}
	subscriptionService, err := subscription.NewService(billingRepo, dbClient, catalogService, periodService, entitlementService, ports, outboxSvc, cfg.Billing)
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription service", err)
		os.Exit(1)
	}
	bundleService, err := bundle.NewService(billingRepo, dbClient, catalogService, ledgerService, ports, entitlementService, outboxSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create bundle service", err)
		os.Exit(1)
	}

	settlementMetrics := metrics.NewSettlementMetrics(prometheus.DefaultRegisterer)
	reconcileService, err := reconcile.NewService(
		reconcile.NewRepository(dbClient.DB()),
		billingRepo,
		dbClient,
		ports,
		periodService,
		subscriptionService,
		ledgerService,
		catalogService,
		bundleService,
		outboxSvc,
		settlementMetrics,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			customerService,
			catalogService,
			subscriptionService,
			bundleService,
			ledgerService,
			entitlementService,
			reconcileService,
		),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

// buildPortRegistry wires a settlement port for each provider with credentials
// configured. An empty registry is valid: every charge attempt then fails
// with a configuration error instead of crashing the process at boot.
func buildPortRegistry(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*settlement.Registry, error) {
	var ports []settlement.Port

	if cfg.Stripe.APIKey != "" {
		stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, err
		}
		stripePort, err := settlement.NewStripePort(settlement.NewStripePaymentClient(stripeClient), cfg.Stripe.Secret)
		if err != nil {
			return nil, err
		}
		ports = append(ports, stripePort)
	}

	if cfg.Square.AccessToken != "" {
		squareClient, err := pkgsquare.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, err
		}
		squarePort, err := settlement.NewSquarePort(squareClient)
		if err != nil {
			return nil, err
		}
		ports = append(ports, squarePort)
	}

	return settlement.NewRegistry(ports...)
}
