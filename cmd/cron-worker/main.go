package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cadencehq/cadence-backend/internal/billing"
	"github.com/cadencehq/cadence-backend/internal/catalog"
	"github.com/cadencehq/cadence-backend/internal/cron"
	"github.com/cadencehq/cadence-backend/internal/entitlement"
	"github.com/cadencehq/cadence-backend/internal/ledger"
	"github.com/cadencehq/cadence-backend/internal/period"
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

const lockKeyFormat = "cadence:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	jobs, err := buildJobs(context.Background(), cfg, logg, dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(jobs...)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildJobs assembles the billing sweep jobs plus outbox retention. The sweeps
// share one dependency set; each job owns its own due-row query.
func buildJobs(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client) ([]cron.Job, error) {
	ports, err := buildPortRegistry(ctx, cfg, logg)
	if err != nil {
		return nil, err
	}

	billingRepo := billing.NewRepository(dbClient.DB())
	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxSvc := outbox.NewService(outboxRepo, logg)

	catalogService, err := catalog.NewService(catalog.NewRepository(dbClient.DB()), dbClient, billingRepo)
	if err != nil {
		return nil, err
	}
	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), dbClient, outboxSvc)
	if err != nil {
		return nil, err
	}
	entitlementService, err := entitlement.NewService(entitlement.NewRepository(dbClient.DB()), outboxSvc)
	if err != nil {
		return nil, err
	}
	periodService, err := period.NewService(billingRepo, dbClient, ledgerService, entitlementService, outboxSvc)
	if err != nil {
		return nil, err
	}
	subscriptionService, err := subscription.NewService(billingRepo, dbClient, catalogService, periodService, entitlementService, ports, outboxSvc, cfg.Billing)
	if err != nil {
		return nil, err
	}

	sweep := cron.BillingSweepParams{
		Logger:        logg,
		DB:            dbClient,
		Repository:    billingRepo,
		Catalog:       catalogService,
		Ports:         ports,
		Periods:       periodService,
		Subscriptions: subscriptionService,
		Outbox:        outboxSvc,
		Billing:       cfg.Billing,
	}

	var jobs []cron.Job
	for _, build := range []func(cron.BillingSweepParams) (cron.Job, error){
		cron.NewTrialConversionJob,
		cron.NewRenewalJob,
		cron.NewDunningJob,
		cron.NewGraceExpiryJob,
		cron.NewStaleInvoiceJob,
	} {
		job, err := build(sweep)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outboxRepo,
	})
	if err != nil {
		return nil, err
	}
	return append(jobs, retention), nil
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}

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
