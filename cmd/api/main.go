package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talentbase/talentbase-backend/api/routes"
	"github.com/talentbase/talentbase-backend/internal/billing"
	"github.com/talentbase/talentbase-backend/internal/customers"
	"github.com/talentbase/talentbase-backend/internal/subscriptions"
	"github.com/talentbase/talentbase-backend/internal/users"
	stripewebhook "github.com/talentbase/talentbase-backend/internal/webhooks/stripe"
	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/db"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/metrics"
	"github.com/talentbase/talentbase-backend/pkg/migrate"
	"github.com/talentbase/talentbase-backend/pkg/outbox"
	"github.com/talentbase/talentbase-backend/pkg/redis"
	pkgstripe "github.com/talentbase/talentbase-backend/pkg/stripe"
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

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to initialize stripe", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(registry)

	billingRepo := billing.NewRepository(dbClient.DB())
	billingService, err := billing.NewService(billing.ServiceParams{Repo: billingRepo})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	stripeAPI := subscriptions.NewStripeClient(stripeClient)

	customerService, err := customers.NewService(customers.ServiceParams{
		Users:  users.NewRepository(dbClient.DB()),
		Stripe: stripeAPI,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create customer service", err)
		os.Exit(1)
	}

	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceParams{
		BillingRepo:       billingRepo,
		Customers:         customerService,
		StripeClient:      stripeAPI,
		TransactionRunner: dbClient,
		Outbox:            outboxService,
		Billing:           cfg.Billing,
		Logger:            logg,
		Metrics:           billingMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription service", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		BillingRepo:       billingRepo,
		StripeClient:      stripeAPI,
		TransactionRunner: dbClient,
		Outbox:            outboxService,
		Logger:            logg,
		Metrics:           billingMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	webhookGuard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Billing.WebhookEventTTL, "stripe-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook guard", err)
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
		Handler: routes.NewRouter(routes.RouterDeps{
			Config:            cfg,
			Logger:            logg,
			DBPinger:          dbClient,
			RedisClient:       redisClient,
			PlanService:       billingService,
			SubscriptionReads: billingService,
			HistoryService:    billingService,
			Subscriptions:     subscriptionService,
			StripeClient:      stripeClient,
			StripeWebhook:     webhookService,
			WebhookGuard:      webhookGuard,
			MetricsHandler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
