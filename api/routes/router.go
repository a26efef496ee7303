package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/talentbase/talentbase-backend/api/controllers"
	billingcontrollers "github.com/talentbase/talentbase-backend/api/controllers/billing"
	webhookcontrollers "github.com/talentbase/talentbase-backend/api/controllers/webhooks"
	"github.com/talentbase/talentbase-backend/api/middleware"
	subscriptionsvc "github.com/talentbase/talentbase-backend/internal/subscriptions"
	stripewebhook "github.com/talentbase/talentbase-backend/internal/webhooks/stripe"
	"github.com/talentbase/talentbase-backend/pkg/bigquery"
	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/db"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/redis"
	"github.com/talentbase/talentbase-backend/pkg/stripe"
)

// RouterDeps carries everything the HTTP surface needs. The webhook route is
// mounted outside the authed group; Stripe authenticates with its signature.
type RouterDeps struct {
	Config *config.Config
	Logger *logger.Logger

	DBPinger       db.Pinger
	RedisClient    *redis.Client
	BigQueryPinger bigquery.Pinger

	PlanService       billingcontrollers.PlanCatalogService
	SubscriptionReads billingcontrollers.SubscriptionReadService
	HistoryService    billingcontrollers.HistoryService
	Subscriptions     subscriptionsvc.Service

	StripeClient  *stripe.Client
	StripeWebhook webhookcontrollers.StripeWebhookService
	WebhookGuard  *stripewebhook.IdempotencyGuard

	MetricsHandler http.Handler
}

func NewRouter(deps RouterDeps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	var redisPinger redis.Pinger
	if deps.RedisClient != nil {
		redisPinger = deps.RedisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.DBPinger, redisPinger, deps.BigQueryPinger))
	})

	r.Get("/api/public/ping", controllers.PublicPing())

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.StripeWebhook, deps.StripeClient, deps.WebhookGuard, logg))
	})

	checkoutPolicy := middleware.NewCheckoutRateLimitPolicy(cfg.RateLimit)
	var limiter middleware.RateLimiterStore
	if deps.RedisClient != nil {
		limiter = deps.RedisClient
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Get("/ping", controllers.PrivatePing())

		r.Route("/billing", func(r chi.Router) {
			r.Get("/plans", billingcontrollers.PlansList(deps.PlanService, logg))
			r.Get("/plans/{planId}", billingcontrollers.PlanDetail(deps.PlanService, logg))
			r.Get("/subscription", billingcontrollers.SubscriptionDetail(deps.SubscriptionReads, logg))
			r.Get("/history", billingcontrollers.HistoryList(deps.HistoryService, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.CheckoutRateLimit(checkoutPolicy, limiter, logg))
				r.Post("/subscription/checkout", billingcontrollers.SubscriptionCheckout(deps.Subscriptions, logg))
				r.Post("/subscription/change-plan", billingcontrollers.SubscriptionChangePlan(deps.Subscriptions, logg))
			})

			r.Post("/subscription/cancel", billingcontrollers.SubscriptionCancel(deps.Subscriptions, logg))
			r.Post("/subscription/resume", billingcontrollers.SubscriptionResume(deps.Subscriptions, logg))
		})
	})

	return r
}
