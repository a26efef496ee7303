package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/talentbase/talentbase-backend/internal/billing"
	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/metrics"
	"github.com/talentbase/talentbase-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type customerProvider interface {
	EnsureCustomer(ctx context.Context, userID uuid.UUID) (string, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service defines the subscription lifecycle surface driven by users.
// Webhook-driven mutations live in internal/webhooks/stripe.
type Service interface {
	StartCheckout(ctx context.Context, userID uuid.UUID, input StartCheckoutInput) (*CheckoutSession, error)
	StartPlanChange(ctx context.Context, userID uuid.UUID, input StartCheckoutInput) (*CheckoutSession, error)
	Cancel(ctx context.Context, userID uuid.UUID, atPeriodEnd bool) (*models.Subscription, error)
	Resume(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	BillingRepo       billing.Repository
	Customers         customerProvider
	StripeClient      StripeBillingClient
	TransactionRunner txRunner
	Outbox            outboxEmitter
	Billing           config.BillingConfig
	Logger            *logger.Logger
	Metrics           *metrics.BillingMetrics
}

// StartCheckoutInput captures the data required to start a checkout session.
type StartCheckoutInput struct {
	PlanID       string
	BillingCycle enums.BillingCycle
}

// CheckoutSession is the hosted-checkout handle returned to the client.
type CheckoutSession struct {
	SessionID string
	URL       string
}

type service struct {
	billingRepo billing.Repository
	customers   customerProvider
	stripe      StripeBillingClient
	txRunner    txRunner
	outbox      outboxEmitter
	cfg         config.BillingConfig
	logg        *logger.Logger
	metrics     *metrics.BillingMetrics
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.Customers == nil {
		return nil, fmt.Errorf("customer provider required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if strings.TrimSpace(params.Billing.CheckoutSuccessURL) == "" || strings.TrimSpace(params.Billing.CheckoutCancelURL) == "" {
		return nil, fmt.Errorf("checkout redirect urls required")
	}
	return &service{
		billingRepo: params.BillingRepo,
		customers:   params.Customers,
		stripe:      params.StripeClient,
		txRunner:    params.TransactionRunner,
		outbox:      params.Outbox,
		cfg:         params.Billing,
		logg:        params.Logger,
		metrics:     params.Metrics,
	}, nil
}

// StartCheckout creates a subscription-mode checkout session for a user with
// no live subscription.
func (s *service) StartCheckout(ctx context.Context, userID uuid.UUID, input StartCheckoutInput) (*CheckoutSession, error) {
	plan, err := s.resolvePlan(ctx, userID, input)
	if err != nil {
		return nil, err
	}

	existing, err := s.billingRepo.FindLiveSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finding subscription")
	}
	if existing != nil {
		s.observeCheckout("conflict")
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription already exists")
	}

	metadata := map[string]string{
		MetadataKeyUserID:       userID.String(),
		MetadataKeyPlanID:       plan.ID,
		MetadataKeyBillingCycle: input.BillingCycle.String(),
	}
	return s.createSession(ctx, userID, plan, input.BillingCycle, metadata)
}

// StartPlanChange creates a checkout session for switching an existing
// subscription to a different plan. The old subscription is canceled by the
// completion handler once the new one is paid.
func (s *service) StartPlanChange(ctx context.Context, userID uuid.UUID, input StartCheckoutInput) (*CheckoutSession, error) {
	plan, err := s.resolvePlan(ctx, userID, input)
	if err != nil {
		return nil, err
	}

	existing, err := s.billingRepo.FindLiveSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finding subscription")
	}
	if existing == nil {
		s.observeCheckout("conflict")
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no subscription to change")
	}
	if existing.PlanID == plan.ID && existing.BillingCycle == input.BillingCycle {
		s.observeCheckout("conflict")
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "already subscribed to this plan")
	}

	metadata := map[string]string{
		MetadataKeyUserID:            userID.String(),
		MetadataKeyPlanID:            plan.ID,
		MetadataKeyBillingCycle:      input.BillingCycle.String(),
		MetadataKeyAction:            MetadataActionChangePlan,
		MetadataKeyOldSubscriptionID: existing.StripeSubscriptionID,
	}
	return s.createSession(ctx, userID, plan, input.BillingCycle, metadata)
}

func (s *service) resolvePlan(ctx context.Context, userID uuid.UUID, input StartCheckoutInput) (*models.SubscriptionPlan, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if !input.BillingCycle.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid billing cycle")
	}

	plan, err := s.billingRepo.FindPlanByID(ctx, strings.TrimSpace(input.PlanID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finding plan")
	}
	if plan == nil || plan.Status != enums.PlanStatusActive {
		s.observeCheckout("plan_not_found")
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	return plan, nil
}

func (s *service) createSession(ctx context.Context, userID uuid.UUID, plan *models.SubscriptionPlan, cycle enums.BillingCycle, metadata map[string]string) (*CheckoutSession, error) {
	customerID, err := s.customers.EnsureCustomer(ctx, userID)
	if err != nil {
		s.observeCheckout("customer_failed")
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(customerID),
		SuccessURL: stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.cfg.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.StripePriceID(cycle)),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
		params.SubscriptionData.AddMetadata(k, v)
	}
	if plan.TrialDays > 0 && metadata[MetadataKeyAction] != MetadataActionChangePlan {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(plan.TrialDays))
	}

	sess, err := s.stripe.CreateCheckoutSession(ctx, params)
	if err != nil {
		s.observeCheckout("stripe_failed")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating checkout session")
	}

	// Retries against the same checkout collapse into one queued event.
	if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCheckoutStarted,
			AggregateType: enums.AggregateCheckout,
			AggregateID:   userID,
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: map[string]string{
				"session_id":    sess.ID,
				"plan_id":       plan.ID,
				"billing_cycle": cycle.String(),
			},
			Version: 1,
		})
	}); err != nil {
		// Session already exists remotely; the analytics event is best-effort.
		if s.logg != nil {
			s.logg.Warn(s.logg.WithUserID(ctx, userID.String()), "checkout_started outbox emit failed")
		}
	}

	s.observeCheckout("started")
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"user_id": userID.String(),
			"plan_id": plan.ID,
		})
		s.logg.Info(logCtx, "checkout session created")
	}

	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

// Cancel terminates the user's live subscription, either at period end or
// immediately. The local row is updated optimistically from the Stripe
// response; later webhooks reconverge.
func (s *service) Cancel(ctx context.Context, userID uuid.UUID, atPeriodEnd bool) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	live, err := s.billingRepo.FindLiveSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finding subscription")
	}
	if live == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}

	var stripeSub *stripe.Subscription
	if atPeriodEnd {
		stripeSub, err = s.stripe.UpdateSubscription(ctx, live.StripeSubscriptionID, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		stripeSub, err = s.stripe.CancelSubscription(ctx, live.StripeSubscriptionID, &stripe.SubscriptionCancelParams{})
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "canceling stripe subscription")
	}

	var updated *models.Subscription
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		stored, err := repo.FindSubscriptionByStripeID(ctx, live.StripeSubscriptionID)
		if err != nil {
			return err
		}
		if stored == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		oldStatus := stored.Status
		if err := UpdateSubscriptionFromStripe(stored, stripeSub); err != nil {
			return err
		}
		// A provider event buffered before this call must not undo the write.
		now := time.Now().UTC()
		stored.LastEventAt = &now
		if err := repo.UpdateSubscription(ctx, stored); err != nil {
			return err
		}

		newStatus := stored.Status
		desc := "cancellation scheduled at period end"
		if !atPeriodEnd {
			desc = "subscription canceled immediately"
		}
		if err := repo.CreateHistory(ctx, &models.SubscriptionHistory{
			SubscriptionID: stored.ID,
			UserID:         stored.UserID,
			Action:         enums.ActionCanceled,
			OldStatus:      &oldStatus,
			NewStatus:      &newStatus,
			BillingCycle:   &stored.BillingCycle,
			Description:    desc,
		}); err != nil {
			return err
		}

		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSubscriptionCanceled,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   stored.ID,
			Actor:         &outbox.ActorRef{UserID: stored.UserID},
			Data: map[string]any{
				"plan_id":        stored.PlanID,
				"at_period_end":  atPeriodEnd,
				"current_status": newStatus.String(),
			},
			Version: 1,
		}); err != nil {
			return err
		}

		updated = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithSubscriptionID(ctx, updated.ID.String())
		s.logg.Info(logCtx, "subscription canceled")
	}
	return updated, nil
}

// Resume clears a pending period-end cancellation.
func (s *service) Resume(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	live, err := s.billingRepo.FindLiveSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finding subscription")
	}
	if live == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}
	if !live.CancelAtPeriodEnd {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not scheduled for cancellation")
	}

	stripeSub, err := s.stripe.UpdateSubscription(ctx, live.StripeSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resuming stripe subscription")
	}

	var updated *models.Subscription
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		stored, err := repo.FindSubscriptionByStripeID(ctx, live.StripeSubscriptionID)
		if err != nil {
			return err
		}
		if stored == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		if err := UpdateSubscriptionFromStripe(stored, stripeSub); err != nil {
			return err
		}
		now := time.Now().UTC()
		stored.LastEventAt = &now
		if err := repo.UpdateSubscription(ctx, stored); err != nil {
			return err
		}

		if err := repo.CreateHistory(ctx, &models.SubscriptionHistory{
			SubscriptionID: stored.ID,
			UserID:         stored.UserID,
			Action:         enums.ActionResumed,
			BillingCycle:   &stored.BillingCycle,
			Description:    "pending cancellation cleared",
		}); err != nil {
			return err
		}

		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSubscriptionResumed,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   stored.ID,
			Actor:         &outbox.ActorRef{UserID: stored.UserID},
			Data:          map[string]string{"plan_id": stored.PlanID},
			Version:       1,
		}); err != nil {
			return err
		}

		updated = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithSubscriptionID(ctx, updated.ID.String())
		s.logg.Info(logCtx, "subscription resumed")
	}
	return updated, nil
}

func (s *service) observeCheckout(outcome string) {
	if s.metrics != nil {
		s.metrics.IncCheckout(outcome)
	}
}
