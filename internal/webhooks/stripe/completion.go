package stripewebhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/talentbase/talentbase-backend/internal/billing"
	"github.com/talentbase/talentbase-backend/internal/subscriptions"
	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/outbox"
)

// handleCheckoutCompleted converts a finished checkout session into the local
// subscription row. For plan changes the old provider subscription is canceled
// first; Stripe does not proration-swap across separate checkout sessions.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	session, err := decodeCheckoutSession(event)
	if err != nil {
		return err
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription {
		return nil
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "completed session has no subscription")
	}

	userID, err := subscriptions.UserIDFromMetadata(session.Metadata)
	if err != nil {
		return err
	}
	isPlanChange := session.Metadata[subscriptions.MetadataKeyAction] == subscriptions.MetadataActionChangePlan
	oldStripeSubID := strings.TrimSpace(session.Metadata[subscriptions.MetadataKeyOldSubscriptionID])

	stripeSub, err := s.stripe.GetSubscription(ctx, session.Subscription.ID, &stripe.SubscriptionParams{})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch subscription for completed session")
	}

	// Cancel the replaced provider subscription before touching local state.
	// If the tx below fails and the event is redelivered, canceling an
	// already-canceled subscription is harmless.
	if isPlanChange && oldStripeSubID != "" && oldStripeSubID != stripeSub.ID {
		if _, err := s.stripe.CancelSubscription(ctx, oldStripeSubID, &stripe.SubscriptionCancelParams{}); err != nil {
			if s.logg != nil {
				logCtx := s.logg.WithEventID(ctx, event.ID)
				s.logg.Warn(logCtx, "cancel of replaced subscription failed: "+err.Error())
			}
		}
	}

	eventTime := eventTimestamp(event)

	// Both the new and the replaced subscription rows are mutated here, so
	// hold both locks.
	lockIDs := []string{stripeSub.ID}
	if isPlanChange && oldStripeSubID != "" {
		lockIDs = append(lockIDs, oldStripeSubID)
	}

	return s.applyEventLocking(ctx, event, func(tx *gorm.DB, repo billing.Repository) error {
		existing, err := repo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			// Redelivery after a partial apply; the durable dedup row was
			// lost but the subscription landed. Treat as duplicate.
			return errDuplicateEvent
		}

		plan, cycle, err := resolvePlanAndCycle(ctx, repo, session, stripeSub)
		if err != nil {
			return err
		}

		var oldRow *models.Subscription
		if isPlanChange && oldStripeSubID != "" {
			oldRow, err = repo.FindSubscriptionByStripeID(ctx, oldStripeSubID)
			if err != nil {
				return err
			}
		}

		var oldPlan *models.SubscriptionPlan
		if oldRow != nil {
			if err := s.retireOldSubscription(ctx, repo, oldRow, event.ID, eventTime); err != nil {
				return err
			}
			oldPlan, err = repo.FindPlanByID(ctx, oldRow.PlanID)
			if err != nil {
				return err
			}
		}

		customerID := ""
		if session.Customer != nil {
			customerID = session.Customer.ID
		}
		record, err := subscriptions.BuildSubscriptionFromStripe(stripeSub, userID, plan.ID, cycle, customerID)
		if err != nil {
			return err
		}
		record.LastEventAt = &eventTime
		if err := repo.CreateSubscription(ctx, record); err != nil {
			return err
		}

		amount := centsToDecimal(session.AmountTotal)
		currency, err := enums.ParseCurrency(string(session.Currency))
		if err != nil {
			currency = plan.CurrencyCode
		}
		newStatus := record.Status

		entry := &models.SubscriptionHistory{
			SubscriptionID: record.ID,
			UserID:         userID,
			NewPlanID:      &record.PlanID,
			NewStatus:      &newStatus,
			Amount:         &amount,
			CurrencyCode:   &currency,
			BillingCycle:   &cycle,
			StripeEventID:  &event.ID,
		}
		eventType := enums.EventSubscriptionCreated
		if oldRow != nil && oldPlan != nil {
			entry.Action = subscriptions.ClassifyPlanChange(oldPlan.Tier, plan.Tier)
			entry.OldPlanID = &oldRow.PlanID
			entry.Description = "plan changed via checkout"
			eventType = enums.EventSubscriptionChanged
		} else {
			entry.Action = enums.ActionCreated
			entry.Description = "checkout completed"
		}
		if err := repo.CreateHistory(ctx, entry); err != nil {
			return err
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     eventType,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   record.ID,
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: map[string]string{
				"plan_id":       record.PlanID,
				"billing_cycle": cycle.String(),
				"status":        newStatus.String(),
			},
			Version: 1,
		})
	}, lockIDs...)
}

// resolvePlanAndCycle maps a completed session onto a local plan. Sessions
// minted by the checkout initiator carry plan_id and billing_cycle metadata;
// sessions created elsewhere (a dashboard payment link) carry neither, so the
// subscription item's price id picks both the plan and the cycle.
func resolvePlanAndCycle(ctx context.Context, repo billing.Repository, session *stripe.CheckoutSession, stripeSub *stripe.Subscription) (*models.SubscriptionPlan, enums.BillingCycle, error) {
	if planID := strings.TrimSpace(session.Metadata[subscriptions.MetadataKeyPlanID]); planID != "" {
		cycle, err := enums.ParseBillingCycle(session.Metadata[subscriptions.MetadataKeyBillingCycle])
		if err != nil {
			return nil, "", err
		}
		plan, err := repo.FindPlanByID(ctx, planID)
		if err != nil {
			return nil, "", err
		}
		if plan == nil {
			return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "unknown plan in session metadata: "+planID)
		}
		return plan, cycle, nil
	}

	priceID := subscriptions.PriceIDFromStripe(stripeSub)
	if priceID == "" {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "session carries neither plan metadata nor a price")
	}
	plan, err := repo.FindPlanByStripePriceID(ctx, priceID)
	if err != nil {
		return nil, "", err
	}
	if plan == nil {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "no plan matches price "+priceID)
	}
	cycle := enums.BillingCycleMonthly
	if plan.StripePriceIDYearly == priceID {
		cycle = enums.BillingCycleYearly
	}
	return plan, cycle, nil
}

// retireOldSubscription marks the replaced row canceled and appends its
// terminal history entry inside the same transaction as the new row.
func (s *Service) retireOldSubscription(ctx context.Context, repo billing.Repository, oldRow *models.Subscription, eventID string, eventTime time.Time) error {
	if oldRow.Status == enums.SubscriptionStatusCanceled {
		return nil
	}
	oldStatus := oldRow.Status
	oldRow.Status = enums.SubscriptionStatusCanceled
	oldRow.CancelAtPeriodEnd = false
	oldRow.CanceledAt = &eventTime
	oldRow.LastEventAt = &eventTime
	if err := repo.UpdateSubscription(ctx, oldRow); err != nil {
		return err
	}
	canceled := enums.SubscriptionStatusCanceled
	return repo.CreateHistory(ctx, &models.SubscriptionHistory{
		SubscriptionID: oldRow.ID,
		UserID:         oldRow.UserID,
		Action:         enums.ActionCanceled,
		OldStatus:      &oldStatus,
		NewStatus:      &canceled,
		BillingCycle:   &oldRow.BillingCycle,
		StripeEventID:  &eventID,
		Description:    "replaced by plan change",
	})
}

func decodeCheckoutSession(event *stripe.Event) (*stripe.CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session event")
	}
	if session.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session id missing")
	}
	return &session, nil
}
