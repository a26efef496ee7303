package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/talentbase/talentbase-backend/internal/billing"
	"github.com/talentbase/talentbase-backend/internal/subscriptions"
	dbpkg "github.com/talentbase/talentbase-backend/pkg/db"
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

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Sentinels for deliveries that are acknowledged without applying anything.
var (
	errDuplicateEvent = errors.New("event already processed")
	errStaleEvent     = errors.New("event older than last applied")
	errNoLocalRow     = errors.New("no local subscription row")
)

type handlerFunc func(ctx context.Context, event *stripe.Event) error

type ServiceParams struct {
	BillingRepo       billing.Repository
	StripeClient      subscriptions.StripeBillingClient
	TransactionRunner txRunner
	Outbox            outboxEmitter
	Logger            *logger.Logger
	Metrics           *metrics.BillingMetrics
}

// Service applies Stripe webhook events to the local subscription mirror.
// Every mutation runs in one transaction together with a durable
// webhook_events dedup row and the outbox emit.
type Service struct {
	billingRepo billing.Repository
	stripe      subscriptions.StripeBillingClient
	txRunner    txRunner
	outbox      outboxEmitter
	locks       *subscriptionLocks
	logg        *logger.Logger
	metrics     *metrics.BillingMetrics
	handlers    map[EventKind]handlerFunc
}

func NewService(params ServiceParams) (*Service, error) {
	if params.BillingRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.StripeClient == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	}
	s := &Service{
		billingRepo: params.BillingRepo,
		stripe:      params.StripeClient,
		txRunner:    params.TransactionRunner,
		outbox:      params.Outbox,
		locks:       newSubscriptionLocks(),
		logg:        params.Logger,
		metrics:     params.Metrics,
	}
	s.handlers = map[EventKind]handlerFunc{
		KindSubscriptionCreated:  s.handleSubscriptionCreated,
		KindSubscriptionUpdated:  s.handleSubscriptionUpdated,
		KindSubscriptionDeleted:  s.handleSubscriptionDeleted,
		KindTrialWillEnd:         s.handleTrialWillEnd,
		KindInvoicePaymentOK:     s.handleInvoicePaymentSucceeded,
		KindInvoicePaymentFailed: s.handleInvoicePaymentFailed,
		KindInvoiceCreated:       s.handleInvoiceCreated,
		KindCheckoutCompleted:    s.handleCheckoutCompleted,
	}
	return s, nil
}

// HandleEvent dispatches the event to its typed handler. A nil return
// acknowledges the delivery; any error propagates so the controller can
// answer 5xx and Stripe redelivers.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	kind, ok := KindFromEventType(event.Type)
	if !ok {
		s.observe(string(event.Type), "unhandled", 0)
		if s.logg != nil {
			logCtx := s.logg.WithEventID(ctx, event.ID)
			s.logg.Info(logCtx, "unhandled stripe event acknowledged")
		}
		return nil
	}

	start := time.Now()
	err := s.handlers[kind](ctx, event)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.observe(string(kind), "applied", elapsed)
		return nil
	case errors.Is(err, errDuplicateEvent):
		s.observe(string(kind), "duplicate", elapsed)
		return nil
	case errors.Is(err, errStaleEvent):
		s.observe(string(kind), "stale", elapsed)
		return nil
	case errors.Is(err, errNoLocalRow):
		s.observe(string(kind), "no_local_row", elapsed)
		if s.logg != nil {
			logCtx := s.logg.WithEventID(ctx, event.ID)
			s.logg.Warn(logCtx, "stripe event for unknown subscription acknowledged")
		}
		return nil
	default:
		s.observe(string(kind), "failed", elapsed)
		return err
	}
}

func (s *Service) applyEvent(ctx context.Context, event *stripe.Event, stripeSubID string, fn func(tx *gorm.DB, repo billing.Repository) error) error {
	return s.applyEventLocking(ctx, event, fn, stripeSubID)
}

// applyEventLocking serializes per subscription, opens the mutation
// transaction, and inserts the durable dedup row before running fn. A unique
// violation on the dedup row means the event was already applied. Handlers
// that touch more than one subscription list every id so all rows they mutate
// are held.
func (s *Service) applyEventLocking(ctx context.Context, event *stripe.Event, fn func(tx *gorm.DB, repo billing.Repository) error, stripeSubIDs ...string) error {
	unlock := s.locks.lockMany(stripeSubIDs...)
	defer unlock()

	// Read-only fast path for redeliveries. The insert below still decides
	// under concurrent delivery across instances.
	if seen, err := s.billingRepo.WebhookEventExists(ctx, event.ID); err == nil && seen {
		return errDuplicateEvent
	}

	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		if err := repo.InsertWebhookEvent(ctx, &models.WebhookEvent{
			StripeEventID: event.ID,
			EventType:     string(event.Type),
		}); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return errDuplicateEvent
			}
			return err
		}
		return fn(tx, repo)
	})
	return err
}

func (s *Service) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	stripeSub, err := decodeSubscription(event)
	if err != nil {
		return err
	}
	eventTime := eventTimestamp(event)

	return s.applyEvent(ctx, event, stripeSub.ID, func(tx *gorm.DB, repo billing.Repository) error {
		stored, err := repo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			// The completion handler owns row creation; a created event
			// arriving first is acknowledged and the row catches up later.
			return errNoLocalRow
		}
		if isStale(stored, eventTime) {
			return errStaleEvent
		}

		if err := subscriptions.UpdateSubscriptionFromStripe(stored, stripeSub); err != nil {
			return err
		}
		stored.LastEventAt = &eventTime
		if err := repo.UpdateSubscription(ctx, stored); err != nil {
			return err
		}

		status := stored.Status
		if err := repo.CreateHistory(ctx, &models.SubscriptionHistory{
			SubscriptionID: stored.ID,
			UserID:         stored.UserID,
			Action:         enums.ActionActivated,
			NewStatus:      &status,
			BillingCycle:   &stored.BillingCycle,
			StripeEventID:  &event.ID,
			Description:    "provider confirmed subscription",
		}); err != nil {
			return err
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSubscriptionActivated,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   stored.ID,
			Data:          map[string]string{"plan_id": stored.PlanID, "status": status.String()},
			Version:       1,
		})
	})
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	stripeSub, err := decodeSubscription(event)
	if err != nil {
		return err
	}
	eventTime := eventTimestamp(event)

	return s.applyEvent(ctx, event, stripeSub.ID, func(tx *gorm.DB, repo billing.Repository) error {
		stored, err := repo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return errNoLocalRow
		}
		if isStale(stored, eventTime) {
			return errStaleEvent
		}

		oldStatus := stored.Status
		oldCancel := stored.CancelAtPeriodEnd
		if err := subscriptions.UpdateSubscriptionFromStripe(stored, stripeSub); err != nil {
			return err
		}
		stored.LastEventAt = &eventTime
		if err := repo.UpdateSubscription(ctx, stored); err != nil {
			return err
		}

		action, desc := classifyUpdate(oldStatus, stored.Status, oldCancel, stored.CancelAtPeriodEnd)
		entry := &models.SubscriptionHistory{
			SubscriptionID: stored.ID,
			UserID:         stored.UserID,
			Action:         action,
			BillingCycle:   &stored.BillingCycle,
			StripeEventID:  &event.ID,
			Description:    desc,
		}
		if oldStatus != stored.Status {
			newStatus := stored.Status
			entry.OldStatus = &oldStatus
			entry.NewStatus = &newStatus
		}
		if err := repo.CreateHistory(ctx, entry); err != nil {
			return err
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSubscriptionChanged,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   stored.ID,
			Data: map[string]string{
				"plan_id":    stored.PlanID,
				"old_status": oldStatus.String(),
				"new_status": stored.Status.String(),
			},
			Version: 1,
		})
	})
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	stripeSub, err := decodeSubscription(event)
	if err != nil {
		return err
	}
	eventTime := eventTimestamp(event)

	return s.applyEvent(ctx, event, stripeSub.ID, func(tx *gorm.DB, repo billing.Repository) error {
		stored, err := repo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return errNoLocalRow
		}
		if isStale(stored, eventTime) {
			return errStaleEvent
		}

		oldStatus := stored.Status
		stored.Status = enums.SubscriptionStatusCanceled
		stored.CancelAtPeriodEnd = false
		if stored.CanceledAt == nil {
			canceledAt := eventTime
			if stripeSub.CanceledAt != 0 {
				canceledAt = time.Unix(stripeSub.CanceledAt, 0).UTC()
			}
			stored.CanceledAt = &canceledAt
		}
		stored.LastEventAt = &eventTime
		if err := repo.UpdateSubscription(ctx, stored); err != nil {
			return err
		}

		newStatus := stored.Status
		if err := repo.CreateHistory(ctx, &models.SubscriptionHistory{
			SubscriptionID: stored.ID,
			UserID:         stored.UserID,
			Action:         enums.ActionCanceled,
			OldStatus:      &oldStatus,
			NewStatus:      &newStatus,
			BillingCycle:   &stored.BillingCycle,
			StripeEventID:  &event.ID,
			Description:    "provider terminated subscription",
		}); err != nil {
			return err
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSubscriptionCanceled,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   stored.ID,
			Data:          map[string]string{"plan_id": stored.PlanID},
			Version:       1,
		})
	})
}

func (s *Service) handleTrialWillEnd(ctx context.Context, event *stripe.Event) error {
	stripeSub, err := decodeSubscription(event)
	if err != nil {
		return err
	}

	return s.applyEvent(ctx, event, stripeSub.ID, func(tx *gorm.DB, repo billing.Repository) error {
		stored, err := repo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return errNoLocalRow
		}

		if err := repo.CreateHistory(ctx, &models.SubscriptionHistory{
			SubscriptionID: stored.ID,
			UserID:         stored.UserID,
			Action:         enums.ActionTrialEnded,
			BillingCycle:   &stored.BillingCycle,
			StripeEventID:  &event.ID,
			Description:    "trial ends within three days",
		}); err != nil {
			return err
		}

		// Notifications hang off the events pipeline, not this handler.
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTrialEnding,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   stored.ID,
			Data:          map[string]string{"plan_id": stored.PlanID},
			Version:       1,
		})
	})
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	invoice, subID, err := decodeInvoice(event)
	if err != nil {
		return err
	}

	return s.applyEvent(ctx, event, subID, func(tx *gorm.DB, repo billing.Repository) error {
		stored, err := repo.FindSubscriptionByStripeID(ctx, subID)
		if err != nil {
			return err
		}
		if stored == nil {
			return errNoLocalRow
		}

		amount := centsToDecimal(invoice.AmountPaid)
		currency := enums.Currency(invoice.Currency)
		if err := repo.CreateHistory(ctx, &models.SubscriptionHistory{
			SubscriptionID:  stored.ID,
			UserID:          stored.UserID,
			Action:          enums.ActionPaymentSucceeded,
			Amount:          &amount,
			CurrencyCode:    &currency,
			BillingCycle:    &stored.BillingCycle,
			StripeEventID:   &event.ID,
			StripeInvoiceID: &invoice.ID,
		}); err != nil {
			return err
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentSucceeded,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   stored.ID,
			Data: map[string]string{
				"plan_id":    stored.PlanID,
				"invoice_id": invoice.ID,
				"amount":     amount.StringFixed(2),
				"currency":   string(currency),
			},
			Version: 1,
		})
	})
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	invoice, subID, err := decodeInvoice(event)
	if err != nil {
		return err
	}
	eventTime := eventTimestamp(event)

	return s.applyEvent(ctx, event, subID, func(tx *gorm.DB, repo billing.Repository) error {
		stored, err := repo.FindSubscriptionByStripeID(ctx, subID)
		if err != nil {
			return err
		}
		if stored == nil {
			return errNoLocalRow
		}

		entry := &models.SubscriptionHistory{
			SubscriptionID:  stored.ID,
			UserID:          stored.UserID,
			Action:          enums.ActionPaymentFailed,
			BillingCycle:    &stored.BillingCycle,
			StripeEventID:   &event.ID,
			StripeInvoiceID: &invoice.ID,
		}
		amount := centsToDecimal(invoice.AmountDue)
		currency := enums.Currency(invoice.Currency)
		entry.Amount = &amount
		entry.CurrencyCode = &currency

		if stored.Status != enums.SubscriptionStatusPastDue && stored.Status != enums.SubscriptionStatusCanceled {
			oldStatus := stored.Status
			newStatus := enums.SubscriptionStatusPastDue
			stored.Status = newStatus
			stored.LastEventAt = &eventTime
			if err := repo.UpdateSubscription(ctx, stored); err != nil {
				return err
			}
			entry.OldStatus = &oldStatus
			entry.NewStatus = &newStatus
		}

		if err := repo.CreateHistory(ctx, entry); err != nil {
			return err
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   stored.ID,
			Data: map[string]string{
				"plan_id":    stored.PlanID,
				"invoice_id": invoice.ID,
			},
			Version: 1,
		})
	})
}

func (s *Service) handleInvoiceCreated(ctx context.Context, event *stripe.Event) error {
	invoice, subID, err := decodeInvoice(event)
	if err != nil {
		return err
	}

	return s.applyEvent(ctx, event, subID, func(tx *gorm.DB, repo billing.Repository) error {
		stored, err := repo.FindSubscriptionByStripeID(ctx, subID)
		if err != nil {
			return err
		}
		if stored == nil {
			return errNoLocalRow
		}

		amount := centsToDecimal(invoice.AmountDue)
		currency := enums.Currency(invoice.Currency)
		if err := repo.CreateHistory(ctx, &models.SubscriptionHistory{
			SubscriptionID:  stored.ID,
			UserID:          stored.UserID,
			Action:          enums.ActionRenewed,
			Amount:          &amount,
			CurrencyCode:    &currency,
			BillingCycle:    &stored.BillingCycle,
			StripeEventID:   &event.ID,
			StripeInvoiceID: &invoice.ID,
			Description:     "billing period invoice issued",
		}); err != nil {
			return err
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSubscriptionRenewed,
			AggregateType: enums.AggregateInvoice,
			AggregateID:   stored.ID,
			Data:          map[string]string{"plan_id": stored.PlanID, "invoice_id": invoice.ID},
			Version:       1,
		})
	})
}

func classifyUpdate(oldStatus, newStatus enums.SubscriptionStatus, oldCancel, newCancel bool) (enums.SubscriptionAction, string) {
	switch {
	case newCancel && !oldCancel:
		return enums.ActionCanceled, "cancellation scheduled at period end"
	case !newCancel && oldCancel:
		return enums.ActionResumed, "pending cancellation cleared"
	case oldStatus == newStatus:
		return enums.ActionRenewed, "subscription refreshed"
	case newStatus == enums.SubscriptionStatusCanceled:
		return enums.ActionCanceled, "provider reported cancellation"
	case newStatus == enums.SubscriptionStatusPastDue:
		return enums.ActionPaymentFailed, "provider reported past due"
	default:
		return enums.ActionActivated, "subscription became " + newStatus.String()
	}
}

func isStale(stored *models.Subscription, eventTime time.Time) bool {
	return stored.LastEventAt != nil && eventTime.Before(*stored.LastEventAt)
}

func eventTimestamp(event *stripe.Event) time.Time {
	if event.Created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(event.Created, 0).UTC()
}

func decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription event")
	}
	if stripeSub.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
	}
	return &stripeSub, nil
}

func decodeInvoice(event *stripe.Event) (*stripe.Invoice, string, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice event")
	}
	subID := event.GetObjectValue("subscription")
	if subID == "" {
		subID = event.GetObjectValue("parent", "subscription_details", "subscription")
	}
	if subID == "" {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing from invoice")
	}
	return &invoice, subID, nil
}

func centsToDecimal(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}

func (s *Service) observe(kind, outcome string, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveWebhook(kind, outcome, elapsed)
	}
}
