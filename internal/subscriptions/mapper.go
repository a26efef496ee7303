package subscriptions

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
)

// MetadataKeyUserID and friends are the session/subscription metadata keys the
// checkout initiator stamps and the webhook dispatcher reads back.
const (
	MetadataKeyUserID            = "user_id"
	MetadataKeyPlanID            = "plan_id"
	MetadataKeyBillingCycle      = "billing_cycle"
	MetadataKeyAction            = "action"
	MetadataKeyOldSubscriptionID = "old_subscription_id"

	MetadataActionChangePlan = "change_plan"
)

// BuildSubscriptionFromStripe maps a Stripe subscription into the canonical model.
func BuildSubscriptionFromStripe(stripeSub *stripe.Subscription, userID uuid.UUID, planID string, cycle enums.BillingCycle, customerID string) (*models.Subscription, error) {
	if stripeSub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription is nil")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	metadata, err := mergeMetadata(stripeSub.Metadata, map[string]string{
		MetadataKeyUserID: userID.String(),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal metadata")
	}

	startTS, endTS := periodFromStripe(stripeSub)

	return &models.Subscription{
		UserID:               userID,
		PlanID:               planID,
		StripeSubscriptionID: stripeSub.ID,
		StripeCustomerID:     customerID,
		Status:               MapStripeStatus(stripeSub.Status),
		BillingCycle:         cycle,
		CurrentPeriodStart:   toTimePtr(startTS),
		CurrentPeriodEnd:     toTime(endTS),
		TrialStart:           toTimePtr(stripeSub.TrialStart),
		TrialEnd:             toTimePtr(stripeSub.TrialEnd),
		CancelAtPeriodEnd:    stripeSub.CancelAtPeriodEnd,
		CanceledAt:           toTimePtr(stripeSub.CanceledAt),
		Metadata:             metadata,
	}, nil
}

// UpdateSubscriptionFromStripe refreshes the stored row from new Stripe data.
// Identity fields (user, plan, billing cycle) are left untouched.
func UpdateSubscriptionFromStripe(target *models.Subscription, stripeSub *stripe.Subscription) error {
	if target == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "target subscription is nil")
	}
	if stripeSub == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription is nil")
	}

	startTS, endTS := periodFromStripe(stripeSub)

	target.Status = MapStripeStatus(stripeSub.Status)
	if startTS != 0 {
		target.CurrentPeriodStart = toTimePtr(startTS)
	}
	if endTS != 0 {
		target.CurrentPeriodEnd = toTime(endTS)
	}
	target.TrialStart = toTimePtr(stripeSub.TrialStart)
	target.TrialEnd = toTimePtr(stripeSub.TrialEnd)
	target.CancelAtPeriodEnd = stripeSub.CancelAtPeriodEnd
	target.CanceledAt = toTimePtr(stripeSub.CanceledAt)
	return nil
}

// MapStripeStatus normalizes provider statuses into our four-state model.
// Terminal provider states collapse to canceled; transitional ones to active.
func MapStripeStatus(status stripe.SubscriptionStatus) enums.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return enums.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusActive:
		return enums.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue:
		return enums.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return enums.SubscriptionStatusCanceled
	default:
		return enums.SubscriptionStatusActive
	}
}

// ClassifyPlanChange labels a plan change by comparing integer tiers.
func ClassifyPlanChange(oldTier, newTier int) enums.SubscriptionAction {
	switch {
	case newTier > oldTier:
		return enums.ActionUpgraded
	case newTier < oldTier:
		return enums.ActionDowngraded
	default:
		return enums.ActionActivated
	}
}

// UserIDFromMetadata extracts the user id the checkout initiator stamped.
func UserIDFromMetadata(metadata map[string]string) (uuid.UUID, error) {
	raw := strings.TrimSpace(metadata[MetadataKeyUserID])
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "user_id missing from metadata")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user_id in metadata")
	}
	return id, nil
}

func mergeMetadata(base map[string]string, extras map[string]string) (json.RawMessage, error) {
	merged := map[string]string{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extras {
		if v != "" {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func periodFromStripe(sub *stripe.Subscription) (int64, int64) {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return 0, 0
	}
	item := sub.Items.Data[0]
	if item == nil {
		return 0, 0
	}
	return item.CurrentPeriodStart, item.CurrentPeriodEnd
}

// PriceIDFromStripe returns the first item's price id, or "".
func PriceIDFromStripe(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	if sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}

func toTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func toTimePtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
